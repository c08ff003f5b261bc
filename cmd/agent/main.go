package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"node-emissions/pkg/agent"
	"node-emissions/pkg/logger"
	"node-emissions/pkg/version"
)

func main() {
	defaultServer := os.Getenv("EMISSIONS_SERVER")
	if defaultServer == "" {
		defaultServer = "http://127.0.0.1:8080"
	}

	nodeID := flag.String("id", os.Getenv("NODE_ID"), "node id (overrides NODE_ID env)")
	owner := flag.String("owner", os.Getenv("NODE_OWNER"), "owner identity; registers the node when set")
	tier := flag.String("tier", "base", "node tier used when registering: top|mid|base")
	server := flag.String("server", defaultServer, "emissions server base URL")
	token := flag.String("token", os.Getenv("AUTH_TOKEN"), "operator token (env AUTH_TOKEN)")
	target := flag.String("target", "", "what to probe: http(s)://url or host:port")
	probeTimeout := flag.Duration("probe-timeout", 5*time.Second, "timeout per probe")
	probeInterval := flag.Duration("probe-interval", 30*time.Second, "probe cadence")
	reportInterval := flag.Duration("report-interval", 5*time.Minute, "telemetry report cadence")
	window := flag.Duration("window", 24*time.Hour, "rolling uptime window")
	minSamples := flag.Int("min-samples", 10, "samples required before the first report")
	statePath := flag.String("state", "", "sqlite file keeping samples across restarts (memory when empty)")
	caFile := flag.String("ca", os.Getenv("CA_FILE"), "CA file for server TLS (optional)")
	logLevel := flag.String("log-level", "info", "log level")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("agent version=" + version.String())
		return
	}
	if err := logger.Init("", *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	log := logger.Named("agent")
	if *nodeID == "" {
		log.Fatal("node id is required (flag --id or env NODE_ID)")
	}

	probe, err := agent.ParseTarget(*target, *probeTimeout)
	if err != nil {
		log.Fatal("invalid probe target", zap.Error(err))
	}
	client, err := buildHTTPClient(*caFile)
	if err != nil {
		log.Fatal("http client build failed", zap.Error(err))
	}

	var tracker agent.Tracker = agent.NewWindow(*window)
	if *statePath != "" {
		sw, err := agent.OpenSQLiteWindow(*statePath, *window)
		if err != nil {
			log.Fatal("open sample store failed", zap.String("path", *statePath), zap.Error(err))
		}
		defer sw.Close()
		tracker = sw
	}

	r := &agent.Reporter{
		Client:         client,
		Server:         *server,
		Token:          *token,
		NodeID:         *nodeID,
		Probe:          probe,
		Tracker:        tracker,
		ProbeInterval:  *probeInterval,
		ReportInterval: *reportInterval,
		MinSamples:     *minSamples,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *owner != "" {
		if err := r.Register(ctx, *owner, *tier); err != nil {
			log.Fatal("register failed", zap.Error(err))
		}
	}
	log.Info("agent started", zap.String("version", version.String()), zap.String("node", *nodeID), zap.String("target", *target))
	r.Run(ctx)
	log.Info("agent stopped")
}

func buildHTTPClient(caFile string) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		caData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		tlsConfig.RootCAs = pool
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}
