package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"node-emissions/pkg/api"
	"node-emissions/pkg/auth"
	"node-emissions/pkg/bounty"
	"node-emissions/pkg/cluster"
	"node-emissions/pkg/config"
	"node-emissions/pkg/db"
	"node-emissions/pkg/logger"
	"node-emissions/pkg/metrics"
	"node-emissions/pkg/model"
	"node-emissions/pkg/registry"
	"node-emissions/pkg/risk"
	"node-emissions/pkg/scheduler"
	"node-emissions/pkg/settlement"
	"node-emissions/pkg/store"
	"node-emissions/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	addr := flag.String("addr", "", "listen address (overrides server.addr)")
	storeKind := flag.String("store", "", "store backend: memory|sqlite|mysql (overrides store.kind)")
	token := flag.String("token", "", "bootstrap operator token (overrides auth.token)")
	useConsul := flag.Bool("consul", false, "use consul for leader election and root publishing (requires build tag consul)")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of the given operator password and exit")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("emissiond version=" + version.String())
		return
	}
	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash failed:", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *storeKind != "" {
		cfg.Store.Kind = *storeKind
	}
	if *token != "" {
		cfg.Auth.Token = *token
	}
	if *useConsul {
		cfg.Consul.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log.File, cfg.Log.Level); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	log := logger.Named("main")
	log.Info("starting emissiond", zap.String("version", version.String()), zap.String("store", cfg.Store.Kind))
	auth.SetSecret(cfg.Auth.JWTSecret)

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal("open store failed", zap.Error(err))
	}
	defer closeStore()
	if err := seedGovernance(st, cfg.Governance); err != nil {
		log.Fatal("seed governance failed", zap.Error(err))
	}

	var roots registry.Registry
	var ldb *registry.LevelDB
	if cfg.Registry.Path != "" {
		ldb, err = registry.OpenLevelDB(cfg.Registry.Path)
	} else {
		ldb, err = registry.NewMemLevelDB()
	}
	if err != nil {
		log.Fatal("open root registry failed", zap.Error(err))
	}
	defer ldb.Close()
	roots = ldb

	var guard cluster.Guard = cluster.Local{}
	if cfg.Consul.Enabled {
		g, consulRoots, err := cluster.NewConsul(cfg.Consul.Addr)
		if err != nil {
			log.Fatal("consul init failed", zap.Error(err))
		}
		guard = g
		if consulRoots != nil {
			roots = consulRoots
		}
	}

	exporter := metrics.NewExporter(cfg.Metrics.Prefix)
	hub := api.NewAlertHub()

	var evaluator bounty.Evaluator
	if cfg.Evaluator.URL != "" {
		evaluator = bounty.Guarded{
			Inner: bounty.HTTPEvaluator{
				URL:    cfg.Evaluator.URL,
				Token:  cfg.Evaluator.Token,
				Client: &http.Client{Timeout: cfg.Evaluator.Timeout},
			},
			Timeout: cfg.Evaluator.Timeout,
		}
	}

	svc := &settlement.Service{Store: st, Registry: roots, Metrics: exporter}
	monitor := &risk.Monitor{
		Source:     risk.StoreSource{Store: st},
		Alerts:     st,
		Thresholds: cfg.Risk,
		Notifier:   risk.Notifiers{risk.LogNotifier{}, hub},
		Metrics:    exporter,
	}
	sched := &scheduler.Scheduler{
		Settler:        svc,
		Params:         st,
		Risk:           monitor,
		Guard:          guard,
		LockKey:        cfg.Consul.LockKey,
		LockTTL:        cfg.Consul.LockTTL,
		SettleInterval: cfg.Schedule.SettleInterval,
		RiskInterval:   cfg.Schedule.RiskInterval,
	}
	server := &api.Server{
		Store:      st,
		Settlement: svc,
		Verifier:   &bounty.Verifier{Store: st, Evaluator: evaluator},
		Hub:        hub,
		Metrics:    exporter,
		Token:      cfg.Auth.Token,
		Operators:  cfg.Auth.Operators,
		TokenTTL:   cfg.Auth.TokenTTL,
	}
	if cfg.Auth.Token == "" && len(cfg.Auth.Operators) == 0 {
		log.Warn("no operator token or accounts configured; mutating endpoints are open")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := api.Serve(srv, cfg.Server.TLS); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()
	log.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", cfg.Server.TLS.Enabled()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	<-schedDone
}

func openStore(c config.StoreConfig) (store.Store, func(), error) {
	switch c.Kind {
	case "sqlite":
		s, err := store.OpenSQLite(c.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "mysql":
		gdb, err := db.Init()
		if err != nil {
			return nil, nil, err
		}
		return store.NewGormStore(gdb), func() {
			if sqlDB, err := gdb.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

// seedGovernance installs the configured parameters, or the defaults, when
// the store has none yet. Later changes go through the API.
func seedGovernance(st store.Store, gc *config.GovernanceConfig) error {
	if _, ok, err := st.GetGovernance(); err != nil || ok {
		return err
	}
	p := model.DefaultGovernance()
	source := "defaults"
	if gc != nil {
		var err error
		if p, err = gc.Params(); err != nil {
			return err
		}
		source = "config"
	}
	p.UpdatedAt = time.Now().UTC()
	if err := st.SaveGovernance(p); err != nil {
		return err
	}
	log := logger.Named("main")
	if err := st.AppendAudit(model.AuditEntry{
		Actor:     "emissiond",
		Action:    "governance",
		Target:    "params",
		Detail:    "seeded from " + source,
		Timestamp: p.UpdatedAt,
	}); err != nil {
		log.Warn("append audit failed", zap.String("action", "governance"), zap.Error(err))
	}
	log.Info("governance seeded", zap.String("source", source), zap.Stringer("pool", p.PoolSize))
	return nil
}
