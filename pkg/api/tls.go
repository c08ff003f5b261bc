package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
)

// TLSOptions configures HTTPS, with mutual TLS when ClientCA is set.
type TLSOptions struct {
	CertFile string `mapstructure:"cert"`
	KeyFile  string `mapstructure:"key"`
	ClientCA string `mapstructure:"client_ca"`
}

func (o TLSOptions) Enabled() bool {
	return o.CertFile != "" && o.KeyFile != ""
}

// Config builds the server TLS config.
func (o TLSOptions) Config() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load cert/key: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if o.ClientCA == "" {
		return cfg, nil
	}
	caData, err := os.ReadFile(o.ClientCA)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("invalid client ca %s", o.ClientCA)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// Serve runs srv over TLS when enabled, plain HTTP otherwise.
func Serve(srv *http.Server, o TLSOptions) error {
	if !o.Enabled() {
		return srv.ListenAndServe()
	}
	cfg, err := o.Config()
	if err != nil {
		return err
	}
	srv.TLSConfig = cfg
	return srv.ListenAndServeTLS("", "")
}
