// Package agent measures a node's availability locally and reports rolling
// uptime to the emissions server.
package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Probe checks once whether the node's service is up.
type Probe interface {
	Check(ctx context.Context) error
}

// HTTPProbe treats any 2xx/3xx answer from URL as up.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	cli := p.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s returned %s", p.URL, resp.Status)
	}
	return nil
}

// TCPProbe treats a completed TCP handshake with Addr as up.
type TCPProbe struct {
	Addr    string
	Timeout time.Duration
}

func (p TCPProbe) Check(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ParseTarget builds a probe from "http(s)://..." or "host:port".
func ParseTarget(target string, timeout time.Duration) (Probe, error) {
	switch {
	case target == "":
		return nil, fmt.Errorf("probe target is required")
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return HTTPProbe{URL: target, Client: &http.Client{Timeout: timeout}}, nil
	default:
		if _, _, err := net.SplitHostPort(target); err != nil {
			return nil, fmt.Errorf("probe target %q: %w", target, err)
		}
		return TCPProbe{Addr: target, Timeout: timeout}, nil
	}
}
