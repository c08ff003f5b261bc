//go:build consul

package consul

import (
	"context"
	"fmt"
	"strconv"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"node-emissions/pkg/logger"
	"node-emissions/pkg/merkle"
	"node-emissions/pkg/registry"
)

const rootPrefix = "node-emissions/roots/"

// Client wraps a Consul client used for leader election and for the
// published root registry.
type Client struct {
	cli *consulapi.Client
}

func NewClient(addr string) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Client{cli: cli}, nil
}

func rootKey(period uint64) string {
	return rootPrefix + strconv.FormatUint(period, 10)
}

// Publish writes the period root create-only (CAS with index 0), so an
// existing root is never overwritten.
func (c *Client) Publish(period uint64, root merkle.Digest) error {
	kv := &consulapi.KVPair{Key: rootKey(period), Value: []byte(root.Hex()), ModifyIndex: 0}
	ok, _, err := c.cli.KV().CAS(kv, nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	existing, found, err := c.Root(period)
	if err != nil {
		return err
	}
	if found && existing == root {
		return nil
	}
	return fmt.Errorf("%w: period %d", registry.ErrConflict, period)
}

func (c *Client) Root(period uint64) (merkle.Digest, bool, error) {
	kv, _, err := c.cli.KV().Get(rootKey(period), nil)
	if err != nil || kv == nil {
		return merkle.Digest{}, false, err
	}
	d, err := merkle.ParseDigest(string(kv.Value))
	if err != nil {
		return merkle.Digest{}, false, fmt.Errorf("root for period %d: %w", period, err)
	}
	return d, true, nil
}

// LeaderGuard blocks until the lock at key is held, runs cb with a context
// cancelled when leadership is lost, and retries until ctx is done.
func (c *Client) LeaderGuard(ctx context.Context, key string, ttl time.Duration, cb func(context.Context)) {
	log := logger.Named("consul")
	for ctx.Err() == nil {
		lock, err := c.cli.LockOpts(&consulapi.LockOptions{Key: key, SessionTTL: ttl.String()})
		if err != nil {
			log.Warn("create lock failed", zap.String("key", key), zap.Error(err))
			sleep(ctx, ttl)
			continue
		}
		lost, err := lock.Lock(ctx.Done())
		if err != nil || lost == nil {
			if err != nil {
				log.Warn("acquire lock failed", zap.String("key", key), zap.Error(err))
			}
			sleep(ctx, ttl)
			continue
		}
		lctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-lost:
			case <-lctx.Done():
			}
			cancel()
		}()
		log.Info("leader lock acquired", zap.String("key", key))
		cb(lctx)
		cancel()
		_ = lock.Unlock()
		log.Info("leader lock released", zap.String("key", key))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
