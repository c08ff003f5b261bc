// Package cluster decides which process runs exclusive work such as period
// settlement.
package cluster

import (
	"context"
	"time"
)

// Guard runs cb while this process holds leadership for key. cb's context is
// cancelled when leadership is lost.
type Guard interface {
	LeaderGuard(ctx context.Context, key string, ttl time.Duration, cb func(context.Context))
}

// Local is the single-process guard: it is always leader and simply runs cb once.
type Local struct{}

func (Local) LeaderGuard(ctx context.Context, _ string, _ time.Duration, cb func(context.Context)) {
	if cb != nil {
		cb(ctx)
	}
}
