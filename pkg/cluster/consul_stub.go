//go:build !consul

package cluster

import (
	"go.uber.org/zap"

	"node-emissions/pkg/logger"
	"node-emissions/pkg/registry"
)

// NewConsul falls back to the local guard when the consul build tag is not
// enabled. The returned registry is nil; callers keep their local one.
func NewConsul(addr string) (Guard, registry.Registry, error) {
	logger.Named("cluster").Warn("consul requested but consul build tag not enabled; using local guard", zap.String("addr", addr))
	return Local{}, nil, nil
}
