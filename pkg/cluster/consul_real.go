//go:build consul

package cluster

import (
	"node-emissions/pkg/consul"
	"node-emissions/pkg/registry"
)

// NewConsul returns a Consul-backed leader guard and root registry (requires build tag consul).
func NewConsul(addr string) (Guard, registry.Registry, error) {
	c, err := consul.NewClient(addr)
	if err != nil {
		return nil, nil, err
	}
	return c, c, nil
}
