// Package loadbalance picks which remote-cmd server a client talks to when
// servers are found through a registry.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers with different capacity, by registered weight
//   - ConsistentHash:  the same directive always goes to the same server
package loadbalance

import (
	"errors"
	"remote-cmd/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick before each request; implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging).
	Name() string
}

// KeyedBalancer is a Balancer that can route on a request key.
// The client passes the directive text as the key.
type KeyedBalancer interface {
	Balancer
	PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)
}

// New returns the balancer registered under name, or RoundRobin for an unknown name.
func New(name string) Balancer {
	switch name {
	case "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "ConsistentHash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
