// Package registry lets servers announce themselves and clients find them.
package registry

import "context"

// ServiceInstance is one reachable server.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

type Registry interface {
	// Register publishes instance under serviceName for ttl seconds, renewed
	// until Deregister is called.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

const keyPrefix = "/remote-cmd/"

func servicePrefix(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

func instanceKey(serviceName, addr string) string {
	return servicePrefix(serviceName) + addr
}
