package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry implements Registry on etcd v3.
//
// It stores one key per live server:
//
//	Key:   /remote-cmd/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Each key is attached to a TTL lease that a background KeepAlive renews. If
// the server dies without deregistering, the lease expires and the key goes
// away on its own.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared by every registration
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // instance key → live lease
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // Stops the KeepAlive loop
}

// NewEtcdRegistry creates a registry connected to endpoints.
// logger is handed to the etcd client as well; nil disables logging.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		logger: logger,
		leases: make(map[string]registration),
	}, nil
}

// Register grants a lease, stores the instance under it and keeps the lease
// alive in the background. Registering the same address twice replaces the
// earlier lease.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// KeepAlive must outlive the caller's ctx, which is usually a startup timeout
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	prev, had := r.leases[key]
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()

	if had {
		prev.cancel()
		_, _ = r.client.Revoke(ctx, prev.lease)
	}
	return nil
}

// Deregister removes the instance and revokes its lease.
// Called during graceful shutdown before the listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := instanceKey(serviceName, addr)

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.logger.Warn("revoke lease failed", zap.String("key", key), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

// Watch re-reads the full instance list on every change under the service
// prefix. The returned channel closes when ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all instances currently registered for serviceName.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", serviceName, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every keepalive and closes the etcd client.
// Leases are left to expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
