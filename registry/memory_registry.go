package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-host setups.
// TTLs are ignored: instances stay until deregistered.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, serviceName string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := slices.DeleteFunc(m.instances[serviceName], func(i ServiceInstance) bool { return i.Addr == inst.Addr })
	m.instances[serviceName] = append(insts, inst)
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[serviceName] = slices.DeleteFunc(m.instances[serviceName], func(i ServiceInstance) bool { return i.Addr == addr })
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.instances[serviceName]), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.watchers[serviceName] = slices.DeleteFunc(m.watchers[serviceName], func(c chan []ServiceInstance) bool { return c == ch })
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

// notifyLocked replaces any unread snapshot with the latest one.
func (m *MemoryRegistry) notifyLocked(serviceName string) {
	snapshot := slices.Clone(m.instances[serviceName])
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
