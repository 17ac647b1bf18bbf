package loadbalance

import (
	"fmt"
	"hash/crc32"
	"remote-cmd/registry"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the ring changes.
//
// Each real instance is placed on the ring as 100 virtual nodes so that a
// handful of servers still split the key space evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// The ring is rebuilt whenever PickKey sees a different instance set.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32                            // Sorted hash values on the ring
	nodes map[uint32]registry.ServiceInstance // Hash value → instance
	sig   string                              // Addresses the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places an instance onto the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) addLocked(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

// Get finds the instance responsible for key on the current ring.
func (b *ConsistentHashBalancer) Get(key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getLocked(key)
}

func (b *ConsistentHashBalancer) getLocked(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// First node clockwise from the key; past the last node wraps to the first
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

// PickKey rebuilds the ring from instances if they changed, then maps key.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if sig != b.sig {
		b.ring = b.ring[:0]
		clear(b.nodes)
		for _, inst := range instances {
			b.addLocked(inst)
		}
		sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
		b.sig = sig
	}
	return b.getLocked(key)
}

// Pick routes with an empty key, so every call lands on the same instance.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	return b.PickKey(instances, "")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
