package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5}
	require.NoError(t, reg.Register(ctx, "remote-cmd", inst1, 10))
	require.NoError(t, reg.Register(ctx, "remote-cmd", inst2, 10))

	// Registering the same address again replaces the entry
	inst1.Version = "2"
	require.NoError(t, reg.Register(ctx, "remote-cmd", inst1, 10))

	instances, err := reg.Discover(ctx, "remote-cmd")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "remote-cmd", inst2.Addr))
	instances, err = reg.Discover(ctx, "remote-cmd")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst1}, instances)

	instances, err = reg.Discover(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestMemoryRegistryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	updates := reg.Watch(ctx, "remote-cmd")
	inst := ServiceInstance{Addr: "127.0.0.1:8001"}
	require.NoError(t, reg.Register(context.Background(), "remote-cmd", inst, 10))

	select {
	case got := <-updates:
		assert.Equal(t, []ServiceInstance{inst}, got)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		assert.False(t, ok, "channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
