package client_test

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"remote-cmd/client"
	"remote-cmd/directive"
	"remote-cmd/loadbalance"
	"remote-cmd/metrics"
	"remote-cmd/registry"
	"remote-cmd/server"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t testing.TB, p *directive.Processor, opts ...server.Option) string {
	t.Helper()
	srv := server.NewServer(p, opts...)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.ServeListener(l)
	t.Cleanup(func() { _ = srv.Shutdown(time.Second) })
	return l.Addr().String()
}

// constProcessor answers "whoami" with name.
func constProcessor(t testing.TB, name string) *directive.Processor {
	p := directive.NewProcessor()
	require.NoError(t, p.Register("whoami", func(ctx context.Context) (string, error) { return name, nil }))
	return p
}

func ctx(t testing.TB) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestEndToEndGetTime(t *testing.T) {
	if _, err := exec.LookPath("date"); err != nil {
		t.Skip("date not available")
	}
	addr := startServer(t, directive.NewDefaultProcessor())

	resp, err := client.Request(ctx(t), addr, directive.GetTime)
	require.NoError(t, err)
	assert.NotEmpty(t, resp)
	assert.NotContains(t, resp, "error:")
}

func TestEndToEndInvalidDirective(t *testing.T) {
	addr := startServer(t, directive.NewDefaultProcessor())

	for _, d := range []string{"ping", "", "GETTIME", "gettime "} {
		resp, err := client.Request(ctx(t), addr, d)
		require.NoError(t, err)
		assert.Equal(t, directive.InvalidDirective, resp, "directive %q", d)
	}
}

func TestEndToEndConcurrentClients(t *testing.T) {
	const n = 50
	p := directive.NewProcessor()
	for i := 0; i < n; i++ {
		out := fmt.Sprintf("result-%d", i)
		require.NoError(t, p.Register(fmt.Sprintf("d%d", i), func(ctx context.Context) (string, error) {
			time.Sleep(time.Millisecond)
			return out, nil
		}))
	}
	addr := startServer(t, p)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Request(context.Background(), addr, fmt.Sprintf("d%d", i))
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("result-%d", i); resp != want {
				errs <- fmt.Errorf("client %d got %q, want %q", i, resp, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestClientReusesConnection(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	addr := startServer(t, constProcessor(t, "a"), server.WithMetrics(m))

	c := client.NewClient(client.WithAddress(addr), client.WithPoolSize(1))
	defer c.Close()

	for i := 0; i < 5; i++ {
		resp, err := c.Do(ctx(t), "whoami")
		require.NoError(t, err)
		assert.Equal(t, "a", resp)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal))
}

func TestClientRedialsAfterServerClosesSession(t *testing.T) {
	addr := startServer(t, constProcessor(t, "a"), server.WithReadTimeout(50*time.Millisecond))

	c := client.NewClient(client.WithAddress(addr), client.WithPoolSize(1))
	defer c.Close()

	_, err := c.Do(ctx(t), "whoami")
	require.NoError(t, err)

	// The pooled connection is closed by the server's idle timeout; the
	// failed exchange marks it broken so the next call dials again
	time.Sleep(150 * time.Millisecond)
	_, _ = c.Do(ctx(t), "whoami")

	resp, err := c.Do(ctx(t), "whoami")
	require.NoError(t, err)
	assert.Equal(t, "a", resp)
}

func TestClientRoundRobinOverRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, constProcessor(t, "a"), server.WithRegistry(reg, "remote-cmd", "", 10))
	startServer(t, constProcessor(t, "b"), server.WithRegistry(reg, "remote-cmd", "", 10))

	require.Eventually(t, func() bool {
		insts, _ := reg.Discover(context.Background(), "remote-cmd")
		return len(insts) == 2
	}, 2*time.Second, 10*time.Millisecond)

	c := client.NewClient(
		client.WithRegistry(reg, "remote-cmd"),
		client.WithBalancer(&loadbalance.RoundRobinBalancer{}),
	)
	defer c.Close()

	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		resp, err := c.Do(ctx(t), "whoami")
		require.NoError(t, err)
		seen[resp]++
	}
	assert.Equal(t, map[string]int{"a": 5, "b": 5}, seen)
}

func TestClientConsistentHashIsSticky(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	for _, name := range []string{"a", "b", "c"} {
		startServer(t, constProcessor(t, name), server.WithRegistry(reg, "remote-cmd", "", 10))
	}
	require.Eventually(t, func() bool {
		insts, _ := reg.Discover(context.Background(), "remote-cmd")
		return len(insts) == 3
	}, 2*time.Second, 10*time.Millisecond)

	c := client.NewClient(
		client.WithRegistry(reg, "remote-cmd"),
		client.WithBalancer(loadbalance.NewConsistentHashBalancer()),
	)
	defer c.Close()

	first, err := c.Do(ctx(t), "whoami")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		resp, err := c.Do(ctx(t), "whoami")
		require.NoError(t, err)
		assert.Equal(t, first, resp)
	}
}

func BenchmarkRequest(b *testing.B) {
	addr := startServer(b, constProcessor(b, "a"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.Request(context.Background(), addr, "whoami"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkClientDoSerial(b *testing.B) {
	addr := startServer(b, constProcessor(b, "a"))
	c := client.NewClient(client.WithAddress(addr))
	b.Cleanup(func() { c.Close() })

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Do(context.Background(), "whoami"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkClientDoParallel(b *testing.B) {
	addr := startServer(b, constProcessor(b, "a"))
	c := client.NewClient(client.WithAddress(addr), client.WithPoolSize(8))
	b.Cleanup(func() { c.Close() })

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.Do(context.Background(), "whoami"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
