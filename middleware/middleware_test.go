package middleware

import (
	"context"
	"remote-cmd/message"
	"remote-cmd/metrics"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// echoHandler answers immediately with the directive text.
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{Result: req.Directive}
}

// slowHandler takes 200ms unless its context ends first.
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return &message.Response{Result: "ok"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), &message.Request{Directive: "gettime", Session: "s1", Seq: 1})
	require.NotNil(t, resp)
	assert.Equal(t, "gettime", resp.Result)

	entries := logs.FilterMessage("directive processed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "gettime", entries[0].ContextMap()["directive"])
	assert.Equal(t, "s1", entries[0].ContextMap()["session"])
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	failing := func(ctx context.Context, req *message.Request) *message.Response {
		return &message.Response{Error: "gettime: exit status 1"}
	}
	LoggingMiddleware(zap.New(core))(failing)(context.Background(), &message.Request{Directive: "gettime"})

	entries := logs.FilterMessage("directive failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "gettime: exit status 1", entries[0].ContextMap()["error"])
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	resp := handler(context.Background(), &message.Request{Directive: "gettime"})
	assert.Empty(t, resp.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	resp := handler(context.Background(), &message.Request{Directive: "gettime"})
	assert.Equal(t, "request timed out after 50ms", resp.Error)
}

func TestTimeoutCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := TimeOutMiddleware(time.Second)(slowHandler)(ctx, &message.Request{Directive: "gettime"})
	// Either the handler or the timeout select may win on a cancelled context
	assert.Contains(t, []string{"", "request cancelled"}, resp.Error)
}

func TestTimeoutRecoversPanic(t *testing.T) {
	panicking := func(ctx context.Context, req *message.Request) *message.Response {
		panic("boom")
	}

	resp := TimeOutMiddleware(time.Second)(panicking)(context.Background(), &message.Request{Directive: "gettime"})
	require.NotNil(t, resp)
	assert.Equal(t, "internal error: boom", resp.Error)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &message.Request{Directive: "gettime"}

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		require.Empty(t, resp.Error, "request %d should pass", i)
	}

	resp := handler(context.Background(), req)
	assert.Contains(t, resp.Error, "rate limit exceeded, retry in")
	assert.True(t, resp.Retryable)
}

func TestRateLimitRejectedRequestsDoNotConsumeTokens(t *testing.T) {
	handler := RateLimitMiddleware(20, 1)(echoHandler)
	req := &message.Request{Directive: "gettime"}

	require.Empty(t, handler(context.Background(), req).Error)
	for i := 0; i < 5; i++ {
		require.NotEmpty(t, handler(context.Background(), req).Error)
	}

	// One refill interval is enough because rejected calls gave their reservation back
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, handler(context.Background(), req).Error)
}

func TestRetryRetryable(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.Request) *message.Response {
		if calls.Add(1) < 3 {
			return &message.Response{Error: "gettime: signal: killed", Retryable: true}
		}
		return &message.Response{Result: "ok"}
	}

	resp := RetryMiddleware(3, time.Millisecond, nil)(flaky)(context.Background(), &message.Request{Directive: "gettime"})
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryNonRetryable(t *testing.T) {
	var calls atomic.Int32
	failing := func(ctx context.Context, req *message.Request) *message.Response {
		calls.Add(1)
		return &message.Response{Error: "rate limit exceeded"}
	}

	resp := RetryMiddleware(3, time.Millisecond, nil)(failing)(context.Background(), &message.Request{})
	assert.Equal(t, "rate limit exceeded", resp.Error)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	broken := func(ctx context.Context, req *message.Request) *message.Response {
		calls.Add(1)
		return &message.Response{Error: "boom", Retryable: true}
	}

	resp := RetryMiddleware(2, time.Millisecond, nil)(broken)(context.Background(), &message.Request{})
	assert.Equal(t, "boom", resp.Error)
	assert.Equal(t, int32(3), calls.Load(), "one call plus two retries")
}

func TestRecover(t *testing.T) {
	panicking := func(ctx context.Context, req *message.Request) *message.Response {
		panic("nil map write")
	}

	resp := RecoverMiddleware(nil)(panicking)(context.Background(), &message.Request{Directive: "gettime"})
	require.NotNil(t, resp)
	assert.Equal(t, "internal error: nil map write", resp.Error)
}

func TestMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	label := func(d string) string {
		if d == "gettime" {
			return d
		}
		return "other"
	}
	handler := MetricsMiddleware(m, label)(echoHandler)

	handler(context.Background(), &message.Request{Directive: "gettime"})
	handler(context.Background(), &message.Request{Directive: "ping"})
	handler(context.Background(), &message.Request{Directive: "pong"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Directives.WithLabelValues("gettime", metrics.OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Directives.WithLabelValues("other", metrics.OutcomeOK)))
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), &message.Request{Directive: "gettime"})

	require.NotNil(t, resp)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
