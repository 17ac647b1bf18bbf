package middleware

import (
	"context"
	"remote-cmd/message"
	"remote-cmd/metrics"
	"time"
)

// MetricsMiddleware records a count and a latency sample per directive.
// label maps the raw directive text to a bounded label value; clients can send
// any string, so unknown directives must collapse into one series.
func MetricsMiddleware(m *metrics.Metrics, label func(directive string) string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			name := label(req.Directive)
			outcome := metrics.OutcomeOK
			if resp.Error != "" {
				outcome = metrics.OutcomeError
			}
			m.Directives.WithLabelValues(name, outcome).Inc()
			m.DirectiveDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}
