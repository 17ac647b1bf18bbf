package middleware

import (
	"context"
	"remote-cmd/message"
	"time"

	"go.uber.org/zap"
)

// RetryMiddleware re-runs a directive whose response is marked Retryable,
// backing off exponentially from baseDelay. It gives up early when ctx is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Error == "" || !resp.Retryable {
					return resp
				}
				logger.Debug("retrying directive",
					zap.String("session", req.Session),
					zap.String("directive", req.Directive),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Error),
				)

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp
				case <-timer.C:
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
