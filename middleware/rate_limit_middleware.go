package middleware

import (
	"context"
	"fmt"
	"remote-cmd/message"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects directives once the token bucket shared by every
// session is empty. The rejection says how long until a token is free, and is
// marked retryable.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			now := time.Now()
			res := limiter.ReserveN(now, 1)
			if !res.OK() {
				return &message.Response{Error: "rate limit exceeded"}
			}
			if wait := res.DelayFrom(now); wait > 0 {
				res.CancelAt(now)
				return &message.Response{
					Error:     fmt.Sprintf("rate limit exceeded, retry in %s", wait.Round(time.Millisecond)),
					Retryable: true,
				}
			}
			return next(ctx, req)
		}
	}
}
