package middleware

import (
	"context"
	"fmt"
	"remote-cmd/message"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a panic in the wrapped handler into an error
// response, so one bad directive cannot take its session down.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("directive panicked",
						zap.String("session", req.Session),
						zap.String("directive", req.Directive),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
					resp = &message.Response{Error: fmt.Sprintf("internal error: %v", r)}
				}
			}()
			return next(ctx, req)
		}
	}
}
