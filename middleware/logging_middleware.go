package middleware

import (
	"context"
	"remote-cmd/message"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("session", req.Session),
				zap.Uint64("seq", req.Seq),
				zap.String("directive", req.Directive),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != "" {
				logger.Warn("directive failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Info("directive processed", fields...)
			return resp
		}
	}
}
