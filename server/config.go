package server

import (
	"remote-cmd/config"
	"remote-cmd/directive"
	"remote-cmd/metrics"
	"remote-cmd/middleware"
	"remote-cmd/registry"

	"go.uber.org/zap"
)

// New builds a server with the built-in directives and the standard
// middleware chain described by cfg. reg may be nil.
//
// Chain order, outermost first: logging, metrics, recover, rate limit,
// timeout, retry, then anything added later with Use. The timeout therefore
// bounds all retries together, and rate-limited requests still show up in logs
// and metrics. Handlers below the timeout run on their own goroutine; the
// timeout recovers their panics itself.
func New(cfg config.ServerConfig, logger *zap.Logger, m *metrics.Metrics, reg registry.Registry, ttl int64) *Server {
	processor := directive.NewDefaultProcessor(cfg.TimeCommand...)

	opts := []Option{
		WithLogger(logger),
		WithMetrics(m),
		WithMaxFrameSize(cfg.MaxFrameSize),
		WithReadTimeout(cfg.ReadTimeout),
		WithMaxDecodeFailures(cfg.MaxDecodeFailures),
		WithReusePort(cfg.ReusePort),
	}
	if reg != nil {
		opts = append(opts, WithRegistry(reg, cfg.ServiceName, cfg.AdvertiseAddress, ttl))
	}
	s := NewServer(processor, opts...)

	s.Use(middleware.LoggingMiddleware(s.logger))
	s.Use(middleware.MetricsMiddleware(s.metrics, processor.Label))
	s.Use(middleware.RecoverMiddleware(s.logger))
	if cfg.RateLimit > 0 {
		s.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.DirectiveTimeout > 0 {
		s.Use(middleware.TimeOutMiddleware(cfg.DirectiveTimeout))
	}
	if cfg.MaxRetries > 0 {
		s.Use(middleware.RetryMiddleware(cfg.MaxRetries, cfg.RetryDelay, s.logger))
	}
	return s
}
