// Package server implements the remote-cmd server: an accept loop that runs
// one independent session per connection.
//
// Request processing pipeline:
//
//	Accept conn → go handleConn (one goroutine per connection)
//	  → session loop: ReadFrame → TextCodec.Decode → Middleware Chain → Processor → Encode → write
//	  → next frame only after the response is written
//
// Sessions share no mutable state with each other. The server's own
// bookkeeping (the open-connection set used by Shutdown) is the only thing the
// accept loop and sessions touch together, and it is guarded by a mutex.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"remote-cmd/directive"
	"remote-cmd/message"
	"remote-cmd/metrics"
	"remote-cmd/middleware"
	"remote-cmd/registry"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Server accepts connections and runs directives for them.
type Server struct {
	processor   *directive.Processor
	middlewares []middleware.Middleware // Applied in the order they were added
	handler     middleware.HandlerFunc  // middleware(middleware(...(processor.Handle)))

	logger            *zap.Logger
	metrics           *metrics.Metrics
	maxFrameSize      uint32
	readTimeout       time.Duration // 0: wait for the next frame indefinitely
	maxDecodeFailures int
	reusePort         bool

	registry      registry.Registry // nil when not using discovery
	serviceName   string
	advertiseAddr string // Address published to the registry
	ttl           int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg       sync.WaitGroup     // Accept loop plus every live session
	shutdown atomic.Bool        // Set before the listener is closed
	ctx      context.Context    // Parent of every directive's context
	cancel   context.CancelFunc // Cancels in-flight directives when Shutdown times out
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithMaxFrameSize(n uint32) Option {
	return func(s *Server) { s.maxFrameSize = n }
}

// WithReadTimeout closes sessions that send nothing for d.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// WithMaxDecodeFailures sets how many consecutive non-UTF-8 payloads a session
// tolerates before it is closed.
func WithMaxDecodeFailures(n int) Option {
	return func(s *Server) { s.maxDecodeFailures = n }
}

// WithReusePort sets SO_REUSEPORT on the listening socket.
func WithReusePort(on bool) Option {
	return func(s *Server) { s.reusePort = on }
}

// WithRegistry publishes the server under serviceName once it is listening.
// An empty advertiseAddr publishes the listener's own address.
func WithRegistry(reg registry.Registry, serviceName, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.serviceName = serviceName
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

// NewServer creates a server that dispatches directives to processor.
func NewServer(processor *directive.Processor, opts ...Option) *Server {
	s := &Server{
		processor:         processor,
		maxDecodeFailures: 1,
		ttl:               10,
		conns:             make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	if s.maxDecodeFailures < 1 {
		s.maxDecodeFailures = 1
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Use registers a middleware. Call before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve binds address and runs the accept loop. A bind failure is returned
// immediately; otherwise Serve returns only after Shutdown (with nil) or when
// the listener fails for good.
func (s *Server) Serve(network, address string) error {
	l, err := s.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener runs the accept loop on an existing listener and takes
// ownership of it.
func (s *Server) ServeListener(l net.Listener) error {
	// Build the chain once at startup, not per request
	s.handler = middleware.Chain(s.middlewares...)(s.processor.Handle)

	// The shutdown check, wg.Add and advertiseAddr share s.mu with Shutdown:
	// either Shutdown sees this loop counted in wg, or this loop sees the flag
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	if s.registry != nil && s.advertiseAddr == "" {
		s.advertiseAddr = l.Addr().String()
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if s.registry != nil {
		if err := s.register(); err != nil {
			l.Close()
			return err
		}
	}

	s.logger.Info("listening", zap.Stringer("addr", l.Addr()))

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an error
			if s.shutdown.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			// One failed Accept (e.g. EMFILE) must not stop the server
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			s.metrics.AcceptErrors.Inc()
			s.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listening address, or nil before the server is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConn owns conn for its whole life and isolates any failure inside it.
func (s *Server) handleConn(conn net.Conn) {
	id := uuid.NewString()
	logger := s.logger.With(zap.String("session", id), zap.Stringer("remote", conn.RemoteAddr()))

	s.track(conn, true)
	s.metrics.SessionsTotal.Inc()
	s.metrics.SessionsActive.Inc()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("session panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		conn.Close()
		s.track(conn, false)
		s.metrics.SessionsActive.Dec()
		s.wg.Done()
	}()

	logger.Debug("session opened")
	sess := newSession(id, conn, s, logger)
	sess.run(s.ctx)
	logger.Debug("session closed", zap.Uint64("requests", sess.seq))
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag
//  2. Deregister from the registry so clients stop picking this server, then
//     close the listener
//  3. Interrupt sessions waiting for their next frame; a session that is
//     processing a directive finishes and writes its response first
//  4. Wait for sessions up to timeout, then cancel directives and close connections
func (s *Server) Shutdown(timeout time.Duration) error {
	// Flag first: a session that sets its own read deadline after this point
	// sees the flag before blocking, and a ServeListener that has not started
	// yet returns without serving
	s.mu.Lock()
	s.shutdown.Store(true)
	advertiseAddr := s.advertiseAddr
	s.mu.Unlock()

	if s.registry != nil && advertiseAddr != "" {
		s.deregister(timeout)
	}

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		return fmt.Errorf("server: timeout waiting for %d sessions to finish", s.activeSessions())
	}
}

// register publishes the server. If Shutdown started while Register was in
// flight, Shutdown may already have tried to deregister, so the entry is
// removed again here.
func (s *Server) register() error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	err := s.registry.Register(ctx, s.serviceName, registry.ServiceInstance{
		Addr:   s.advertiseAddr,
		Weight: 1,
	}, s.ttl)
	cancel()
	if err != nil {
		return fmt.Errorf("server: register %s: %w", s.serviceName, err)
	}
	if s.shutdown.Load() {
		s.deregister(5 * time.Second)
	}
	return nil
}

func (s *Server) deregister(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.registry.Deregister(ctx, s.serviceName, s.advertiseAddr); err != nil {
		s.logger.Warn("deregister failed", zap.Error(err))
	}
}

func (s *Server) activeSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// process runs one decoded directive through the handler chain.
func (s *Server) process(ctx context.Context, req *message.Request) *message.Response {
	return s.handler(ctx, req)
}
