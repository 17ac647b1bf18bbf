// Package client sends directives to a remote-cmd server.
//
// Request is the one-shot form used by the CLI: dial, send one directive, read
// one response, close. Client keeps pooled connections and can resolve the
// server through a registry and a load balancer.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"remote-cmd/config"
	"remote-cmd/loadbalance"
	"remote-cmd/protocol"
	"remote-cmd/registry"
	"remote-cmd/transport"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed   = errors.New("client: closed")
	ErrNoTarget = errors.New("client: no address or registry configured")
)

type options struct {
	dialTimeout  time.Duration
	maxFrameSize uint32
	address      string
	registry     registry.Registry
	serviceName  string
	balancer     loadbalance.Balancer
	poolSize     int
	logger       *zap.Logger
}

// Option configures Request and Client.
type Option func(*options)

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

func WithMaxFrameSize(n uint32) Option {
	return func(o *options) { o.maxFrameSize = n }
}

// WithAddress fixes the server address used when no registry is set.
func WithAddress(addr string) Option {
	return func(o *options) { o.address = addr }
}

// WithRegistry resolves servers by discovering serviceName before each request.
func WithRegistry(reg registry.Registry, serviceName string) Option {
	return func(o *options) {
		o.registry = reg
		o.serviceName = serviceName
	}
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithPoolSize bounds the connections kept per server.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{
		dialTimeout:  5 * time.Second,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		poolSize:     4,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.balancer == nil {
		o.balancer = &loadbalance.RoundRobinBalancer{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func dial(ctx context.Context, addr string, o options) (*transport.ClientTransport, error) {
	d := net.Dialer{Timeout: o.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", addr, err)
	}
	return transport.NewClientTransport(conn, o.maxFrameSize), nil
}

// Request connects to addr, sends directive as one frame and returns the text
// of the single response frame. The connection is closed before returning.
//
// A connection closed before a whole response arrives yields an error
// matching transport.ErrIncompleteExchange; a response that is not UTF-8
// yields codec.ErrInvalidUTF8.
func Request(ctx context.Context, addr, directive string, opts ...Option) (string, error) {
	o := buildOptions(opts)
	t, err := dial(ctx, addr, o)
	if err != nil {
		return "", err
	}
	defer t.Close()
	return t.RoundTrip(ctx, directive)
}

// Client sends directives over pooled connections.
// It is safe for concurrent use; each connection carries one exchange at a time.
type Client struct {
	opts options

	mu     sync.Mutex
	pools  map[string]*transport.ConnPool // server address → idle connections
	closed bool
}

func NewClient(opts ...Option) *Client {
	return &Client{
		opts:  buildOptions(opts),
		pools: make(map[string]*transport.ConnPool),
	}
}

// New builds a Client from the client section of the config. reg may be nil,
// in which case cfg.Address is used directly.
func New(cfg config.ClientConfig, reg registry.Registry, serviceName string, logger *zap.Logger) *Client {
	opts := []Option{
		WithAddress(cfg.Address),
		WithDialTimeout(cfg.DialTimeout),
		WithMaxFrameSize(cfg.MaxFrameSize),
		WithBalancer(loadbalance.New(cfg.Balancer)),
		WithPoolSize(cfg.PoolSize),
		WithLogger(logger),
	}
	if reg != nil {
		opts = append(opts, WithRegistry(reg, serviceName))
	}
	return NewClient(opts...)
}

// Do sends directive to a server and returns its response text.
func (c *Client) Do(ctx context.Context, directive string) (string, error) {
	addr, err := c.resolve(ctx, directive)
	if err != nil {
		return "", err
	}

	pool, err := c.pool(addr)
	if err != nil {
		return "", err
	}

	t, err := pool.Get(ctx)
	if err != nil {
		return "", err
	}
	defer pool.Put(t)

	resp, err := t.RoundTrip(ctx, directive)
	if err != nil {
		c.opts.logger.Debug("exchange failed",
			zap.String("addr", addr),
			zap.String("directive", directive),
			zap.Error(err),
		)
	}
	return resp, err
}

// resolve picks the server for directive.
func (c *Client) resolve(ctx context.Context, directive string) (string, error) {
	if c.opts.registry == nil {
		if c.opts.address == "" {
			return "", ErrNoTarget
		}
		return c.opts.address, nil
	}

	instances, err := c.opts.registry.Discover(ctx, c.opts.serviceName)
	if err != nil {
		return "", fmt.Errorf("client: discover %s: %w", c.opts.serviceName, err)
	}

	var inst *registry.ServiceInstance
	if kb, ok := c.opts.balancer.(loadbalance.KeyedBalancer); ok {
		inst, err = kb.PickKey(instances, directive)
	} else {
		inst, err = c.opts.balancer.Pick(instances)
	}
	if err != nil {
		return "", fmt.Errorf("client: %s: %w", c.opts.serviceName, err)
	}
	return inst.Addr, nil
}

func (c *Client) pool(addr string) (*transport.ConnPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = transport.NewConnPool(addr, c.opts.poolSize, func(ctx context.Context) (*transport.ClientTransport, error) {
			return dial(ctx, addr, c.opts)
		})
		c.pools[addr] = p
	}
	return p, nil
}

// Close closes every pooled connection. Connections in use are closed when
// their exchange finishes.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, p := range c.pools {
		_ = p.Close()
	}
	return nil
}
