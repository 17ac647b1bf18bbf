package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// ConnPool keeps idle transports to one address for reuse by sequential requests.
//
// A transport is used by one caller at a time: Get removes it from the pool and
// Put returns it. Broken transports are closed on Put instead of being reused.
// The buffered channel is the idle list; its capacity bounds the pool size.
type ConnPool struct {
	mu       sync.Mutex
	idle     chan *ClientTransport
	addr     string
	maxConns int
	curConns int // Created and not yet discarded, idle or in use
	closed   bool
	factory  func(ctx context.Context) (*ClientTransport, error)
}

// NewConnPool creates an empty pool; transports are dialled on demand.
func NewConnPool(addr string, maxConns int, factory func(ctx context.Context) (*ClientTransport, error)) *ConnPool {
	if maxConns < 1 {
		maxConns = 1
	}
	return &ConnPool{
		idle:     make(chan *ClientTransport, maxConns),
		addr:     addr,
		maxConns: maxConns,
		factory:  factory,
	}
}

// Get returns an idle transport, dials a new one while under the limit, or
// waits for one to be returned.
func (p *ConnPool) Get(ctx context.Context) (*ClientTransport, error) {
	for {
		select {
		case t, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if t.Broken() {
				p.discard(t)
				continue
			}
			return t, nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.curConns < p.maxConns {
			p.curConns++
			p.mu.Unlock()
			t, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.curConns--
				p.mu.Unlock()
				return nil, err
			}
			return t, nil
		}
		p.mu.Unlock()

		// At capacity: block until a transport comes back
		select {
		case t, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if t.Broken() {
				p.discard(t)
				continue
			}
			return t, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Put returns t to the pool, or closes it if it is broken or the pool is closed.
func (p *ConnPool) Put(t *ClientTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || t.Broken() {
		_ = t.Close()
		p.curConns--
		return
	}
	p.idle <- t
}

// Close closes every idle transport. Transports still in use are closed when
// they are put back.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)
	for t := range p.idle {
		_ = t.Close()
		p.curConns--
	}
	return nil
}

// Len reports how many transports exist, idle or in use.
func (p *ConnPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curConns
}

func (p *ConnPool) discard(t *ClientTransport) {
	_ = t.Close()
	p.mu.Lock()
	p.curConns--
	p.mu.Unlock()
}
