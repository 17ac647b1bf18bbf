// Package transport implements the client side of one connection.
//
// A ClientTransport performs strictly sequential exchanges: it writes one
// request frame, then blocks until the matching response frame arrives. There
// is no sequence ID on the wire, so the next response on the stream is always
// the answer to the last request sent.
//
//	RoundTrip("gettime") ──frame──→ server
//	                     ←──frame── "Fri Oct 16 12:00:00 UTC 2026\n"
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"remote-cmd/codec"
	"remote-cmd/protocol"
	"sync"
	"time"
)

var (
	// ErrIncompleteExchange means the server closed the connection before a
	// complete response frame arrived.
	ErrIncompleteExchange = errors.New("transport: connection closed before response")
	ErrBroken             = errors.New("transport: connection is broken")
)

// ClientTransport owns one connection and its frame reader.
type ClientTransport struct {
	conn         net.Conn
	reader       *protocol.Reader // Owns the decoder; never shared
	codec        codec.Codec
	maxFrameSize uint32

	mu     sync.Mutex // Held for a whole request/response exchange
	broken bool       // Set after any I/O error; the stream position is unknown
}

// NewClientTransport wraps conn. A zero maxFrameSize selects the protocol default.
func NewClientTransport(conn net.Conn, maxFrameSize uint32) *ClientTransport {
	return &ClientTransport{
		conn:         conn,
		reader:       protocol.NewReader(conn, maxFrameSize),
		codec:        codec.TextCodec{},
		maxFrameSize: maxFrameSize,
	}
}

// RoundTrip sends directive as one frame and waits for one response frame.
//
// ctx bounds the whole exchange; its deadline is applied to the connection and
// cancellation interrupts a blocked read. Concurrent callers are serialised.
func (t *ClientTransport) RoundTrip(ctx context.Context, directive string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.broken {
		return "", ErrBroken
	}

	payload, err := t.codec.Encode(directive)
	if err != nil {
		return "", err
	}

	deadline, _ := ctx.Deadline()
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.broken = true
		return "", err
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock Write/ReadFrame; the exchange is abandoned
		_ = t.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := protocol.Encode(t.conn, payload, t.maxFrameSize); err != nil {
		if !errors.Is(err, protocol.ErrFrameTooLarge) {
			t.broken = true
		}
		return "", t.ctxErr(ctx, fmt.Errorf("transport: send: %w", err))
	}

	resp, err := t.reader.ReadFrame()
	if err != nil {
		t.broken = true
		if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrTruncatedFrame) {
			return "", fmt.Errorf("%w: %w", ErrIncompleteExchange, err)
		}
		return "", t.ctxErr(ctx, fmt.Errorf("transport: receive: %w", err))
	}

	return t.codec.Decode(resp)
}

// ctxErr prefers the context's error when ctx caused the I/O failure.
// The connection deadline can fire a moment before ctx's own timer, so an
// expired deadline counts as ctx's even while ctx.Err is still nil.
func (t *ClientTransport) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if deadline, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// Broken reports whether the transport saw an I/O error and must be discarded.
func (t *ClientTransport) Broken() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broken
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) Close() error {
	return t.conn.Close()
}
