package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"remote-cmd/codec"
	"remote-cmd/message"
	"remote-cmd/protocol"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UnableToInterpret is the reply to a payload that is not valid UTF-8.
const UnableToInterpret = "unable to interpret directive"

const resultTooLarge = "error: result exceeds maximum frame size"

// session is the server side of one connection:
//
//	Open → awaiting frame → processing → response sent → awaiting frame → … → Closed
//
// It leaves the loop on end of stream, on any framing or read error, on a
// failed write, and after too many consecutive undecodable payloads. Responses
// are written before the next frame is read, so requests on one connection
// are handled strictly in order.
type session struct {
	id     string
	conn   net.Conn
	reader *protocol.Reader // Owns this session's decoder
	codec  codec.Codec
	srv    *Server
	logger *zap.Logger

	seq            uint64 // Directives handled so far
	decodeFailures int    // Consecutive non-UTF-8 payloads
}

func newSession(id string, conn net.Conn, srv *Server, logger *zap.Logger) *session {
	return &session{
		id:     id,
		conn:   conn,
		reader: protocol.NewReader(conn, srv.maxFrameSize),
		codec:  codec.TextCodec{},
		srv:    srv,
		logger: logger,
	}
}

func (s *session) run(ctx context.Context) {
	for {
		payload, ok := s.readFrame()
		if !ok {
			return
		}

		reply, keepOpen := s.handle(ctx, payload)
		if !s.writeFrame(reply) || !keepOpen {
			return
		}
	}
}

// readFrame waits for the next frame. It returns false when the session must close.
func (s *session) readFrame() ([]byte, bool) {
	if s.srv.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.readTimeout))
	}
	// Checked after setting our own deadline so Shutdown's deadline wins
	if s.srv.shutdown.Load() {
		return nil, false
	}

	payload, err := s.reader.ReadFrame()
	if err == nil {
		return payload, true
	}

	var reason string
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Debug("peer closed connection")
		return nil, false
	case s.srv.shutdown.Load():
		return nil, false
	case errors.Is(err, protocol.ErrFrameTooLarge):
		reason = "too_large"
	case errors.Is(err, protocol.ErrTruncatedFrame):
		reason = "truncated"
	case errors.Is(err, os.ErrDeadlineExceeded):
		reason = "idle_timeout"
	default:
		reason = "read"
	}
	s.srv.metrics.FrameErrors.WithLabelValues(reason).Inc()
	s.logger.Warn("closing session", zap.String("reason", reason), zap.Error(err))
	return nil, false
}

// handle turns one payload into reply text. keepOpen is false once the
// session has seen too many undecodable payloads in a row.
func (s *session) handle(ctx context.Context, payload []byte) (reply string, keepOpen bool) {
	text, err := s.codec.Decode(payload)
	if err != nil {
		s.decodeFailures++
		s.srv.metrics.DecodeFailures.Inc()
		s.logger.Warn("unable to interpret directive",
			zap.Error(err),
			zap.Int("consecutive", s.decodeFailures),
		)
		return UnableToInterpret, s.decodeFailures < s.srv.maxDecodeFailures
	}
	s.decodeFailures = 0

	s.seq++
	s.logger.Debug("received directive", zap.String("directive", text), zap.Uint64("seq", s.seq))

	resp := s.srv.process(ctx, &message.Request{
		Directive: text,
		Session:   s.id,
		Seq:       s.seq,
	})
	return resp.Text(), true
}

// writeFrame sends reply. It returns false when the write failed and the
// session must close.
func (s *session) writeFrame(reply string) bool {
	// Middleware errors can carry arbitrary text, such as a recovered panic value
	out := []byte(strings.ToValidUTF8(reply, "\uFFFD"))

	err := protocol.Encode(s.conn, out, s.srv.maxFrameSize)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		s.logger.Warn("result too large for one frame", zap.Int("bytes", len(out)))
		err = protocol.Encode(s.conn, []byte(resultTooLarge), s.srv.maxFrameSize)
	}
	if err != nil {
		s.srv.metrics.FrameErrors.WithLabelValues("write").Inc()
		s.logger.Warn("closing session", zap.String("reason", "write"), zap.Error(err))
		return false
	}
	return true
}
