// Package protocol implements the length-delimited frame codec used between the
// remote-cmd client and server.
//
// TCP is a byte stream with no message boundaries, so every payload is prefixed by
// its length. The receiver reads the 4-byte prefix first, then exactly that many
// payload bytes, and only then hands the payload to the application.
//
// Frame format:
//
//	0        4
//	┌────────┬───────────────────┐
//	│ length │    payload ...    │
//	│ uint32 │   length bytes    │
//	└────────┴───────────────────┘
//
// There is no version byte, checksum or multiplexing ID.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	LengthSize          = 4               // Width of the big-endian length prefix
	DefaultMaxFrameSize = 8 * 1024 * 1024 // 8 MiB
)

var (
	// ErrFrameTooLarge matches any *FrameTooLargeError via errors.Is.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
	// ErrTruncatedFrame means the stream ended after a partial prefix or payload.
	ErrTruncatedFrame = errors.New("protocol: stream closed mid-frame")
	// ErrNeedMoreData is returned by Decoder.Next until a whole frame is buffered.
	ErrNeedMoreData = errors.New("protocol: need more data")
)

// FrameTooLargeError carries the declared length that broke the limit.
type FrameTooLargeError struct {
	Length uint64
	Max    uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("protocol: frame length %d exceeds maximum %d", e.Length, e.Max)
}

func (e *FrameTooLargeError) Is(target error) bool {
	return target == ErrFrameTooLarge
}

// EncodeFrame returns payload with its length prefix prepended.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthSize], uint32(len(payload)))
	copy(buf[LengthSize:], payload)
	return buf
}

// Encode writes one complete frame to w.
// The prefix and payload go out in a single Write so a frame is never split
// between two writers; callers sharing w across goroutines still need a lock.
func Encode(w io.Writer, payload []byte, maxFrameSize uint32) error {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if uint64(len(payload)) > uint64(maxFrameSize) {
		return &FrameTooLargeError{Length: uint64(len(payload)), Max: maxFrameSize}
	}
	_, err := w.Write(EncodeFrame(payload))
	return err
}

// Decode reads exactly one frame from r without reading past it.
//
// It returns io.EOF when r is closed before any byte of the frame, and
// ErrTruncatedFrame when r is closed part way through the frame.
func Decode(r io.Reader, maxFrameSize uint32) ([]byte, error) {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	// Reject before allocating: the declared length is untrusted input
	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return nil, &FrameTooLargeError{Length: uint64(length), Max: maxFrameSize}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}
	return payload, nil
}
