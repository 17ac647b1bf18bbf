package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

type decodeState int

const (
	awaitingLength  decodeState = iota // Collecting the 4-byte prefix
	awaitingPayload                    // Prefix parsed, collecting payload bytes
)

// Decoder reassembles frames from byte chunks of any size.
//
// Bytes arrive through Feed in whatever pieces the transport delivers them.
// Next yields one payload once the prefix and all declared bytes are buffered,
// then resets to await the next prefix:
//
//	Feed([00 00]) → Next: ErrNeedMoreData
//	Feed([00 03 'a']) → Next: ErrNeedMoreData   (prefix parsed, 1/3 payload)
//	Feed(['b' 'c' 00]) → Next: "abc"             (trailing 00 stays buffered)
//
// A Decoder is not safe for concurrent use; each session owns its own.
type Decoder struct {
	maxFrameSize uint32
	state        decodeState
	need         int    // Payload length declared by the current prefix
	buf          []byte // Accumulated bytes; buf[off:] is unconsumed
	off          int
	err          error // Sticky: once the stream is corrupt, every Next fails
}

// NewDecoder returns a Decoder that rejects frames longer than maxFrameSize.
// A zero maxFrameSize selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize uint32) *Decoder {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends p to the decoder's buffer. p is copied and may be reused by the caller.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	} else if d.off > cap(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete payload, ErrNeedMoreData if the buffer holds
// only part of a frame, or a *FrameTooLargeError if the prefix exceeds the limit.
// The oversized check happens as soon as the prefix is buffered, before any
// payload bytes are waited for.
func (d *Decoder) Next() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}

	if d.state == awaitingLength {
		if d.Buffered() < LengthSize {
			return nil, ErrNeedMoreData
		}
		length := binary.BigEndian.Uint32(d.buf[d.off : d.off+LengthSize])
		if length > d.maxFrameSize {
			d.err = &FrameTooLargeError{Length: uint64(length), Max: d.maxFrameSize}
			return nil, d.err
		}
		d.off += LengthSize
		d.need = int(length)
		d.state = awaitingPayload
	}

	if d.Buffered() < d.need {
		return nil, ErrNeedMoreData
	}

	// Copy out so the caller's payload never aliases the reused buffer
	payload := make([]byte, d.need)
	copy(payload, d.buf[d.off:d.off+d.need])
	d.off += d.need
	d.need = 0
	d.state = awaitingLength
	return payload, nil
}

// Buffered reports how many fed bytes have not been consumed yet.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Finish is called when the underlying stream has ended.
// It returns nil if the decoder sits exactly between frames, and
// ErrTruncatedFrame if a partial prefix or payload is still buffered.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.state == awaitingPayload || d.Buffered() > 0 {
		return ErrTruncatedFrame
	}
	return nil
}

// Reset discards all buffered bytes and any sticky error.
func (d *Decoder) Reset() {
	d.state = awaitingLength
	d.need = 0
	d.buf = d.buf[:0]
	d.off = 0
	d.err = nil
}

// Reader drives a Decoder from an io.Reader, one frame per ReadFrame call.
//
// Reads are issued in fixed-size chunks, so bytes belonging to the next frame
// may already sit in the decoder; they are returned by the following ReadFrame.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	chunk []byte
	eof   bool
}

const readChunkSize = 4096

// NewReader wraps r with a Decoder limited to maxFrameSize.
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	return &Reader{
		r:     r,
		dec:   NewDecoder(maxFrameSize),
		chunk: make([]byte, readChunkSize),
	}
}

// ReadFrame blocks until one full frame is available and returns its payload.
//
// Returns io.EOF when the stream closes exactly between frames, and
// ErrTruncatedFrame when it closes mid-frame. Other read errors are returned
// unchanged.
func (fr *Reader) ReadFrame() ([]byte, error) {
	for {
		payload, err := fr.dec.Next()
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return nil, err
		}

		if fr.eof {
			if err := fr.dec.Finish(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		n, rerr := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.dec.Feed(fr.chunk[:n])
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				return nil, rerr
			}
			// Drain whatever complete frames are buffered before reporting EOF
			fr.eof = true
		}
	}
}

// Buffered reports how many bytes have been read from the stream but not yet
// returned as part of a frame.
func (fr *Reader) Buffered() int {
	return fr.dec.Buffered()
}
