// Package codec converts between frame payloads and the text they carry.
//
// The frame layer moves opaque bytes; this layer decides whether those bytes
// are a usable directive. A payload that is not valid UTF-8 is a decode error
// here, never a processing error in the directive layer.
package codec

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrInvalidUTF8 = errors.New("codec: payload is not valid UTF-8")

type Codec interface {
	Encode(text string) ([]byte, error)
	Decode(data []byte) (string, error)
}

// TextCodec is the strict UTF-8 codec used on both sides of the connection.
type TextCodec struct{}

func (c TextCodec) Encode(text string) ([]byte, error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: at byte %d", ErrInvalidUTF8, firstInvalid([]byte(text)))
	}
	return []byte(text), nil
}

func (c TextCodec) Decode(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: at byte %d", ErrInvalidUTF8, firstInvalid(data))
	}
	return string(data), nil
}

// firstInvalid returns the offset of the first byte that does not start a valid rune.
func firstInvalid(data []byte) int {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return -1
}
