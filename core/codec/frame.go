// Package codec implements the radio's binary API framing and the API frame
// types exchanged with the firmware.
//
// Wire format:
//
//	0x7E | length (2 bytes BE) | frame type | payload | checksum
//
// The start delimiter is never escaped. Every byte after it that belongs to
// the reserved set {0x7E, 0x7D, 0x11, 0x13} is sent as 0x7D followed by the
// byte XOR 0x20. The length counts the frame type plus payload; the checksum
// is computed over the same unescaped span.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// StartDelimiter opens every API frame.
	StartDelimiter byte = 0x7E
	// EscapeByte introduces an escaped byte.
	EscapeByte byte = 0x7D
	// XON and XOFF are software flow control bytes and must be escaped.
	XON  byte = 0x11
	XOFF byte = 0x13
	// EscapeXOR is applied to escaped bytes.
	EscapeXOR byte = 0x20

	// DataMTU is the MTU presented on the tunnel interface. Larger payloads
	// would need fragmentation, which the bridge does not do.
	DataMTU = 72
	// DefaultMaxFrameSize bounds the frame length field (frame type plus
	// payload) accepted by the encoder and decoder.
	DefaultMaxFrameSize = DataMTU*2 + 16
)

// ErrFrameTooLarge is returned by Encode for frames over the size limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Frame is a decoded API frame.
type Frame struct {
	Type    byte
	Payload []byte
	// Length is the value of the header length field (type + payload).
	Length uint16
}

// IsReserved reports whether b must be escaped inside a frame.
func IsReserved(b byte) bool {
	switch b {
	case StartDelimiter, EscapeByte, XON, XOFF:
		return true
	}
	return false
}

// Encoder builds escaped API frames bounded by MaxFrameSize.
type Encoder struct {
	// MaxFrameSize is the maximum length field value. Default: DefaultMaxFrameSize.
	MaxFrameSize int
}

// Encode encodes a frame using DefaultMaxFrameSize.
func Encode(frameType byte, payload []byte) ([]byte, error) {
	return Encoder{}.Encode(frameType, payload)
}

// Encode builds the wire representation of a frame. A frame larger than
// MaxFrameSize is a caller error and returns ErrFrameTooLarge.
func (e Encoder) Encode(frameType byte, payload []byte) ([]byte, error) {
	maxSize := e.MaxFrameSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	length := 1 + len(payload)
	if length > maxSize || length > 0xFFFF {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}

	// Worst case every byte after the delimiter is escaped.
	out := make([]byte, 0, 1+2*(2+length+1))
	out = append(out, StartDelimiter)

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(length))
	out = appendEscaped(out, hdr[0])
	out = appendEscaped(out, hdr[1])

	sum := frameType
	out = appendEscaped(out, frameType)
	for _, b := range payload {
		sum += b
		out = appendEscaped(out, b)
	}
	out = appendEscaped(out, 0xFF-sum)
	return out, nil
}

func appendEscaped(dst []byte, b byte) []byte {
	if IsReserved(b) {
		return append(dst, EscapeByte, b^EscapeXOR)
	}
	return append(dst, b)
}
