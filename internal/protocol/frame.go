package protocol

import (
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// SizeWidth is the number of bytes in a frame's length prefix
	SizeWidth = 5

	// MaxFrameSize is the largest body a length prefix can describe (2^40 - 1)
	MaxFrameSize = 1<<(8*SizeWidth) - 1
)

// Cipher encrypts and decrypts frame bodies under one session key
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Codec serializes payload values
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// EncodeSize encodes n as a SizeWidth-byte big-endian unsigned integer
func EncodeSize(n int) ([]byte, error) {
	if n < 0 {
		return nil, NewOversizeError(n, 0)
	}
	if uint64(n) > MaxFrameSize {
		return nil, oversize(uint64(n), MaxFrameSize)
	}
	encoded := make([]byte, SizeWidth)
	v := uint64(n)
	for i := SizeWidth - 1; i >= 0; i-- {
		encoded[i] = byte(v & 0xFF)
		v >>= 8
	}
	return encoded, nil
}

// DecodeSize decodes a SizeWidth-byte big-endian length prefix. Sizes that
// do not fit in an int on this platform fail with KindOversize.
func DecodeSize(encoded []byte) (int, error) {
	if len(encoded) != SizeWidth {
		return 0, fmt.Errorf("size prefix must be %d bytes, got %d", SizeWidth, len(encoded))
	}
	v := decodeSize(encoded)
	if v > math.MaxInt {
		return 0, oversize(v, math.MaxInt)
	}
	return int(v), nil
}

func decodeSize(encoded []byte) uint64 {
	var v uint64
	for i := 0; i < SizeWidth; i++ {
		v = v<<8 | uint64(encoded[i])
	}
	return v
}

func oversize(size, limit uint64) *Error {
	return &Error{
		Kind:    KindOversize,
		Message: fmt.Sprintf("message size %d exceeds limit %d", size, limit),
	}
}

// AppendFrame appends the length prefix and body to dst
func AppendFrame(dst, body []byte) ([]byte, error) {
	size, err := EncodeSize(len(body))
	if err != nil {
		return dst, err
	}
	dst = append(dst, size...)
	return append(dst, body...), nil
}

// WriteFrame writes one length-prefixed frame in a single Write call
func WriteFrame(w io.Writer, body []byte) error {
	frame, err := AppendFrame(make([]byte, 0, SizeWidth+len(body)), body)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return NewTransportError("failed to write frame", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame body from r.
//
// It returns io.EOF, unwrapped, when the peer closed the stream before any
// prefix byte arrived. A body longer than limit is rejected without reading
// it; limit <= 0 means MaxFrameSize.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	bound := uint64(MaxFrameSize)
	if limit > 0 && uint64(limit) < bound {
		bound = uint64(limit)
	}

	prefix := make([]byte, SizeWidth)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, NewTransportError("failed to read frame size", err)
	}

	// Compared before converting, so a size above the int range cannot wrap
	v := decodeSize(prefix)
	if v > bound {
		return nil, oversize(v, bound)
	}
	if v > math.MaxInt {
		return nil, oversize(v, math.MaxInt)
	}
	size := int(v)

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, NewTransportError(fmt.Sprintf("failed to read %d byte frame body", size), err)
	}
	return body, nil
}
