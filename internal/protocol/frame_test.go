package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		want    []byte
		wantErr bool
	}{
		{name: "zero", size: 0, want: []byte{0, 0, 0, 0, 0}},
		{name: "one byte", size: 0xAB, want: []byte{0, 0, 0, 0, 0xAB}},
		{name: "big endian order", size: 0x0102030405, want: []byte{0x01, 0x02, 0x03, 0x04, 0x05}},
		{name: "maximum", size: MaxFrameSize, want: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{name: "one past maximum", size: MaxFrameSize + 1, wantErr: true},
		{name: "negative", size: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeSize(tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeSize(%d) error = %v, wantErr %v", tt.size, err, tt.wantErr)
			}
			if tt.wantErr {
				if !IsOversize(err) {
					t.Errorf("EncodeSize(%d) error = %v, want oversize error", tt.size, err)
				}
				return
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeSize(%d) = %x, want %x", tt.size, got, tt.want)
			}
		})
	}
}

func TestDecodeSize(t *testing.T) {
	for _, size := range []int{0, 1, 255, 256, 65535, 1 << 24, 1<<32 + 7, MaxFrameSize} {
		encoded, err := EncodeSize(size)
		if err != nil {
			t.Fatalf("EncodeSize(%d) error = %v", size, err)
		}
		got, err := DecodeSize(encoded)
		if err != nil {
			t.Fatalf("DecodeSize(%x) error = %v", encoded, err)
		}
		if got != size {
			t.Errorf("DecodeSize(EncodeSize(%d)) = %d", size, got)
		}
	}

	if _, err := DecodeSize([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeSize() should reject short prefixes")
	}
}

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		limit   int
		want    []byte
		verify  func(t *testing.T, err error)
		wantErr bool
	}{
		{
			name: "simple frame",
			data: []byte{0, 0, 0, 0, 5, 'H', 'e', 'l', 'l', 'o'},
			want: []byte("Hello"),
		},
		{
			name: "empty body",
			data: []byte{0, 0, 0, 0, 0},
			want: []byte{},
		},
		{
			name:    "orderly close before prefix",
			data:    []byte{},
			wantErr: true,
			verify: func(t *testing.T, err error) {
				if err != io.EOF {
					t.Errorf("error = %v, want io.EOF", err)
				}
			},
		},
		{
			name:    "truncated prefix",
			data:    []byte{0, 0},
			wantErr: true,
			verify: func(t *testing.T, err error) {
				if !IsTransportError(err) {
					t.Errorf("error = %v, want transport error", err)
				}
			},
		},
		{
			name:    "truncated body",
			data:    []byte{0, 0, 0, 0, 10, 'a', 'b'},
			wantErr: true,
			verify: func(t *testing.T, err error) {
				if !IsTransportError(err) {
					t.Errorf("error = %v, want transport error", err)
				}
				if !errors.Is(err, io.ErrUnexpectedEOF) {
					t.Errorf("error = %v, should wrap io.ErrUnexpectedEOF", err)
				}
			},
		},
		{
			name:    "largest prefix is rejected before allocating",
			data:    []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			limit:   1 << 10,
			wantErr: true,
			verify: func(t *testing.T, err error) {
				if !IsOversize(err) {
					t.Fatalf("error = %v, want oversize error", err)
				}
				// The size must be reported unwrapped, never as a negative int
				if !strings.Contains(err.Error(), "1099511627775") {
					t.Errorf("error = %v, want the full 40-bit size", err)
				}
			},
		},
		{
			name:    "body above limit",
			data:    []byte{0, 0, 0, 1, 0},
			limit:   255,
			wantErr: true,
			verify: func(t *testing.T, err error) {
				if !IsOversize(err) {
					t.Errorf("error = %v, want oversize error", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadFrame(bytes.NewReader(tt.data), tt.limit)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.verify != nil {
				tt.verify(t, err)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("ReadFrame() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteThenReadFrames(t *testing.T) {
	var buf bytes.Buffer
	bodies := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{'z'}, 70000)}
	for _, body := range bodies {
		if err := WriteFrame(&buf, body); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	for i, want := range bodies {
		got, err := ReadFrame(&buf, 0)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame() error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}

	if _, err := ReadFrame(&buf, 0); err != io.EOF {
		t.Errorf("ReadFrame() at end = %v, want io.EOF", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriteFrameTransportError(t *testing.T) {
	err := WriteFrame(failingWriter{}, []byte("x"))
	if !IsTransportError(err) {
		t.Errorf("WriteFrame() error = %v, want transport error", err)
	}
}
