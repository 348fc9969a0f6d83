package audio

import (
	"bytes"
	"errors"
	"testing"
)

func TestWireRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: []byte{}},
		{name: "single byte", data: []byte{0x7f}},
		{name: "zero bytes", data: make([]byte, 32)},
		{name: "all values", data: func() []byte {
			b := make([]byte, 256)
			for i := range b {
				b[i] = byte(i)
			}
			return b
		}()},
		{name: "odd length", data: []byte{1, 2, 3, 4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := EncodeWire(tt.data)
			got, err := DecodeWire(text)
			if err != nil {
				t.Fatalf("DecodeWire: %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("round trip mismatch: got %v, want %v", got, tt.data)
			}
		})
	}
}

func TestDecodeWireFormatError(t *testing.T) {
	for _, text := range []string{"not base64!!!", "a", "====", "abc\x00"} {
		_, err := DecodeWire(text)
		if err == nil {
			t.Fatalf("DecodeWire(%q): expected error", text)
		}
		var fe *FormatError
		if !errors.As(err, &fe) {
			t.Errorf("DecodeWire(%q): expected *FormatError, got %T", text, err)
		}
	}
}
