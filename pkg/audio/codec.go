package audio

import (
	"encoding/base64"
	"fmt"
)

// FormatError indicates malformed wire text. It is fatal to the chunk being
// decoded but never to the session.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed wire audio: %v", e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// EncodeWire converts raw bytes to the transport's text-safe encoding.
func EncodeWire(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeWire is the exact inverse of EncodeWire. It returns a *FormatError
// when the input is not valid encoded text.
func DecodeWire(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, &FormatError{Err: err}
	}
	return data, nil
}
