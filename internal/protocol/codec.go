package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-stomp/stomp/v3/frame"
)

// ErrHeartbeat is returned by Decode for a bare end-of-line keepalive.
var ErrHeartbeat = errors.New("heart-beat")

// Decode parses a single STOMP frame carried in one websocket message.
func Decode(data []byte) (*frame.Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrHeartbeat
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if f == nil {
		return nil, ErrHeartbeat
	}
	return f, nil
}

// Encode renders f as the bytes of one websocket message.
func Encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}
	return buf.Bytes(), nil
}
