// Package protocol defines the frames exchanged over the live notification
// connection: one JSON object per message, {"type": string, "data": object}.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TypeSubscribe is sent once per successful connect to declare interest in
// proposal and safe lifecycle events.
const TypeSubscribe = "subscribe_proposal_notifications"

var ErrMissingType = errors.New("frame has no type")

type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func SubscribeFrame() Frame {
	return Frame{Type: TypeSubscribe, Data: map[string]any{}}
}

// Decode parses one inbound message. Numbers are kept as json.Number so
// payload values (wei amounts, nonces) survive untouched.
func Decode(b []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	f.Type = strings.TrimSpace(f.Type)
	if f.Type == "" {
		return Frame{}, ErrMissingType
	}
	if f.Data == nil {
		f.Data = map[string]any{}
	}
	return f, nil
}

func Encode(f Frame) ([]byte, error) {
	if f.Data == nil {
		f.Data = map[string]any{}
	}
	return json.Marshal(f)
}
