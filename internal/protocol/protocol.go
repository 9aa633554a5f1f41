// Package protocol implements the relaynet wire envelope: every frame is a
// JSON object {"type": string, "data": object}.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/luciancaetano/relaynet/internal/jsoncodec"
)

const (
	// MaxPayloadSize bounds a single encoded frame.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// ReservedPrefix marks system events. Application events may not use it.
	ReservedPrefix = "$"

	TypeError = "$ERROR"
	TypeExit  = "$EXIT"
	TypePing  = "$PING"
	TypePong  = "$PONG"
)

var emptyObject = json.RawMessage(`{}`)

// Message is one envelope. Data always holds a JSON object.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrorData is the payload of a $ERROR message.
type ErrorData struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ExitData is the payload of a $EXIT message.
type ExitData struct {
	SessionID string `json:"sessionId"`
}

// IsReserved reports whether name belongs to the system namespace.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// NewMessage builds an envelope, marshalling data into the data field.
// A nil data yields an empty object.
func NewMessage(typ string, data any) (Message, error) {
	if data == nil {
		return Message{Type: typ, Data: emptyObject}, nil
	}

	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s data: %w", typ, err)
	}
	if !isObject(raw) {
		return Message{}, fmt.Errorf("%s data must be a JSON object", typ)
	}
	return Message{Type: typ, Data: raw}, nil
}

// MustMessage is NewMessage for payloads known to encode, such as the
// system events.
func MustMessage(typ string, data any) Message {
	msg, err := NewMessage(typ, data)
	if err != nil {
		panic(err)
	}
	return msg
}

// Encode serializes msg. A missing data field is sent as {}.
func Encode(msg Message) ([]byte, error) {
	if msg.Data == nil {
		msg.Data = emptyObject
	}

	out, err := jsoncodec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if len(out) > MaxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(out), MaxPayloadSize)
	}
	return out, nil
}

// Decode parses a frame. It reports false for anything that is not a JSON
// object with a string "type" and an object "data"; callers drop those.
func Decode(raw []byte) (Message, bool) {
	if len(raw) == 0 || len(raw) > MaxPayloadSize {
		return Message{}, false
	}

	var fields map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Message{}, false
	}

	typeRaw, ok := fields["type"]
	if !ok || !isString(typeRaw) {
		return Message{}, false
	}
	var typ string
	if err := jsoncodec.Unmarshal(typeRaw, &typ); err != nil {
		return Message{}, false
	}

	data, ok := fields["data"]
	if !ok || !isObject(data) {
		return Message{}, false
	}

	return Message{Type: typ, Data: data}, true
}

func isString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
