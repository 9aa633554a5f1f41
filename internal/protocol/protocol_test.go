package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// TestDecode covers well-formed and malformed envelopes.
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantOK   bool
		wantType string
		wantData string
	}{
		{
			name:     "simple event",
			raw:      `{"type":"chat","data":{"text":"hi"}}`,
			wantOK:   true,
			wantType: "chat",
			wantData: `{"text":"hi"}`,
		},
		{
			name:     "empty data object",
			raw:      `{"type":"$PING","data":{}}`,
			wantOK:   true,
			wantType: "$PING",
			wantData: `{}`,
		},
		{
			name:     "extra fields ignored",
			raw:      `{"type":"chat","data":{},"id":3}`,
			wantOK:   true,
			wantType: "chat",
			wantData: `{}`,
		},
		{name: "not json", raw: `hello`},
		{name: "truncated json", raw: `{"type":"chat","data":{`},
		{name: "json array", raw: `[{"type":"chat","data":{}}]`},
		{name: "json string", raw: `"chat"`},
		{name: "json null", raw: `null`},
		{name: "missing type", raw: `{"data":{}}`},
		{name: "numeric type", raw: `{"type":42,"data":{}}`},
		{name: "null type", raw: `{"type":null,"data":{}}`},
		{name: "missing data", raw: `{"type":"chat"}`},
		{name: "string data", raw: `{"type":"chat","data":"hi"}`},
		{name: "array data", raw: `{"type":"chat","data":[1,2]}`},
		{name: "null data", raw: `{"type":"chat","data":null}`},
		{name: "empty input", raw: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, ok := Decode([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("Decode() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if msg.Type != tt.wantType {
				t.Errorf("type = %q, want %q", msg.Type, tt.wantType)
			}
			if !jsonEqual(t, msg.Data, []byte(tt.wantData)) {
				t.Errorf("data = %s, want %s", msg.Data, tt.wantData)
			}
		})
	}
}

func TestDecodeOversized(t *testing.T) {
	t.Parallel()

	raw := `{"type":"chat","data":{"text":"` + strings.Repeat("a", MaxPayloadSize) + `"}}`
	if _, ok := Decode([]byte(raw)); ok {
		t.Fatal("expected oversized frame to be rejected")
	}
}

// TestEncodeDecodeRoundTrip checks decode(encode(m)) == m.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
	}{
		{"nested data", Message{Type: "move", Data: json.RawMessage(`{"x":1,"y":{"z":[1,2,3]}}`)}},
		{"unicode", Message{Type: "chat", Data: json.RawMessage(`{"text":"olá 👋"}`)}},
		{"system event", Message{Type: TypeExit, Data: json.RawMessage(`{"sessionId":"abc"}`)}},
		{"empty object", Message{Type: "noop", Data: json.RawMessage(`{}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			got, ok := Decode(raw)
			if !ok {
				t.Fatalf("Decode(%s) rejected an encoded message", raw)
			}
			if got.Type != tt.msg.Type {
				t.Errorf("type = %q, want %q", got.Type, tt.msg.Type)
			}
			if !jsonEqual(t, got.Data, tt.msg.Data) {
				t.Errorf("data = %s, want %s", got.Data, tt.msg.Data)
			}
		})
	}
}

func TestEncodeNilData(t *testing.T) {
	t.Parallel()

	raw, err := Encode(Message{Type: TypePing})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Contains(raw, []byte(`"data":{}`)) {
		t.Errorf("expected empty data object, got %s", raw)
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	t.Parallel()

	big := `{"blob":"` + strings.Repeat("x", MaxPayloadSize) + `"}`
	if _, err := Encode(Message{Type: "blob", Data: json.RawMessage(big)}); err == nil {
		t.Fatal("expected error for payload over the size limit")
	}
}

func TestNewMessage(t *testing.T) {
	t.Parallel()

	msg, err := NewMessage(TypeError, ErrorData{Message: "Invalid input"})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if !jsonEqual(t, msg.Data, []byte(`{"message":"Invalid input"}`)) {
		t.Errorf("data = %s", msg.Data)
	}

	if _, err := NewMessage("list", []int{1, 2}); err == nil {
		t.Error("expected error for non-object data")
	}

	empty, err := NewMessage(TypePong, nil)
	if err != nil {
		t.Fatalf("NewMessage(nil) error = %v", err)
	}
	if string(empty.Data) != "{}" {
		t.Errorf("data = %s, want {}", empty.Data)
	}
}

func TestIsReserved(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]bool{
		"$PING": true,
		"$":     true,
		"chat":  false,
		"a$b":   false,
		"":      false,
	} {
		if got := IsReserved(name); got != want {
			t.Errorf("IsReserved(%q) = %v, want %v", name, got, want)
		}
	}
}

func jsonEqual(t *testing.T, a, b []byte) bool {
	t.Helper()

	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatalf("invalid json %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatalf("invalid json %s: %v", b, err)
	}
	ea, _ := json.Marshal(va)
	eb, _ := json.Marshal(vb)
	return bytes.Equal(ea, eb)
}
