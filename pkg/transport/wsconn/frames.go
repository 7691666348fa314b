package wsconn

import (
	"encoding/json"
	"strings"
)

const (
	TypeFrameStart = "frame.start"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeAck        = "ack"
	TypeReply      = "reply"
)

// ControlFrame is a client text message. Binary messages carry frame data.
type ControlFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	// Length may be a JSON number or a string.
	Length    json.RawMessage `json:"length,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
}

// LengthString returns the declared length as text, "" when absent.
func (f ControlFrame) LengthString() string {
	raw := strings.TrimSpace(string(f.Length))
	if raw == "" || raw == "null" {
		return ""
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return raw
		}
		return s
	}
	return raw
}

// ServerFrame is every text message the server sends. Body is base64 on
// the wire.
type ServerFrame struct {
	Type    string              `json:"type"`
	Status  int                 `json:"status,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}
