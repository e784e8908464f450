package protocol

import "encoding/json"

const Version = "1.0"

// Message types carried over the websocket.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeLoad    = "LOAD"
	TypeSave    = "SAVE"
	TypeSync    = "SYNC"
	TypeAction  = "ACTION"
	TypeReset   = "RESET"
	TypeResult  = "RESULT"
)

// Envelope wraps every client message so replies can be matched by ID.
type Envelope struct {
	Type            string          `json:"type"`
	ID              string          `json:"id,omitempty"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var m Envelope
	err := json.Unmarshal(b, &m)
	return m, err
}
