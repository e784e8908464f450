package protocol

import "prodfactory.io/internal/codec"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	CatalogDigest   string `json:"catalog_digest,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	CatalogDigest   string       `json:"catalog_digest"`
	Resources       []string     `json:"resources"`
	Boosts          []string     `json:"boosts"`
	Client          ClientTuning `json:"client"`
}

type ClientTuning struct {
	TickMs     int `json:"tick_ms"`
	AutosaveMs int `json:"autosave_ms"`
	AutosyncMs int `json:"autosync_ms"`
}

// RESULT (server -> client) answers one envelope. Status mirrors the HTTP status the
// same request would get.
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Status          int    `json:"status"`
	Code            string `json:"code,omitempty"`
	Error           string `json:"error,omitempty"`
	Body            any    `json:"body,omitempty"`
}

// Response bodies shared by the HTTP and websocket transports.

type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StateBody answers load, reset and actions; it is also the body of every conflict.
type StateBody struct {
	State         codec.WireState `json:"state"`
	ServerVersion int64           `json:"serverVersion"`
}

// WriteBody answers save and sync. State and Warning are null unless the server
// changed what the client sent.
type WriteBody struct {
	State         *codec.WireState `json:"state"`
	ServerVersion int64            `json:"serverVersion"`
	Warning       *string          `json:"warning"`
}

// Request bodies as clients encode them.

type SaveBody struct {
	State         codec.WireState `json:"state"`
	ServerVersion int64           `json:"serverVersion"`
}

type ResourceActionBody struct {
	ResourceID    string `json:"resourceId"`
	ServerVersion int64  `json:"serverVersion"`
}

type BoostActionBody struct {
	BoostID       string `json:"boostId"`
	ServerVersion int64  `json:"serverVersion"`
}

type VersionBody struct {
	ServerVersion int64 `json:"serverVersion"`
}

// ActionPayload is the websocket ACTION payload: an op name plus that op's body fields.
type ActionPayload struct {
	Action        string `json:"action"`
	ResourceID    string `json:"resourceId,omitempty"`
	BoostID       string `json:"boostId,omitempty"`
	ServerVersion int64  `json:"serverVersion"`
}
