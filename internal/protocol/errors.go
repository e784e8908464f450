package protocol

import "fmt"

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnauthorized    = "E_UNAUTHORIZED"
	ErrRateLimit       = "E_RATE_LIMIT"

	// Request bodies and game state.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNotFound   = "E_NOT_FOUND"
	ErrConflict   = "E_CONFLICT"
	ErrNoEffect   = "E_NO_EFFECT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnauthorized:    {},
	ErrRateLimit:       {},
	ErrBadRequest:      {},
	ErrNotFound:        {},
	ErrConflict:        {},
	ErrNoEffect:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ValidationError is a rejected request body. Message is safe to show to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(field, format string, args ...any) *ValidationError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &ValidationError{Field: field, Message: msg}
}
