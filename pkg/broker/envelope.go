// Package broker turns publish/subscribe messaging into call/response: every
// call binds a private reply queue, publishes to its flavour and waits for the
// one result carrying its call id.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/morezero/edge-cluster-frontend/pkg/commsutil"
)

// Mode is the execution mode requested from the worker.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// ParseMode validates a mode string. Empty means sync.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSync:
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	default:
		return "", fmt.Errorf("invalid execution mode %q", s)
	}
}

// StatusOK is the result code of a successful execution.
const StatusOK = 200

// ErrProtocol marks a result that does not match the envelope contract.
var ErrProtocol = errors.New("broker: malformed result envelope")

// CallEnvelope is published to the flavour subject.
type CallEnvelope struct {
	RequestID string          `json:"request_id"`
	Mode      Mode            `json:"mode"`
	Payload   json.RawMessage `json:"payload"`
}

// ResultEnvelope is published by a worker on the call's reply subject.
type ResultEnvelope struct {
	Code      int             `json:"code"`
	Message   json.RawMessage `json:"message"`
	RequestID string          `json:"request_id,omitempty"`
}

type resultWire struct {
	Code      *int            `json:"code"`
	Message   json.RawMessage `json:"message"`
	RequestID string          `json:"request_id"`
}

// DecodeResult parses and validates a result envelope. The code must be a
// final HTTP status (200..599) and the message must be present (it may be
// null).
func DecodeResult(data []byte) (*ResultEnvelope, error) {
	var w resultWire
	if err := commsutil.DecodePayload(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if w.Code == nil {
		return nil, fmt.Errorf("%w: missing code", ErrProtocol)
	}
	if *w.Code < 200 || *w.Code > 599 {
		return nil, fmt.Errorf("%w: code %d out of range", ErrProtocol, *w.Code)
	}
	if w.Message == nil {
		return nil, fmt.Errorf("%w: missing message", ErrProtocol)
	}
	return &ResultEnvelope{Code: *w.Code, Message: w.Message, RequestID: w.RequestID}, nil
}

// OK reports whether the worker reported success.
func (r *ResultEnvelope) OK() bool {
	return r.Code == StatusOK
}

// Text renders the message for error reporting: JSON strings are unquoted,
// anything else is returned as raw JSON.
func (r *ResultEnvelope) Text() string {
	if len(r.Message) > 0 && r.Message[0] == '"' {
		var s string
		if err := json.Unmarshal(r.Message, &s); err == nil {
			return s
		}
	}
	return string(r.Message)
}
