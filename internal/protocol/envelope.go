// Package protocol defines the event envelope exchanged between the sync
// endpoint and its observers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Server to client events.
const (
	EventQueueUpdate     = "queue_update"
	EventHistoryUpdate   = "history_update"
	EventJobUpdate       = "job_update"
	EventActiveJobUpdate = "active_job_update"
)

// Client to server requests.
const (
	EventGetQueue     = "get_queue"
	EventGetHistory   = "get_history"
	EventGetActiveJob = "get_active_job"
)

// Connection lifecycle events raised locally by the client connector.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Disconnect reasons carried by the disconnect event.
const (
	ReasonServer    = "server"
	ReasonTransport = "transport"
	ReasonClient    = "client"
)

// ErrMalformedEnvelope is returned when a frame is not a valid envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is one named event with an arbitrary JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope, encoding payload as JSON. A nil payload is sent as null.
func New(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Decode parses a single frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedEnvelope)
	}
	return env, nil
}

// DecodeBatch parses a polling response body holding a JSON array of envelopes.
// Entries that are not valid envelopes are skipped and counted.
func DecodeBatch(body []byte) ([]Envelope, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	out := make([]Envelope, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		env, err := Decode(r)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, env)
	}
	return out, skipped, nil
}

// Encode serialises an envelope into a single frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
