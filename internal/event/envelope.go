package event

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// Envelope is the canonical wrapper for every message crossing the relay.
// Topics name the channels the envelope fans out on; DedupKey is derived
// from the originating entity so that the same logical event delivered via
// two topics is recognized as one occurrence by the receiver.
type Envelope struct {
	ID        string          `json:"id"`
	Topics    []string        `json:"topics"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DedupKey  string          `json:"dedupKey"`
	EmittedAt time.Time       `json:"emittedAt"`
	// ActorID identifies the user whose action produced the envelope, so
	// receivers can suppress self-notifications without decoding payloads.
	ActorID string `json:"actorId,omitempty"`
}

var (
	ErrNoTopics   = errors.New("envelope has no topics")
	ErrNoDedupKey = errors.New("envelope has no dedup key")
	ErrNoEvent    = errors.New("envelope has no event name")
)

// Validate checks the fields the relay and dispatcher depend on. Malformed
// envelopes are logged and dropped, never propagated.
func (e *Envelope) Validate() error {
	switch {
	case len(e.Topics) == 0:
		return ErrNoTopics
	case e.Event == "":
		return ErrNoEvent
	case e.DedupKey == "":
		return ErrNoDedupKey
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Decode unmarshals the envelope payload into a typed payload struct.
func Decode[T any](e *Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, err
	}
	return v, nil
}
