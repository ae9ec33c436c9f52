package events

import (
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ritualos/ritualos/core/infra/schema"
)

//go:embed schema/envelope.schema.json
var schemaFS embed.FS

const envelopeSchemaFile = "schema/envelope.schema.json"

// Envelope is the wire form of an audit event.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt int64           `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Wrap builds an envelope around an event, assigning a fresh envelope ID.
func Wrap(ev Event, at time.Time) (*Envelope, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.EventType(), err)
	}
	return &Envelope{
		ID:         uuid.NewString(),
		Type:       ev.EventType(),
		OccurredAt: at.UTC().Unix(),
		Payload:    payload,
	}, nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	return json.Marshal(e)
}

// Unmarshal parses raw envelope bytes, validating against the embedded
// envelope schema before decoding. Unknown event types are rejected.
func Unmarshal(data []byte) (*Envelope, error) {
	schemaBytes, err := schemaFS.ReadFile(envelopeSchemaFile)
	if err != nil {
		return nil, fmt.Errorf("load envelope schema: %w", err)
	}
	if err := schema.Validate("audit-envelope", schemaBytes, json.RawMessage(data)); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if _, err := newByType(env.Type); err != nil {
		return nil, err
	}
	return &env, nil
}

// Decode materializes the envelope payload into its concrete event type.
func (e *Envelope) Decode() (Event, error) {
	if e == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	ev, err := newByType(e.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(e.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return ev, nil
}
