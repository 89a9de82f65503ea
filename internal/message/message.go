// Package message provides the envelope structure exchanged between broker
// and endpoints.
//
// Every frame on the wire is a Message: a typed envelope carrying a unique ID,
// the sender URI, one or more target URIs (literal or wildcard patterns), an
// absolute expiry, and an opaque payload. The broker appends hop records as a
// message moves through its internal processing stages, giving a per-message
// audit trail for routing and redelivery.
//
// Called by: broker ingress/routing, spool, transport, client
// Calls: Standard JSON marshaling, UUID generation
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Processing stages recorded as hops while a message moves through the broker.
const (
	StageAcceptToQueue = "accept-to-queue"
	StageDeliver       = "deliver"
	StageRedelivery    = "redelivery"
)

// Hop records that a message passed an internal processing stage.
type Hop struct {
	Stage     string    `json:"stage" msgpack:"stage"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// Message is the envelope for all endpoint and broker communication.
//
// Targets may contain literal URIs or wildcard patterns ("*" matches one URI
// segment); patterns are expanded against the broker inventory before
// delivery. Expires is an absolute UTC timestamp after which the message must
// not be written to any destination.
//
// Target (wire field "_target") is broker-internal: once the target list has
// been expanded, each outbound copy carries the single destination it is bound
// for, so a redelivered copy skips re-expansion. Clients never set it.
type Message struct {
	ID                string          `json:"id" msgpack:"id"`
	Sender            string          `json:"sender" msgpack:"sender"`
	Targets           []string        `json:"targets" msgpack:"targets"`
	MessageType       string          `json:"message_type" msgpack:"message_type"`
	Expires           time.Time       `json:"expires" msgpack:"expires"`
	DestinationReport bool            `json:"destination_report,omitempty" msgpack:"destination_report"`
	Hops              []Hop           `json:"hops,omitempty" msgpack:"hops"`
	Data              json.RawMessage `json:"data,omitempty" msgpack:"data"`

	Target string `json:"_target,omitempty" msgpack:"_target"`
}

// New creates a message with a fresh UUID and the given lifetime.
//
// The payload is JSON-marshaled into the Data field. Expires is recorded in
// UTC so the wire form is a stable ISO-8601 timestamp.
func New(sender string, targets []string, messageType string, ttl time.Duration, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:          uuid.New().String(),
		Sender:      sender,
		Targets:     targets,
		MessageType: messageType,
		Expires:     time.Now().UTC().Add(ttl),
		Data:        data,
	}, nil
}

// AddHop appends a stage record to the message's processing history.
// Hops are append-only; no stage removes or reorders them.
func (m *Message) AddHop(stage string) {
	m.Hops = append(m.Hops, Hop{Stage: stage, Timestamp: time.Now().UTC()})
}

// IsExpired reports whether the message lifetime has elapsed.
func (m *Message) IsExpired() bool {
	return !time.Now().Before(m.Expires)
}

// TimeToLive returns the remaining lifetime, which may be negative.
func (m *Message) TimeToLive() time.Duration {
	return time.Until(m.Expires)
}

// UnmarshalData unmarshals the payload into the provided struct.
func (m *Message) UnmarshalData(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}

// Clone creates a deep copy of the message. Each expanded delivery copy gets
// its own hop history and target binding.
func (m *Message) Clone() *Message {
	clone := *m

	if m.Targets != nil {
		clone.Targets = make([]string, len(m.Targets))
		copy(clone.Targets, m.Targets)
	}

	if m.Hops != nil {
		clone.Hops = make([]Hop, len(m.Hops))
		copy(clone.Hops, m.Hops)
	}

	if m.Data != nil {
		clone.Data = make(json.RawMessage, len(m.Data))
		copy(clone.Data, m.Data)
	}

	return &clone
}

// Encode serializes the message to its JSON wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode deserializes a message from its JSON wire form.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the envelope carries all required fields.
func (m *Message) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Message: "message ID is required"}
	}
	if m.Sender == "" {
		return &ValidationError{Field: "sender", Message: "sender URI is required"}
	}
	if len(m.Targets) == 0 {
		return &ValidationError{Field: "targets", Message: "at least one target is required"}
	}
	if m.MessageType == "" {
		return &ValidationError{Field: "message_type", Message: "message type is required"}
	}
	if m.Expires.IsZero() {
		return &ValidationError{Field: "expires", Message: "expiry timestamp is required"}
	}
	return nil
}

// ValidationError represents an envelope or control-body validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
