package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrIncompatibleSchema signals an envelope whose schema major differs from CurrentSchema.
	ErrIncompatibleSchema = errors.New("incompatible schema major version")
	// ErrUnexpectedKind signals an envelope carrying the wrong kind tag for the decoder used.
	ErrUnexpectedKind = errors.New("unexpected envelope kind")
	// ErrEmptyPayload is returned when a decoder receives no bytes.
	ErrEmptyPayload = errors.New("empty payload")
)

// SchemaVersion identifies the wire schema carried by every envelope.
type SchemaVersion struct {
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
}

// CurrentSchema is the schema emitted by this server.
var CurrentSchema = SchemaVersion{Major: 0, Minor: 1}

// Compatible reports whether a consumer supporting s may read payloads stamped with other.
func (s SchemaVersion) Compatible(other SchemaVersion) bool {
	return s.Major == other.Major
}

// String renders the version as major.minor.
func (s SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", s.Major, s.Minor)
}

// Kind tags an envelope as a client command or a server event.
type Kind string

const (
	KindCmd Kind = "cmd"
	KindEvt Kind = "evt"
)

// UnmarshalJSON accepts the canonical lowercase tags and their capitalised aliases.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch strings.ToLower(raw) {
	case string(KindCmd):
		*k = KindCmd
	case string(KindEvt):
		*k = KindEvt
	default:
		return fmt.Errorf("unknown envelope kind %q", raw)
	}
	return nil
}

// Envelope is the only value placed on the wire.
type Envelope[T any] struct {
	Kind   Kind          `json:"kind"`
	Schema SchemaVersion `json:"schema"`
	Tick   uint64        `json:"t"`
	ID     *uuid.UUID    `json:"id"`
	Body   T             `json:"body"`
}

// WithCorrelation returns a copy of the envelope carrying the supplied correlation id.
func (e Envelope[T]) WithCorrelation(id uuid.UUID) Envelope[T] {
	e.ID = &id
	return e
}

// NewEventEnvelope wraps an event produced at tick.
func NewEventEnvelope(tick uint64, evt Evt) Envelope[Event] {
	return Envelope[Event]{
		Kind:   KindEvt,
		Schema: CurrentSchema,
		Tick:   tick,
		Body:   Event{Evt: evt},
	}
}

// NewCommandEnvelope wraps a command relevant at tick.
func NewCommandEnvelope(tick uint64, cmd Cmd) Envelope[Command] {
	return Envelope[Command]{
		Kind:   KindCmd,
		Schema: CurrentSchema,
		Tick:   tick,
		Body:   Command{Cmd: cmd},
	}
}

// DecodeCommandEnvelope parses an inbound payload and enforces kind and schema compatibility.
func DecodeCommandEnvelope(raw []byte) (Envelope[Command], error) {
	var env Envelope[Command]
	if len(raw) == 0 {
		return env, ErrEmptyPayload
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope[Command]{}, fmt.Errorf("decode command envelope: %w", err)
	}
	//1.- Reject envelopes written against a different major schema before touching the body.
	if !CurrentSchema.Compatible(env.Schema) {
		return Envelope[Command]{}, fmt.Errorf("%w: got %s, support %s", ErrIncompatibleSchema, env.Schema, CurrentSchema)
	}
	if env.Kind != KindCmd {
		return Envelope[Command]{}, fmt.Errorf("%w: %q", ErrUnexpectedKind, env.Kind)
	}
	if env.Body.Cmd == nil {
		return Envelope[Command]{}, fmt.Errorf("decode command envelope: %w", ErrMissingBody)
	}
	return env, nil
}

// DecodeEventEnvelope parses an outbound payload, primarily for clients and tooling.
func DecodeEventEnvelope(raw []byte) (Envelope[Event], error) {
	var env Envelope[Event]
	if len(raw) == 0 {
		return env, ErrEmptyPayload
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope[Event]{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if !CurrentSchema.Compatible(env.Schema) {
		return Envelope[Event]{}, fmt.Errorf("%w: got %s, support %s", ErrIncompatibleSchema, env.Schema, CurrentSchema)
	}
	if env.Kind != KindEvt {
		return Envelope[Event]{}, fmt.Errorf("%w: %q", ErrUnexpectedKind, env.Kind)
	}
	if env.Body.Evt == nil {
		return Envelope[Event]{}, fmt.Errorf("decode event envelope: %w", ErrMissingBody)
	}
	return env, nil
}
