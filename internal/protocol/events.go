package protocol

import (
	"encoding/json"
	"fmt"
)

// Event variant tags.
const (
	EvtPong        = "Pong"
	EvtSnapshot    = "Snapshot"
	EvtDelta       = "Delta"
	EvtMined       = "Mined"
	EvtCraftResult = "CraftResult"
	EvtDesync      = "Desync"
)

// Evt is the closed set of server to client events.
type Evt interface {
	EvtType() string
	isEvt()
}

// Pong answers a Ping with the same nonce.
type Pong struct {
	Nonce string `json:"nonce"`
	RTTMs uint32 `json:"rtt_ms"`
}

// Snapshot carries the full authoritative state.
type Snapshot struct {
	Full  bool  `json:"full"`
	State State `json:"state"`
}

// Delta carries the entity changes between two consecutive ticks.
type Delta struct {
	Adds    []Entity `json:"adds"`
	Updates []Entity `json:"updates"`
	Removes []string `json:"removes"`
}

// Mined reports resources extracted by a Mine command.
type Mined struct {
	MinerID string      `json:"miner_id"`
	NodeID  string      `json:"node_id"`
	Yields  []ItemStack `json:"yields"`
}

// CraftResult reports the outcome of a Craft command.
type CraftResult struct {
	EntityID string      `json:"entity_id"`
	OK       bool        `json:"ok"`
	Outputs  []ItemStack `json:"outputs"`
}

// Desync tells a client its state hash diverged from the server's.
type Desync struct {
	ClientHash string `json:"client_hash"`
	ServerHash string `json:"server_hash"`
	AtTick     uint64 `json:"at_tick"`
}

func (Pong) EvtType() string        { return EvtPong }
func (Snapshot) EvtType() string    { return EvtSnapshot }
func (Delta) EvtType() string       { return EvtDelta }
func (Mined) EvtType() string       { return EvtMined }
func (CraftResult) EvtType() string { return EvtCraftResult }
func (Desync) EvtType() string      { return EvtDesync }

func (Pong) isEvt()        {}
func (Snapshot) isEvt()    {}
func (Delta) isEvt()       {}
func (Mined) isEvt()       {}
func (CraftResult) isEvt() {}
func (Desync) isEvt()      {}

// IsEmpty reports whether the delta carries no changes.
func (d Delta) IsEmpty() bool {
	return len(d.Adds) == 0 && len(d.Updates) == 0 && len(d.Removes) == 0
}

// MarshalJSON keeps all three lists non-null.
func (d Delta) MarshalJSON() ([]byte, error) {
	type wire Delta
	out := wire(d)
	if out.Adds == nil {
		out.Adds = []Entity{}
	}
	if out.Updates == nil {
		out.Updates = []Entity{}
	}
	if out.Removes == nil {
		out.Removes = []string{}
	}
	return json.Marshal(out)
}

// MarshalJSON keeps the yields array non-null.
func (m Mined) MarshalJSON() ([]byte, error) {
	type wire Mined
	out := wire(m)
	out.Yields = stacksOrEmpty(out.Yields)
	return json.Marshal(out)
}

// MarshalJSON keeps the outputs array non-null.
func (c CraftResult) MarshalJSON() ([]byte, error) {
	type wire CraftResult
	out := wire(c)
	out.Outputs = stacksOrEmpty(out.Outputs)
	return json.Marshal(out)
}

// Clone returns a copy whose yields do not alias the receiver.
func (m Mined) Clone() Mined {
	m.Yields = cloneStacks(m.Yields)
	return m
}

// Event carries an Evt through generic envelopes and owns its tagged JSON form.
type Event struct {
	Evt
}

// MarshalJSON writes the variant fields with a leading "type" discriminant.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Evt == nil {
		return nil, fmt.Errorf("encode event: %w", ErrMissingBody)
	}
	return marshalTagged(e.Evt.EvtType(), e.Evt)
}

// UnmarshalJSON decodes a {"type":"X",...} body into the matching variant.
func (e *Event) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	evt, err := DecodeEvt(data)
	if err != nil {
		return err
	}
	e.Evt = evt
	return nil
}

// DecodeEvt decodes a tagged event body.
func DecodeEvt(data []byte) (Evt, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}
	var evt Evt
	switch tag {
	case EvtPong:
		var v Pong
		err = json.Unmarshal(data, &v)
		evt = v
	case EvtSnapshot:
		var v Snapshot
		err = json.Unmarshal(data, &v)
		evt = v
	case EvtDelta:
		var v Delta
		err = json.Unmarshal(data, &v)
		evt = v
	case EvtMined:
		var v Mined
		err = json.Unmarshal(data, &v)
		evt = v
	case EvtCraftResult:
		var v CraftResult
		err = json.Unmarshal(data, &v)
		evt = v
	case EvtDesync:
		var v Desync
		err = json.Unmarshal(data, &v)
		evt = v
	default:
		return nil, fmt.Errorf("%w: event %q", ErrUnknownVariant, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag, err)
	}
	return evt, nil
}
