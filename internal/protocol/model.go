package protocol

import (
	"encoding/json"
	"fmt"
)

// World carries the deterministic seed and the tick counter mirrored into state.
type World struct {
	Seed string `json:"seed"`
	Time uint64 `json:"time"`
}

// Pose is the kinematic state shared by entities and projectiles.
type Pose struct {
	P     [2]float32 `json:"p"`
	V     [2]float32 `json:"v"`
	Theta float32    `json:"theta"`
	Omega float32    `json:"omega"`
}

// Physics holds the static body parameters of an entity.
type Physics struct {
	Mass   float32 `json:"mass"`
	Radius float32 `json:"radius"`
}

// ItemStack pairs an item identifier with a count. It travels as a two element array.
type ItemStack struct {
	ItemID string
	Count  int32
}

// MarshalJSON encodes the stack as ["item", count].
func (s ItemStack) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{s.ItemID, s.Count})
}

// UnmarshalJSON decodes the ["item", count] form.
func (s *ItemStack) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("item stack must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &s.ItemID); err != nil {
		return fmt.Errorf("item stack id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &s.Count); err != nil {
		return fmt.Errorf("item stack count: %w", err)
	}
	return nil
}

// Inventory is an ordered list of stacks; ordering and duplicates are significant.
type Inventory struct {
	Slots []ItemStack `json:"slots"`
}

// MarshalJSON always emits an array so nil and empty inventories hash identically.
func (inv Inventory) MarshalJSON() ([]byte, error) {
	type wire struct {
		Slots []ItemStack `json:"slots"`
	}
	return json.Marshal(wire{Slots: stacksOrEmpty(inv.Slots)})
}

// Equal compares slot by slot.
func (inv Inventory) Equal(other Inventory) bool {
	return stacksEqual(inv.Slots, other.Slots)
}

// Clone returns a deep copy of the inventory.
func (inv Inventory) Clone() Inventory {
	if len(inv.Slots) == 0 {
		return Inventory{}
	}
	return Inventory{Slots: append([]ItemStack(nil), inv.Slots...)}
}

// Entity is any simulated object visible to clients.
type Entity struct {
	ID        string    `json:"id"`
	Archetype string    `json:"archetype"`
	Pose      Pose      `json:"pose"`
	Physics   Physics   `json:"physics"`
	Inventory Inventory `json:"inventory"`
	Owner     *string   `json:"owner"`
}

// Equal reports full structural equality, the criterion used for delta updates.
func (e Entity) Equal(other Entity) bool {
	if e.ID != other.ID || e.Archetype != other.Archetype {
		return false
	}
	if e.Pose != other.Pose || e.Physics != other.Physics {
		return false
	}
	if !e.Inventory.Equal(other.Inventory) {
		return false
	}
	switch {
	case e.Owner == nil && other.Owner == nil:
		return true
	case e.Owner == nil || other.Owner == nil:
		return false
	default:
		return *e.Owner == *other.Owner
	}
}

// Clone returns a deep copy so callers never share the owner pointer or inventory backing array.
func (e Entity) Clone() Entity {
	clone := e
	clone.Inventory = e.Inventory.Clone()
	if e.Owner != nil {
		owner := *e.Owner
		clone.Owner = &owner
	}
	return clone
}

// Projectile is a short lived body fired by an entity.
type Projectile struct {
	ID     string `json:"id"`
	Pose   Pose   `json:"pose"`
	TTL    uint16 `json:"ttl"`
	Owner  string `json:"owner"`
	Weapon string `json:"weapon"`
}

// State is the root value that is hashed, snapshotted, diffed and persisted.
type State struct {
	World       World        `json:"world"`
	Entities    []Entity     `json:"entities"`
	Projectiles []Projectile `json:"projectiles"`
}

// MarshalJSON emits empty arrays instead of null so equal states serialize identically.
func (s State) MarshalJSON() ([]byte, error) {
	type wire struct {
		World       World        `json:"world"`
		Entities    []Entity     `json:"entities"`
		Projectiles []Projectile `json:"projectiles"`
	}
	out := wire{World: s.World, Entities: s.Entities, Projectiles: s.Projectiles}
	if out.Entities == nil {
		out.Entities = []Entity{}
	}
	if out.Projectiles == nil {
		out.Projectiles = []Projectile{}
	}
	return json.Marshal(out)
}

// Clone deep copies the state.
func (s State) Clone() State {
	clone := State{World: s.World}
	if len(s.Entities) > 0 {
		clone.Entities = make([]Entity, len(s.Entities))
		for i, entity := range s.Entities {
			clone.Entities[i] = entity.Clone()
		}
	}
	if len(s.Projectiles) > 0 {
		clone.Projectiles = append([]Projectile(nil), s.Projectiles...)
	}
	return clone
}

// Equal compares two states field by field, preserving entity and projectile order.
func (s State) Equal(other State) bool {
	if s.World != other.World {
		return false
	}
	if len(s.Entities) != len(other.Entities) || len(s.Projectiles) != len(other.Projectiles) {
		return false
	}
	for i := range s.Entities {
		if !s.Entities[i].Equal(other.Entities[i]) {
			return false
		}
	}
	for i := range s.Projectiles {
		if s.Projectiles[i] != other.Projectiles[i] {
			return false
		}
	}
	return true
}

// FindEntity returns the index of the entity with id, or -1.
func (s State) FindEntity(id string) int {
	for i := range s.Entities {
		if s.Entities[i].ID == id {
			return i
		}
	}
	return -1
}

func stacksOrEmpty(stacks []ItemStack) []ItemStack {
	if stacks == nil {
		return []ItemStack{}
	}
	return stacks
}

func stacksEqual(a, b []ItemStack) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneStacks(stacks []ItemStack) []ItemStack {
	if len(stacks) == 0 {
		return nil
	}
	return append([]ItemStack(nil), stacks...)
}
