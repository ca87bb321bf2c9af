package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownVariant is returned when a tagged body names a variant this schema lacks.
	ErrUnknownVariant = errors.New("unknown variant")
	// ErrMissingBody is returned when an envelope carries no body.
	ErrMissingBody = errors.New("missing body")
)

// Command variant tags.
const (
	CmdPing    = "Ping"
	CmdMove    = "Move"
	CmdFire    = "Fire"
	CmdMine    = "Mine"
	CmdCraft   = "Craft"
	CmdUseItem = "UseItem"
)

// Cmd is the closed set of client to server commands.
type Cmd interface {
	CmdType() string
	isCmd()
}

// Ping is a round trip marker answered with Pong.
type Ping struct {
	Nonce string `json:"nonce"`
}

// Move requests thrust along an axis.
type Move struct {
	EntityID string     `json:"entity_id"`
	Axis     [2]float32 `json:"axis"`
	Thrust   float32    `json:"thrust"`
}

// Fire launches a projectile from an entity along aim.
type Fire struct {
	EntityID string     `json:"entity_id"`
	Weapon   string     `json:"weapon"`
	Aim      [2]float32 `json:"aim"`
}

// Mine extracts resources from a target node.
type Mine struct {
	EntityID string `json:"entity_id"`
	Target   string `json:"target"`
}

// Craft combines inputs according to a recipe.
type Craft struct {
	EntityID string      `json:"entity_id"`
	RecipeID string      `json:"recipe_id"`
	Inputs   []ItemStack `json:"inputs"`
}

// UseItem activates the item in an inventory slot.
type UseItem struct {
	EntityID string `json:"entity_id"`
	Slot     uint8  `json:"slot"`
}

func (Ping) CmdType() string    { return CmdPing }
func (Move) CmdType() string    { return CmdMove }
func (Fire) CmdType() string    { return CmdFire }
func (Mine) CmdType() string    { return CmdMine }
func (Craft) CmdType() string   { return CmdCraft }
func (UseItem) CmdType() string { return CmdUseItem }

func (Ping) isCmd()    {}
func (Move) isCmd()    {}
func (Fire) isCmd()    {}
func (Mine) isCmd()    {}
func (Craft) isCmd()   {}
func (UseItem) isCmd() {}

// MarshalJSON keeps the inputs array non-null.
func (c Craft) MarshalJSON() ([]byte, error) {
	type wire Craft
	out := wire(c)
	out.Inputs = stacksOrEmpty(out.Inputs)
	return json.Marshal(out)
}

// Command carries a Cmd through generic envelopes and owns its tagged JSON form.
type Command struct {
	Cmd
}

// MarshalJSON writes the variant fields with a leading "type" discriminant.
func (c Command) MarshalJSON() ([]byte, error) {
	if c.Cmd == nil {
		return nil, fmt.Errorf("encode command: %w", ErrMissingBody)
	}
	return marshalTagged(c.Cmd.CmdType(), c.Cmd)
}

// UnmarshalJSON decodes a {"type":"X",...} body into the matching variant.
func (c *Command) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	cmd, err := DecodeCmd(data)
	if err != nil {
		return err
	}
	c.Cmd = cmd
	return nil
}

// DecodeCmd decodes a tagged command body.
func DecodeCmd(data []byte) (Cmd, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}
	//1.- Select the concrete variant from the discriminant, then decode its fields.
	var cmd Cmd
	switch tag {
	case CmdPing:
		var v Ping
		err = json.Unmarshal(data, &v)
		cmd = v
	case CmdMove:
		var v Move
		err = json.Unmarshal(data, &v)
		cmd = v
	case CmdFire:
		var v Fire
		err = json.Unmarshal(data, &v)
		cmd = v
	case CmdMine:
		var v Mine
		err = json.Unmarshal(data, &v)
		cmd = v
	case CmdCraft:
		var v Craft
		err = json.Unmarshal(data, &v)
		cmd = v
	case CmdUseItem:
		var v UseItem
		err = json.Unmarshal(data, &v)
		cmd = v
	default:
		return nil, fmt.Errorf("%w: command %q", ErrUnknownVariant, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag, err)
	}
	return cmd, nil
}

func marshalTagged(tag string, value any) ([]byte, error) {
	fields, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	typeField, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 || fields[0] != '{' {
		return nil, fmt.Errorf("variant %s must encode as an object", tag)
	}
	//1.- Splice the discriminant in front of the variant's own fields.
	out := make([]byte, 0, len(fields)+len(typeField)+10)
	out = append(out, `{"type":`...)
	out = append(out, typeField...)
	if len(fields) > 2 {
		out = append(out, ',')
		out = append(out, fields[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func readTag(data []byte) (string, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	if head.Type == nil || *head.Type == "" {
		return "", fmt.Errorf("%w: missing type discriminant", ErrUnknownVariant)
	}
	return *head.Type, nil
}

func isNull(data []byte) bool {
	return len(data) == 4 && string(data) == "null"
}
