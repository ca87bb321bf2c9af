package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrSchemaViolation wraps validation failures reported by the envelope schemas.
var ErrSchemaViolation = errors.New("schema violation")

const (
	commandSchemaURL = "owg://schemas/command.schema.json"
	eventSchemaURL   = "owg://schemas/event.schema.json"
)

type validators struct {
	command *jsonschema.Schema
	event   *jsonschema.Schema
}

var (
	schemaOnce  sync.Once
	schemaSet   validators
	schemaError error
)

func loadValidators() (validators, error) {
	schemaOnce.Do(func() {
		schemaSet.command, schemaError = compileEmbedded("schemas/command.schema.json", commandSchemaURL)
		if schemaError != nil {
			return
		}
		schemaSet.event, schemaError = compileEmbedded("schemas/event.schema.json", eventSchemaURL)
	})
	return schemaSet, schemaError
}

func compileEmbedded(name, url string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	schema, err := jsonschema.CompileString(url, string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return schema, nil
}

// SchemaDocument returns the raw JSON schema published for commands ("command") or events ("event").
func SchemaDocument(name string) ([]byte, error) {
	return schemaFS.ReadFile(fmt.Sprintf("schemas/%s.schema.json", name))
}

// ValidateCommand checks an inbound command envelope against the published schema.
func ValidateCommand(raw []byte) error {
	set, err := loadValidators()
	if err != nil {
		return err
	}
	return validateWith(set.command, raw)
}

// ValidateEvent checks an outbound event envelope against the published schema.
func ValidateEvent(raw []byte) error {
	set, err := loadValidators()
	if err != nil {
		return err
	}
	return validateWith(set.event, raw)
}

func validateWith(schema *jsonschema.Schema, raw []byte) error {
	if len(raw) == 0 {
		return ErrEmptyPayload
	}
	//1.- Decode with json.Number so integer constraints see the exact literal.
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return fmt.Errorf("decode for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}
