package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"owg/server/internal/protocol"
)

// HeaderSchemaVersion tracks the schema version for recording header documents.
const HeaderSchemaVersion = 1

// HeaderFile is the file name of the header stored next to a recording.
const HeaderFile = "header.json"

// Header describes a recording so tooling can replay it against the right world.
type Header struct {
	SchemaVersion int                    `json:"schema_version"`
	Seed          string                 `json:"seed"`
	Protocol      protocol.SchemaVersion `json:"protocol"`
	StartTick     uint64                 `json:"start_tick"`
	CreatedAt     string                 `json:"created_at"`
	FilePointer   string                 `json:"file_pointer"`
}

// Validate ensures the header contains enough information for replay tooling.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.Seed) == "" {
		return fmt.Errorf("seed must not be empty")
	}
	//1.- Ensure tooling can locate the command log reliably.
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	return nil
}

// WriteHeader persists the supplied header to the provided file path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	//1.- Encode using indented JSON so manual inspection remains readable.
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	//2.- Ensure the directory hierarchy exists even when tooling supplies nested paths.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and decodes a recording header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
