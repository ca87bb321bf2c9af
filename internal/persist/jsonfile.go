package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"owg/server/internal/protocol"
)

// SaveJSON writes v as indented JSON to path, replacing any previous file atomically.
func SaveJSON(path string, v any) (int, error) {
	if path == "" {
		return 0, fmt.Errorf("persist path must be provided")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	//1.- Write a sibling temp file first so readers never observe a torn document.
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	//2.- Rename over the destination.
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return len(data), nil
}

// LoadState reads a state document written by SaveJSON.
func LoadState(path string) (protocol.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.State{}, err
	}
	var state protocol.State
	if err := json.Unmarshal(data, &state); err != nil {
		return protocol.State{}, fmt.Errorf("decode state %s: %w", path, err)
	}
	return state, nil
}
