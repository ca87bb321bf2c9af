package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"owg/server/internal/protocol"
)

// ArchiveName is the file name used for the archived copy of the state at tick.
func ArchiveName(tick uint64) string {
	return fmt.Sprintf("state-%012d.json.zst", tick)
}

// WriteArchive stores a zstd-compressed copy of state under dir and returns its path.
func WriteArchive(dir string, state protocol.State) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	path := filepath.Join(dir, ArchiveName(state.World.Time))
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	encoder, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		file.Close()
		return "", err
	}
	if _, err := encoder.Write(data); err != nil {
		encoder.Close()
		file.Close()
		return "", err
	}
	if err := encoder.Close(); err != nil {
		file.Close()
		return "", err
	}
	return path, file.Close()
}

// ReadArchive decodes an archive written by WriteArchive.
func ReadArchive(path string) (protocol.State, error) {
	file, err := os.Open(path)
	if err != nil {
		return protocol.State{}, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return protocol.State{}, err
	}
	defer decoder.Close()
	data, err := io.ReadAll(decoder)
	if err != nil {
		return protocol.State{}, err
	}
	var state protocol.State
	if err := json.Unmarshal(data, &state); err != nil {
		return protocol.State{}, fmt.Errorf("decode archive %s: %w", path, err)
	}
	return state, nil
}

// LatestArchive returns the archive with the highest tick under dir. It reports
// fs.ErrNotExist when dir holds none.
func LatestArchive(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "state-*.json.zst"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no state archive in %s: %w", dir, fs.ErrNotExist)
	}
	//1.- Ticks are zero padded so the lexical order is the tick order.
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
