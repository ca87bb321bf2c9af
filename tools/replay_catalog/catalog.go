// Package replaycatalog lists session recordings found under a directory tree.
package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"owg/server/internal/replay"
)

// Entry captures a recording header alongside its resolved command log and schedule summary.
type Entry struct {
	Dir        string        `json:"dir"`
	HeaderPath string        `json:"header_path"`
	ReplayPath string        `json:"replay_path"`
	Header     replay.Header `json:"header"`
	Commands   int           `json:"commands"`
	LastTick   uint64        `json:"last_tick"`
	Error      string        `json:"error,omitempty"`
}

// List walks root and returns every recording it finds, ordered by seed then creation time.
// A recording whose command log cannot be loaded is still listed with Error set.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Every header.json marks one recording directory.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != replay.HeaderFile {
			return nil
		}
		dir := filepath.Dir(path)
		entry := Entry{Dir: dir, HeaderPath: path}
		header, schedule, err := replay.LoadRecording(dir)
		if err != nil {
			//2.- Fall back to the bare header so broken logs are still visible.
			header, headerErr := replay.ReadHeader(path)
			if headerErr != nil {
				return headerErr
			}
			entry.Header = header
			entry.Error = err.Error()
		} else {
			entry.Header = header
			entry.Commands = schedule.Len()
			entry.LastTick = schedule.LastTick()
		}
		entry.ReplayPath = entry.Header.FilePointer
		if !filepath.IsAbs(entry.ReplayPath) {
			entry.ReplayPath = filepath.Join(dir, entry.ReplayPath)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Header.Seed == entries[j].Header.Seed {
			if entries[i].Header.CreatedAt == entries[j].Header.CreatedAt {
				return entries[i].Dir < entries[j].Dir
			}
			return entries[i].Header.CreatedAt < entries[j].Header.CreatedAt
		}
		return entries[i].Header.Seed < entries[j].Header.Seed
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
