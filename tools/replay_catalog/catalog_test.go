package replaycatalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"owg/server/internal/protocol"
	"owg/server/internal/replay"
)

func record(t *testing.T, root, seed string, at time.Time, cmds int) string {
	t.Helper()
	rec, err := replay.NewRecorder(root, seed, replay.WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	for i := 0; i < cmds; i++ {
		if err := rec.Record(uint64(i+1), protocol.Ping{Nonce: "n"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return rec.Dir()
}

func TestListCollectsRecordings(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	later := record(t, root, "seed-a", base.Add(time.Minute), 3)
	earlier := record(t, root, "seed-a", base, 1)
	other := record(t, root, "seed-0", base.Add(time.Hour), 2)

	entries, err := List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected three entries, got %d", len(entries))
	}
	//1.- Ordered by seed, then creation time.
	if entries[0].Dir != other || entries[1].Dir != earlier || entries[2].Dir != later {
		t.Fatalf("unexpected order: %s, %s, %s", entries[0].Dir, entries[1].Dir, entries[2].Dir)
	}
	if entries[2].Commands != 3 || entries[2].LastTick != 3 {
		t.Fatalf("unexpected schedule summary %+v", entries[2])
	}
	if entries[2].ReplayPath != filepath.Join(later, "commands.ndjson") {
		t.Fatalf("unexpected replay path %q", entries[2].ReplayPath)
	}

	payload, err := MarshalEntries(entries)
	if err != nil {
		t.Fatalf("MarshalEntries: %v", err)
	}
	var decoded []Entry
	if err := json.Unmarshal(payload, &decoded); err != nil || len(decoded) != 3 {
		t.Fatalf("expected JSON array of three entries, got %v", err)
	}
}

func TestListKeepsBrokenRecordings(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	header := replay.Header{
		SchemaVersion: replay.HeaderSchemaVersion,
		Seed:          "seed-b",
		Protocol:      protocol.CurrentSchema,
		FilePointer:   "missing.ndjson",
	}
	if err := replay.WriteHeader(filepath.Join(dir, replay.HeaderFile), header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	entries, err := List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Error == "" || entries[0].Header.Seed != "seed-b" {
		t.Fatalf("expected broken recording to be listed with an error, got %+v", entries)
	}
}

func TestListValidatesRoot(t *testing.T) {
	if _, err := List(""); err == nil {
		t.Fatalf("expected error for empty root")
	}
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := List(file); err == nil {
		t.Fatalf("expected error for non-directory root")
	}
}
