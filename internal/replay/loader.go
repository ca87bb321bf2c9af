package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"owg/server/internal/protocol"
)

// maxLineBytes bounds a single NDJSON record.
const maxLineBytes = 4 << 20

// ErrMalformedRecord marks a replay line that could not be decoded.
var ErrMalformedRecord = errors.New("malformed replay record")

// Entry is one scheduled command and the tick it must be applied before.
type Entry struct {
	Tick uint64
	Cmd  protocol.Cmd
}

// MarshalJSON writes the {"t":..,"cmd":{"type":..}} line form.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		T   uint64           `json:"t"`
		Cmd protocol.Command `json:"cmd"`
	}{T: e.Tick, Cmd: protocol.Command{Cmd: e.Cmd}})
}

// Load opens a replay file, decompressing by extension (.gz, .zst, .sz), and returns its
// schedule. Any malformed line aborts the load.
func Load(path string) (*Schedule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}
	reader, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	entries, err := Parse(reader)
	if err != nil {
		return nil, fmt.Errorf("load replay %s: %w", path, err)
	}
	return NewSchedule(entries), nil
}

// Parse decodes newline-delimited replay records and returns them stably sorted by tick.
func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var entries []Entry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		//1.- Decode the outer record; both fields are mandatory.
		var record struct {
			T   *uint64         `json:"t"`
			Cmd json.RawMessage `json:"cmd"`
		}
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, lineNo, err)
		}
		if record.T == nil {
			return nil, fmt.Errorf("%w: line %d: missing t", ErrMalformedRecord, lineNo)
		}
		if len(record.Cmd) == 0 || string(record.Cmd) == "null" {
			return nil, fmt.Errorf("%w: line %d: missing cmd", ErrMalformedRecord, lineNo)
		}
		//2.- Rewrite the single-key wrapper shape into the tagged form before decoding.
		tagged, err := NormalizeCommand(record.Cmd)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, lineNo, err)
		}
		cmd, err := protocol.DecodeCmd(tagged)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, lineNo, err)
		}
		entries = append(entries, Entry{Tick: *record.T, Cmd: cmd})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read replay: %w", err)
	}
	//3.- Stable sort keeps file order for commands sharing a tick.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Tick < entries[j].Tick })
	return entries, nil
}

// NormalizeCommand accepts either {"type":"X",...} or {"X":{...}} and returns the tagged form.
func NormalizeCommand(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("command must be a JSON object: %w", err)
	}
	if _, tagged := fields["type"]; tagged {
		return raw, nil
	}
	if len(fields) != 1 {
		return nil, fmt.Errorf("command has no type discriminant")
	}
	var name string
	var inner json.RawMessage
	for key, value := range fields {
		name, inner = key, value
	}
	//1.- Lift the inner object's fields next to the discriminant.
	merged := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(inner)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &merged); err != nil {
			return nil, fmt.Errorf("wrapped %s body: %w", name, err)
		}
	}
	tag, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	merged["type"] = tag
	return json.Marshal(merged)
}

// Open returns a reader over path that transparently decompresses .gz, .zst and .sz files.
func Open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		return &layeredReader{Reader: gz, closers: []func() error{gz.Close, file.Close}}, nil
	case ".zst":
		dec, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		return &layeredReader{Reader: dec, closers: []func() error{
			func() error { dec.Close(); return nil },
			file.Close,
		}}, nil
	case ".sz":
		return &layeredReader{Reader: snappy.NewReader(file), closers: []func() error{file.Close}}, nil
	default:
		return file, nil
	}
}

type layeredReader struct {
	io.Reader
	closers []func() error
}

func (l *layeredReader) Close() error {
	var errs error
	for _, closeFn := range l.closers {
		errs = errors.Join(errs, closeFn())
	}
	return errs
}

// LoadRecording reads a session directory written by Recorder.
func LoadRecording(dir string) (Header, *Schedule, error) {
	header, err := ReadHeader(filepath.Join(dir, HeaderFile))
	if err != nil {
		return Header{}, nil, err
	}
	if !header.Protocol.Compatible(protocol.CurrentSchema) {
		return Header{}, nil, fmt.Errorf("recording protocol %s: %w", header.Protocol, protocol.ErrIncompatibleSchema)
	}
	schedule, err := Load(filepath.Join(dir, header.FilePointer))
	if err != nil {
		return Header{}, nil, err
	}
	return header, schedule, nil
}
