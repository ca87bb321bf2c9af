package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"owg/server/internal/protocol"
)

var labelCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	commandsFile           = "commands.ndjson"
	compressedCommandsFile = "commands.ndjson.zst"
)

// ErrRecorderClosed is returned by Record after Close.
var ErrRecorderClosed = errors.New("recorder closed")

// Stats summarises recorder health for monitoring endpoints.
type Stats struct {
	Records  int64
	Bytes    int64
	LastTick uint64
	Path     string
}

// Recorder appends applied commands as replayable NDJSON inside a per-session directory.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	path    string
	header  Header
	file    *os.File
	encoder *zstd.Encoder
	buf     *bufio.Writer
	stats   Stats
	closed  bool
}

// RecorderOption customises a recorder.
type RecorderOption func(*recorderSettings)

type recorderSettings struct {
	compress  bool
	clock     func() time.Time
	label     string
	startTick uint64
}

// WithCompression writes the command log through a zstd stream.
func WithCompression(enabled bool) RecorderOption {
	return func(s *recorderSettings) { s.compress = enabled }
}

// WithClock overrides the clock used to name the session directory.
func WithClock(clock func() time.Time) RecorderOption {
	return func(s *recorderSettings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLabel prefixes the session directory name.
func WithLabel(label string) RecorderOption {
	return func(s *recorderSettings) { s.label = label }
}

// WithStartTick records the tick the session began at, useful after a restore.
func WithStartTick(tick uint64) RecorderOption {
	return func(s *recorderSettings) { s.startTick = tick }
}

// NewRecorder creates root/<label>-<timestamp>/ and opens its command log.
func NewRecorder(root, seed string, opts ...RecorderOption) (*Recorder, error) {
	if root == "" {
		return nil, fmt.Errorf("replay directory must be provided")
	}
	settings := recorderSettings{clock: time.Now, label: "session"}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	label := labelCleaner.ReplaceAllString(settings.label, "")
	if label == "" {
		label = "session"
	}
	created := settings.clock().UTC()
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", label, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	name := commandsFile
	if settings.compress {
		name = compressedCommandsFile
	}
	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		Seed:          seed,
		Protocol:      protocol.CurrentSchema,
		StartTick:     settings.startTick,
		CreatedAt:     created.Format(time.RFC3339Nano),
		FilePointer:   name,
	}
	//1.- Write the header first so a crashed session is still identifiable.
	if err := WriteHeader(filepath.Join(dir, HeaderFile), header); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	rec := &Recorder{dir: dir, path: path, header: header, file: file, stats: Stats{Path: path}}
	var sink io.Writer = file
	if settings.compress {
		encoder, err := zstd.NewWriter(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		rec.encoder = encoder
		sink = encoder
	}
	rec.buf = bufio.NewWriter(sink)
	return rec, nil
}

// Record appends one command for tick and flushes it so the log survives a crash.
func (r *Recorder) Record(tick uint64, cmd protocol.Cmd) error {
	if r == nil {
		return fmt.Errorf("recorder not configured")
	}
	line, err := json.Marshal(Entry{Tick: tick, Cmd: cmd})
	if err != nil {
		return fmt.Errorf("encode replay entry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	//1.- Write the line, then push it through every buffering layer.
	if _, err := r.buf.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := r.buf.Flush(); err != nil {
		return err
	}
	if r.encoder != nil {
		if err := r.encoder.Flush(); err != nil {
			return err
		}
	}
	r.stats.Records++
	r.stats.Bytes += int64(len(line) + 1)
	r.stats.LastTick = tick
	return nil
}

// Dir is the session directory.
func (r *Recorder) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// Path is the command log inside the session directory.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Header returns the header written for this session.
func (r *Recorder) Header() Header {
	if r == nil {
		return Header{}
	}
	return r.header
}

// Stats returns a copy of the recorder counters.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close flushes buffered output and releases the file handle.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	//1.- Attempt every flush/close and surface the first failure for callers to inspect.
	var firstErr error
	if err := r.buf.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if r.encoder != nil {
		if err := r.encoder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
