package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"owg/server/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, record)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"": InfoLevel, "DEBUG": DebugLevel, "warning": WarnLevel, " error ": ErrorLevel}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}

func TestWriterLoggerFiltersAndOrdersKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWriterLogger(&buf, "info")
	if err != nil {
		t.Fatalf("NewWriterLogger: %v", err)
	}
	logger.Debug("hidden")
	logger.With(String("component", "loop")).Info("advanced", Tick(7), Error(errors.New("late")))

	records := decodeLines(t, &buf)
	if len(records) != 1 {
		t.Fatalf("expected debug to be filtered, got %d records", len(records))
	}
	record := records[0]
	if record["message"] != "advanced" || record["level"] != "info" || record["service"] != ServiceName {
		t.Fatalf("unexpected record %+v", record)
	}
	if record["tick"] != float64(7) || record["error"] != "late" || record["component"] != "loop" {
		t.Fatalf("missing fields in %+v", record)
	}

	//1.- The rendered line keeps the fixed prefix then bound fields in attach order.
	line := buf.String()
	order := []string{`"timestamp"`, `"level"`, `"message"`, `"service"`, `"component"`, `"tick"`, `"error"`}
	last := -1
	for _, key := range order {
		idx := strings.Index(line, key)
		if idx <= last {
			t.Fatalf("key %s out of order in %s", key, line)
		}
		last = idx
	}
}

func TestWithReplacesBoundKey(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewWriterLogger(&buf, "debug")
	parent := logger.With(String("conn_id", "a"))
	child := parent.With(String("conn_id", "b"))
	parent.Info("parent")
	child.Info("child", String("conn_id", "c"))

	records := decodeLines(t, &buf)
	if records[0]["conn_id"] != "a" || records[1]["conn_id"] != "c" {
		t.Fatalf("unexpected conn ids %+v", records)
	}
	if strings.Count(strings.Split(buf.String(), "\n")[1], `"conn_id"`) != 1 {
		t.Fatalf("expected a single conn_id key: %s", buf.String())
	}
}

func TestNilLoggerFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewWriterLogger(&buf, "debug")
	previous := L()
	ReplaceGlobals(logger)
	t.Cleanup(func() { ReplaceGlobals(previous) })

	var nilLogger *Logger
	nilLogger.Warn("from nil")
	if !strings.Contains(buf.String(), "from nil") {
		t.Fatalf("expected nil receiver to route to global logger, got %q", buf.String())
	}
	if err := nilLogger.Sync(); err != nil {
		t.Fatalf("Sync on nil logger: %v", err)
	}
}

func TestFatalExitsAfterWriting(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewWriterLogger(&buf, "info")
	code := -1
	logger.exit = func(c int) { code = c }
	logger.Fatal("boom")
	if code != 1 || !strings.Contains(buf.String(), `"level":"fatal"`) {
		t.Fatalf("expected fatal record and exit 1, got %d %q", code, buf.String())
	}
}

func TestHTTPTraceMiddleware(t *testing.T) {
	var buf bytes.Buffer
	base, _ := NewWriterLogger(&buf, "debug")
	var seenID string
	var seenLogger *Logger
	handler := HTTPTraceMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = TraceID(r.Context())
		seenLogger = FromContext(r.Context(), nil)
	}))

	//1.- An inbound trace id is reused and echoed.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seenID != "abc123" || rec.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("expected propagated trace id, got %q / %q", seenID, rec.Header().Get(TraceIDHeader))
	}
	seenLogger.Info("inside")
	if !strings.Contains(buf.String(), `"trace_id":"abc123"`) {
		t.Fatalf("expected request logger to carry trace id: %s", buf.String())
	}

	//2.- Without one a fresh id is generated.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if len(seenID) != 32 || rec.Header().Get(TraceIDHeader) != seenID {
		t.Fatalf("expected generated trace id, got %q", seenID)
	}
}

func TestFromContextFallbacks(t *testing.T) {
	fallback := NewTestLogger()
	if FromContext(context.Background(), fallback) != fallback {
		t.Fatalf("expected fallback when the context holds no logger")
	}
	if FromContext(ContextWithLogger(context.Background(), nil), nil) != L() {
		t.Fatalf("expected global logger when nothing is stored")
	}
}

func TestRotatingWriterRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")
	w, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, Compress: true})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()
	w.maxBytes = 16
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	w.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	//1.- Every write after the first overflows the tiny limit and rotates.
	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("0123456789abcdef\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	backups, err := w.backups()
	if err != nil {
		t.Fatalf("backups: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected pruning to keep 2 backups, got %v", backups)
	}
	for _, backup := range backups {
		if !strings.HasSuffix(backup, ".log.gz") {
			t.Fatalf("expected compressed backup, got %s", backup)
		}
	}
	live, err := os.ReadFile(path)
	if err != nil || string(live) != "0123456789abcdef\n" {
		t.Fatalf("unexpected live file %q (%v)", live, err)
	}
}

func TestNewWritesServiceRecordsToFile(t *testing.T) {
	previous := L()
	t.Cleanup(func() { ReplaceGlobals(previous) })
	path := filepath.Join(t.TempDir(), "logs", "owg.log")
	logger, err := New(config.LoggingConfig{Level: "warn", Path: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if L() != logger {
		t.Fatalf("expected New to install the global logger")
	}
	logger.Info("skipped")
	logger.Warn("kept")
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), "skipped") || !strings.Contains(string(raw), `"message":"kept"`) {
		t.Fatalf("unexpected log file contents %q", raw)
	}
	if _, err := New(config.LoggingConfig{Level: "chatty"}); err == nil {
		t.Fatalf("expected invalid level to fail")
	}
}
