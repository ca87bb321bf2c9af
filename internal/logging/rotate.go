package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"owg/server/internal/config"
)

const backupStamp = "20060102T150405.000"

// rotatingWriter appends to one file and moves it aside once it would exceed maxBytes.
// Rotated files are optionally gzipped and pruned by count and age.
type rotatingWriter struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time

	file *os.File
	size int64
}

func newRotatingWriter(cfg config.LoggingConfig) (*rotatingWriter, error) {
	w := &rotatingWriter{
		path:       cfg.Path,
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if w.maxBytes <= 0 {
		w.maxBytes = int64(config.DefaultLogMaxSizeMB) * 1024 * 1024
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	w.file = nil

	//1.- Move the live file aside under a timestamped name next to it.
	ext := filepath.Ext(w.path)
	stem := strings.TrimSuffix(w.path, ext)
	backup := fmt.Sprintf("%s-%s%s", stem, w.now().UTC().Format(backupStamp), ext)
	if err := os.Rename(w.path, backup); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	if w.compress {
		if err := gzipFile(backup); err != nil {
			return err
		}
	}
	//2.- Reopen before pruning so a pruning failure never loses records.
	if err := w.open(); err != nil {
		return err
	}
	return w.prune()
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rotated log: %w", err)
	}
	defer src.Close()
	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create compressed log: %w", err)
	}
	zw := gzip.NewWriter(dst)
	_, copyErr := io.Copy(zw, src)
	closeErr := errors.Join(zw.Close(), dst.Close())
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path + ".gz")
		return fmt.Errorf("compress rotated log: %w", err)
	}
	return os.Remove(path)
}

// backups lists rotated files, newest first.
func (w *rotatingWriter) backups() ([]string, error) {
	ext := filepath.Ext(w.path)
	pattern := strings.TrimSuffix(w.path, ext) + "-*" + ext + "*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

func (w *rotatingWriter) prune() error {
	matches, err := w.backups()
	if err != nil {
		return fmt.Errorf("list rotated logs: %w", err)
	}
	cutoff := w.now().Add(-w.maxAge)
	var errs []error
	for i, path := range matches {
		expired := false
		if w.maxBackups > 0 && i >= w.maxBackups {
			expired = true
		} else if w.maxAge > 0 {
			if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
				expired = true
			}
		}
		if expired {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
