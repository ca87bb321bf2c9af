package replay

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"owg/server/internal/logging"
)

// RetentionPolicy bounds the recordings kept under the record directory. Zero disables a limit.
type RetentionPolicy struct {
	MaxRecordings int
	MaxAge        time.Duration
}

// StorageStats describes the outcome of the latest sweep.
type StorageStats struct {
	Recordings int
	Bytes      int64
	Removed    int
	LastSweep  time.Time
}

// CleanerOption customises a Cleaner.
type CleanerOption func(*Cleaner)

// WithCleanerLogger attaches a structured logger.
func WithCleanerLogger(logger *logging.Logger) CleanerOption {
	return func(c *Cleaner) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithCleanerClock overrides the time source used for age checks.
func WithCleanerClock(clock func() time.Time) CleanerOption {
	return func(c *Cleaner) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithProtectedDir names a recording that is never removed, typically the live session.
func WithProtectedDir(dir string) CleanerOption {
	return func(c *Cleaner) {
		if dir != "" {
			c.protected = filepath.Clean(dir)
		}
	}
}

// Cleaner prunes session recordings. A recording is a directory holding a header.json; any
// other entry under the root is left alone.
type Cleaner struct {
	root      string
	policy    RetentionPolicy
	protected string
	log       *logging.Logger
	now       func() time.Time

	mu    sync.RWMutex
	stats StorageStats
}

// NewCleaner builds a cleaner for root.
func NewCleaner(root string, policy RetentionPolicy, opts ...CleanerOption) *Cleaner {
	c := &Cleaner{root: root, policy: policy, log: logging.L(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	c.Sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns the statistics of the latest successful sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type session struct {
	dir     string
	created time.Time
	bytes   int64
}

// Sweep applies the policy once and returns how many recordings it removed.
func (c *Cleaner) Sweep() int {
	if c == nil || c.root == "" {
		return 0
	}
	sessions, err := c.scan()
	if err != nil {
		c.log.Warn("recording scan failed", logging.String("root", c.root), logging.Error(err))
		return 0
	}
	now := c.now()
	stats := StorageStats{LastSweep: now}
	for i, s := range sessions {
		//1.- Sessions are newest first, so the index is the number of newer recordings.
		keep := s.dir == c.protected
		if !keep {
			tooMany := c.policy.MaxRecordings > 0 && i >= c.policy.MaxRecordings
			tooOld := c.policy.MaxAge > 0 && now.Sub(s.created) > c.policy.MaxAge
			keep = !tooMany && !tooOld
		}
		if !keep {
			if err := os.RemoveAll(s.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.log.Warn("recording removal failed", logging.String("dir", s.dir), logging.Error(err))
				keep = true
			} else {
				stats.Removed++
				c.log.Info("recording removed", logging.String("dir", s.dir))
			}
		}
		if keep {
			stats.Recordings++
			stats.Bytes += s.bytes
		}
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
	return stats.Removed
}

func (c *Cleaner) scan() ([]session, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, err
	}
	var sessions []session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(c.root, entry.Name())
		header, err := ReadHeader(filepath.Join(dir, HeaderFile))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		created := time.Time{}
		if err == nil {
			created, _ = time.Parse(time.RFC3339Nano, header.CreatedAt)
		}
		//2.- A missing or unreadable timestamp falls back to the directory mtime.
		if created.IsZero() {
			info, statErr := entry.Info()
			if statErr != nil {
				continue
			}
			created = info.ModTime()
		}
		size, err := treeSize(dir)
		if err != nil {
			c.log.Warn("recording size failed", logging.String("dir", dir), logging.Error(err))
		}
		sessions = append(sessions, session{dir: filepath.Clean(dir), created: created, bytes: size})
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].created.Equal(sessions[j].created) {
			return sessions[i].dir > sessions[j].dir
		}
		return sessions[i].created.After(sessions[j].created)
	})
	return sessions, nil
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err == nil {
			total += info.Size()
		}
		return err
	})
	return total, err
}
