package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"owg/server/internal/fingerprint"
	"owg/server/internal/logging"
	"owg/server/internal/protocol"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("persister closed")

// Source exposes the current authoritative state.
type Source interface {
	State() protocol.State
}

// Result describes one completed save.
type Result struct {
	Tick        uint64    `json:"tick"`
	Fingerprint string    `json:"fingerprint"`
	Path        string    `json:"path"`
	Archive     string    `json:"archive,omitempty"`
	Bytes       int       `json:"bytes"`
	SavedAt     time.Time `json:"saved_at"`
	Skipped     bool      `json:"skipped,omitempty"`
}

// Stats summarises persister activity for monitoring endpoints.
type Stats struct {
	Saves    int64
	Skipped  int64
	Failures int64
	Last     Result
}

// Option customises a persister.
type Option func(*Persister)

// WithLedger records every save in the fingerprint ledger.
func WithLedger(ledger *Ledger) Option {
	return func(p *Persister) { p.ledger = ledger }
}

// WithArchiveDir stores a compressed copy of every save under dir.
func WithArchiveDir(dir string) Option {
	return func(p *Persister) { p.archiveDir = dir }
}

// WithLogger overrides the persister logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Persister) {
		if logger != nil {
			p.log = logger
		}
	}
}

// WithClock overrides the save timestamp source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Persister) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithHasher overrides the digest recorded for each save.
func WithHasher(hasher fingerprint.Hasher) Option {
	return func(p *Persister) { p.hasher = hasher }
}

// Persister writes the authoritative state to disk on an interval and once more on Close.
type Persister struct {
	source     Source
	path       string
	interval   time.Duration
	ledger     *Ledger
	archiveDir string
	hasher     fingerprint.Hasher
	log        *logging.Logger
	now        func() time.Time

	mu     sync.Mutex
	stats  Stats
	saved  bool
	closed bool

	stopCh    chan struct{}
	doneCh    chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	once      sync.Once
}

// New constructs a persister. A zero interval disables the background loop; Flush still works.
func New(source Source, path string, interval time.Duration, opts ...Option) *Persister {
	p := &Persister{
		source:   source,
		path:     path,
		interval: interval,
		hasher:   fingerprint.New(),
		log:      logging.L(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start launches the interval loop.
func (p *Persister) Start() {
	if p == nil {
		return
	}
	if p.interval <= 0 {
		return
	}
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.loop()
	})
}

func (p *Persister) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer close(p.doneCh)
	for {
		select {
		case <-ticker.C:
			p.flush()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Persister) flush() {
	if _, err := p.Flush(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
		p.log.Error("failed to persist state snapshot", logging.Error(err))
	}
}

// Flush saves the current state unless the identical state was already saved.
func (p *Persister) Flush(ctx context.Context) (Result, error) {
	if p == nil {
		return Result{}, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Result{}, ErrClosed
	}
	return p.saveLocked(ctx)
}

func (p *Persister) saveLocked(ctx context.Context) (Result, error) {
	state := p.source.State()
	digest, err := p.hasher.Digest(state)
	if err != nil {
		p.stats.Failures++
		return Result{}, err
	}
	//1.- Commands change state between ticks, so only an identical digest is skipped.
	if p.saved && p.stats.Last.Tick == state.World.Time && p.stats.Last.Fingerprint == digest {
		p.stats.Skipped++
		last := p.stats.Last
		last.Skipped = true
		return last, nil
	}
	size, err := SaveJSON(p.path, state)
	if err != nil {
		p.stats.Failures++
		return Result{}, err
	}
	result := Result{
		Tick:        state.World.Time,
		Fingerprint: digest,
		Path:        p.path,
		Bytes:       size,
		SavedAt:     p.now().UTC(),
	}
	//2.- The archive and the ledger are secondary; their failures are logged, not returned.
	if p.archiveDir != "" {
		archive, err := WriteArchive(p.archiveDir, state)
		if err != nil {
			p.log.Warn("state archive failed", logging.Error(err), logging.Tick(result.Tick))
		} else {
			result.Archive = archive
		}
	}
	if p.ledger != nil {
		row := LedgerRow{
			Tick:        result.Tick,
			Fingerprint: digest,
			Entities:    len(state.Entities),
			Projectiles: len(state.Projectiles),
			Path:        p.path,
			SavedAt:     result.SavedAt,
		}
		if err := p.ledger.Record(ctx, row); err != nil {
			p.log.Warn("fingerprint ledger write failed", logging.Error(err), logging.Tick(result.Tick))
		}
	}
	p.saved = true
	p.stats.Saves++
	p.stats.Last = result
	p.log.Debug("state persisted", logging.Tick(result.Tick), logging.String("fingerprint", digest), logging.String("path", p.path))
	return result, nil
}

// Stats returns a copy of the persister counters.
func (p *Persister) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close stops the loop and performs a final save.
func (p *Persister) Close() error {
	if p == nil {
		return nil
	}
	var err error
	p.once.Do(func() {
		close(p.stopCh)
		if p.started.Load() {
			<-p.doneCh
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		_, err = p.saveLocked(context.Background())
		p.closed = true
	})
	return err
}
