package sim

import (
	"context"

	"owg/server/internal/protocol"
)

// Advance describes one step taken through the Authority.
type Advance struct {
	// Tick is the engine tick after the step.
	Tick uint64
	// AppliedAt is the tick at which scheduled commands were applied, one less than Tick.
	AppliedAt uint64
	// Events are the immediate events produced by the scheduled commands.
	Events []protocol.Evt
	// Prev is the state captured right after the previous step.
	Prev protocol.State
	// Curr is the state right after this step.
	Curr protocol.State
}

// Authority is the single owner of an Engine. Every read and mutation is serialised by a
// one-slot lock and only copies ever leave it.
type Authority struct {
	lock     chan struct{}
	engine   *Engine
	observed protocol.State
}

// NewAuthority takes ownership of engine. Callers must not touch engine afterwards.
func NewAuthority(engine *Engine) *Authority {
	if engine == nil {
		engine = New("")
	}
	return &Authority{lock: make(chan struct{}, 1), engine: engine, observed: engine.State()}
}

func (a *Authority) acquire() { a.lock <- struct{}{} }

func (a *Authority) release() { <-a.lock }

// acquireContext waits for the lock until ctx ends.
func (a *Authority) acquireContext(ctx context.Context) error {
	select {
	case a.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply runs cmd against the engine and returns its events with the tick they belong to.
func (a *Authority) Apply(cmd protocol.Cmd) ([]protocol.Evt, uint64) {
	a.acquire()
	defer a.release()
	return a.engine.Apply(cmd), a.engine.Tick()
}

// ApplyContext is Apply with the wait for the engine bounded by ctx. When ctx ends first the
// command is not applied.
func (a *Authority) ApplyContext(ctx context.Context, cmd protocol.Cmd) ([]protocol.Evt, uint64, error) {
	if err := a.acquireContext(ctx); err != nil {
		return nil, 0, err
	}
	defer a.release()
	return a.engine.Apply(cmd), a.engine.Tick(), nil
}

// Advance applies scheduled commands for the upcoming tick and steps once, atomically.
func (a *Authority) Advance(scheduled []protocol.Cmd) Advance {
	a.acquire()
	defer a.release()

	//1.- Inject recorded input before the step so it lands on the tick it was recorded for.
	result := Advance{AppliedAt: a.engine.Tick()}
	for _, cmd := range scheduled {
		result.Events = append(result.Events, a.engine.Apply(cmd)...)
	}

	//2.- Step and pair the new state with what the previous step produced.
	a.engine.Step()
	curr := a.engine.State()
	result.Tick = a.engine.Tick()
	result.Prev = a.observed
	result.Curr = curr
	a.observed = curr.Clone()
	return result
}

// UpcomingTick returns the tick the next Advance will produce.
func (a *Authority) UpcomingTick() uint64 {
	a.acquire()
	defer a.release()
	return a.engine.Tick() + 1
}

// Snapshot returns a full snapshot envelope at the current tick.
func (a *Authority) Snapshot() protocol.Envelope[protocol.Event] {
	a.acquire()
	defer a.release()
	return a.engine.SnapshotEnvelope()
}

// Fingerprint returns the current tick and its state digest.
func (a *Authority) Fingerprint() (uint64, string, error) {
	a.acquire()
	defer a.release()
	digest, err := a.engine.Fingerprint()
	return a.engine.Tick(), digest, err
}

// Tick returns the current tick.
func (a *Authority) Tick() uint64 {
	a.acquire()
	defer a.release()
	return a.engine.Tick()
}

// State returns a deep copy of the current state.
func (a *Authority) State() protocol.State {
	a.acquire()
	defer a.release()
	return a.engine.State()
}

// Restore seeds the engine from a persisted state and resets the delta baseline.
func (a *Authority) Restore(state protocol.State) {
	a.acquire()
	defer a.release()
	a.engine.Restore(state)
	a.observed = a.engine.State()
}
