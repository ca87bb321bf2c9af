package simulation

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"owg/server/internal/logging"
	"owg/server/internal/protocol"
	"owg/server/internal/sim"
)

// Publisher fans an encoded envelope out to every subscriber without blocking.
type Publisher interface {
	Publish(payload []byte) int
}

// Schedule yields the recorded commands due at a tick.
type Schedule interface {
	At(tick uint64) []protocol.Cmd
}

// EncodeFunc serialises an outbound envelope.
type EncodeFunc func(v any) ([]byte, error)

// SyncStats counts what the synchronizer has broadcast.
type SyncStats struct {
	Snapshots         uint64
	Deltas            uint64
	Events            uint64
	EncodeFailures    uint64
	ScheduledCommands uint64
}

// Synchronizer performs one cadence firing per Tick: inject scheduled input, step, then
// broadcast a Snapshot or a Delta stamped with the new tick.
type Synchronizer struct {
	authority     *sim.Authority
	publisher     Publisher
	schedule      Schedule
	snapshotEvery uint64
	logger        *logging.Logger
	monitor       *TickMonitor
	encode        EncodeFunc

	snapshots      atomic.Uint64
	deltas         atomic.Uint64
	events         atomic.Uint64
	encodeFailures atomic.Uint64
	scheduled      atomic.Uint64
}

// SyncOption customises a Synchronizer.
type SyncOption func(*Synchronizer)

// WithSchedule injects recorded commands before each step.
func WithSchedule(schedule Schedule) SyncOption {
	return func(s *Synchronizer) {
		s.schedule = schedule
	}
}

// WithSnapshotInterval broadcasts a full snapshot whenever the tick is a multiple of every.
// Zero disables periodic snapshots so only deltas are sent.
func WithSnapshotInterval(every uint64) SyncOption {
	return func(s *Synchronizer) {
		s.snapshotEvery = every
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) SyncOption {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTickMonitor records the wall clock cost of every cycle.
func WithTickMonitor(monitor *TickMonitor) SyncOption {
	return func(s *Synchronizer) {
		s.monitor = monitor
	}
}

// WithEncoder replaces JSON encoding of outbound envelopes.
func WithEncoder(encode EncodeFunc) SyncOption {
	return func(s *Synchronizer) {
		if encode != nil {
			s.encode = encode
		}
	}
}

// NewSynchronizer wires the authority to a publisher.
func NewSynchronizer(authority *sim.Authority, publisher Publisher, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		authority:     authority,
		publisher:     publisher,
		snapshotEvery: 10,
		logger:        logging.L(),
		encode:        json.Marshal,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With(logging.String("component", "synchronizer"))
	return s
}

// Step adapts Tick to the Loop callback signature.
func (s *Synchronizer) Step(time.Duration) {
	s.Tick()
}

// Tick runs one cycle and returns the tick it produced.
func (s *Synchronizer) Tick() uint64 {
	if s == nil || s.authority == nil {
		return 0
	}
	started := time.Now()

	//1.- Apply every recorded command aimed at the upcoming tick.
	var scheduled []protocol.Cmd
	if s.schedule != nil {
		scheduled = s.schedule.At(s.authority.UpcomingTick())
		s.scheduled.Add(uint64(len(scheduled)))
	}

	//2.- Step once under the authority lock.
	adv := s.authority.Advance(scheduled)
	for _, evt := range adv.Events {
		if s.broadcast(protocol.NewEventEnvelope(adv.AppliedAt, evt)) {
			s.events.Add(1)
		}
	}

	//3.- Snapshot on the configured multiple, otherwise send only what changed.
	if s.snapshotEvery > 0 && adv.Tick%s.snapshotEvery == 0 {
		env := protocol.NewEventEnvelope(adv.Tick, protocol.Snapshot{Full: true, State: adv.Curr})
		if s.broadcast(env) {
			s.snapshots.Add(1)
		}
	} else {
		env := protocol.NewEventEnvelope(adv.Tick, sim.Diff(adv.Prev, adv.Curr))
		if s.broadcast(env) {
			s.deltas.Add(1)
		}
	}

	if s.monitor != nil {
		s.monitor.Observe(time.Since(started))
	}
	return adv.Tick
}

func (s *Synchronizer) broadcast(env protocol.Envelope[protocol.Event]) bool {
	payload, err := s.encode(env)
	if err != nil {
		//1.- A payload that cannot be encoded is skipped; the cadence carries on.
		s.encodeFailures.Add(1)
		s.logger.Error("encode broadcast failed",
			logging.Tick(env.Tick),
			logging.String("event", env.Body.EvtType()),
			logging.Error(err),
		)
		return false
	}
	if s.publisher != nil {
		s.publisher.Publish(payload)
	}
	return true
}

// Stats returns the broadcast counters.
func (s *Synchronizer) Stats() SyncStats {
	if s == nil {
		return SyncStats{}
	}
	return SyncStats{
		Snapshots:         s.snapshots.Load(),
		Deltas:            s.deltas.Load(),
		Events:            s.events.Load(),
		EncodeFailures:    s.encodeFailures.Load(),
		ScheduledCommands: s.scheduled.Load(),
	}
}
