// Package ingest attaches client connections to the authority: snapshot first, then
// broadcast forwarding and command decoding run side by side.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"owg/server/internal/broadcast"
	"owg/server/internal/logging"
	"owg/server/internal/protocol"
	"owg/server/internal/sim"
)

// Conn is the ordered, reliable, bidirectional message channel a transport provides.
type Conn interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// Hub is the fan-out the ingestor subscribes to and publishes through.
type Hub interface {
	SubscribeContext(ctx context.Context, buffer int) *broadcast.Subscription
	Publish(payload []byte) int
}

// Recorder captures applied client commands so a session can be replayed.
type Recorder interface {
	Record(tick uint64, cmd protocol.Cmd) error
}

// Stats counts inbound traffic across every connection.
type Stats struct {
	Connections uint64
	Active      int64
	Accepted    uint64
	Rejected    uint64
}

// Ingestor serves connections against one authority.
type Ingestor struct {
	authority *sim.Authority
	hub       Hub
	buffer    int
	strict    bool
	recorder  Recorder
	logger    *logging.Logger
	warnEvery time.Duration
	warnBurst int

	connections atomic.Uint64
	active      atomic.Int64
	accepted    atomic.Uint64
	rejected    atomic.Uint64
}

// Option customises an Ingestor.
type Option func(*Ingestor)

// WithBuffer sets the per connection broadcast queue depth.
func WithBuffer(buffer int) Option {
	return func(i *Ingestor) {
		if buffer > 0 {
			i.buffer = buffer
		}
	}
}

// WithStrictSchema validates every inbound envelope against the published JSON schema.
func WithStrictSchema(strict bool) Option {
	return func(i *Ingestor) {
		i.strict = strict
	}
}

// WithRecorder records every applied command.
func WithRecorder(recorder Recorder) Option {
	return func(i *Ingestor) {
		i.recorder = recorder
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithWarnLimit caps decode warnings per connection to burst, refilling one every interval.
func WithWarnLimit(interval time.Duration, burst int) Option {
	return func(i *Ingestor) {
		if interval > 0 {
			i.warnEvery = interval
		}
		if burst > 0 {
			i.warnBurst = burst
		}
	}
}

// New builds an Ingestor.
func New(authority *sim.Authority, hub Hub, opts ...Option) *Ingestor {
	ing := &Ingestor{
		authority: authority,
		hub:       hub,
		buffer:    broadcast.DefaultBuffer,
		logger:    logging.L(),
		warnEvery: time.Second,
		warnBurst: 5,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ing)
		}
	}
	ing.logger = ing.logger.With(logging.String("component", "ingest"))
	return ing
}

// Serve runs one connection until it disconnects, ctx ends or its broadcast queue is dropped.
func (i *Ingestor) Serve(ctx context.Context, conn Conn) error {
	if i == nil || i.authority == nil || i.hub == nil {
		return errors.New("ingestor not configured")
	}
	if conn == nil {
		return errors.New("nil connection")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := i.logger.With(logging.String("conn_id", conn.ID()))
	i.connections.Add(1)
	i.active.Add(1)
	defer i.active.Add(-1)

	//1.- Subscribe before the snapshot so nothing broadcast in between is lost.
	sub := i.hub.SubscribeContext(ctx, i.buffer)
	defer sub.Close()

	//2.- Every new subscriber starts from a full baseline.
	snapshot, err := json.Marshal(i.authority.Snapshot())
	if err != nil {
		return fmt.Errorf("encode initial snapshot: %w", err)
	}
	if err := conn.Send(ctx, snapshot); err != nil {
		logger.Warn("initial snapshot send failed", logging.Error(err))
		return err
	}

	//3.- Forward broadcasts in order; the first failed send or a dropped queue ends the session.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.C():
				if !ok {
					logger.Warn("broadcast queue dropped")
					return
				}
				if err := conn.Send(ctx, payload); err != nil {
					logger.Debug("forward failed", logging.Error(err))
					return
				}
			}
		}
	}()

	//4.- Decode inbound commands; malformed payloads are logged and skipped.
	limiter := rate.NewLimiter(rate.Every(i.warnEvery), i.warnBurst)
	suppressed := 0
	var recvErr error
	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				recvErr = err
			}
			break
		}
		if _, err := i.HandleMessage(ctx, raw); err != nil {
			if limiter.Allow() {
				logger.Warn("ignored inbound message",
					logging.Error(err),
					logging.Int("suppressed", suppressed),
				)
				suppressed = 0
			} else {
				suppressed++
			}
		}
	}
	cancel()
	sub.Close()
	wg.Wait()
	logger.Debug("connection closed")
	return recvErr
}

// HandleMessage decodes one command envelope, applies it and publishes its events to every
// subscriber at the tick the apply observed. ctx bounds the time spent before the apply,
// including the wait for the engine; once applied, events are always published.
func (i *Ingestor) HandleMessage(ctx context.Context, raw []byte) ([]protocol.Evt, error) {
	if i == nil || i.authority == nil {
		return nil, errors.New("ingestor not configured")
	}
	if err := ctx.Err(); err != nil {
		i.rejected.Add(1)
		return nil, err
	}
	if i.strict {
		if err := protocol.ValidateCommand(raw); err != nil {
			i.rejected.Add(1)
			return nil, err
		}
	}
	env, err := protocol.DecodeCommandEnvelope(raw)
	if err != nil {
		i.rejected.Add(1)
		return nil, err
	}
	events, tick, err := i.authority.ApplyContext(ctx, env.Body.Cmd)
	if err != nil {
		i.rejected.Add(1)
		return nil, err
	}
	i.accepted.Add(1)
	//1.- A command applied after step N is replayed before step N+1.
	if i.recorder != nil {
		if err := i.recorder.Record(tick+1, env.Body.Cmd); err != nil {
			i.logger.Error("record command failed", logging.Tick(tick), logging.Error(err))
		}
	}
	for _, evt := range events {
		out := protocol.NewEventEnvelope(tick, evt)
		if env.ID != nil {
			out = out.WithCorrelation(*env.ID)
		}
		payload, err := json.Marshal(out)
		if err != nil {
			i.logger.Error("encode event failed", logging.Tick(tick), logging.Error(err))
			continue
		}
		if i.hub != nil {
			i.hub.Publish(payload)
		}
	}
	return events, nil
}

// Stats returns the inbound counters.
func (i *Ingestor) Stats() Stats {
	if i == nil {
		return Stats{}
	}
	return Stats{
		Connections: i.connections.Load(),
		Active:      i.active.Load(),
		Accepted:    i.accepted.Load(),
		Rejected:    i.rejected.Load(),
	}
}
