package simulation

import (
	"context"
	"time"
)

// DefaultMaxCatchUp bounds how many steps one wake-up may run after a stall.
const DefaultMaxCatchUp = 5

// StepFunc advances the simulation by one cadence firing.
type StepFunc func(step time.Duration)

// Loop fires a StepFunc on a fixed wall clock cadence, catching up after scheduling stalls.
type Loop struct {
	step       time.Duration
	stepFunc   StepFunc
	maxCatchUp int
	ticker     *time.Ticker
	cancel     context.CancelFunc
	done       chan struct{}
}

// LoopOption customises a Loop.
type LoopOption func(*Loop)

// WithMaxCatchUp caps the steps run per wake-up. Non-positive values keep the default.
func WithMaxCatchUp(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxCatchUp = n
		}
	}
}

// NewLoop configures a loop that fires every interval.
func NewLoop(interval time.Duration, step StepFunc, opts ...LoopOption) *Loop {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	loop := &Loop{
		step:       interval,
		stepFunc:   step,
		maxCatchUp: DefaultMaxCatchUp,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	return loop
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil || l.done != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.ticker = time.NewTicker(l.step)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		defer l.ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-l.ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				steps := 0
				for accumulator >= l.step && steps < l.maxCatchUp {
					l.stepFunc(l.step)
					accumulator -= l.step
					steps++
				}
				//2.- Forget backlog beyond the cap so a long stall cannot trigger a burst.
				if accumulator >= l.step {
					accumulator = 0
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
		l.done = nil
	}
}

// StepDuration exposes the configured cadence.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
