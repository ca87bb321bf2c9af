package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"owg/server/internal/protocol"
)

func TestAdvanceDiffsAgainstPreviousStep(t *testing.T) {
	authority := NewAuthority(New("s"))
	authority.Advance(nil)
	//1.- A command applied between steps must surface as an add, not an update.
	if _, tick := authority.Apply(protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{1, 0}}); tick != 1 {
		t.Fatalf("expected apply at tick 1, got %d", tick)
	}
	adv := authority.Advance(nil)
	if adv.Tick != 2 || adv.AppliedAt != 1 {
		t.Fatalf("unexpected ticks %+v", adv)
	}
	delta := Diff(adv.Prev, adv.Curr)
	if len(delta.Adds) != 1 || delta.Adds[0].ID != MirrorID("p1_0") {
		t.Fatalf("expected mirror add, got %+v", delta)
	}
	if next := Diff(adv.Curr, authority.Advance(nil).Curr); len(next.Updates) != 1 || len(next.Adds) != 0 {
		t.Fatalf("expected mirror update on the following step, got %+v", next)
	}
}

func TestAdvanceAppliesScheduledCommands(t *testing.T) {
	authority := NewAuthority(New("s"))
	adv := authority.Advance([]protocol.Cmd{protocol.Ping{Nonce: "r"}, protocol.Fire{EntityID: "e", Weapon: "w", Aim: [2]float32{1, 0}}})
	if len(adv.Events) != 1 || adv.Events[0].(protocol.Pong).Nonce != "r" {
		t.Fatalf("unexpected scheduled events %+v", adv.Events)
	}
	if len(adv.Curr.Projectiles) != 1 || adv.Curr.Projectiles[0].ID != "p0_0" {
		t.Fatalf("scheduled fire missing: %+v", adv.Curr.Projectiles)
	}
	if authority.UpcomingTick() != 2 {
		t.Fatalf("unexpected upcoming tick %d", authority.UpcomingTick())
	}
}

func TestAuthoritySerialisesConcurrentAccess(t *testing.T) {
	authority := NewAuthority(New("s"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				authority.Apply(protocol.Fire{EntityID: "e", Weapon: "w", Aim: [2]float32{1, 1}})
				_ = authority.State()
				_, _, _ = authority.Fingerprint()
			}
		}()
	}
	for i := 0; i < 20; i++ {
		authority.Advance(nil)
	}
	wg.Wait()
	state := authority.State()
	if len(state.Projectiles) != 400 || authority.Tick() != 20 {
		t.Fatalf("unexpected aggregate: %d projectiles at tick %d", len(state.Projectiles), authority.Tick())
	}
	assertPaired(t, state)
}

func TestAuthorityRestoreResetsBaseline(t *testing.T) {
	source := New("s")
	source.Apply(protocol.Fire{EntityID: "e", Weapon: "w", Aim: [2]float32{1, 0}})
	source.Step()
	authority := NewAuthority(New("fresh"))
	authority.Restore(source.State())
	adv := authority.Advance(nil)
	delta := Diff(adv.Prev, adv.Curr)
	if len(delta.Adds) != 0 || len(delta.Updates) != 1 {
		t.Fatalf("restored entities should diff as updates, got %+v", delta)
	}
	if snap := authority.Snapshot(); snap.Tick != 2 {
		t.Fatalf("unexpected snapshot tick %d", snap.Tick)
	}
}

func TestApplyContextGivesUpWhileEngineIsBusy(t *testing.T) {
	authority := NewAuthority(New("s"))
	fire := protocol.Fire{EntityID: "e", Weapon: "w", Aim: [2]float32{1, 0}}

	//1.- While another holder keeps the engine the deadline wins and nothing is applied.
	authority.acquire()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, _, err := authority.ApplyContext(ctx, fire)
	cancel()
	authority.release()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got := len(authority.State().Projectiles); got != 0 {
		t.Fatalf("expected no projectile after a timed out apply, got %d", got)
	}

	//2.- Once the engine is free the same command goes through.
	events, tick, err := authority.ApplyContext(context.Background(), fire)
	if err != nil || len(events) != 0 || tick != 0 {
		t.Fatalf("unexpected apply result %v %d %v", events, tick, err)
	}
	if got := len(authority.State().Projectiles); got != 1 {
		t.Fatalf("expected one projectile, got %d", got)
	}
}
