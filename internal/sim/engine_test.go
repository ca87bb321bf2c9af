package sim

import (
	"math"
	"strings"
	"testing"

	"owg/server/internal/fingerprint"
	"owg/server/internal/physics"
	"owg/server/internal/protocol"
)

func runScript(t *testing.T) string {
	t.Helper()
	engine := New("W-DET")
	script := map[int][]protocol.Cmd{
		0:  {protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{1, 0}}},
		3:  {protocol.Fire{EntityID: "e2", Weapon: "laser", Aim: [2]float32{0.3, -0.7}}, protocol.Ping{Nonce: "n"}},
		10: {protocol.Mine{EntityID: "e1", Target: "rock"}},
		40: {protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{0, 0}}},
	}
	for tick := 0; tick < 90; tick++ {
		for _, cmd := range script[tick] {
			engine.Apply(cmd)
		}
		engine.Step()
	}
	digest, err := engine.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return digest
}

func TestDeterministicReplay(t *testing.T) {
	//1.- Two independent engines fed the same script must agree bit for bit.
	if a, b := runScript(t), runScript(t); a != b {
		t.Fatalf("fingerprints diverged: %s vs %s", a, b)
	}
}

func TestFireScenario(t *testing.T) {
	engine := New("W-TEST")
	if events := engine.Apply(protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{1, 0}}); len(events) != 0 {
		t.Fatalf("fire must not emit events, got %v", events)
	}
	for i := 0; i < 3; i++ {
		engine.Step()
	}
	state := engine.State()
	//1.- One projectile with three steps burnt off its TTL.
	if len(state.Projectiles) != 1 || state.Projectiles[0].TTL != 57 {
		t.Fatalf("unexpected projectiles %+v", state.Projectiles)
	}
	//2.- The mirror moved three steps at launch speed along +x.
	idx := state.FindEntity(MirrorID(state.Projectiles[0].ID))
	if idx < 0 {
		t.Fatalf("mirror entity missing")
	}
	want := 3 * 5.0 * float64(DT)
	if got := float64(state.Entities[idx].Pose.P[0]); math.Abs(got-want) > 1e-6 {
		t.Fatalf("mirror x = %v, want %v", got, want)
	}
	if engine.Tick() != 3 || state.World.Time != 3 {
		t.Fatalf("expected tick 3, got %d (time %d)", engine.Tick(), state.World.Time)
	}
	mirror := state.Entities[idx]
	if mirror.Archetype != "projectile/gun" || mirror.Physics.Mass != 1 || mirror.Physics.Radius != 0.2 || mirror.Owner != nil {
		t.Fatalf("unexpected mirror record %+v", mirror)
	}
	if state.Projectiles[0].ID != "p0_0" || state.Projectiles[0].Owner != "e1" {
		t.Fatalf("unexpected projectile identity %+v", state.Projectiles[0])
	}
}

func TestPingScenario(t *testing.T) {
	events := New("W-TEST").Apply(protocol.Ping{Nonce: "abc"})
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	pong, ok := events[0].(protocol.Pong)
	if !ok || pong.Nonce != "abc" || pong.RTTMs != 0 {
		t.Fatalf("unexpected event %#v", events[0])
	}
}

func TestMineYieldsPlaceholder(t *testing.T) {
	events := New("s").Apply(protocol.Mine{EntityID: "ghost", Target: "nowhere"})
	mined, ok := events[0].(protocol.Mined)
	if !ok || mined.MinerID != "ghost" || mined.NodeID != "nowhere" {
		t.Fatalf("unexpected event %#v", events[0])
	}
	if len(mined.Yields) != 1 || mined.Yields[0] != (protocol.ItemStack{ItemID: "FeOre", Count: 1}) {
		t.Fatalf("unexpected yields %+v", mined.Yields)
	}
	custom := New("s", WithMineYields([]protocol.ItemStack{{ItemID: "Cu", Count: 2}})).Apply(protocol.Mine{})
	if custom[0].(protocol.Mined).Yields[0].ItemID != "Cu" {
		t.Fatalf("custom yields ignored")
	}
}

func TestReservedCommandsAreNoOps(t *testing.T) {
	engine := New("s")
	before, _ := engine.Fingerprint()
	for _, cmd := range []protocol.Cmd{
		protocol.Move{EntityID: "e1", Axis: [2]float32{1, 0}, Thrust: 1},
		protocol.Craft{EntityID: "e1", RecipeID: "r"},
		protocol.UseItem{EntityID: "e1", Slot: 1},
		nil,
	} {
		if events := engine.Apply(cmd); len(events) != 0 {
			t.Fatalf("expected no events for %T", cmd)
		}
	}
	after, _ := engine.Fingerprint()
	if before != after {
		t.Fatalf("no-op commands mutated state")
	}
}

func TestProjectilePairingAndTTL(t *testing.T) {
	engine := New("s")
	engine.Apply(protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{0, 1}})
	for step := 1; step <= 61; step++ {
		engine.Step()
		state := engine.State()
		assertPaired(t, state)
		//1.- Alive through step 59 with TTL counting down, gone from step 60 on.
		if step < int(ProjectileTTL) {
			if len(state.Projectiles) != 1 || state.Projectiles[0].TTL != ProjectileTTL-uint16(step) {
				t.Fatalf("step %d: unexpected projectiles %+v", step, state.Projectiles)
			}
		} else if len(state.Projectiles) != 0 || len(state.Entities) != 0 {
			t.Fatalf("step %d: projectile should have expired", step)
		}
	}
}

func assertPaired(t *testing.T, state protocol.State) {
	t.Helper()
	projectiles := make(map[string]bool)
	for _, proj := range state.Projectiles {
		projectiles[proj.ID] = true
	}
	mirrors := 0
	for _, entity := range state.Entities {
		if pid, ok := ProjectileIDFromMirror(entity.ID); ok {
			mirrors++
			if !projectiles[pid] {
				t.Fatalf("orphan mirror %s", entity.ID)
			}
		}
	}
	if mirrors != len(projectiles) {
		t.Fatalf("pairing broken: %d mirrors for %d projectiles", mirrors, len(projectiles))
	}
}

func TestExpiryDoesNotTouchOtherPairs(t *testing.T) {
	engine := New("s")
	engine.Apply(protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{1, 0}})
	for i := 0; i < 10; i++ {
		engine.Step()
	}
	engine.Apply(protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{1, 0}})
	for i := 0; i < 50; i++ {
		engine.Step()
	}
	state := engine.State()
	//1.- The first pair expired on this step; the survivor keeps its mirror in lockstep.
	if len(state.Projectiles) != 1 || state.Projectiles[0].ID != "p10_1" {
		t.Fatalf("unexpected survivors %+v", state.Projectiles)
	}
	assertPaired(t, state)
	mirror := state.Entities[state.FindEntity(MirrorID("p10_1"))]
	if mirror.Pose != state.Projectiles[0].Pose {
		t.Fatalf("mirror drifted from projectile: %+v vs %+v", mirror.Pose, state.Projectiles[0].Pose)
	}
}

func TestDegenerateAimStaysFinite(t *testing.T) {
	engine := New("s")
	engine.Apply(protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{0, 0}})
	engine.Step()
	v := engine.State().Projectiles[0].Pose.V
	if v != (physics.Vec2{}) {
		t.Fatalf("zero aim should launch at rest, got %v", v)
	}
}

func TestFingerprintTracksChanges(t *testing.T) {
	a := New("s")
	b := New("s", WithHasher(fingerprint.New()))
	da, _ := a.Fingerprint()
	db, _ := b.Fingerprint()
	if da != db {
		t.Fatalf("equal engines must share a fingerprint")
	}
	a.Step()
	if changed, _ := a.Fingerprint(); changed == da {
		t.Fatalf("step must change the fingerprint")
	}
	sha := New("s", WithHasher(fingerprint.New(fingerprint.WithAlgorithm(fingerprint.AlgorithmSHA256))))
	if ds, _ := sha.Fingerprint(); ds == da {
		t.Fatalf("algorithm option ignored")
	}
}

func TestStateIsACopy(t *testing.T) {
	engine := New("s")
	engine.Apply(protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{1, 0}})
	state := engine.State()
	state.Entities[0].ID = "mutated"
	state.Projectiles = nil
	if fresh := engine.State(); fresh.Entities[0].ID == "mutated" || len(fresh.Projectiles) != 1 {
		t.Fatalf("State leaked internal storage")
	}
}

func TestSnapshotEnvelope(t *testing.T) {
	engine := New("W-TEST")
	engine.Step()
	env := engine.SnapshotEnvelope()
	snap, ok := env.Body.Evt.(protocol.Snapshot)
	if env.Kind != protocol.KindEvt || env.Tick != 1 || !ok || !snap.Full || snap.State.World.Seed != "W-TEST" {
		t.Fatalf("unexpected snapshot envelope %+v", env)
	}
}

func TestRestoreContinuesCounters(t *testing.T) {
	source := New("s")
	source.Apply(protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{1, 0}})
	source.Apply(protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{1, 0}})
	for i := 0; i < 5; i++ {
		source.Step()
	}
	restored := New("other")
	restored.Restore(source.State())
	if restored.Tick() != 5 {
		t.Fatalf("expected tick 5, got %d", restored.Tick())
	}
	a, _ := source.Fingerprint()
	b, _ := restored.Fingerprint()
	if a != b {
		t.Fatalf("restored engine must fingerprint identically")
	}
	restored.Apply(protocol.Fire{EntityID: "e1", Weapon: "gun", Aim: [2]float32{1, 0}})
	ids := restored.State().Projectiles
	if last := ids[len(ids)-1].ID; last != "p5_2" {
		t.Fatalf("unexpected continued id %s", last)
	}
	if !strings.HasPrefix(MirrorID("x"), MirrorPrefix) {
		t.Fatalf("mirror prefix missing")
	}
}
