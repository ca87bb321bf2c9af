// Package sim holds the deterministic tick engine and the lock that guards it.
package sim

import (
	"fmt"
	"strconv"
	"strings"

	"owg/server/internal/fingerprint"
	"owg/server/internal/physics"
	"owg/server/internal/protocol"
)

// DT is the fixed tick duration in seconds.
const DT float32 = 1.0 / 60.0

const (
	// LaunchSpeed is the muzzle speed of every projectile.
	LaunchSpeed float32 = 5.0
	// ProjectileTTL is the number of steps a projectile survives.
	ProjectileTTL uint16 = 60
	// MirrorPrefix prefixes the entity id that mirrors a projectile.
	MirrorPrefix = "e_proj_"
	// ProjectileArchetypePrefix prefixes the mirror archetype, followed by the weapon name.
	ProjectileArchetypePrefix = "projectile/"

	mirrorMass   float32 = 1.0
	mirrorRadius float32 = 0.2
)

// DefaultMineYields is the placeholder yield table returned for every Mine command.
var DefaultMineYields = []protocol.ItemStack{{ItemID: "FeOre", Count: 1}}

// Engine owns one world aggregate. It is not safe for concurrent use; wrap it in an Authority.
type Engine struct {
	integrator  physics.Integrator
	hasher      fingerprint.Hasher
	mineYields  []protocol.ItemStack
	state       protocol.State
	tick        uint64
	projCounter uint64
}

// Option customises an Engine.
type Option func(*Engine)

// WithIntegrator swaps the physics step. Nil keeps the Euler default.
func WithIntegrator(integrator physics.Integrator) Option {
	return func(e *Engine) {
		if integrator != nil {
			e.integrator = integrator
		}
	}
}

// WithHasher supplies the fingerprint hasher.
func WithHasher(hasher fingerprint.Hasher) Option {
	return func(e *Engine) {
		e.hasher = hasher
	}
}

// WithMineYields overrides the yield table returned by Mine.
func WithMineYields(yields []protocol.ItemStack) Option {
	return func(e *Engine) {
		e.mineYields = append([]protocol.ItemStack(nil), yields...)
	}
}

// New creates an empty world for seed at tick zero.
func New(seed string, opts ...Option) *Engine {
	engine := &Engine{
		integrator: physics.Euler{},
		hasher:     fingerprint.New(),
		mineYields: append([]protocol.ItemStack(nil), DefaultMineYields...),
		state:      protocol.State{World: protocol.World{Seed: seed}},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// Apply dispatches one command and returns its immediate events. It never fails.
func (e *Engine) Apply(cmd protocol.Cmd) []protocol.Evt {
	switch c := cmd.(type) {
	case protocol.Ping:
		return []protocol.Evt{protocol.Pong{Nonce: c.Nonce, RTTMs: 0}}
	case protocol.Mine:
		return []protocol.Evt{protocol.Mined{
			MinerID: c.EntityID,
			NodeID:  c.Target,
			Yields:  append([]protocol.ItemStack(nil), e.mineYields...),
		}}
	case protocol.Fire:
		e.fire(c)
		return nil
	default:
		// Move, Craft, UseItem and anything unrecognised are accepted as no-ops.
		return nil
	}
}

func (e *Engine) fire(c protocol.Fire) {
	//1.- Normalise the aim and scale it to the launch speed.
	dir := physics.Normalize(c.Aim)
	vel := physics.Vec2{float32(dir[0] * LaunchSpeed), float32(dir[1] * LaunchSpeed)}
	pose := protocol.Pose{V: vel}

	//2.- Allocate a deterministic id from the tick and the running counter.
	pid := fmt.Sprintf("p%d_%d", e.tick, e.projCounter)
	e.projCounter++

	//3.- Append the projectile and its mirror together so they can never diverge.
	e.state.Projectiles = append(e.state.Projectiles, protocol.Projectile{
		ID:     pid,
		Pose:   pose,
		TTL:    ProjectileTTL,
		Owner:  c.EntityID,
		Weapon: c.Weapon,
	})
	e.state.Entities = append(e.state.Entities, protocol.Entity{
		ID:        MirrorID(pid),
		Archetype: ProjectileArchetypePrefix + c.Weapon,
		Pose:      pose,
		Physics:   protocol.Physics{Mass: mirrorMass, Radius: mirrorRadius},
	})
}

// Step advances the world by exactly one tick of DT.
func (e *Engine) Step() {
	//1.- Integrate every entity.
	for i := range e.state.Entities {
		pose := &e.state.Entities[i].Pose
		pose.P, pose.V = e.integrator.Step(pose.P, pose.V, DT)
	}

	//2.- Integrate projectiles and burn one unit of TTL, never below zero.
	expired := make(map[string]struct{})
	for i := range e.state.Projectiles {
		proj := &e.state.Projectiles[i]
		proj.Pose.P, proj.Pose.V = e.integrator.Step(proj.Pose.P, proj.Pose.V, DT)
		if proj.TTL > 0 {
			proj.TTL--
		}
		if proj.TTL == 0 {
			expired[proj.ID] = struct{}{}
		}
	}

	//3.- Remove expired pairs together, otherwise copy projectile poses into their mirrors.
	if len(expired) > 0 {
		e.removeExpired(expired)
	} else {
		e.syncMirrors()
	}

	//4.- Advance the clock; world time always equals the tick.
	e.tick++
	e.state.World.Time = e.tick
}

func (e *Engine) removeExpired(expired map[string]struct{}) {
	projectiles := e.state.Projectiles[:0]
	for _, proj := range e.state.Projectiles {
		if _, gone := expired[proj.ID]; !gone {
			projectiles = append(projectiles, proj)
		}
	}
	e.state.Projectiles = projectiles

	entities := e.state.Entities[:0]
	for _, entity := range e.state.Entities {
		if pid, ok := ProjectileIDFromMirror(entity.ID); ok {
			if _, gone := expired[pid]; gone {
				continue
			}
		}
		entities = append(entities, entity)
	}
	e.state.Entities = entities
}

func (e *Engine) syncMirrors() {
	if len(e.state.Projectiles) == 0 {
		return
	}
	index := make(map[string]int, len(e.state.Entities))
	for i, entity := range e.state.Entities {
		index[entity.ID] = i
	}
	for _, proj := range e.state.Projectiles {
		if i, ok := index[MirrorID(proj.ID)]; ok {
			e.state.Entities[i].Pose = proj.Pose
		}
	}
}

// Tick returns the number of completed steps.
func (e *Engine) Tick() uint64 {
	return e.tick
}

// State returns a deep copy of the aggregate.
func (e *Engine) State() protocol.State {
	return e.state.Clone()
}

// Fingerprint digests the current state with the configured hasher.
func (e *Engine) Fingerprint() (string, error) {
	return e.hasher.Digest(e.state)
}

// SnapshotEnvelope wraps a full copy of the state at the current tick.
func (e *Engine) SnapshotEnvelope() protocol.Envelope[protocol.Event] {
	return protocol.NewEventEnvelope(e.tick, protocol.Snapshot{Full: true, State: e.state.Clone()})
}

// Restore replaces the aggregate with a persisted state and resumes at its world time.
func (e *Engine) Restore(state protocol.State) {
	e.state = state.Clone()
	e.tick = state.World.Time
	//1.- Continue the projectile counter past every restored id so new ids stay unique.
	e.projCounter = 0
	for _, proj := range e.state.Projectiles {
		if counter, ok := projectileCounter(proj.ID); ok && counter >= e.projCounter {
			e.projCounter = counter + 1
		}
	}
}

// MirrorID returns the entity id mirroring projectile pid.
func MirrorID(pid string) string {
	return MirrorPrefix + pid
}

// ProjectileIDFromMirror strips MirrorPrefix, reporting whether id was a mirror.
func ProjectileIDFromMirror(id string) (string, bool) {
	return strings.CutPrefix(id, MirrorPrefix)
}

func projectileCounter(pid string) (uint64, bool) {
	idx := strings.LastIndexByte(pid, '_')
	if idx < 0 || idx == len(pid)-1 {
		return 0, false
	}
	counter, err := strconv.ParseUint(pid[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return counter, true
}
