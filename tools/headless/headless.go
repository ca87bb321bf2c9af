// Package headless steps the engine without a wall clock, for determinism checks and
// offline replay verification.
package headless

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"owg/server/internal/fingerprint"
	"owg/server/internal/physics"
	"owg/server/internal/protocol"
	"owg/server/internal/replay"
	"owg/server/internal/sim"
)

// ErrDeltaMismatch reports a delta that does not rebuild the state it was computed from.
var ErrDeltaMismatch = errors.New("delta does not reconstruct current state")

// Options configures a headless run.
type Options struct {
	Seed             string
	Ticks            uint64
	SnapshotInterval uint64
	Schedule         *replay.Schedule
	// Out receives one JSON checkpoint per line when set.
	Out io.Writer
}

// Checkpoint is the fingerprint of the state at a snapshot tick.
type Checkpoint struct {
	Tick        uint64 `json:"tick"`
	Fingerprint string `json:"fingerprint"`
	Entities    int    `json:"entities"`
	Projectiles int    `json:"projectiles"`
}

// Result summarises a run.
type Result struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
	Final       Checkpoint   `json:"final"`
	Deltas      int          `json:"deltas"`
	Events      int          `json:"events"`
	Scheduled   int          `json:"scheduled"`
}

// Run advances a fresh engine opts.Ticks times, injecting scheduled commands before each step
// and checking that every delta rebuilds the state it describes.
func Run(opts Options) (Result, error) {
	if opts.SnapshotInterval == 0 {
		opts.SnapshotInterval = 10
	}
	authority := sim.NewAuthority(sim.New(opts.Seed))
	var (
		result  Result
		encoder *json.Encoder
	)
	if opts.Out != nil {
		encoder = json.NewEncoder(opts.Out)
	}

	for i := uint64(0); i < opts.Ticks; i++ {
		scheduled := opts.Schedule.At(authority.UpcomingTick())
		result.Scheduled += len(scheduled)
		adv := authority.Advance(scheduled)
		result.Events += len(adv.Events)

		//1.- Every step's delta must rebuild the current entity set from the previous one.
		delta := sim.Diff(adv.Prev, adv.Curr)
		rebuilt := sim.ApplyDelta(adv.Prev.Entities, delta)
		if !sim.SameEntitySet(rebuilt, adv.Curr.Entities) {
			return result, fmt.Errorf("tick %d: %w", adv.Tick, ErrDeltaMismatch)
		}
		result.Deltas++

		if adv.Tick%opts.SnapshotInterval != 0 {
			continue
		}
		//2.- Fingerprint on the snapshot cadence.
		checkpoint, err := checkpointOf(adv.Tick, adv.Curr)
		if err != nil {
			return result, err
		}
		result.Checkpoints = append(result.Checkpoints, checkpoint)
		if encoder != nil {
			if err := encoder.Encode(checkpoint); err != nil {
				return result, fmt.Errorf("write checkpoint: %w", err)
			}
		}
	}

	final, err := checkpointOf(authority.Tick(), authority.State())
	if err != nil {
		return result, err
	}
	result.Final = final
	return result, nil
}

func checkpointOf(tick uint64, state protocol.State) (Checkpoint, error) {
	digest, err := fingerprint.Digest(state)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("fingerprint tick %d: %w", tick, err)
	}
	return Checkpoint{
		Tick:        tick,
		Fingerprint: digest,
		Entities:    len(state.Entities),
		Projectiles: len(state.Projectiles),
	}, nil
}

// GenerateOptions shapes a synthetic replay.
type GenerateOptions struct {
	Seed        string
	Ticks       uint64
	PerTick     int
	EntityCount int
}

var weapons = []string{"laser", "railgun"}

// Generate builds a deterministic random command script: the same options always yield the
// same entries.
func Generate(opts GenerateOptions) []replay.Entry {
	if opts.PerTick <= 0 {
		opts.PerTick = 1
	}
	if opts.EntityCount <= 0 {
		opts.EntityCount = 4
	}
	rng := sim.NewRng(sim.SeedFromString(opts.Seed))
	var entries []replay.Entry
	for tick := uint64(1); tick <= opts.Ticks; tick++ {
		for n := 0; n < opts.PerTick; n++ {
			entity := fmt.Sprintf("e%d", rng.Intn(opts.EntityCount)+1)
			entries = append(entries, replay.Entry{Tick: tick, Cmd: randomCommand(&rng, entity, tick, n)})
		}
	}
	return entries
}

func randomCommand(rng *sim.Rng, entity string, tick uint64, n int) protocol.Cmd {
	switch rng.Intn(6) {
	case 0:
		return protocol.Ping{Nonce: fmt.Sprintf("g%d_%d", tick, n)}
	case 1:
		heading := aim(rng)
		return protocol.Move{EntityID: entity, Axis: heading, Thrust: rng.NextF32()}
	case 2:
		return protocol.Fire{EntityID: entity, Weapon: weapons[rng.Intn(len(weapons))], Aim: aim(rng)}
	case 3:
		return protocol.Mine{EntityID: entity, Target: fmt.Sprintf("node-%d", rng.Intn(16))}
	case 4:
		return protocol.Craft{
			EntityID: entity,
			RecipeID: "plate",
			Inputs:   []protocol.ItemStack{{ItemID: "FeOre", Count: int32(rng.Intn(4) + 1)}},
		}
	default:
		return protocol.UseItem{EntityID: entity, Slot: uint8(rng.Intn(8))}
	}
}

func aim(rng *sim.Rng) physics.Vec2 {
	theta := physics.WrapAngle(rng.NextF32() * 4 * math.Pi)
	return physics.Vec2{float32(math.Cos(float64(theta))), float32(math.Sin(float64(theta)))}
}

// WriteEntries writes entries as replay NDJSON.
func WriteEntries(w io.Writer, entries []replay.Entry) error {
	encoder := json.NewEncoder(w)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}
