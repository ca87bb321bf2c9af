package sim

import (
	"encoding/binary"
	"math"

	"lukechampine.com/blake3"
)

// Rng is a 64-bit linear congruential generator. Copies advance independently.
type Rng struct {
	state uint64
}

// NewRng seeds a generator with a raw 64-bit value.
func NewRng(seed uint64) Rng {
	return Rng{state: seed}
}

// SeedFromString derives a 64-bit seed from the first eight bytes of the BLAKE3 digest of seed.
func SeedFromString(seed string) uint64 {
	sum := blake3.Sum256([]byte(seed))
	return binary.LittleEndian.Uint64(sum[:8])
}

func (r *Rng) step() {
	r.state = r.state*6364136223846793005 + 1
}

// NextU32 returns the high 32 bits of the next state.
func (r *Rng) NextU32() uint32 {
	r.step()
	return uint32(r.state >> 32)
}

// NextF32 returns a value in [0, 1].
func (r *Rng) NextF32() float32 {
	return float32(r.NextU32()) / float32(math.MaxUint32)
}

// Intn returns a value in [0, n). It returns 0 when n is not positive.
func (r *Rng) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.NextU32() % uint32(n))
}
