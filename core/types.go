package core

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/go-gl/mathgl/mgl32"
)

// Vec2 matches the GPU vec2 layout (two packed float32, std430 stride 8)
type Vec2 = mgl32.Vec2

// ErrBufferMismatch is returned when the position and velocity buffers disagree in length
var ErrBufferMismatch = errors.New("position and velocity buffers differ in length")

// ParticleBuffers holds the two index-aligned particle arrays.
// Positions[i] and Velocities[i] describe the same particle.
type ParticleBuffers struct {
	Positions  []Vec2
	Velocities []Vec2
}

// NewParticleBuffers allocates buffers for n particles at rest at the origin
func NewParticleBuffers(n int) *ParticleBuffers {
	return &ParticleBuffers{
		Positions:  make([]Vec2, n),
		Velocities: make([]Vec2, n),
	}
}

// Len returns the particle count
func (b *ParticleBuffers) Len() int {
	return len(b.Positions)
}

// Validate checks the dispatch precondition that both buffers have the same length
func (b *ParticleBuffers) Validate() error {
	if len(b.Positions) != len(b.Velocities) {
		return fmt.Errorf("%w: %d positions, %d velocities", ErrBufferMismatch, len(b.Positions), len(b.Velocities))
	}
	return nil
}

// Clone returns a deep copy of both buffers
func (b *ParticleBuffers) Clone() *ParticleBuffers {
	dst := &ParticleBuffers{
		Positions:  make([]Vec2, len(b.Positions)),
		Velocities: make([]Vec2, len(b.Velocities)),
	}
	copy(dst.Positions, b.Positions)
	copy(dst.Velocities, b.Velocities)
	return dst
}

// SimulationParameters are the per-step uniforms shared read-only by every invocation
type SimulationParameters struct {
	DT                       float32 // seconds since the previous step
	FrameBufferSize          Vec2    // simulation bounds, origin at (0,0)
	AttractorPosition        Vec2
	AttractorForceMultiplier float32
}

// SeedUniform scatters positions uniformly over the frame and zeroes velocities
func SeedUniform(b *ParticleBuffers, size Vec2, rng *rand.Rand) {
	for i := range b.Positions {
		b.Positions[i] = Vec2{rng.Float32() * size.X(), rng.Float32() * size.Y()}
	}
	for i := range b.Velocities {
		b.Velocities[i] = Vec2{}
	}
}

// NewSeededRand returns a deterministic generator for SeedUniform
func NewSeededRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
