package physics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"particlesim/core"
)

func singleParticle(pos, vel core.Vec2) *core.ParticleBuffers {
	buf := core.NewParticleBuffers(1)
	buf.Positions[0] = pos
	buf.Velocities[0] = vel
	return buf
}

func TestRandIsDeterministicAndInRange(t *testing.T) {
	inputs := []core.Vec2{
		{0, 0},
		{1, 0},
		{-350.25, 17.5},
		{1e6, -1e6},
		{12.9898, 78.233},
	}
	for _, v := range inputs {
		a := Rand(v)
		b := Rand(v)
		assert.Equal(t, a, b, "Rand(%v) not deterministic", v)
		assert.GreaterOrEqual(t, a, float32(0))
		assert.Less(t, a, float32(1))
	}
	assert.Equal(t, float32(0), Rand(core.Vec2{0, 0}), "sin(0) hashes to 0")
}

func TestSmoothstep(t *testing.T) {
	tests := []struct {
		name      string
		e0, e1, x float32
		want      float32
	}{
		{"reversed edge at zero distance", 100, 0, 0, 1},
		{"reversed edge at falloff", 100, 0, 100, 0},
		{"reversed edge beyond falloff", 100, 0, 250, 0},
		{"reversed edge midpoint", 100, 0, 50, 0.5},
		{"forward edge below", 0, 1, -1, 0},
		{"forward edge above", 0, 1, 2, 1},
		{"forward edge quarter", 0, 1, 0.25, 0.15625},
		{"degenerate edges", 3, 3, 4, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Smoothstep(tc.e0, tc.e1, tc.x), 1e-6)
		})
	}
}

func TestReflect(t *testing.T) {
	size := core.Vec2{800, 600}
	tests := []struct {
		name             string
		pos, vel         core.Vec2
		wantPos, wantVel core.Vec2
		wantHit          Reflection
	}{
		{"inside untouched", core.Vec2{10, 10}, core.Vec2{3, -4}, core.Vec2{10, 10}, core.Vec2{3, -4}, 0},
		{"left edge", core.Vec2{-5, 50}, core.Vec2{-2, 7}, core.Vec2{0, 50}, core.Vec2{2, 7}, ReflectedX},
		{"right edge", core.Vec2{805, 50}, core.Vec2{2, 7}, core.Vec2{800, 50}, core.Vec2{-2, 7}, ReflectedX},
		{"top edge", core.Vec2{40, -1}, core.Vec2{1, -3}, core.Vec2{40, 0}, core.Vec2{1, 3}, ReflectedY},
		{"bottom edge", core.Vec2{40, 601}, core.Vec2{1, 3}, core.Vec2{40, 600}, core.Vec2{1, -3}, ReflectedY},
		{"corner hits both axes", core.Vec2{-1, 700}, core.Vec2{-1, 1}, core.Vec2{0, 600}, core.Vec2{1, -1}, ReflectedX | ReflectedY},
		{"exactly on boundary", core.Vec2{800, 0}, core.Vec2{5, -5}, core.Vec2{800, 0}, core.Vec2{5, -5}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pos, vel := tc.pos, tc.vel
			hit := Reflect(&pos, &vel, size)
			assert.Equal(t, tc.wantHit, hit)
			assert.Equal(t, tc.wantPos, pos)
			assert.Equal(t, tc.wantVel, vel)
			assert.True(t, pos.X() >= 0 && pos.X() <= size.X())
			assert.True(t, pos.Y() >= 0 && pos.Y() <= size.Y())
		})
	}
}

func TestRotationChirality(t *testing.T) {
	// attractor directly to the right: toAttractor = (10, 0) -> rotation (0, -10)
	params := core.SimulationParameters{AttractorPosition: core.Vec2{20, 20}}
	pos := core.Vec2{10, 20}
	drive := attractorDrive(pos, 0, &params)

	toAttractor := core.Vec2{10, 0}
	attraction := toAttractor.Normalize().Mul(AttractorStrength / 10)
	noise := 2*Rand(toAttractor) - 1
	rotation := core.Vec2{0, -10}.Mul(Smoothstep(RotationFalloff, 0, 10))
	want := attraction.Add(rotation).Add(core.Vec2{noise, noise}.Mul(RandomWeight))

	assert.InDelta(t, want.X(), drive.X(), 1e-2)
	assert.InDelta(t, want.Y(), drive.Y(), 1e-3)
	assert.Less(t, drive.Y()-RandomWeight*noise, float32(0), "swirl must follow (y, -x)")
}

func TestAttractorDriveIsFiniteAtZeroDistance(t *testing.T) {
	params := core.SimulationParameters{AttractorPosition: core.Vec2{100, 100}}
	drive := attractorDrive(core.Vec2{100, 100}, 3, &params)
	for _, c := range drive {
		require.False(t, math.IsNaN(float64(c)) || math.IsInf(float64(c), 0))
	}
	noise := 2*Rand(core.Vec2{3, 0}) - 1
	assert.InDelta(t, RandomWeight*noise, drive.X(), 1e-5, "only the noise term survives at distance 0")
	assert.InDelta(t, RandomWeight*noise, drive.Y(), 1e-5)
}

func TestVelocityBlendZeroForceAtAttractor(t *testing.T) {
	params := core.SimulationParameters{
		DT:                       0.016,
		FrameBufferSize:          core.Vec2{800, 600},
		AttractorPosition:        core.Vec2{400, 300},
		AttractorForceMultiplier: 0,
	}
	buf := singleParticle(core.Vec2{400, 300}, core.Vec2{})
	for step := 0; step < 10; step++ {
		UpdateParticle(buf, 0, &params, VelocityBlend)
	}
	assert.Equal(t, core.Vec2{}, buf.Velocities[0])
	assert.Equal(t, core.Vec2{400, 300}, buf.Positions[0])

	// a moving particle decays by the blend factor each step
	buf = singleParticle(core.Vec2{400, 300}, core.Vec2{100, -50})
	params.DT = 0
	for step := 0; step < 100; step++ {
		UpdateParticle(buf, 0, &params, VelocityBlend)
	}
	decay := float32(math.Pow(1-VelocityBlendFactor, 100))
	assert.InDelta(t, 100*decay, buf.Velocities[0].X(), 1e-3)
	assert.InDelta(t, -50*decay, buf.Velocities[0].Y(), 1e-3)
}

func TestAccelerationIntegrationDamping(t *testing.T) {
	const dt = 0.01
	params := core.SimulationParameters{
		DT:                       dt,
		FrameBufferSize:          core.Vec2{800, 600},
		AttractorPosition:        core.Vec2{0, 0},
		AttractorForceMultiplier: 0,
	}
	buf := singleParticle(core.Vec2{400, 300}, core.Vec2{10, -20})

	prev := buf.Velocities[0]
	for step := 0; step < 20; step++ {
		UpdateParticle(buf, 0, &params, AccelerationIntegration)
		got := buf.Velocities[0]
		assert.InDelta(t, prev.X()*(1-DampingFactor*dt), got.X(), 1e-4)
		assert.InDelta(t, prev.Y()*(1-DampingFactor*dt), got.Y(), 1e-4)
		prev = got
	}
}

func TestAccelerationIntegrationPositionUpdate(t *testing.T) {
	const dt = float32(0.1)
	params := core.SimulationParameters{
		DT:                       dt,
		FrameBufferSize:          core.Vec2{800, 600},
		AttractorPosition:        core.Vec2{0, 0},
		AttractorForceMultiplier: 0,
	}
	pos := core.Vec2{100, 100}
	vel := core.Vec2{10, 0}
	buf := singleParticle(pos, vel)
	UpdateParticle(buf, 0, &params, AccelerationIntegration)

	acc := vel.Mul(-DampingFactor)
	wantPos := pos.Add(vel.Mul(dt)).Add(acc.Mul(0.5 * dt * dt))
	assert.InDelta(t, wantPos.X(), buf.Positions[0].X(), 1e-4)
	assert.InDelta(t, wantPos.Y(), buf.Positions[0].Y(), 1e-4)
}

func TestOutOfBoundsParticleIsReflected(t *testing.T) {
	const dt = float32(0.016)
	params := core.SimulationParameters{
		DT:                       dt,
		FrameBufferSize:          core.Vec2{800, 600},
		AttractorPosition:        core.Vec2{400, 300},
		AttractorForceMultiplier: 1,
	}
	buf := singleParticle(core.Vec2{-5, 50}, core.Vec2{})
	hit := UpdateParticle(buf, 0, &params, VelocityBlend)

	assert.Equal(t, ReflectedX, hit)
	// the blend pulls toward +x, so the flipped component points back out
	assert.Less(t, buf.Velocities[0].X(), float32(0))
	// integration restarts from the clamped edge
	assert.InDelta(t, dt*buf.Velocities[0].X(), buf.Positions[0].X(), 1e-5)

	// the next reflection pulls it back onto the frame
	pos, vel := buf.Positions[0], buf.Velocities[0]
	Reflect(&pos, &vel, params.FrameBufferSize)
	assert.Equal(t, float32(0), pos.X())
	assert.Greater(t, vel.X(), float32(0))
}

func TestAccelerationIntegrationReflectsBeforeIntegrating(t *testing.T) {
	const dt = float32(0.016)
	params := core.SimulationParameters{
		DT:                       dt,
		FrameBufferSize:          core.Vec2{800, 600},
		AttractorPosition:        core.Vec2{400, 300},
		AttractorForceMultiplier: 1,
	}
	buf := singleParticle(core.Vec2{-5, 50}, core.Vec2{-3, 0})
	hit := UpdateParticle(buf, 0, &params, AccelerationIntegration)

	assert.Equal(t, ReflectedX, hit)
	assert.Greater(t, buf.Velocities[0].X(), float32(3), "flipped velocity plus attraction")
	assert.Greater(t, buf.Positions[0].X(), float32(0))
	assert.Less(t, buf.Positions[0].X(), float32(1))
}

func TestZeroTimeStepKeepsPosition(t *testing.T) {
	params := core.SimulationParameters{
		DT:                       0,
		FrameBufferSize:          core.Vec2{800, 600},
		AttractorPosition:        core.Vec2{700, 100},
		AttractorForceMultiplier: 1,
	}
	for _, policy := range []IntegrationPolicy{VelocityBlend, AccelerationIntegration} {
		buf := singleParticle(core.Vec2{123, 456}, core.Vec2{3, 4})
		UpdateParticle(buf, 0, &params, policy)
		assert.Equal(t, core.Vec2{123, 456}, buf.Positions[0], policy.String())
	}

	// the blend still moves the velocity with dt = 0
	buf := singleParticle(core.Vec2{123, 456}, core.Vec2{3, 4})
	UpdateParticle(buf, 0, &params, VelocityBlend)
	assert.NotEqual(t, core.Vec2{3, 4}, buf.Velocities[0])
}

func TestUpdateParticleTouchesOnlyItsSlot(t *testing.T) {
	params := core.SimulationParameters{
		DT:                       0.016,
		FrameBufferSize:          core.Vec2{800, 600},
		AttractorPosition:        core.Vec2{400, 300},
		AttractorForceMultiplier: 1,
	}
	buf := core.NewParticleBuffers(3)
	for i := range buf.Positions {
		buf.Positions[i] = core.Vec2{float32(100 * (i + 1)), 50}
	}
	before := buf.Clone()
	UpdateParticle(buf, 1, &params, VelocityBlend)

	assert.Equal(t, before.Positions[0], buf.Positions[0])
	assert.Equal(t, before.Positions[2], buf.Positions[2])
	assert.Equal(t, before.Velocities[0], buf.Velocities[0])
	assert.Equal(t, before.Velocities[2], buf.Velocities[2])
	assert.NotEqual(t, before.Velocities[1], buf.Velocities[1])
}

func TestPolicyParsing(t *testing.T) {
	tests := []struct {
		in      string
		want    IntegrationPolicy
		wantErr bool
	}{
		{"velocity-blend", VelocityBlend, false},
		{"A", VelocityBlend, false},
		{" acceleration ", AccelerationIntegration, false},
		{"b", AccelerationIntegration, false},
		{"verlet", VelocityBlend, true},
	}
	for _, tc := range tests {
		got, err := ParsePolicy(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrUnknownPolicy)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	var p IntegrationPolicy
	require.NoError(t, p.UnmarshalText([]byte("acceleration")))
	assert.Equal(t, AccelerationIntegration, p)
	assert.Equal(t, "IntegrationPolicy(7)", IntegrationPolicy(7).String())
}
