package physics

import (
	"math"

	"particlesim/core"
)

// Kernel constants. They are baked into the compute shader as well, see gpu.ShaderSource.
const (
	AttractorStrength    = 50000.0
	MinAttractorDistance = 0.5
	RotationFalloff      = 100.0 // rotation fades to zero at this distance
	RandomWeight         = 5.0
	VelocityBlendFactor  = 0.05
	DampingFactor        = 0.9
)

// Reflection records which axes were clamped by Reflect
type Reflection uint8

const (
	ReflectedX Reflection = 1 << iota
	ReflectedY
)

// Rand is the shader hash fract(sin(dot(v, (12.9898, 78.233))) * 43758.5453).
// The result is in [0,1) and depends only on v.
func Rand(v core.Vec2) float32 {
	h := math.Sin(float64(v[0])*12.9898+float64(v[1])*78.233) * 43758.5453
	f := float32(h - math.Floor(h))
	if f >= 1 {
		// float32 rounding can lift 0.99999997.. to 1
		f = math.Nextafter32(1, 0)
	}
	return f
}

// Smoothstep follows GLSL smoothstep, including reversed edges (edge0 > edge1)
func Smoothstep(edge0, edge1, x float32) float32 {
	if edge0 == edge1 {
		if x < edge0 {
			return 0
		}
		return 1
	}
	t := (x - edge0) / (edge1 - edge0)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return t * t * (3 - 2*t)
}

// Reflect clamps pos into [0,size] per axis and negates the velocity component of
// every axis that was out of range. The axes are handled independently.
func Reflect(pos, vel *core.Vec2, size core.Vec2) Reflection {
	var hit Reflection
	for axis := 0; axis < 2; axis++ {
		if pos[axis] < 0 {
			vel[axis] *= -1
			pos[axis] = 0
			hit |= 1 << axis
		} else if pos[axis] > size[axis] {
			vel[axis] *= -1
			pos[axis] = size[axis]
			hit |= 1 << axis
		}
	}
	return hit
}

// attractorDrive is the unscaled sum attraction + rotation + 5*noise for one particle.
// Both policies multiply it by the force multiplier; VelocityBlend reads it as a
// velocity and AccelerationIntegration as an acceleration.
func attractorDrive(pos core.Vec2, index int, params *core.SimulationParameters) core.Vec2 {
	toAttractor := params.AttractorPosition.Sub(pos)
	distance := toAttractor.Len()

	var direction core.Vec2
	if distance > 0 {
		direction = toAttractor.Mul(1 / distance)
	}
	attraction := direction.Mul(AttractorStrength / max(MinAttractorDistance, distance))

	// gl_GlobalInvocationID.xy is (i, 0) for a one dimensional dispatch
	noise := 2*Rand(toAttractor.Add(core.Vec2{float32(index), 0})) - 1
	random := core.Vec2{noise, noise}

	// cross((x, y, 0), (0, 0, 1)).xy
	rotation := core.Vec2{toAttractor[1], -toAttractor[0]}.
		Mul(Smoothstep(RotationFalloff, 0, distance))

	return attraction.Add(rotation).Add(random.Mul(RandomWeight))
}

// UpdateParticle advances particle i by one step and writes it back in place.
// It reads and writes only slot i of each buffer.
func UpdateParticle(buf *core.ParticleBuffers, i int, params *core.SimulationParameters, policy IntegrationPolicy) Reflection {
	pos := buf.Positions[i]
	vel := buf.Velocities[i]
	drive := attractorDrive(pos, i, params).Mul(params.AttractorForceMultiplier)
	dt := params.DT

	var hit Reflection
	switch policy {
	case AccelerationIntegration:
		acc := drive.Sub(vel.Mul(DampingFactor))
		hit = Reflect(&pos, &vel, params.FrameBufferSize)
		pos = pos.Add(vel.Mul(dt)).Add(acc.Mul(0.5 * dt * dt))
		vel = vel.Add(acc.Mul(dt))
	default:
		// mix(v, target, a) = v*(1-a) + target*a
		vel = vel.Mul(1 - VelocityBlendFactor).Add(drive.Mul(VelocityBlendFactor))
		hit = Reflect(&pos, &vel, params.FrameBufferSize)
		pos = pos.Add(vel.Mul(dt))
	}

	buf.Positions[i] = pos
	buf.Velocities[i] = vel
	return hit
}

// UpdateRange runs UpdateParticle for every index in [start, end)
func UpdateRange(buf *core.ParticleBuffers, start, end int, params *core.SimulationParameters, policy IntegrationPolicy) (reflectedX, reflectedY int) {
	for i := start; i < end; i++ {
		hit := UpdateParticle(buf, i, params, policy)
		if hit&ReflectedX != 0 {
			reflectedX++
		}
		if hit&ReflectedY != 0 {
			reflectedY++
		}
	}
	return reflectedX, reflectedY
}
