package gpu

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"particlesim/core"
	"particlesim/physics"
)

func TestShaderSourcePolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  physics.IntegrationPolicy
		want    []string
		notWant []string
	}{
		{
			name:   "velocity blend",
			policy: physics.VelocityBlend,
			want: []string{
				"velocity = mix(velocity, drive, 0.05);",
				"position = position + dt * velocity;",
			},
			notWant: []string{"acceleration"},
		},
		{
			name:   "acceleration integration",
			policy: physics.AccelerationIntegration,
			want: []string{
				"vec2 acceleration = drive - velocity * 0.9;",
				"position = position + dt * velocity + 0.5 * acceleration * dt * dt;",
				"velocity = velocity + acceleration * dt;",
			},
			notWant: []string{"mix("},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src, err := ShaderSource(tc.policy, 1000)
			require.NoError(t, err)

			assert.True(t, strings.HasPrefix(src, "#version 430 core"))
			assert.Contains(t, src, "local_size_x = 1000")
			assert.Contains(t, src, "50000.0 * direction / max(0.5, attractorDistance)")
			assert.Contains(t, src, "smoothstep(100.0, 0.0, attractorDistance)")
			assert.Contains(t, src, "5.0 * random")
			assert.Contains(t, src, "if (index >= numParticles)")
			for _, w := range tc.want {
				assert.Contains(t, src, w)
			}
			for _, w := range tc.notWant {
				assert.NotContains(t, src, w)
			}

			// reflection happens before the position update in both policies
			assert.Less(t, strings.Index(src, "reflectAtBounds(position, velocity);"),
				strings.Index(src, "position = position + dt * velocity"))
		})
	}
}

func TestMetalSource(t *testing.T) {
	for _, policy := range []physics.IntegrationPolicy{physics.VelocityBlend, physics.AccelerationIntegration} {
		t.Run(policy.String(), func(t *testing.T) {
			src, err := MetalSource(policy)
			require.NoError(t, err)

			assert.True(t, strings.HasPrefix(src, "#include <metal_stdlib>"))
			assert.Contains(t, src, "kernel void "+MetalKernelName+"(")
			assert.Contains(t, src, "1.0 - smoothstep(0.0, 100.0, attractorDistance)")
			assert.NotContains(t, src, "{{")

			bindings := map[string]int{
				"positions":          MetalPositionIndex,
				"velocities":         MetalVelocityIndex,
				"&dt":                MetalDTIndex,
				"&frameBufferSize":   MetalFrameBufferSizeIndex,
				"&attractorPosition": MetalAttractorPosIndex,
				"&attractorForce":    MetalAttractorForceIndex,
				"&numParticles":      MetalNumParticlesIndex,
			}
			for name, index := range bindings {
				assert.Regexp(t, regexp.QuoteMeta(name)+` \[\[buffer\(`+strconv.Itoa(index)+`\)\]\]`, src)
			}

			if policy == physics.AccelerationIntegration {
				assert.Contains(t, src, "float2 acceleration = drive - velocity * 0.9;")
				assert.Less(t, strings.Index(src, "float2 acceleration"), strings.Index(src, "reflectAtBounds(position, velocity, frameBufferSize);"))
			} else {
				assert.Contains(t, src, "velocity = mix(velocity, drive, 0.05);")
				assert.NotContains(t, src, "acceleration")
			}
		})
	}
}

func TestGLSLFloat(t *testing.T) {
	assert.Equal(t, "50000.0", glslFloat(50000))
	assert.Equal(t, "0.05", glslFloat(0.05))
	assert.Equal(t, "-1.2", glslFloat(-1.2))
	assert.Equal(t, "100.0", glslFloat(100))
}

func TestPackVec2RoundTrip(t *testing.T) {
	vs := []core.Vec2{{0, 0}, {1.5, -2.25}, {800, 600}}
	packed := PackVec2(nil, vs)
	require.Len(t, packed, len(vs)*Vec2Size)
	assert.Equal(t, []byte{0, 0, 0xc0, 0x3f}, packed[8:12], "1.5 as little-endian float32")
	assert.Equal(t, vs, UnpackVec2(packed))

	// reuses capacity
	again := PackVec2(packed[:0], vs[:1])
	assert.Len(t, again, Vec2Size)
	assert.Equal(t, &packed[0], &again[0])

	assert.Len(t, UnpackVec2(packed[:11]), 1, "partial trailing vec2 dropped")
}

func TestCPUBackendLifecycle(t *testing.T) {
	b := NewCPUBackend(physics.VelocityBlend, 16, 2)
	params := core.SimulationParameters{
		DT:                       0.016,
		FrameBufferSize:          core.Vec2{800, 600},
		AttractorPosition:        core.Vec2{400, 300},
		AttractorForceMultiplier: 1,
	}

	_, err := b.Dispatch(context.Background(), params)
	assert.ErrorIs(t, err, ErrNotUploaded)

	buf := core.NewParticleBuffers(100)
	core.SeedUniform(buf, params.FrameBufferSize, core.NewSeededRand(9))
	require.NoError(t, b.Upload(buf))

	stats, err := b.Dispatch(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 100, stats.Particles)
	assert.Equal(t, 7, stats.Groups)

	host := core.NewParticleBuffers(100)
	require.NoError(t, b.Download(host))
	assert.Equal(t, buf.Positions, host.Positions)
	require.NoError(t, b.Download(buf), "downloading into the bound buffers is a no-op")
	assert.ErrorIs(t, b.Download(core.NewParticleBuffers(3)), core.ErrBufferMismatch)

	require.NoError(t, b.SetPolicy(physics.AccelerationIntegration))
	want := host.Clone()
	for i := 0; i < want.Len(); i++ {
		physics.UpdateParticle(want, i, &params, physics.AccelerationIntegration)
	}
	_, err = b.Dispatch(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, want.Positions, buf.Positions)

	b.Cleanup()
	assert.ErrorIs(t, b.Download(host), ErrNotUploaded)
}

func TestCPUBackendRejectsMismatchedUpload(t *testing.T) {
	buf := core.NewParticleBuffers(4)
	buf.Positions = buf.Positions[:2]
	assert.ErrorIs(t, NewCPUBackend(physics.VelocityBlend, 0, 0).Upload(buf), core.ErrBufferMismatch)
}
