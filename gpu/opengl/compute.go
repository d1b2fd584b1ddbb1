package opengl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-gl/gl/v4.3-core/gl"
	"go.uber.org/zap"

	"particlesim/core"
	"particlesim/gpu"
	"particlesim/physics"
)

// Backend runs the kernel as a GL 4.3 compute shader over two SSBOs.
// Every method must be called on the thread that owns the GL context.
type Backend struct {
	program        uint32
	positionBuffer uint32
	velocityBuffer uint32

	numParticles int
	localSize    int
	policy       physics.IntegrationPolicy
	logger       *zap.Logger
}

// NewBackend compiles the compute shader for policy. localSize is clamped
// to the driver's maximum work group width.
func NewBackend(policy physics.IntegrationPolicy, localSize int, logger *zap.Logger) (*Backend, error) {
	if localSize <= 0 {
		localSize = physics.DefaultWorkGroupSize
	}

	var maxSize, maxInvocations int32
	gl.GetIntegeri_v(gl.MAX_COMPUTE_WORK_GROUP_SIZE, 0, &maxSize)
	gl.GetIntegerv(gl.MAX_COMPUTE_WORK_GROUP_INVOCATIONS, &maxInvocations)
	limit := int(min(maxSize, maxInvocations))
	if limit > 0 && localSize > limit {
		logger.Warn("Work group size exceeds driver limit, clamping",
			zap.Int("requested", localSize),
			zap.Int("limit", limit))
		localSize = limit
	}

	b := &Backend{
		localSize: localSize,
		policy:    policy,
		logger:    logger,
	}
	if err := b.buildProgram(); err != nil {
		return nil, err
	}

	logger.Info("Compute shader compiled",
		zap.String("policy", policy.String()),
		zap.Int("localSize", localSize),
		zap.String("glVersion", gl.GoStr(gl.GetString(gl.VERSION))))
	return b, nil
}

var _ gpu.ComputeBackend = (*Backend)(nil)

func (b *Backend) Name() string { return "OpenGL compute" }

func (b *Backend) buildProgram() error {
	source, err := gpu.ShaderSource(b.policy, b.localSize)
	if err != nil {
		return fmt.Errorf("failed to render compute shader: %w", err)
	}
	program, err := compileComputeShader(source)
	if err != nil {
		return err
	}
	if b.program != 0 {
		gl.DeleteProgram(b.program)
	}
	b.program = program
	return nil
}

// Upload allocates both SSBOs sized for buf and copies the particle state in
func (b *Backend) Upload(buf *core.ParticleBuffers) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	n := buf.Len()
	if n == 0 {
		return fmt.Errorf("cannot upload an empty particle set")
	}

	if b.positionBuffer == 0 {
		gl.GenBuffers(1, &b.positionBuffer)
		gl.GenBuffers(1, &b.velocityBuffer)
	}

	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, b.positionBuffer)
	gl.BufferData(gl.SHADER_STORAGE_BUFFER, n*gpu.Vec2Size, gl.Ptr(&buf.Positions[0]), gl.DYNAMIC_COPY)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, gpu.PositionBinding, b.positionBuffer)

	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, b.velocityBuffer)
	gl.BufferData(gl.SHADER_STORAGE_BUFFER, n*gpu.Vec2Size, gl.Ptr(&buf.Velocities[0]), gl.DYNAMIC_COPY)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, gpu.VelocityBinding, b.velocityBuffer)

	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, 0)
	b.numParticles = n
	return nil
}

// Dispatch runs one step. The memory barrier orders it before any later
// dispatch or vertex fetch from the same buffers.
func (b *Backend) Dispatch(ctx context.Context, params core.SimulationParameters) (physics.DispatchStats, error) {
	if b.numParticles == 0 {
		return physics.DispatchStats{}, gpu.ErrNotUploaded
	}
	if err := ctx.Err(); err != nil {
		return physics.DispatchStats{}, err
	}

	start := time.Now()
	groups := (b.numParticles + b.localSize - 1) / b.localSize

	gl.UseProgram(b.program)
	gl.Uniform1f(gpu.UniformDT, params.DT)
	gl.Uniform2f(gpu.UniformFrameBufferSize, params.FrameBufferSize.X(), params.FrameBufferSize.Y())
	gl.Uniform2f(gpu.UniformAttractorPosition, params.AttractorPosition.X(), params.AttractorPosition.Y())
	gl.Uniform1f(gpu.UniformAttractorForce, params.AttractorForceMultiplier)
	gl.Uniform1ui(gpu.UniformNumParticles, uint32(b.numParticles))

	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, gpu.PositionBinding, b.positionBuffer)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, gpu.VelocityBinding, b.velocityBuffer)
	gl.DispatchCompute(uint32(groups), 1, 1)
	gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT | gl.VERTEX_ATTRIB_ARRAY_BARRIER_BIT | gl.BUFFER_UPDATE_BARRIER_BIT)

	if code := gl.GetError(); code != gl.NO_ERROR {
		return physics.DispatchStats{}, fmt.Errorf("compute dispatch failed: GL error 0x%x", code)
	}

	return physics.DispatchStats{
		Particles: b.numParticles,
		Groups:    groups,
		Duration:  time.Since(start),
	}, nil
}

// Download reads both SSBOs back into dst
func (b *Backend) Download(dst *core.ParticleBuffers) error {
	if b.numParticles == 0 {
		return gpu.ErrNotUploaded
	}
	if dst.Len() != b.numParticles || len(dst.Velocities) != b.numParticles {
		return fmt.Errorf("%w: device holds %d particles, host %d", core.ErrBufferMismatch, b.numParticles, dst.Len())
	}

	size := b.numParticles * gpu.Vec2Size
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, b.positionBuffer)
	gl.GetBufferSubData(gl.SHADER_STORAGE_BUFFER, 0, size, gl.Ptr(&dst.Positions[0]))
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, b.velocityBuffer)
	gl.GetBufferSubData(gl.SHADER_STORAGE_BUFFER, 0, size, gl.Ptr(&dst.Velocities[0]))
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, 0)
	return nil
}

// SetPolicy recompiles the program for a different integration policy
func (b *Backend) SetPolicy(policy physics.IntegrationPolicy) error {
	if policy == b.policy {
		return nil
	}
	old := b.policy
	b.policy = policy
	if err := b.buildProgram(); err != nil {
		b.policy = old
		return err
	}
	b.logger.Info("Compute shader rebuilt", zap.String("policy", policy.String()))
	return nil
}

// Buffers returns the SSBO names so a renderer can source vertices from them directly
func (b *Backend) Buffers() (positions, velocities uint32) {
	return b.positionBuffer, b.velocityBuffer
}

// Cleanup releases the program and buffers
func (b *Backend) Cleanup() {
	if b.program != 0 {
		gl.DeleteProgram(b.program)
		b.program = 0
	}
	if b.positionBuffer != 0 {
		gl.DeleteBuffers(1, &b.positionBuffer)
		gl.DeleteBuffers(1, &b.velocityBuffer)
		b.positionBuffer, b.velocityBuffer = 0, 0
	}
	b.numParticles = 0
}

// compileComputeShader compiles and links a single-stage compute program
func compileComputeShader(source string) (uint32, error) {
	shader := gl.CreateShader(gl.COMPUTE_SHADER)

	csource, free := gl.Strs(source + "\x00")
	gl.ShaderSource(shader, 1, csource, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(log))
		gl.DeleteShader(shader)
		return 0, fmt.Errorf("compute shader compilation failed: %s", log)
	}

	program := gl.CreateProgram()
	gl.AttachShader(program, shader)
	gl.LinkProgram(program)
	gl.DeleteShader(shader)

	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))
		gl.DeleteProgram(program)
		return 0, fmt.Errorf("compute program link failed: %s", log)
	}

	return program, nil
}
