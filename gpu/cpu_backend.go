package gpu

import (
	"context"

	"particlesim/core"
	"particlesim/physics"
)

// CPUBackend runs the kernel on host goroutines. Upload binds the caller's
// buffers, so Download into the same buffers is free.
type CPUBackend struct {
	dispatcher *physics.Dispatcher
	buf        *core.ParticleBuffers
}

// NewCPUBackend creates a host backend
func NewCPUBackend(policy physics.IntegrationPolicy, workGroupSize, workers int) *CPUBackend {
	return &CPUBackend{
		dispatcher: physics.NewDispatcher(policy, workGroupSize, workers),
	}
}

func (c *CPUBackend) Name() string { return "CPU" }

func (c *CPUBackend) Upload(buf *core.ParticleBuffers) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	c.buf = buf
	return nil
}

func (c *CPUBackend) Dispatch(ctx context.Context, params core.SimulationParameters) (physics.DispatchStats, error) {
	if c.buf == nil {
		return physics.DispatchStats{}, ErrNotUploaded
	}
	return c.dispatcher.Dispatch(ctx, c.buf, params)
}

func (c *CPUBackend) Download(dst *core.ParticleBuffers) error {
	if c.buf == nil {
		return ErrNotUploaded
	}
	if dst == c.buf {
		return nil
	}
	if dst.Len() != c.buf.Len() {
		return core.ErrBufferMismatch
	}
	copy(dst.Positions, c.buf.Positions)
	copy(dst.Velocities, c.buf.Velocities)
	return nil
}

func (c *CPUBackend) SetPolicy(policy physics.IntegrationPolicy) error {
	c.dispatcher.Policy = policy
	return nil
}

// Workers reports the size of the host worker pool
func (c *CPUBackend) Workers() int { return c.dispatcher.Workers }

func (c *CPUBackend) Cleanup() {
	c.buf = nil
}
