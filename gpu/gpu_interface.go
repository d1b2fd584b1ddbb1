package gpu

import (
	"context"
	"errors"

	"particlesim/core"
	"particlesim/physics"
)

var (
	// ErrUnknownBackend is returned when a settings or flag value names no backend
	ErrUnknownBackend = errors.New("unknown compute backend")
	// ErrNotUploaded is returned when Dispatch or Download runs before Upload
	ErrNotUploaded = errors.New("particle buffers not uploaded")
)

// ComputeBackend runs the particle kernel over a resident particle set.
// Upload fixes the particle count for the lifetime of the backend.
type ComputeBackend interface {
	Name() string
	Upload(buf *core.ParticleBuffers) error
	Dispatch(ctx context.Context, params core.SimulationParameters) (physics.DispatchStats, error)
	Download(dst *core.ParticleBuffers) error
	SetPolicy(policy physics.IntegrationPolicy) error
	Cleanup()
}
