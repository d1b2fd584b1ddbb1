//go:build !darwin || !cgo || nometal

package metal

import (
	"context"

	"go.uber.org/zap"

	"particlesim/core"
	"particlesim/gpu"
	"particlesim/physics"
)

// Backend is a placeholder on platforms without Metal
type Backend struct{}

var _ gpu.ComputeBackend = (*Backend)(nil)

// Available reports whether this build carries the Metal backend
func Available() bool { return false }

func NewBackend(policy physics.IntegrationPolicy, logger *zap.Logger) (*Backend, error) {
	return nil, ErrUnavailable
}

func (b *Backend) Name() string { return "Metal compute (unavailable)" }

func (b *Backend) Upload(buf *core.ParticleBuffers) error { return ErrUnavailable }

func (b *Backend) Download(dst *core.ParticleBuffers) error { return ErrUnavailable }

func (b *Backend) SetPolicy(physics.IntegrationPolicy) error { return ErrUnavailable }

func (b *Backend) Cleanup() {}

func (b *Backend) Dispatch(ctx context.Context, params core.SimulationParameters) (physics.DispatchStats, error) {
	return physics.DispatchStats{}, ErrUnavailable
}
