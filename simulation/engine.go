package simulation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"particlesim/core"
	"particlesim/gpu"
	"particlesim/metrics"
	"particlesim/physics"
)

// Options configures an Engine
type Options struct {
	Policy   physics.IntegrationPolicy
	StepRate float64 // steps per second in Run
	FixedDT  float64 // seconds per step; 0 measures wall-clock time between steps
	// Readback copies device state into the host buffers after every step so
	// Snapshot sees it. CPU backends share the host buffers and do not need it.
	Readback bool
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// engineState is owned by the stepping goroutine
type engineState struct {
	params   core.SimulationParameters
	policy   physics.IntegrationPolicy
	stepRate float64
}

// Engine advances a particle set on a compute backend, one full-batch step at a
// time. Parameter changes are queued and applied between steps, so every
// invocation of a step sees the same parameters.
type Engine struct {
	backend gpu.ComputeBackend
	host    *core.ParticleBuffers
	opts    Options
	logger  *zap.Logger

	// guards host while a step or readback writes it
	bufMu sync.RWMutex

	pendingMu sync.Mutex
	pending   []func(*engineState) error

	state     engineState
	published atomic.Pointer[core.SimulationParameters]
	lastStep  time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	steps        atomic.Uint64
	lastDuration atomic.Int64
}

// NewEngine uploads buf to backend. The particle count is fixed from here on.
func NewEngine(backend gpu.ComputeBackend, buf *core.ParticleBuffers, params core.SimulationParameters, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StepRate <= 0 {
		opts.StepRate = 60
	}
	if err := backend.SetPolicy(opts.Policy); err != nil {
		return nil, err
	}
	if err := backend.Upload(buf); err != nil {
		return nil, err
	}

	e := &Engine{
		backend: backend,
		host:    buf,
		opts:    opts,
		logger:  opts.Logger,
		state: engineState{
			params:   params,
			policy:   opts.Policy,
			stepRate: opts.StepRate,
		},
	}
	e.publish()
	opts.Metrics.SetParticles(buf.Len())
	return e, nil
}

// Backend returns the compute backend
func (e *Engine) Backend() gpu.ComputeBackend { return e.backend }

// Len returns the particle count
func (e *Engine) Len() int { return e.host.Len() }

func (e *Engine) enqueue(update func(*engineState) error) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, update)
	e.pendingMu.Unlock()
}

// SetAttractor moves the attractor and sets its force multiplier
func (e *Engine) SetAttractor(pos core.Vec2, force float32) {
	e.enqueue(func(s *engineState) error {
		s.params.AttractorPosition = pos
		s.params.AttractorForceMultiplier = force
		return nil
	})
}

// SetAttractorPosition moves the attractor and keeps the force
func (e *Engine) SetAttractorPosition(pos core.Vec2) {
	e.enqueue(func(s *engineState) error {
		s.params.AttractorPosition = pos
		return nil
	})
}

// SetForce changes the attractor force multiplier
func (e *Engine) SetForce(force float32) {
	e.enqueue(func(s *engineState) error {
		s.params.AttractorForceMultiplier = force
		return nil
	})
}

// SetFrameBufferSize changes the simulation bounds
func (e *Engine) SetFrameBufferSize(size core.Vec2) {
	e.enqueue(func(s *engineState) error {
		s.params.FrameBufferSize = size
		return nil
	})
}

// SetPolicy switches the integration policy between steps
func (e *Engine) SetPolicy(policy physics.IntegrationPolicy) {
	e.enqueue(func(s *engineState) error {
		if s.policy == policy {
			return nil
		}
		if err := e.backend.SetPolicy(policy); err != nil {
			return err
		}
		s.policy = policy
		e.logger.Info("Integration policy changed", zap.Stringer("policy", policy))
		return nil
	})
}

// SetStepRate changes how often Run steps
func (e *Engine) SetStepRate(rate float64) {
	e.enqueue(func(s *engineState) error {
		if rate > 0 {
			s.stepRate = rate
		}
		return nil
	})
}

// Params returns the parameters of the most recent step
func (e *Engine) Params() core.SimulationParameters {
	return *e.published.Load()
}

func (e *Engine) publish() {
	p := e.state.params
	e.published.Store(&p)
}

func (e *Engine) applyPending() {
	e.pendingMu.Lock()
	updates := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	for _, update := range updates {
		if err := update(&e.state); err != nil {
			e.logger.Error("Failed to apply simulation update", zap.Error(err))
		}
	}
}

func (e *Engine) nextDT(now time.Time) float32 {
	if e.opts.FixedDT > 0 {
		return float32(e.opts.FixedDT)
	}
	if e.lastStep.IsZero() {
		return float32(1 / e.state.stepRate)
	}
	return float32(now.Sub(e.lastStep).Seconds())
}

// Step applies queued updates and advances every particle once. It must not be
// called concurrently with itself or with Run.
func (e *Engine) Step(ctx context.Context) (physics.DispatchStats, error) {
	e.applyPending()

	now := time.Now()
	e.state.params.DT = e.nextDT(now)
	e.lastStep = now
	e.publish()

	e.bufMu.Lock()
	stats, err := e.backend.Dispatch(ctx, e.state.params)
	if err == nil && e.opts.Readback {
		err = e.backend.Download(e.host)
	}
	e.bufMu.Unlock()
	if err != nil {
		return stats, err
	}

	e.steps.Add(1)
	e.lastDuration.Store(int64(stats.Duration))
	e.opts.Metrics.ObserveStep(e.backend.Name(), stats)
	return stats, nil
}

// Run steps at the configured rate until ctx is done or a step fails
func (e *Engine) Run(ctx context.Context) error {
	rate := e.state.stepRate
	ticker := time.NewTicker(rateInterval(rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Step(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if e.state.stepRate != rate {
				rate = e.state.stepRate
				ticker.Reset(rateInterval(rate))
			}
		}
	}
}

// Start runs the engine on its own goroutine. Only for backends that may be
// driven from any thread (CPU); GL backends must call Run on the context thread.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.running.Store(true)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.running.Store(false)
		if err := e.Run(ctx); err != nil {
			e.logger.Error("Simulation stopped", zap.Error(err))
		}
	}()
}

// Stop halts a started engine and waits for the current step to finish
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Running reports whether a Start goroutine is active
func (e *Engine) Running() bool { return e.running.Load() }

// Snapshot copies the latest completed positions into dst, growing it if needed
func (e *Engine) Snapshot(dst []core.Vec2) []core.Vec2 {
	e.bufMu.RLock()
	defer e.bufMu.RUnlock()
	if cap(dst) < len(e.host.Positions) {
		dst = make([]core.Vec2, len(e.host.Positions))
	}
	dst = dst[:len(e.host.Positions)]
	copy(dst, e.host.Positions)
	return dst
}

// SnapshotBuffers copies positions and velocities into dst, which must have the engine's length
func (e *Engine) SnapshotBuffers(dst *core.ParticleBuffers) error {
	e.bufMu.RLock()
	defer e.bufMu.RUnlock()
	if dst.Len() != e.host.Len() || len(dst.Velocities) != e.host.Len() {
		return core.ErrBufferMismatch
	}
	copy(dst.Positions, e.host.Positions)
	copy(dst.Velocities, e.host.Velocities)
	return nil
}

// Stats is a point-in-time view of engine progress
type Stats struct {
	Steps        uint64
	LastDuration time.Duration
	Particles    int
}

func (e *Engine) Stats() Stats {
	return Stats{
		Steps:        e.steps.Load(),
		LastDuration: time.Duration(e.lastDuration.Load()),
		Particles:    e.host.Len(),
	}
}

func rateInterval(rate float64) time.Duration {
	return time.Duration(float64(time.Second) / rate)
}
