package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"particlesim/config"
	"particlesim/core"
	"particlesim/gpu"
	"particlesim/gpu/metal"
	glcompute "particlesim/gpu/opengl"
	"particlesim/logging"
	"particlesim/metrics"
	"particlesim/physics"
	glrender "particlesim/rendering/opengl"
	"particlesim/server"
	"particlesim/simulation"
)

// GL calls must come from the main thread
func init() {
	runtime.LockOSThread()
}

type options struct {
	configPath string
	backend    string
	particles  int
	policy     string
	mode       string
	steps      int
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "settings.json", "Settings file (defaults are used if missing)")
	flag.StringVar(&opts.backend, "backend", "", "Compute backend (cpu, opengl, metal); overrides settings")
	flag.IntVar(&opts.particles, "particles", 0, "Particle count; overrides settings")
	flag.StringVar(&opts.policy, "policy", "", "Integration policy (velocity-blend, acceleration); overrides settings")
	flag.StringVar(&opts.mode, "mode", "window", "Run mode (window, headless, server)")
	flag.IntVar(&opts.steps, "steps", 600, "Steps to run in headless mode")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "particlesim: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	// settings are loaded with a bootstrap logger, then the real one is built from them
	bootstrap, err := logging.New(logging.Config{})
	if err != nil {
		return err
	}
	settings, err := config.Load(opts.configPath, bootstrap)
	if err != nil {
		return err
	}
	if err := applyFlags(&settings, opts); err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Environment: settings.Log.Environment,
		Level:       settings.Log.Level,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting particle simulation",
		zap.String("mode", opts.mode),
		zap.Int("particles", settings.Simulation.Particles),
		zap.Stringer("policy", settings.Simulation.Policy),
		zap.String("backend", settings.Compute.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	switch opts.mode {
	case "window":
		return runWindow(ctx, settings, opts.configPath, logger, m)
	case "headless":
		return runHeadless(ctx, settings, opts.steps, logger, m)
	case "server":
		return runServer(ctx, settings, opts.configPath, logger, m)
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}
}

func applyFlags(s *config.Settings, opts options) error {
	if opts.backend != "" {
		s.Compute.Backend = opts.backend
	}
	if opts.particles > 0 {
		s.Simulation.Particles = opts.particles
	}
	if opts.policy != "" {
		policy, err := physics.ParsePolicy(opts.policy)
		if err != nil {
			return err
		}
		s.Simulation.Policy = policy
	}
	return s.Validate()
}

func seedBuffers(s config.Settings, size core.Vec2) *core.ParticleBuffers {
	buf := core.NewParticleBuffers(s.Simulation.Particles)
	core.SeedUniform(buf, size, core.NewSeededRand(s.Simulation.Seed))
	return buf
}

func initialParams(size core.Vec2) core.SimulationParameters {
	return core.SimulationParameters{
		FrameBufferSize:   size,
		AttractorPosition: core.Vec2{size[0] / 2, size[1] / 2},
	}
}

// newBackend builds the configured backend. The opengl backend needs a current
// GL context on this thread.
func newBackend(s config.Settings, logger *zap.Logger) (gpu.ComputeBackend, error) {
	switch s.Compute.Backend {
	case "cpu":
		return gpu.NewCPUBackend(s.Simulation.Policy, s.Simulation.WorkGroupSize, s.Compute.Workers), nil
	case "opengl":
		backend, err := glcompute.NewBackend(s.Simulation.Policy, s.Simulation.WorkGroupSize, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenGL compute: %w", err)
		}
		return backend, nil
	case "metal":
		backend, err := metal.NewBackend(s.Simulation.Policy, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("%w: %s", gpu.ErrUnknownBackend, s.Compute.Backend)
	}
}

// watchSettings applies hot-reloadable settings to a running engine
func watchSettings(ctx context.Context, path string, s config.Settings, engine *simulation.Engine, logger *zap.Logger) {
	w, err := config.NewWatcher(path, s, logger, func(old, updated config.Settings) {
		if updated.Simulation.Policy != old.Simulation.Policy {
			engine.SetPolicy(updated.Simulation.Policy)
		}
		if updated.Simulation.StepRate != old.Simulation.StepRate {
			engine.SetStepRate(updated.Simulation.StepRate)
		}
	})
	if err != nil {
		logger.Warn("Settings hot reload disabled", zap.Error(err))
		return
	}
	go w.Run(ctx)
}

func runWindow(ctx context.Context, s config.Settings, configPath string, logger *zap.Logger, m *metrics.Metrics) error {
	size := core.Vec2{float32(s.Window.Width), float32(s.Window.Height)}
	buf := seedBuffers(s, size)

	// the renderer forwards input to the engine, which exists only after the
	// window's context is up
	ctrl := &deferredController{}
	renderer, err := glrender.NewParticleRenderer(glrender.Config{
		Width:     s.Window.Width,
		Height:    s.Window.Height,
		PointSize: s.Window.PointSize,
		Forces:    glrender.Forces{Left: s.Attractor.LeftForce, Right: s.Attractor.RightForce},
		ShowStats: s.Window.ShowStats,
		TargetFPS: int(s.Simulation.StepRate),
	}, ctrl, logger)
	if err != nil {
		return err
	}
	defer renderer.Terminate()

	backend, err := newBackend(s, logger)
	if err != nil {
		return err
	}
	defer backend.Cleanup()

	engine, err := simulation.NewEngine(backend, buf, initialParams(size), simulation.Options{
		Policy:   s.Simulation.Policy,
		StepRate: s.Simulation.StepRate,
		FixedDT:  s.Simulation.FixedDT,
		Readback: s.Compute.Backend == "metal",
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}
	ctrl.engine = engine
	watchSettings(ctx, configPath, s, engine, logger)

	glBackend, onGPU := backend.(*glcompute.Backend)
	if onGPU {
		positions, velocities := glBackend.Buffers()
		renderer.UseBuffers(positions, velocities, buf.Len())
	}

	budget := time.Duration(float64(time.Second) / s.Simulation.StepRate)
	for !renderer.ShouldClose() && ctx.Err() == nil {
		if _, err := engine.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
		if !onGPU {
			renderer.Stream(buf)
		}
		renderer.SetStepTiming(engine.Stats().LastDuration, budget)
		renderer.Draw()
		renderer.PollEvents()
	}

	stats := engine.Stats()
	logger.Info("Window closed", zap.Uint64("steps", stats.Steps), zap.Int("fps", renderer.FPS()))
	return nil
}

func runHeadless(ctx context.Context, s config.Settings, steps int, logger *zap.Logger, m *metrics.Metrics) error {
	size := core.Vec2{float32(s.Window.Width), float32(s.Window.Height)}
	buf := seedBuffers(s, size)

	if s.Compute.Backend == "opengl" {
		glctx, err := glcompute.NewHeadlessContext()
		if err != nil {
			return err
		}
		defer glctx.Close()
	}
	backend, err := newBackend(s, logger)
	if err != nil {
		return err
	}
	defer backend.Cleanup()

	// a fixed step keeps headless runs reproducible
	dt := s.Simulation.FixedDT
	if dt == 0 {
		dt = 1 / s.Simulation.StepRate
	}
	engine, err := simulation.NewEngine(backend, buf, initialParams(size), simulation.Options{
		Policy:  s.Simulation.Policy,
		FixedDT: dt,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}
	engine.SetForce(s.Attractor.LeftForce)

	start := time.Now()
	var reflX, reflY int
	for i := 0; i < steps; i++ {
		stats, err := engine.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn("Interrupted", zap.Int("completed", i))
				break
			}
			return err
		}
		reflX += stats.ReflectionsX
		reflY += stats.ReflectionsY
	}
	elapsed := time.Since(start)

	if err := backend.Download(buf); err != nil {
		return err
	}
	report := simulation.Bounds(buf, size)
	logger.Info("Headless run complete",
		zap.Uint64("steps", engine.Stats().Steps),
		zap.Duration("elapsed", elapsed),
		zap.Duration("lastStep", engine.Stats().LastDuration),
		zap.Int("inside", report.Inside),
		zap.Int("outside", report.Outside),
		zap.Int("nonFinite", report.NonFinite),
		zap.Float64("meanSpeed", report.MeanSpeed),
		zap.Int("reflectionsX", reflX),
		zap.Int("reflectionsY", reflY))
	if report.NonFinite > 0 {
		return fmt.Errorf("%d particles have non-finite state", report.NonFinite)
	}
	return nil
}

func runServer(ctx context.Context, s config.Settings, configPath string, logger *zap.Logger, m *metrics.Metrics) error {
	size := core.Vec2{float32(s.Window.Width), float32(s.Window.Height)}
	buf := seedBuffers(s, size)

	glThread := s.Compute.Backend == "opengl"
	if glThread {
		glctx, err := glcompute.NewHeadlessContext()
		if err != nil {
			return err
		}
		defer glctx.Close()
	}
	backend, err := newBackend(s, logger)
	if err != nil {
		return err
	}
	defer backend.Cleanup()

	engine, err := simulation.NewEngine(backend, buf, initialParams(size), simulation.Options{
		Policy:   s.Simulation.Policy,
		StepRate: s.Simulation.StepRate,
		FixedDT:  s.Simulation.FixedDT,
		Readback: s.Compute.Backend != "cpu",
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}
	watchSettings(ctx, configPath, s, engine, logger)

	srv := server.New(server.Config{
		Addr:              fmt.Sprintf(":%d", s.Server.Port),
		BroadcastInterval: time.Duration(s.Server.BroadcastIntervalMs) * time.Millisecond,
		MaxPoints:         s.Server.MaxPoints,
	}, engine, logger, m)

	if !glThread {
		engine.Start(ctx)
		defer engine.Stop()
		return srv.Run(ctx)
	}

	// GL work stays on this thread; the server runs beside it
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Run(ctx)
		cancel()
	}()
	if err := engine.Run(ctx); err != nil {
		cancel()
		<-errc
		return err
	}
	return <-errc
}

// deferredController drops input until the engine is attached
type deferredController struct {
	engine *simulation.Engine
}

func (d *deferredController) SetAttractor(pos core.Vec2, force float32) {
	if d.engine != nil {
		d.engine.SetAttractor(pos, force)
	}
}

func (d *deferredController) SetFrameBufferSize(size core.Vec2) {
	if d.engine != nil {
		d.engine.SetFrameBufferSize(size)
	}
}
