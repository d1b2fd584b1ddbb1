// Command particlesim-raylib is a lightweight viewer that runs the simulation on
// the CPU backend and draws it with raylib.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	rl "github.com/gen2brain/raylib-go/raylib"
	"go.uber.org/zap"

	"particlesim/config"
	"particlesim/core"
	"particlesim/gpu"
	"particlesim/logging"
	"particlesim/physics"
	"particlesim/rendering"
	"particlesim/simulation"
)

func main() {
	configPath := flag.String("config", "settings.json", "Settings file (defaults are used if missing)")
	particles := flag.Int("particles", 20000, "Particle count")
	policyName := flag.String("policy", "", "Integration policy (velocity-blend, acceleration); overrides settings")
	flag.Parse()

	if err := run(*configPath, *particles, *policyName); err != nil {
		fmt.Fprintf(os.Stderr, "particlesim-raylib: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, particles int, policyName string) error {
	bootstrap, err := logging.New(logging.Config{})
	if err != nil {
		return err
	}
	settings, err := config.Load(configPath, bootstrap)
	if err != nil {
		return err
	}
	settings.Simulation.Particles = particles
	if policyName != "" {
		policy, err := physics.ParsePolicy(policyName)
		if err != nil {
			return err
		}
		settings.Simulation.Policy = policy
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Environment: settings.Log.Environment, Level: settings.Log.Level})
	if err != nil {
		return err
	}
	defer logger.Sync()

	width, height := settings.Window.Width, settings.Window.Height
	size := core.Vec2{float32(width), float32(height)}
	buf := core.NewParticleBuffers(settings.Simulation.Particles)
	core.SeedUniform(buf, size, core.NewSeededRand(settings.Simulation.Seed))

	backend := gpu.NewCPUBackend(settings.Simulation.Policy, settings.Simulation.WorkGroupSize, settings.Compute.Workers)
	defer backend.Cleanup()
	engine, err := simulation.NewEngine(backend, buf, core.SimulationParameters{
		FrameBufferSize:   size,
		AttractorPosition: core.Vec2{size[0] / 2, size[1] / 2},
	}, simulation.Options{
		Policy:   settings.Simulation.Policy,
		StepRate: settings.Simulation.StepRate,
		FixedDT:  settings.Simulation.FixedDT,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	rl.SetConfigFlags(rl.FlagWindowResizable)
	rl.InitWindow(int32(width), int32(height), "Particle Attractor (raylib)")
	defer rl.CloseWindow()
	rl.SetTargetFPS(60)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	logger.Info("Viewer started",
		zap.Int("particles", buf.Len()),
		zap.Stringer("policy", settings.Simulation.Policy))

	frame := core.NewParticleBuffers(buf.Len())
	point := rl.NewVector2(settings.Window.PointSize, settings.Window.PointSize)
	half := settings.Window.PointSize / 2

	for !rl.WindowShouldClose() {
		if rl.IsWindowResized() {
			engine.SetFrameBufferSize(core.Vec2{float32(rl.GetScreenWidth()), float32(rl.GetScreenHeight())})
		}
		mouse := rl.GetMousePosition()
		engine.SetAttractor(core.Vec2{mouse.X, mouse.Y}, attractorForce(settings.Attractor))

		if err := engine.SnapshotBuffers(frame); err != nil {
			return err
		}

		rl.BeginDrawing()
		rl.ClearBackground(rl.Black)
		rl.BeginBlendMode(rl.BlendAdditive)
		for i, p := range frame.Positions {
			c := rendering.SampleLUT(rendering.SpeedParam(frame.Velocities[i].Len(), rendering.DefaultSpeedScale))
			rl.DrawRectangleV(rl.NewVector2(p[0]-half, p[1]-half), point, rl.NewColor(c[0], c[1], c[2], c[3]))
		}
		rl.EndBlendMode()
		rl.DrawFPS(10, 10)
		rl.EndDrawing()
	}

	logger.Info("Viewer closed", zap.Uint64("steps", engine.Stats().Steps))
	return nil
}

func attractorForce(forces config.AttractorSettings) float32 {
	switch {
	case rl.IsMouseButtonDown(rl.MouseButtonLeft):
		return forces.LeftForce
	case rl.IsMouseButtonDown(rl.MouseButtonRight):
		return forces.RightForce
	}
	return 0
}
