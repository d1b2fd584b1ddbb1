package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	"particlesim/physics"
)

// ErrInvalidSettings wraps every validation failure
var ErrInvalidSettings = errors.New("invalid settings")

// Backends lists the accepted compute.backend values
var Backends = []string{"cpu", "opengl", "metal"}

type Settings struct {
	Simulation SimulationSettings `json:"simulation"`
	Attractor  AttractorSettings  `json:"attractor"`
	Window     WindowSettings     `json:"window"`
	Server     ServerSettings     `json:"server"`
	Compute    ComputeSettings    `json:"compute"`
	Log        LogSettings        `json:"log"`
}

type SimulationSettings struct {
	Particles     int                       `json:"particles"`
	WorkGroupSize int                       `json:"workGroupSize"`
	Policy        physics.IntegrationPolicy `json:"policy"`
	StepRate      float64                   `json:"stepRate"` // steps per second for the background engine
	FixedDT       float64                   `json:"fixedDt"`  // 0 uses wall-clock time between steps
	Seed          uint64                    `json:"seed"`
}

// AttractorSettings are the force multipliers bound to the mouse buttons
type AttractorSettings struct {
	LeftForce  float32 `json:"leftForce"`
	RightForce float32 `json:"rightForce"`
}

type WindowSettings struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	PointSize float32 `json:"pointSize"`
	ShowStats bool    `json:"showStats"`
}

type ServerSettings struct {
	Port                int `json:"port"`
	BroadcastIntervalMs int `json:"broadcastIntervalMs"`
	MaxPoints           int `json:"maxPoints"` // 0 streams every particle
}

type ComputeSettings struct {
	Backend string `json:"backend"` // "cpu", "opengl" or "metal"
	Workers int    `json:"workers"` // 0 uses GOMAXPROCS
}

type LogSettings struct {
	Level       string `json:"level"`
	Environment string `json:"environment"`
}

// Default returns the settings used when no file is present
func Default() Settings {
	return Settings{
		Simulation: SimulationSettings{
			Particles:     1000000,
			WorkGroupSize: physics.DefaultWorkGroupSize,
			Policy:        physics.VelocityBlend,
			StepRate:      60,
			Seed:          1,
		},
		Attractor: AttractorSettings{
			LeftForce:  1,
			RightForce: -1.2,
		},
		Window: WindowSettings{
			Width:     800,
			Height:    600,
			PointSize: 4,
			ShowStats: true,
		},
		Server: ServerSettings{
			Port:                8080,
			BroadcastIntervalMs: 33,
			MaxPoints:           50000,
		},
		Compute: ComputeSettings{
			Backend: "opengl",
		},
		Log: LogSettings{
			Level:       "info",
			Environment: "development",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string, logger *zap.Logger) (Settings, error) {
	settings := Default()

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("No settings file found, using defaults", zap.String("path", path))
			return settings, nil
		}
		return settings, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&settings); err != nil {
		return settings, fmt.Errorf("error parsing %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return settings, err
	}

	logger.Info("Loaded settings",
		zap.String("path", path),
		zap.Int("particles", settings.Simulation.Particles),
		zap.Stringer("policy", settings.Simulation.Policy),
		zap.String("backend", settings.Compute.Backend))
	return settings, nil
}

// Validate rejects settings the simulation cannot run with
func (s Settings) Validate() error {
	switch {
	case s.Simulation.Particles <= 0:
		return fmt.Errorf("%w: particles must be positive, got %d", ErrInvalidSettings, s.Simulation.Particles)
	case s.Simulation.WorkGroupSize <= 0:
		return fmt.Errorf("%w: workGroupSize must be positive, got %d", ErrInvalidSettings, s.Simulation.WorkGroupSize)
	case s.Simulation.StepRate <= 0:
		return fmt.Errorf("%w: stepRate must be positive, got %g", ErrInvalidSettings, s.Simulation.StepRate)
	case s.Simulation.FixedDT < 0:
		return fmt.Errorf("%w: fixedDt must not be negative, got %g", ErrInvalidSettings, s.Simulation.FixedDT)
	case s.Window.Width <= 0 || s.Window.Height <= 0:
		return fmt.Errorf("%w: window must have a positive size, got %dx%d", ErrInvalidSettings, s.Window.Width, s.Window.Height)
	case s.Server.BroadcastIntervalMs <= 0:
		return fmt.Errorf("%w: broadcastIntervalMs must be positive, got %d", ErrInvalidSettings, s.Server.BroadcastIntervalMs)
	case !slices.Contains(Backends, s.Compute.Backend):
		return fmt.Errorf("%w: backend must be one of %v, got %q", ErrInvalidSettings, Backends, s.Compute.Backend)
	}
	return nil
}

// RestartRequired reports whether moving from old to s needs new buffers or a new process
func (s Settings) RestartRequired(old Settings) bool {
	return s.Simulation.Particles != old.Simulation.Particles ||
		s.Simulation.WorkGroupSize != old.Simulation.WorkGroupSize ||
		s.Compute != old.Compute ||
		s.Server.Port != old.Server.Port
}
