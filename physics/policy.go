package physics

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPolicy is returned by ParsePolicy for names it does not recognise
var ErrUnknownPolicy = errors.New("unknown integration policy")

// IntegrationPolicy selects how the shared attractor terms advance a particle
type IntegrationPolicy int

const (
	// VelocityBlend eases the velocity toward the attractor target (fixed 0.05 blend)
	// and moves the position with explicit Euler.
	VelocityBlend IntegrationPolicy = iota
	// AccelerationIntegration treats the attractor terms as accelerations, adds
	// linear damping and integrates position with the second order term.
	AccelerationIntegration
)

func (p IntegrationPolicy) String() string {
	switch p {
	case VelocityBlend:
		return "velocity-blend"
	case AccelerationIntegration:
		return "acceleration"
	default:
		return fmt.Sprintf("IntegrationPolicy(%d)", int(p))
	}
}

// ParsePolicy maps a settings or flag value to a policy
func ParsePolicy(name string) (IntegrationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "velocity-blend", "blend", "velocity", "a":
		return VelocityBlend, nil
	case "acceleration", "acceleration-integration", "accel", "b":
		return AccelerationIntegration, nil
	}
	return VelocityBlend, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// MarshalText implements encoding.TextMarshaler so policies round-trip through settings.json
func (p IntegrationPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *IntegrationPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
