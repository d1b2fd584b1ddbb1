package simulation

import (
	"math"

	"particlesim/core"
)

// BoundsReport summarises where particles are relative to the frame
type BoundsReport struct {
	Inside    int
	Outside   int
	NonFinite int
	Min, Max  core.Vec2
	MeanSpeed float64
}

// Bounds inspects buf against a frame of the given size. Positions may leave
// the frame by up to dt*|v| after a step, so Outside is expected to be small
// but not necessarily zero.
func Bounds(buf *core.ParticleBuffers, size core.Vec2) BoundsReport {
	r := BoundsReport{
		Min: core.Vec2{float32(math.Inf(1)), float32(math.Inf(1))},
		Max: core.Vec2{float32(math.Inf(-1)), float32(math.Inf(-1))},
	}

	var speed float64
	finite := 0
	for i, p := range buf.Positions {
		v := buf.Velocities[i]
		if !isFinite(p) || !isFinite(v) {
			r.NonFinite++
			continue
		}
		finite++
		speed += float64(v.Len())
		for axis := 0; axis < 2; axis++ {
			r.Min[axis] = min(r.Min[axis], p[axis])
			r.Max[axis] = max(r.Max[axis], p[axis])
		}
		if p[0] >= 0 && p[0] <= size[0] && p[1] >= 0 && p[1] <= size[1] {
			r.Inside++
		} else {
			r.Outside++
		}
	}
	if finite > 0 {
		r.MeanSpeed = speed / float64(finite)
	} else {
		r.Min, r.Max = core.Vec2{}, core.Vec2{}
	}
	return r
}

func isFinite(v core.Vec2) bool {
	for _, c := range v {
		f := float64(c)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
