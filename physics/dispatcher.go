package physics

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"particlesim/core"
)

// DefaultWorkGroupSize matches local_size_x of the compute shader
const DefaultWorkGroupSize = 1000

// DispatchStats summarises one step over the whole particle set
type DispatchStats struct {
	Particles    int
	Groups       int
	ReflectionsX int
	ReflectionsY int
	Duration     time.Duration
}

// Dispatcher runs the kernel over every particle index on the host CPU.
// Indices are cut into contiguous work groups; each group is owned by exactly one
// goroutine, so the buffers need no locking.
type Dispatcher struct {
	Policy        IntegrationPolicy
	WorkGroupSize int
	Workers       int
}

// NewDispatcher returns a dispatcher; workGroupSize and workers fall back to
// DefaultWorkGroupSize and GOMAXPROCS when not positive.
func NewDispatcher(policy IntegrationPolicy, workGroupSize, workers int) *Dispatcher {
	if workGroupSize <= 0 {
		workGroupSize = DefaultWorkGroupSize
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Dispatcher{
		Policy:        policy,
		WorkGroupSize: workGroupSize,
		Workers:       workers,
	}
}

// GroupCount is the number of work groups needed for n particles
func (d *Dispatcher) GroupCount(n int) int {
	return (n + d.WorkGroupSize - 1) / d.WorkGroupSize
}

// Dispatch advances every particle by one step and returns once all groups are done.
// A cancelled ctx is only observed before the step starts; a started step always
// completes so the buffers never hold a half-advanced generation.
func (d *Dispatcher) Dispatch(ctx context.Context, buf *core.ParticleBuffers, params core.SimulationParameters) (DispatchStats, error) {
	if err := buf.Validate(); err != nil {
		return DispatchStats{}, err
	}
	if err := ctx.Err(); err != nil {
		return DispatchStats{}, err
	}

	start := time.Now()
	n := buf.Len()
	groups := d.GroupCount(n)
	// one slot per group, merged after the barrier
	partial := make([][2]int, groups)

	var g errgroup.Group
	g.SetLimit(d.Workers)
	for group := 0; group < groups; group++ {
		begin := group * d.WorkGroupSize
		end := min(begin+d.WorkGroupSize, n)
		g.Go(func() error {
			rx, ry := UpdateRange(buf, begin, end, &params, d.Policy)
			partial[group] = [2]int{rx, ry}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{
		Particles: n,
		Groups:    groups,
		Duration:  time.Since(start),
	}
	for _, p := range partial {
		stats.ReflectionsX += p[0]
		stats.ReflectionsY += p[1]
	}
	return stats, nil
}
