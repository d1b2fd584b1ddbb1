package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func quads(vertices []float32) int {
	return len(vertices) / (6 * vertexFloats)
}

// colourOf returns the rgba of quad q
func colourOf(vertices []float32, q int) [4]float32 {
	v := vertices[q*6*vertexFloats:]
	return [4]float32{v[2], v[3], v[4], v[5]}
}

// widthOf returns the horizontal extent of quad q
func widthOf(vertices []float32, q int) float32 {
	v := vertices[q*6*vertexFloats:]
	return v[vertexFloats] - v[0]
}

func TestAppendBars(t *testing.T) {
	tests := []struct {
		name      string
		stats     Stats
		wantQuads int
	}{
		{"idle", Stats{}, 1},
		{"half speed attracting", Stats{FPS: 30, TargetFPS: 60, StepTime: 2 * time.Millisecond, StepBudget: 16 * time.Millisecond, Force: 1}, 4},
		{"repelling", Stats{FPS: 60, TargetFPS: 60, Force: -1.2}, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantQuads, quads(appendBars(nil, tc.stats)))
		})
	}
}

func TestBarWidths(t *testing.T) {
	v := appendBars(nil, Stats{FPS: 30, TargetFPS: 60, StepTime: 4 * time.Millisecond, StepBudget: 16 * time.Millisecond, Force: -1.2})

	assert.InDelta(t, boxW, widthOf(v, 0), 1e-4)
	assert.InDelta(t, barWidth/2, widthOf(v, 1), 1e-4)
	assert.InDelta(t, barWidth/4, widthOf(v, 2), 1e-4)
	// repel force saturates
	assert.InDelta(t, barWidth, widthOf(v, 3), 1e-4)
	assert.Equal(t, [4]float32(repelColor), colourOf(v, 3))
}

func TestStepOverBudget(t *testing.T) {
	v := appendBars(nil, Stats{StepTime: 20 * time.Millisecond, StepBudget: 16 * time.Millisecond})

	assert.Equal(t, 2, quads(v))
	assert.InDelta(t, barWidth, widthOf(v, 1), 1e-4)
	assert.Equal(t, [4]float32(overBudgetColor), colourOf(v, 1))
}

func TestAppendBarsReusesBuffer(t *testing.T) {
	buf := make([]float32, 0, 256)
	out := appendBars(buf, Stats{FPS: 60, TargetFPS: 60})
	assert.Same(t, &buf[:1][0], &out[0])
}
