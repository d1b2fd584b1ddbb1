package overlay

import (
	"fmt"
	"time"

	"github.com/go-gl/gl/v4.3-core/gl"
	"github.com/go-gl/mathgl/mgl32"

	"particlesim/rendering/opengl/shaders"
)

// Stats is what the HUD shows for one frame
type Stats struct {
	FPS       int
	TargetFPS int
	StepTime  time.Duration
	// StepBudget is the wall time one step may take at the configured rate
	StepBudget time.Duration
	Force      float32
}

// Bar geometry in window pixels
const (
	boxX      = 10
	boxY      = 10
	boxW      = 220
	rowHeight = 10
	rowGap    = 8
	padding   = 10
	barWidth  = boxW - 2*padding
)

var (
	backgroundColor = mgl32.Vec4{0.05, 0.05, 0.1, 0.7}
	fpsColor        = mgl32.Vec4{0.0, 1.0, 0.0, 1.0}
	stepColor       = mgl32.Vec4{0.5, 0.5, 1.0, 1.0}
	overBudgetColor = mgl32.Vec4{1.0, 0.2, 0.1, 1.0}
	attractColor    = mgl32.Vec4{1.0, 0.6, 0.2, 1.0}
	repelColor      = mgl32.Vec4{0.3, 0.7, 1.0, 1.0}
)

// floats per vertex: position xy, colour rgba
const vertexFloats = 6

// StatsOverlay draws the HUD as flat coloured bars in the top-left corner
type StatsOverlay struct {
	program uint32
	vao     uint32
	vbo     uint32
	projLoc int32

	width, height float32
	vertices      []float32
}

// NewStatsOverlay creates the overlay program and buffers. Requires a current GL context.
func NewStatsOverlay(width, height int) (*StatsOverlay, error) {
	program, err := shaders.CreateOverlayProgram()
	if err != nil {
		return nil, fmt.Errorf("failed to create stats overlay program: %w", err)
	}
	so := &StatsOverlay{
		program: program,
		projLoc: gl.GetUniformLocation(program, gl.Str("projection\x00")),
		width:   float32(width),
		height:  float32(height),
	}

	gl.GenVertexArrays(1, &so.vao)
	gl.GenBuffers(1, &so.vbo)
	gl.BindVertexArray(so.vao)
	gl.BindBuffer(gl.ARRAY_BUFFER, so.vbo)

	stride := int32(vertexFloats * 4)
	gl.VertexAttribPointer(0, 2, gl.FLOAT, false, stride, gl.PtrOffset(0))
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointer(1, 4, gl.FLOAT, false, stride, gl.PtrOffset(2*4))
	gl.EnableVertexAttribArray(1)

	gl.BindVertexArray(0)
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)
	return so, nil
}

// Render draws s over the current frame and restores the particle blend mode
func (so *StatsOverlay) Render(s Stats) {
	so.vertices = appendBars(so.vertices[:0], s)

	gl.BlendFunc(gl.SRC_ALPHA, gl.ONE_MINUS_SRC_ALPHA)
	gl.UseProgram(so.program)
	projection := mgl32.Ortho2D(0, so.width, so.height, 0)
	gl.UniformMatrix4fv(so.projLoc, 1, false, &projection[0])

	gl.BindVertexArray(so.vao)
	gl.BindBuffer(gl.ARRAY_BUFFER, so.vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(so.vertices)*4, gl.Ptr(so.vertices), gl.DYNAMIC_DRAW)
	gl.DrawArrays(gl.TRIANGLES, 0, int32(len(so.vertices)/vertexFloats))
	gl.BindVertexArray(0)
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)

	gl.BlendFunc(gl.SRC_ALPHA, gl.ONE)
}

// appendBars lays out the background box and one bar per row
func appendBars(dst []float32, s Stats) []float32 {
	rows := 3
	boxH := float32(2*padding + rows*rowHeight + (rows-1)*rowGap)
	dst = appendQuad(dst, boxX, boxY, boxW, boxH, backgroundColor)

	y := float32(boxY + padding)
	dst = appendQuad(dst, boxX+padding, y, barWidth*ratio(float64(s.FPS), float64(s.TargetFPS)), rowHeight, fpsColor)

	y += rowHeight + rowGap
	stepFill := ratio(float64(s.StepTime), float64(s.StepBudget))
	color := stepColor
	if s.StepBudget > 0 && s.StepTime > s.StepBudget {
		color = overBudgetColor
	}
	dst = appendQuad(dst, boxX+padding, y, barWidth*stepFill, rowHeight, color)

	y += rowHeight + rowGap
	switch {
	case s.Force > 0:
		dst = appendQuad(dst, boxX+padding, y, barWidth*min(s.Force, 1), rowHeight, attractColor)
	case s.Force < 0:
		dst = appendQuad(dst, boxX+padding, y, barWidth*min(-s.Force, 1), rowHeight, repelColor)
	}
	return dst
}

// ratio is v/limit clamped to [0,1]; a missing limit reads as empty
func ratio(v, limit float64) float32 {
	if limit <= 0 {
		return 0
	}
	return float32(min(max(v/limit, 0), 1))
}

func appendQuad(dst []float32, x, y, w, h float32, c mgl32.Vec4) []float32 {
	if w <= 0 || h <= 0 {
		return dst
	}
	corners := [6][2]float32{
		{x, y}, {x + w, y}, {x, y + h},
		{x + w, y}, {x + w, y + h}, {x, y + h},
	}
	for _, p := range corners {
		dst = append(dst, p[0], p[1], c[0], c[1], c[2], c[3])
	}
	return dst
}

// UpdateSize updates viewport size
func (so *StatsOverlay) UpdateSize(width, height int) {
	so.width = float32(width)
	so.height = float32(height)
}

// Release cleans up resources
func (so *StatsOverlay) Release() {
	if so.program != 0 {
		gl.DeleteProgram(so.program)
	}
	if so.vao != 0 {
		gl.DeleteVertexArrays(1, &so.vao)
	}
	if so.vbo != 0 {
		gl.DeleteBuffers(1, &so.vbo)
	}
}
