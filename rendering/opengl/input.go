package opengl

import (
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
)

// Controller receives the viewer's input
type Controller interface {
	SetAttractor(pos mgl32.Vec2, force float32)
	SetFrameBufferSize(size mgl32.Vec2)
}

// Forces are the attractor multipliers bound to the mouse buttons
type Forces struct {
	Left  float32
	Right float32
}

// forceFor maps a button event to a force multiplier. Any release, and any
// press of another button, switches the attractor off.
func (f Forces) forceFor(button glfw.MouseButton, action glfw.Action) float32 {
	if action != glfw.Press {
		return 0
	}
	switch button {
	case glfw.MouseButtonLeft:
		return f.Left
	case glfw.MouseButtonRight:
		return f.Right
	}
	return 0
}

// projection maps window pixels to clip space with y growing downwards, the
// same orientation as cursor coordinates.
func projection(width, height int) mgl32.Mat4 {
	return mgl32.Ortho(0, float32(width), float32(height), 0, -1, 1)
}
