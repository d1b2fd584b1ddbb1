package opengl

import (
	"fmt"
	"runtime"

	"github.com/go-gl/gl/v4.3-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
)

// HeadlessContext is an invisible window whose GL 4.3 core context is used for
// compute-only runs (headless and server modes).
type HeadlessContext struct {
	window *glfw.Window
}

// NewHeadlessContext creates the context and makes it current. The calling
// goroutine is locked to its OS thread; all GL work must stay on it.
func NewHeadlessContext() (*HeadlessContext, error) {
	runtime.LockOSThread()

	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize GLFW: %w", err)
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 3)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)

	window, err := glfw.CreateWindow(1, 1, "particlesim compute", nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("failed to create hidden window: %w", err)
	}
	window.MakeContextCurrent()

	if err := gl.Init(); err != nil {
		window.Destroy()
		glfw.Terminate()
		return nil, fmt.Errorf("failed to initialize OpenGL: %w", err)
	}

	return &HeadlessContext{window: window}, nil
}

// Close destroys the window and shuts GLFW down
func (h *HeadlessContext) Close() {
	if h.window != nil {
		h.window.Destroy()
		h.window = nil
	}
	glfw.Terminate()
}
