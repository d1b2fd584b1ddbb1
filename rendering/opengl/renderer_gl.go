package opengl

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-gl/gl/v4.3-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"particlesim/core"
	"particlesim/rendering"
	"particlesim/rendering/opengl/overlay"
	"particlesim/rendering/opengl/shaders"
)

type Config struct {
	Width, Height int
	PointSize     float32
	Forces        Forces
	Title         string
	// SpeedScale is the speed mapped to the last LUT texel
	SpeedScale float32
	VSync      bool
	// ShowStats draws the frame-rate and step-time HUD
	ShowStats bool
	TargetFPS int
}

// ParticleRenderer draws the particle set as additive points in a GLFW window
// and turns mouse input into attractor updates. Its GL context is the one the
// compute backend runs on, so everything here stays on the creating thread.
type ParticleRenderer struct {
	window     *glfw.Window
	cfg        Config
	controller Controller
	logger     *zap.Logger

	program  uint32
	vao      uint32
	lut      uint32
	projLoc  int32
	speedLoc int32

	// streamed vertex buffers, only used when positions come from the CPU
	streamPos, streamVel uint32
	count                int32

	stats    *overlay.StatsOverlay
	stepTime time.Duration
	budget   time.Duration

	cursor mgl32.Vec2
	force  float32
	size   [2]int

	frames   int
	fpsSince time.Time
	lastFPS  int
}

// NewParticleRenderer opens the window and makes its context current
func NewParticleRenderer(cfg Config, controller Controller, logger *zap.Logger) (*ParticleRenderer, error) {
	runtime.LockOSThread()

	if cfg.Title == "" {
		cfg.Title = "Particle Attractor"
	}
	if cfg.SpeedScale <= 0 {
		cfg.SpeedScale = rendering.DefaultSpeedScale
	}

	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize GLFW: %v", err)
	}

	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 3)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)

	window, err := glfw.CreateWindow(cfg.Width, cfg.Height, cfg.Title, nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("failed to create window: %v", err)
	}
	window.MakeContextCurrent()
	if cfg.VSync {
		glfw.SwapInterval(1)
	} else {
		glfw.SwapInterval(0)
	}

	if err := gl.Init(); err != nil {
		window.Destroy()
		glfw.Terminate()
		return nil, fmt.Errorf("failed to initialize OpenGL: %v", err)
	}
	logger.Info("OpenGL context ready",
		zap.String("version", gl.GoStr(gl.GetString(gl.VERSION))),
		zap.String("renderer", gl.GoStr(gl.GetString(gl.RENDERER))))

	r := &ParticleRenderer{
		window:     window,
		cfg:        cfg,
		controller: controller,
		logger:     logger,
		fpsSince:   time.Now(),
	}

	program, err := shaders.CreateParticleProgram()
	if err != nil {
		r.Terminate()
		return nil, fmt.Errorf("failed to create particle shaders: %v", err)
	}
	r.program = program
	r.projLoc = gl.GetUniformLocation(program, gl.Str("projectionMatrix\x00"))
	r.speedLoc = gl.GetUniformLocation(program, gl.Str("speedScale\x00"))
	gl.UseProgram(program)
	gl.Uniform1i(gl.GetUniformLocation(program, gl.Str("lut\x00")), shaders.LUTUnit)

	r.lut = createLookUp()
	gl.GenVertexArrays(1, &r.vao)

	gl.PointSize(cfg.PointSize)
	gl.ClearColor(0, 0, 0, 1)
	gl.Enable(gl.BLEND)
	gl.BlendFunc(gl.SRC_ALPHA, gl.ONE)

	fbw, fbh := window.GetFramebufferSize()
	gl.Viewport(0, 0, int32(fbw), int32(fbh))

	window.SetFramebufferSizeCallback(func(w *glfw.Window, width, height int) {
		gl.Viewport(0, 0, int32(width), int32(height))
	})
	window.SetCursorPosCallback(func(w *glfw.Window, xpos, ypos float64) {
		r.onMouseMove(xpos, ypos)
	})
	window.SetMouseButtonCallback(func(w *glfw.Window, button glfw.MouseButton, action glfw.Action, mods glfw.ModifierKey) {
		r.onMouseButton(button, action)
	})
	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			w.SetShouldClose(true)
		}
	})

	if cfg.ShowStats {
		if r.cfg.TargetFPS <= 0 {
			r.cfg.TargetFPS = 60
		}
		stats, err := overlay.NewStatsOverlay(cfg.Width, cfg.Height)
		if err != nil {
			r.Terminate()
			return nil, err
		}
		r.stats = stats
	}

	r.syncSize()
	return r, nil
}

func createLookUp() uint32 {
	var lut uint32
	gl.GenTextures(1, &lut)
	gl.BindTexture(gl.TEXTURE_1D, lut)
	gl.TexParameteri(gl.TEXTURE_1D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_1D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_1D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	lutData := rendering.ParticleLUT
	gl.TexImage1D(gl.TEXTURE_1D, 0, gl.RGBA, int32(len(lutData)), 0, gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(&lutData[0][0]))
	gl.BindTexture(gl.TEXTURE_1D, 0)
	return lut
}

// UseBuffers draws straight from the compute backend's storage buffers
func (r *ParticleRenderer) UseBuffers(positions, velocities uint32, n int) {
	gl.BindVertexArray(r.vao)
	bindAttrib(shaders.PositionAttrib, positions)
	bindAttrib(shaders.VelocityAttrib, velocities)
	gl.BindVertexArray(0)
	r.count = int32(n)
}

// Stream uploads host positions and velocities for the next Draw
func (r *ParticleRenderer) Stream(buf *core.ParticleBuffers) {
	n := buf.Len()
	if n == 0 {
		r.count = 0
		return
	}
	if r.streamPos == 0 {
		gl.GenBuffers(1, &r.streamPos)
		gl.GenBuffers(1, &r.streamVel)
		r.UseBuffers(r.streamPos, r.streamVel, n)
	}

	size := n * 8
	gl.BindBuffer(gl.ARRAY_BUFFER, r.streamPos)
	gl.BufferData(gl.ARRAY_BUFFER, size, gl.Ptr(buf.Positions), gl.STREAM_DRAW)
	gl.BindBuffer(gl.ARRAY_BUFFER, r.streamVel)
	gl.BufferData(gl.ARRAY_BUFFER, size, gl.Ptr(buf.Velocities), gl.STREAM_DRAW)
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)
	r.count = int32(n)
}

func bindAttrib(location, buffer uint32) {
	gl.BindBuffer(gl.ARRAY_BUFFER, buffer)
	gl.EnableVertexAttribArray(location)
	gl.VertexAttribPointer(location, 2, gl.FLOAT, false, 0, gl.PtrOffset(0))
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)
}

// Draw renders the current buffers, swaps and updates the title once a second
func (r *ParticleRenderer) Draw() {
	r.syncSize()

	gl.Clear(gl.COLOR_BUFFER_BIT)
	gl.UseProgram(r.program)
	proj := projection(r.size[0], r.size[1])
	gl.UniformMatrix4fv(r.projLoc, 1, false, &proj[0])
	gl.Uniform1f(r.speedLoc, r.cfg.SpeedScale)

	gl.ActiveTexture(gl.TEXTURE0 + shaders.LUTUnit)
	gl.BindTexture(gl.TEXTURE_1D, r.lut)
	gl.BindVertexArray(r.vao)
	gl.DrawArrays(gl.POINTS, 0, r.count)
	gl.BindVertexArray(0)

	if r.stats != nil {
		r.stats.Render(overlay.Stats{
			FPS:        r.lastFPS,
			TargetFPS:  r.cfg.TargetFPS,
			StepTime:   r.stepTime,
			StepBudget: r.budget,
			Force:      r.force,
		})
	}

	r.window.SwapBuffers()
	r.countFrame()
}

// syncSize passes the window size to the simulation when it changes. Window
// coordinates match the cursor, so bounds and attractor share one space.
func (r *ParticleRenderer) syncSize() {
	w, h := r.window.GetSize()
	if w == r.size[0] && h == r.size[1] {
		return
	}
	r.size = [2]int{w, h}
	if r.stats != nil {
		r.stats.UpdateSize(w, h)
	}
	if w > 0 && h > 0 {
		r.controller.SetFrameBufferSize(mgl32.Vec2{float32(w), float32(h)})
	}
}

func (r *ParticleRenderer) countFrame() {
	r.frames++
	if elapsed := time.Since(r.fpsSince); elapsed >= time.Second {
		r.lastFPS = int(float64(r.frames) / elapsed.Seconds())
		r.frames = 0
		r.fpsSince = time.Now()
		r.window.SetTitle(fmt.Sprintf("%s | %d fps | %d particles", r.cfg.Title, r.lastFPS, r.count))
	}
}

// SetStepTiming feeds the HUD the last step's duration and the per-step budget
func (r *ParticleRenderer) SetStepTiming(last, budget time.Duration) {
	r.stepTime = last
	r.budget = budget
}

// FPS returns the frame rate measured over the last full second
func (r *ParticleRenderer) FPS() int { return r.lastFPS }

func (r *ParticleRenderer) onMouseMove(xpos, ypos float64) {
	r.cursor = mgl32.Vec2{float32(xpos), float32(ypos)}
	r.controller.SetAttractor(r.cursor, r.force)
}

func (r *ParticleRenderer) onMouseButton(button glfw.MouseButton, action glfw.Action) {
	r.force = r.cfg.Forces.forceFor(button, action)
	r.controller.SetAttractor(r.cursor, r.force)
}

// ShouldClose returns true if the window should close
func (r *ParticleRenderer) ShouldClose() bool {
	return r.window.ShouldClose()
}

// PollEvents processes window events
func (r *ParticleRenderer) PollEvents() {
	glfw.PollEvents()
}

// Terminate releases GL objects and the window. The compute backend sharing
// the context must be cleaned up first.
func (r *ParticleRenderer) Terminate() {
	if r.stats != nil {
		r.stats.Release()
	}
	if r.streamPos != 0 {
		gl.DeleteBuffers(1, &r.streamPos)
		gl.DeleteBuffers(1, &r.streamVel)
	}
	if r.vao != 0 {
		gl.DeleteVertexArrays(1, &r.vao)
	}
	if r.lut != 0 {
		gl.DeleteTextures(1, &r.lut)
	}
	if r.program != 0 {
		gl.DeleteProgram(r.program)
	}
	r.window.Destroy()
	glfw.Terminate()
}
