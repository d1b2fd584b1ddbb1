package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"particlesim/core"
	"particlesim/gpu"
	"particlesim/metrics"
)

// Source is the part of the simulation the server reads from and steers
type Source interface {
	Snapshot(dst []core.Vec2) []core.Vec2
	SetAttractor(pos core.Vec2, force float32)
	SetFrameBufferSize(size core.Vec2)
}

// ControlMessage is the JSON a client sends to steer the simulation
type ControlMessage struct {
	Type   string  `json:"type"` // "attractor" or "resize"
	X      float32 `json:"x,omitempty"`
	Y      float32 `json:"y,omitempty"`
	Force  float32 `json:"force,omitempty"`
	Width  float32 `json:"width,omitempty"`
	Height float32 `json:"height,omitempty"`
}

var ErrUnknownMessage = errors.New("unknown control message")

type Config struct {
	Addr              string
	BroadcastInterval time.Duration
	MaxPoints         int // 0 sends every particle
	SendBuffer        int // frames queued per client before new ones are dropped
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger
}

// Server streams particle positions to websocket clients as binary frames and
// accepts attractor and resize messages from them.
type Server struct {
	cfg     Config
	source  Source
	logger  *zap.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu      sync.RWMutex
	clients map[string]*client

	snapshot []core.Vec2
}

func New(cfg Config, source Source, logger *zap.Logger, m *metrics.Metrics) *Server {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 33 * time.Millisecond
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		source:  source,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // local viewer
			},
		},
		clients: make(map[string]*client),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.Handle("/metrics", m.Handler())
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler { return s.mux }

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Run serves HTTP and broadcasts frames until ctx is done
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	go s.Broadcast(ctx)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

// Broadcast sends a frame to every client at the broadcast interval until ctx is done
func (s *Server) Broadcast(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastFrame()
		}
	}
}

func (s *Server) broadcastFrame() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return
	}

	s.snapshot = s.source.Snapshot(s.snapshot)
	// frames are shared read-only by the writers, so each tick gets a new one
	frame := EncodeFrame(nil, s.snapshot, s.cfg.MaxPoints)

	for _, c := range s.clients {
		select {
		case c.send <- frame:
			s.metrics.FrameQueued(false)
		default:
			s.metrics.FrameQueued(true)
		}
	}
}

// EncodeFrame writes a uint32 point count followed by little-endian float32
// x,y pairs. When maxPoints is positive and smaller than len(points), every
// k-th point is sent so the frame covers the whole set.
func EncodeFrame(dst []byte, points []core.Vec2, maxPoints int) []byte {
	sel := points
	if maxPoints > 0 && len(points) > maxPoints {
		stride := (len(points) + maxPoints - 1) / maxPoints
		sel = make([]core.Vec2, 0, maxPoints)
		for i := 0; i < len(points); i += stride {
			sel = append(sel, points[i])
		}
	}

	need := 4 + len(sel)*gpu.Vec2Size
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	binary.LittleEndian.PutUint32(dst, uint32(len(sel)))
	gpu.PackVec2(dst[4:], sel)
	return dst
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
	}
	c.log = s.logger.With(zap.String("client_id", c.id), zap.String("remote", r.RemoteAddr))

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.metrics.ClientConnected()
	c.log.Info("Client connected")

	go s.writeLoop(c)
	s.readLoop(c)

	s.removeClient(c)
	c.log.Info("Client disconnected")
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	if ok {
		delete(s.clients, c.id)
		close(c.send)
	}
	s.mu.Unlock()
	if ok {
		s.metrics.ClientDisconnected()
	}
}

func (s *Server) closeClients() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.RUnlock()
	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

func (s *Server) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("Malformed control message", zap.Error(err))
			continue
		}
		if err := s.apply(msg); err != nil {
			c.log.Warn("Ignoring control message", zap.String("type", msg.Type), zap.Error(err))
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			c.log.Warn("WebSocket write error", zap.Error(err))
			return
		}
	}
}

func (s *Server) apply(msg ControlMessage) error {
	switch msg.Type {
	case "attractor":
		s.source.SetAttractor(core.Vec2{msg.X, msg.Y}, msg.Force)
	case "resize":
		if msg.Width <= 0 || msg.Height <= 0 {
			return fmt.Errorf("resize to %gx%g", msg.Width, msg.Height)
		}
		s.source.SetFrameBufferSize(core.Vec2{msg.Width, msg.Height})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	return nil
}
