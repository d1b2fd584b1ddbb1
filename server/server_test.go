package server

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"particlesim/core"
	"particlesim/gpu"
	"particlesim/metrics"
)

type fakeSource struct {
	mu       sync.Mutex
	points   []core.Vec2
	pos      core.Vec2
	force    float32
	size     core.Vec2
	controls int
}

func (f *fakeSource) Snapshot(dst []core.Vec2) []core.Vec2 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(dst[:0], f.points...)
}

func (f *fakeSource) SetAttractor(pos core.Vec2, force float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos, f.force = pos, force
	f.controls++
}

func (f *fakeSource) SetFrameBufferSize(size core.Vec2) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.size = size
	f.controls++
}

func (f *fakeSource) state() (core.Vec2, float32, core.Vec2, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, f.force, f.size, f.controls
}

func newTestServer(t *testing.T, src Source, cfg Config) (*Server, *httptest.Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	s := New(cfg, src, nil, m)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, m
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEncodeFrame(t *testing.T) {
	points := []core.Vec2{{1, 2}, {3, 4}, {5, 6}}
	frame := EncodeFrame(nil, points, 0)
	require.Len(t, frame, 4+3*gpu.Vec2Size)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(frame))
	assert.Equal(t, points, gpu.UnpackVec2(frame[4:]))

	empty := EncodeFrame(nil, nil, 0)
	assert.Equal(t, []byte{0, 0, 0, 0}, empty)
}

func TestEncodeFrameDecimates(t *testing.T) {
	points := make([]core.Vec2, 10)
	for i := range points {
		points[i] = core.Vec2{float32(i), 0}
	}

	frame := EncodeFrame(nil, points, 4)
	n := binary.LittleEndian.Uint32(frame)
	assert.LessOrEqual(t, n, uint32(4))
	got := gpu.UnpackVec2(frame[4:])
	require.Len(t, got, int(n))
	assert.Equal(t, []core.Vec2{{0, 0}, {3, 0}, {6, 0}, {9, 0}}, got)
}

func TestEncodeFrameReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 128)
	frame := EncodeFrame(buf, []core.Vec2{{1, 1}}, 0)
	assert.Equal(t, &buf[:1][0], &frame[0])
}

func TestWebSocketReceivesFrames(t *testing.T) {
	src := &fakeSource{points: []core.Vec2{{10, 20}, {30, 40}}}
	s, ts, m := newTestServer(t, src, Config{})
	conn := dial(t, ts)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	s.broadcastFrame()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data))
	assert.Equal(t, src.points, gpu.UnpackVec2(data[4:]))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Clients))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesSent))
}

func TestControlMessages(t *testing.T) {
	src := &fakeSource{}
	_, ts, _ := newTestServer(t, src, Config{})
	conn := dial(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","width":0,"height":10}`)))
	require.NoError(t, conn.WriteJSON(ControlMessage{Type: "attractor", X: 5, Y: 6, Force: -1.2}))
	require.NoError(t, conn.WriteJSON(ControlMessage{Type: "resize", Width: 1024, Height: 768}))

	require.Eventually(t, func() bool {
		_, _, _, n := src.state()
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)

	pos, force, size, _ := src.state()
	assert.Equal(t, core.Vec2{5, 6}, pos)
	assert.Equal(t, float32(-1.2), force)
	assert.Equal(t, core.Vec2{1024, 768}, size)
}

func TestSlowClientDropsFrames(t *testing.T) {
	src := &fakeSource{points: []core.Vec2{{1, 1}}}
	s, _, m := newTestServer(t, src, Config{SendBuffer: 1})

	// a registered client without a writer never drains its queue
	c := &client{id: "stalled", send: make(chan []byte, 1)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.broadcastFrame()
	s.broadcastFrame()
	s.broadcastFrame()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesDrop))
}

func TestClientDisconnectUnregisters(t *testing.T) {
	s, ts, m := newTestServer(t, &fakeSource{}, Config{})
	conn := dial(t, ts)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Clients))
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, ts, _ := newTestServer(t, &fakeSource{}, Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "particlesim_ws_clients")
}
