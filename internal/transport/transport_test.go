package transport

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/flowcore/internal/common/flowerrors"
	"github.com/flowcore/flowcore/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeConn is an in-memory wsConn double: ReadMessage blocks on a channel
// fed by the test, WriteMessage records what was sent. When autoPong is set,
// WriteControl (the ping) immediately invokes the registered pong handler,
// simulating a responsive peer.
type fakeConn struct {
	mu          sync.Mutex
	written     [][]byte
	incoming    chan []byte
	closed      bool
	closeErr    error
	pongHandler func(string) error
	deadlines   []time.Time
	autoPong    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16)}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.incoming
	if !ok {
		if c.closeErr != nil {
			return 0, nil, c.closeErr
		}
		return 0, nil, assert.AnError
	}
	return 1, data, nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	handler := c.pongHandler
	auto := c.autoPong
	c.mu.Unlock()
	if auto && handler != nil {
		return handler("")
	}
	return nil
}

func (c *fakeConn) SetPongHandler(h func(appData string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongHandler = h
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = append(c.deadlines, t)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}

// fakeDialer hands out a scripted sequence of conns/errors, one per call.
type fakeDialer struct {
	mu    sync.Mutex
	steps []dialStep
	calls int
}

type dialStep struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i >= len(d.steps) {
		return nil, assert.AnError
	}
	step := d.steps[i]
	if step.err != nil {
		return nil, step.err
	}
	return step.conn, nil
}

func quietConfig() Config {
	return Config{
		PingInterval:          0,
		PongTimeout:           time.Second,
		ConnectionTimeout:     time.Second,
		InitialReconnectDelay: time.Millisecond,
		MaxReconnectDelay:     10 * time.Millisecond,
		MaxReconnectAttempts:  3,
		CircuitOpenDuration:   50 * time.Millisecond,
	}
}

func TestBackoffDelayMonotoneAndCapped(t *testing.T) {
	initial := 10 * time.Millisecond
	max := 40 * time.Millisecond
	for n := 1; n <= 6; n++ {
		d := BackoffDelay(n, initial, max)
		base := initial << uint(n-1)
		if base > max {
			base = max
		}
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2))
		assert.LessOrEqual(t, d, time.Duration(float64(max)*1.21))
	}
}

func TestTransportConnectSucceedsFirstTry(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn}}}

	tr := New(quietConfig(), BuildURL("ws://example/connect"), testLogger(t))
	tr.dialer = dialer

	require.NoError(t, tr.Connect(context.Background(), "sess-1"))
	assert.True(t, tr.IsConnected())
	assert.Equal(t, 1, dialer.calls)

	_ = tr.Disconnect()
}

func TestTransportConnectRetriesThenSucceeds(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{
		{err: assert.AnError},
		{err: assert.AnError},
		{conn: conn},
	}}

	tr := New(quietConfig(), BuildURL("ws://example/connect"), testLogger(t))
	tr.dialer = dialer

	require.NoError(t, tr.Connect(context.Background(), "sess-1"))
	assert.True(t, tr.IsConnected())
	assert.Equal(t, 3, dialer.calls)

	_ = tr.Disconnect()
}

func TestTransportConnectExhaustsReconnectsAsCommandError(t *testing.T) {
	dialer := &fakeDialer{steps: []dialStep{
		{err: assert.AnError}, {err: assert.AnError}, {err: assert.AnError}, {err: assert.AnError},
	}}

	cfg := quietConfig()
	cfg.MaxReconnectAttempts = 3
	tr := New(cfg, BuildURL("ws://example/connect"), testLogger(t))
	tr.dialer = dialer

	err := tr.Connect(context.Background(), "sess-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerrors.ErrMaxReconnectsExceeded)
	assert.True(t, flowerrors.IsCommandError(err))
	assert.Equal(t, 4, dialer.calls) // maxReconnectAttempts+1 total attempts
	assert.False(t, tr.IsConnected())
}

func TestTransportExpectedCloseDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn}}}

	tr := New(quietConfig(), BuildURL("ws://example/connect"), testLogger(t))
	tr.dialer = dialer
	require.NoError(t, tr.Connect(context.Background(), "sess-1"))

	tr.MarkExpectedClose()
	conn.closeErr = assert.AnError
	_ = conn.Close()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.calls, "expected close must not trigger reconnect")
	assert.False(t, tr.IsConnected())
}

func TestTransportAbnormalCloseTriggersReconnect(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn1}, {conn: conn2}}}

	tr := New(quietConfig(), BuildURL("ws://example/connect"), testLogger(t))
	tr.dialer = dialer
	require.NoError(t, tr.Connect(context.Background(), "sess-1"))

	conn1.closeErr = assert.AnError
	_ = conn1.Close()

	require.Eventually(t, func() bool {
		return dialer.calls >= 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, tr.IsConnected, time.Second, 5*time.Millisecond)

	_ = tr.Disconnect()
}

func TestTransportSendEncodesFrame(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn}}}

	tr := New(quietConfig(), BuildURL("ws://example/connect"), testLogger(t))
	tr.dialer = dialer
	require.NoError(t, tr.Connect(context.Background(), "sess-1"))

	require.NoError(t, tr.Send(RouteUserQuery, map[string]string{"q": "hi"}))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	assert.Contains(t, string(conn.written[0]), "UserQuery ")
	assert.Contains(t, string(conn.written[0]), `"q":"hi"`)

	_ = tr.Disconnect()
}

func TestTransportCheckpointCarriesIntoResumeURL(t *testing.T) {
	var seenCheckpoint string
	builder := func(sessionID, requestID, checkpointID string) (string, error) {
		seenCheckpoint = checkpointID
		return "ws://example/connect", nil
	}

	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn1}, {conn: conn2}}}

	tr := New(quietConfig(), builder, testLogger(t))
	tr.dialer = dialer
	require.NoError(t, tr.Connect(context.Background(), "sess-1"))
	assert.Equal(t, "", seenCheckpoint)

	tr.SetCheckpoint("chk-42")
	conn1.closeErr = assert.AnError
	_ = conn1.Close()

	require.Eventually(t, func() bool { return dialer.calls >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "chk-42", seenCheckpoint)

	_ = tr.Disconnect()
}

func TestTransportReceivesFrames(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn}}}

	tr := New(quietConfig(), BuildURL("ws://example/connect"), testLogger(t))
	tr.dialer = dialer
	require.NoError(t, tr.Connect(context.Background(), "sess-1"))

	conn.incoming <- []byte(`{"type":"ready"}`)

	select {
	case frame := <-tr.Frames():
		assert.Equal(t, "ready", frame.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}

	_ = tr.Disconnect()
}

func TestTransportPongRefreshesReadDeadlineAcrossPingCycles(t *testing.T) {
	conn := newFakeConn()
	conn.autoPong = true
	dialer := &fakeDialer{steps: []dialStep{{conn: conn}}}

	cfg := quietConfig()
	cfg.PingInterval = 15 * time.Millisecond
	cfg.PongTimeout = 15 * time.Millisecond

	tr := New(cfg, BuildURL("ws://example/connect"), testLogger(t))
	tr.dialer = dialer
	require.NoError(t, tr.Connect(context.Background(), "sess-1"))

	// Survive several ping/pong cycles without the read deadline ever
	// expiring and triggering a spurious reconnect.
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, 1, dialer.calls, "pong-driven deadline refresh must prevent reconnect")
	assert.True(t, tr.IsConnected())

	conn.mu.Lock()
	deadlineCount := len(conn.deadlines)
	conn.mu.Unlock()
	assert.GreaterOrEqual(t, deadlineCount, 3, "expected the initial deadline plus at least one per-pong refresh")

	_ = tr.Disconnect()
}

func TestCircuitBreakerOpensAfterFailuresAndHalfOpens(t *testing.T) {
	b := NewCircuitBreaker(2, 20*time.Millisecond)
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, "closed", b.State())
	b.RecordFailure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.Allow())

	time.Sleep(25 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, "half-open", b.State())

	b.RecordFailure()
	assert.Equal(t, "open", b.State())
}
