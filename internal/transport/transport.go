// Package transport implements the resilient session transport (C8): one
// bidirectional frame connection per session, with ping/pong liveness,
// exponential-backoff-plus-jitter reconnection, checkpoint-aware resume, and
// a circuit breaker guarding repeated connect attempts.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowcore/flowcore/internal/acp"
	"github.com/flowcore/flowcore/internal/common/config"
	"github.com/flowcore/flowcore/internal/common/flowerrors"
	"github.com/flowcore/flowcore/internal/common/logger"
)

// wsConn is the subset of *websocket.Conn the transport needs, so tests can
// substitute a fake peer without opening a real socket.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a wsConn to url.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (wsConn, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, u string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config holds the transport's tunable parameters.
type Config struct {
	PingInterval          time.Duration
	PongTimeout           time.Duration
	ConnectionTimeout     time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	MaxReconnectAttempts  int
	CircuitOpenDuration   time.Duration
	Token                 string
}

// ConfigFromTransportConfig adapts the loaded configuration section.
func ConfigFromTransportConfig(c config.TransportConfig, token string) Config {
	return Config{
		PingInterval:          time.Duration(c.PingIntervalSec) * time.Second,
		PongTimeout:           time.Duration(c.PongTimeoutSec) * time.Second,
		ConnectionTimeout:     60 * time.Second,
		InitialReconnectDelay: time.Duration(c.InitialReconnectDelayMs) * time.Millisecond,
		MaxReconnectDelay:     time.Duration(c.MaxReconnectDelayMs) * time.Millisecond,
		MaxReconnectAttempts:  c.MaxReconnectAttempts,
		CircuitOpenDuration:   time.Duration(c.CircuitOpenDurationSec) * time.Second,
		Token:                 token,
	}
}

// Status reports connection state for health reporting.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusClosed       Status = "closed"
)

// Transport owns at most one open connection for one session at a time.
type Transport struct {
	cfg      Config
	log      *logger.Logger
	dialer   Dialer
	buildURL URLBuilder
	breaker  *CircuitBreaker

	mu            sync.Mutex
	sessionID     string
	requestID     string
	checkpointID  string
	conn          wsConn
	connected     bool
	expectedClose bool
	closedByCaller bool

	reconnecting atomic.Bool

	frames chan *acp.TaskResponse
	fatal  chan error

	pingStop chan struct{}
	pingWG   sync.WaitGroup
}

// New constructs a Transport. buildURL is consulted on every connect and
// reconnect to compute the dial target.
func New(cfg Config, buildURL URLBuilder, log *logger.Logger) *Transport {
	return &Transport{
		cfg:      cfg,
		log:      log,
		dialer:   gorillaDialer{},
		buildURL: buildURL,
		breaker:  NewCircuitBreaker(3, cfg.CircuitOpenDuration),
		frames:   make(chan *acp.TaskResponse, 64),
		fatal:    make(chan error, 1),
	}
}

// Frames streams parsed inbound TaskResponse frames in arrival order.
func (t *Transport) Frames() <-chan *acp.TaskResponse { return t.frames }

// Fatal receives at most one error: the transport has exhausted reconnection
// and cannot continue this session.
func (t *Transport) Fatal() <-chan error { return t.fatal }

// Connect opens the connection for sessionID, retrying with backoff up to
// cfg.MaxReconnectAttempts additional times (I9: maxReconnectAttempts+1
// total attempts) before giving up.
func (t *Transport) Connect(ctx context.Context, sessionID string) error {
	if !t.breaker.Allow() {
		return flowerrors.ErrCircuitOpen
	}

	t.mu.Lock()
	t.sessionID = sessionID
	t.closedByCaller = false
	t.expectedClose = false
	t.mu.Unlock()

	return t.connectWithRetry(ctx)
}

func (t *Transport) connectWithRetry(ctx context.Context) error {
	var lastErr error
	totalAttempts := t.cfg.MaxReconnectAttempts + 1

	for n := 1; n <= totalAttempts; n++ {
		if n > 1 {
			delay := BackoffDelay(n-1, t.cfg.InitialReconnectDelay, t.cfg.MaxReconnectDelay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		t.mu.Lock()
		t.requestID = uuid.New().String()
		sessionID := t.sessionID
		requestID := t.requestID
		checkpointID := t.checkpointID
		t.mu.Unlock()

		u, err := t.buildURL(sessionID, requestID, checkpointID)
		if err != nil {
			lastErr = err
			continue
		}

		header := http.Header{}
		if t.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+t.cfg.Token)
		}

		dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectionTimeout)
		conn, err := t.dialer.Dial(dialCtx, u, header)
		cancel()
		if err != nil {
			lastErr = err
			t.log.Warn("transport connect attempt failed",
				zap.Int("attempt", n), zap.Int("total", totalAttempts), zap.Error(err))
			continue
		}

		t.armLiveness(conn)

		t.mu.Lock()
		t.conn = conn
		t.connected = true
		t.mu.Unlock()

		t.breaker.RecordSuccess()
		t.startPing()
		go t.readLoop()
		return nil
	}

	t.breaker.RecordFailure()
	return fmt.Errorf("%w: %v", flowerrors.ErrMaxReconnectsExceeded, lastErr)
}

// BackoffDelay implements delay(n) = min(maxDelay, initialDelay*2^min(10,n-1))
// with multiplicative jitter in [0.8, 1.2] (I4).
func BackoffDelay(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	base := float64(initialDelay) * float64(int64(1)<<uint(shift))
	if base > float64(maxDelay) {
		base = float64(maxDelay)
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(base * jitter)
}

// Send writes one application frame on route.
func (t *Transport) Send(route RouteKey, payload interface{}) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	data, err := encodeFrame(route, payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// MarkExpectedClose records that the next close (of any code, including the
// abnormal 1006) is a normal completion and must not trigger reconnection (I7).
func (t *Transport) MarkExpectedClose() {
	t.mu.Lock()
	t.expectedClose = true
	t.mu.Unlock()
}

// SetCheckpoint records the checkpoint a READY frame carried, consulted by
// the next reconnect's resume URL (I8).
func (t *Transport) SetCheckpoint(checkpointID string) {
	t.mu.Lock()
	t.checkpointID = checkpointID
	t.mu.Unlock()
}

// Disconnect closes the connection on caller request; no reconnect follows.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.closedByCaller = true
	conn := t.conn
	t.connected = false
	t.mu.Unlock()

	t.stopPing()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// IsConnected reports whether a connection is currently open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Status reports a coarse connection state for health reporting.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closedByCaller:
		return StatusClosed
	case t.connected:
		return StatusConnected
	default:
		return StatusDisconnected
	}
}

// readDeadlineWindow is how long the connection may go without a pong
// before it is considered dead: long enough to cover one full ping interval
// plus the grace period allowed for the reply.
func (t *Transport) readDeadlineWindow() time.Duration {
	return t.cfg.PingInterval + t.cfg.PongTimeout
}

// armLiveness installs the pong handler that refreshes the read deadline on
// every pong received, and sets the initial deadline before the read loop
// starts. Per gorilla/websocket's documented pattern, the deadline must be
// refreshed from inside the pong handler, not by the code that sends the
// ping.
func (t *Transport) armLiveness(conn wsConn) {
	window := t.readDeadlineWindow()
	if window <= 0 {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(window))
	})
	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		t.log.Warn("failed to set initial read deadline", zap.Error(err))
	}
}

func (t *Transport) startPing() {
	t.pingStop = make(chan struct{})
	t.pingWG.Add(1)
	go t.pingLoop(t.pingStop)
}

func (t *Transport) stopPing() {
	if t.pingStop != nil {
		select {
		case <-t.pingStop:
		default:
			close(t.pingStop)
		}
	}
	t.pingWG.Wait()
}

func (t *Transport) pingLoop(stop chan struct{}) {
	defer t.pingWG.Done()
	if t.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			if conn == nil {
				return
			}
			writeDeadline := time.Now().Add(t.cfg.PongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, writeDeadline); err != nil {
				t.log.Warn("ping send failed", zap.Error(err))
				t.triggerReconnect()
				return
			}
		}
	}
}

func (t *Transport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleReadError(err)
			return
		}

		var frame acp.TaskResponse
		if err := json.Unmarshal(data, &frame); err != nil {
			t.log.Warn("failed to parse inbound frame", zap.Error(err))
			continue
		}
		select {
		case t.frames <- &frame:
		default:
			t.log.Warn("frame buffer full, dropping inbound frame")
		}
	}
}

func (t *Transport) handleReadError(err error) {
	t.mu.Lock()
	closedByCaller := t.closedByCaller
	expected := t.expectedClose
	t.connected = false
	t.mu.Unlock()

	if closedByCaller {
		return
	}
	if expected {
		// Any close code, including the abnormal 1006, after markExpectedClose
		// is a normal completion (I7): no reconnect.
		return
	}

	t.log.Warn("transport closed unexpectedly, scheduling reconnect", zap.Error(err))
	t.triggerReconnect()
}

// triggerReconnect enforces the single-in-flight-reconnect guard and runs a
// fresh connectWithRetry cycle in the background.
func (t *Transport) triggerReconnect() {
	if !t.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer t.reconnecting.Store(false)
		if err := t.connectWithRetry(context.Background()); err != nil {
			select {
			case t.fatal <- err:
			default:
			}
		}
	}()
}
