package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/flowcore/internal/agentconfig"
	"github.com/flowcore/flowcore/internal/bus"
	"github.com/flowcore/flowcore/internal/common/logger"
	"github.com/flowcore/flowcore/internal/session"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testCatalog(t *testing.T) *agentconfig.Catalog {
	t.Helper()
	c := agentconfig.NewCatalog(testLogger(t))
	require.NoError(t, c.Load([]byte(`
version: "1"
commands:
  greet:
    systemPrompt: hi
`)))
	return c
}

// recordingService is a fake MessageService recording what Init/Process saw.
type recordingService struct {
	initSess  session.CommandSession
	processed bool
	err       error
}

func (s *recordingService) Init(sess session.CommandSession) { s.initSess = sess }
func (s *recordingService) Process(ctx context.Context) error {
	s.processed = true
	return s.err
}

// memBus is a minimal synchronous EventBus double: Publish invokes every
// handler subscribed to that topic inline.
type memBus struct {
	handlers map[string][]bus.Handler
}

func newMemBus() *memBus { return &memBus{handlers: map[string][]bus.Handler{}} }

func (b *memBus) Publish(ctx context.Context, topic string, payload []byte) error {
	var firstErr error
	for _, h := range b.handlers[topic] {
		if err := h(ctx, bus.NewMessage(topic, payload)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
func (b *memBus) Subscribe(topic string, handler bus.Handler) (bus.Subscription, error) {
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil, nil
}
func (b *memBus) Close() error      { return nil }
func (b *memBus) IsConnected() bool { return true }

func topics() bus.Topics { return bus.Topics{Event: "event", Response: "response", Audit: "audit"} }

func TestRouterDispatchesKnownCommand(t *testing.T) {
	b := newMemBus()
	rt := New(testCatalog(t), b, topics(), testLogger(t))

	var svc *recordingService
	rt.Register("greet", func() MessageService {
		svc = &recordingService{}
		return svc
	})
	require.NoError(t, rt.Start())

	env, _ := json.Marshal(map[string]interface{}{"type": "greet", "eventKey": "evt-1", "name": "Ada"})
	require.NoError(t, b.Publish(context.Background(), "event", env))

	require.NotNil(t, svc)
	assert.True(t, svc.processed)
	assert.Equal(t, "greet", svc.initSess.MessageType)
	assert.Equal(t, "evt-1", svc.initSess.EventKey)
	assert.NotEmpty(t, svc.initSess.SessionID)
}

func TestRouterPreservesSessionIDOnChainedInvocation(t *testing.T) {
	b := newMemBus()
	rt := New(testCatalog(t), b, topics(), testLogger(t))

	var svc *recordingService
	rt.Register("greet", func() MessageService {
		svc = &recordingService{}
		return svc
	})
	require.NoError(t, rt.Start())

	env, _ := json.Marshal(map[string]interface{}{"type": "greet", "sessionId": "sess-42"})
	require.NoError(t, b.Publish(context.Background(), "response", env))

	require.NotNil(t, svc)
	assert.Equal(t, "sess-42", svc.initSess.SessionID)
}

func TestRouterRoutesMissingTypeToIncompleteSink(t *testing.T) {
	b := newMemBus()
	rt := New(testCatalog(t), b, topics(), testLogger(t))

	var sink *recordingService
	rt.RegisterIncompleteSink(func() MessageService {
		sink = &recordingService{}
		return sink
	})
	require.NoError(t, rt.Start())

	env, _ := json.Marshal(map[string]interface{}{"foo": "bar"})
	require.NoError(t, b.Publish(context.Background(), "event", env))

	require.NotNil(t, sink)
	assert.True(t, sink.processed)
}

func TestRouterRoutesUnknownCommandToIncompleteSink(t *testing.T) {
	b := newMemBus()
	rt := New(testCatalog(t), b, topics(), testLogger(t))

	var sink *recordingService
	rt.RegisterIncompleteSink(func() MessageService {
		sink = &recordingService{}
		return sink
	})
	require.NoError(t, rt.Start())

	env, _ := json.Marshal(map[string]interface{}{"type": "no_such_command"})
	require.NoError(t, b.Publish(context.Background(), "event", env))

	require.NotNil(t, sink)
	assert.True(t, sink.processed)
}

func TestRouterRoutesEndNodeToEndNodeSink(t *testing.T) {
	b := newMemBus()
	rt := New(testCatalog(t), b, topics(), testLogger(t))

	var sink *recordingService
	rt.RegisterEndNodeSink(func() MessageService {
		sink = &recordingService{}
		return sink
	})
	var incomplete *recordingService
	rt.RegisterIncompleteSink(func() MessageService {
		incomplete = &recordingService{}
		return incomplete
	})
	require.NoError(t, rt.Start())

	env, _ := json.Marshal(map[string]interface{}{"type": "end_node", "sessionId": "sess-9"})
	require.NoError(t, b.Publish(context.Background(), "response", env))

	require.NotNil(t, sink)
	assert.True(t, sink.processed)
	assert.Equal(t, "sess-9", sink.initSess.SessionID)
	assert.Nil(t, incomplete)
}

func TestRouterDropsIncompleteWhenNoSinkRegistered(t *testing.T) {
	b := newMemBus()
	rt := New(testCatalog(t), b, topics(), testLogger(t))
	require.NoError(t, rt.Start())

	env, _ := json.Marshal(map[string]interface{}{"foo": "bar"})
	assert.NoError(t, b.Publish(context.Background(), "event", env))
}
