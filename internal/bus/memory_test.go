package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/flowcore/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestMemoryBusFIFO(t *testing.T) {
	cfg := DefaultMemoryConfig()
	cfg.ConsumerThreads = 1
	b := NewMemoryBus(cfg, testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var order []string

	sub, err := b.Subscribe("event", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		order = append(order, string(msg.Payload))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), "event", []byte(fmt.Sprintf("m%d", i))))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, order)
}

func TestMemoryBusQueueFullBackpressure(t *testing.T) {
	cfg := DefaultMemoryConfig()
	cfg.QueueCapacity = 1
	b := NewMemoryBus(cfg, testLogger(t))
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), "event", []byte("first")))
	err := b.Publish(context.Background(), "event", []byte("second"))
	assert.Error(t, err)
}

func TestMemoryBusDLQAfterRetriesExhausted(t *testing.T) {
	cfg := DefaultMemoryConfig()
	cfg.RetryAttempts = 2
	cfg.RetryDelayMs = 5
	cfg.MaxRetryDelayMs = 20
	b := NewMemoryBus(cfg, testLogger(t))
	defer b.Close()

	var attempts int32
	var mu sync.Mutex
	attemptCount := 0

	_, err := b.Subscribe("event", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		attemptCount++
		mu.Unlock()
		return fmt.Errorf("always fails")
	})
	require.NoError(t, err)

	var dlqMsg *Message
	var dlqMu sync.Mutex
	_, err = b.Subscribe("event.DLQ", func(ctx context.Context, msg *Message) error {
		dlqMu.Lock()
		dlqMsg = msg
		dlqMu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "event", []byte("poison")))

	require.Eventually(t, func() bool {
		dlqMu.Lock()
		defer dlqMu.Unlock()
		return dlqMsg != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, cfg.RetryAttempts+1, attemptCount)
	_ = attempts

	dlqMu.Lock()
	defer dlqMu.Unlock()
	assert.Equal(t, "poison", string(dlqMsg.Payload))
	assert.Equal(t, cfg.RetryAttempts+1, dlqMsg.Attempt)
}

func TestMemoryBusBackoffMonotoneAndCapped(t *testing.T) {
	cfg := DefaultMemoryConfig()
	cfg.RetryDelayMs = 1000
	cfg.MaxRetryDelayMs = 3000
	b := NewMemoryBus(cfg, testLogger(t))

	assert.Equal(t, 1000*time.Millisecond, b.backoffDelay(1))
	assert.Equal(t, 2000*time.Millisecond, b.backoffDelay(2))
	assert.Equal(t, 3000*time.Millisecond, b.backoffDelay(3))
	assert.Equal(t, 3000*time.Millisecond, b.backoffDelay(4))
}
