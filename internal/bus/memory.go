package bus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowcore/flowcore/internal/common/logger"
)

// MemoryConfig configures the in-memory backend (C5).
type MemoryConfig struct {
	QueueCapacity      int
	ConsumerThreads    int
	RetryAttempts      int
	RetryDelayMs       int
	MaxRetryDelayMs    int
	PollTimeoutSeconds int
	ExponentialBackoff bool
	DLQSuffix          string
}

// DefaultMemoryConfig mirrors the defaults named in the specification.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		QueueCapacity:      1000,
		ConsumerThreads:    1,
		RetryAttempts:      3,
		RetryDelayMs:       1000,
		MaxRetryDelayMs:    30000,
		PollTimeoutSeconds: 5,
		ExponentialBackoff: true,
		DLQSuffix:          ".DLQ",
	}
}

// MemoryBus implements EventBus with bounded per-topic queues, a worker pool,
// exponential-backoff retry, and dead-letter topics (C5).
type MemoryBus struct {
	cfg    MemoryConfig
	log    *logger.Logger
	mu     sync.Mutex
	topics map[string]*topicQueue
	closed bool
}

type topicQueue struct {
	name     string
	queue    chan *Message
	handler  Handler
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMemoryBus constructs a MemoryBus with the given configuration.
func NewMemoryBus(cfg MemoryConfig, log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		cfg:    cfg,
		log:    log,
		topics: make(map[string]*topicQueue),
	}
}

func (b *MemoryBus) topicFor(name string) *topicQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topicQueue{
			name:   name,
			queue:  make(chan *Message, b.cfg.QueueCapacity),
			stopCh: make(chan struct{}),
		}
		b.topics[name] = t
	}
	return t
}

// Publish enqueues payload on topic. Non-blocking: returns an error
// immediately if the topic's queue is full or the bus is closed.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	t := b.topicFor(topic)
	msg := NewMessage(topic, payload)
	select {
	case t.queue <- msg:
		return nil
	default:
		return fmt.Errorf("queue full for topic %q", topic)
	}
}

// republish re-enqueues a message that failed delivery, at the queue tail,
// after the computed backoff delay has elapsed.
func (b *MemoryBus) republish(t *topicQueue, msg *Message) {
	select {
	case t.queue <- msg:
	default:
		if b.log != nil {
			b.log.Warn("dropping redelivery, queue full", zap.String("topic", t.name))
		}
	}
}

// Subscribe registers handler as the single consumer for topic and starts
// its worker pool. Only one handler may be registered per topic, matching
// the single-reader-per-topic model the spec requires for FIFO ordering.
func (b *MemoryBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}
	b.mu.Unlock()

	t := b.topicFor(topic)
	b.mu.Lock()
	if t.started {
		b.mu.Unlock()
		return nil, fmt.Errorf("topic %q already has a consumer", topic)
	}
	t.handler = handler
	t.started = true
	workers := b.cfg.ConsumerThreads
	if workers <= 0 {
		workers = 1
	}
	b.mu.Unlock()

	for i := 0; i < workers; i++ {
		t.wg.Add(1)
		go b.worker(t)
	}

	if b.log != nil {
		b.log.Info("subscribed to topic", zap.String("topic", topic), zap.Int("workers", workers))
	}
	return &memorySubscription{bus: b, topic: t}, nil
}

func (b *MemoryBus) worker(t *topicQueue) {
	defer t.wg.Done()
	pollTimeout := time.Duration(b.cfg.PollTimeoutSeconds) * time.Second
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	for {
		select {
		case <-t.stopCh:
			return
		case msg := <-t.queue:
			b.deliver(t, msg)
		case <-time.After(pollTimeout):
			continue
		}
	}
}

func (b *MemoryBus) deliver(t *topicQueue, msg *Message) {
	msg.Attempt++
	ctx := context.Background()
	err := t.handler(ctx, msg)
	if err == nil {
		return
	}

	msg.LastError = err.Error()
	maxAttempts := b.cfg.RetryAttempts + 1
	if msg.Attempt >= maxAttempts {
		b.sendToDLQ(t, msg)
		return
	}

	delay := b.backoffDelay(msg.Attempt)
	if b.log != nil {
		b.log.Warn("handler failed, scheduling retry",
			zap.String("topic", t.name),
			zap.Int("attempt", msg.Attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	time.AfterFunc(delay, func() {
		b.republish(t, msg)
	})
}

// backoffDelay implements delay(n) = min(maxRetryDelayMs, retryDelayMs*2^(n-1))
// when exponential backoff is enabled, else a flat retryDelayMs (I4).
func (b *MemoryBus) backoffDelay(attempt int) time.Duration {
	if !b.cfg.ExponentialBackoff {
		return time.Duration(b.cfg.RetryDelayMs) * time.Millisecond
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	delayMs := float64(b.cfg.RetryDelayMs) * math.Pow(2, float64(shift))
	if delayMs > float64(b.cfg.MaxRetryDelayMs) {
		delayMs = float64(b.cfg.MaxRetryDelayMs)
	}
	return time.Duration(delayMs) * time.Millisecond
}

func (b *MemoryBus) sendToDLQ(t *topicQueue, msg *Message) {
	dlqTopic := DLQTopic(t.name, b.cfg.DLQSuffix)
	dlq := b.topicFor(dlqTopic)
	dead := &Message{
		ID:        msg.ID,
		Topic:     dlqTopic,
		Payload:   msg.Payload,
		Attempt:   msg.Attempt,
		LastError: msg.LastError,
		Timestamp: time.Now().UTC(),
	}
	select {
	case dlq.queue <- dead:
	default:
		if b.log != nil {
			b.log.Error("DLQ full, dropping message", zap.String("topic", dlqTopic))
		}
	}
	if b.log != nil {
		b.log.Error("message moved to DLQ",
			zap.String("topic", t.name),
			zap.String("dlq_topic", dlqTopic),
			zap.Int("attempts", msg.Attempt),
			zap.String("last_error", msg.LastError))
	}
}

// Close shuts every topic's worker pool down, draining in-flight deliveries.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*topicQueue, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		if t.started {
			close(t.stopCh)
		}
	}
	for _, t := range topics {
		t.wg.Wait()
	}
	return nil
}

// IsConnected always reports true once constructed and before Close.
func (b *MemoryBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

type memorySubscription struct {
	bus   *MemoryBus
	topic *topicQueue
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.topic.started {
		close(s.topic.stopCh)
		s.topic.started = false
	}
	return nil
}
