package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/flowcore/flowcore/internal/common/logger"
)

// BrokerConfig configures the external-broker backend (C6).
type BrokerConfig struct {
	URL           string
	ClientID      string
	StreamName    string
	MaxReconnects int
	AckWait       time.Duration
}

// BrokerBus implements EventBus over NATS JetStream. Unlike the in-memory
// backend, delivery is transactional: a message is acked on handler success
// and nak'd (redelivered by the broker) on handler error.
type BrokerBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logger.Logger
	cfg    BrokerConfig
	subs   []*nats.Subscription
}

// NewBrokerBus connects to NATS and ensures the backing JetStream stream
// exists, subjects being bound lazily per Subscribe call.
func NewBrokerBus(cfg BrokerConfig, log *logger.Logger) (*BrokerBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("broker disconnected", zap.Error(err))
			} else {
				log.Info("broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("broker reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("broker connection closed", zap.Error(err))
			} else {
				log.Info("broker connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("broker error", zap.Error(err), zap.String("subject", subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire JetStream context: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.StreamName + ".>"},
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %q: %w", cfg.StreamName, err)
	}

	log.Info("connected to broker", zap.String("url", cfg.URL), zap.String("stream", cfg.StreamName))

	return &BrokerBus{conn: conn, js: js, logger: log, cfg: cfg}, nil
}

func (b *BrokerBus) subject(topic string) string {
	return b.cfg.StreamName + "." + topic
}

// Publish writes payload to topic via JetStream, which durably persists it
// until acked by a consumer.
func (b *BrokerBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := b.js.Publish(b.subject(topic), payload); err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	return nil
}

// Subscribe binds a durable pull consumer to topic and runs handler for each
// delivered message, acking on success and nak'ing (triggering broker
// redelivery) on failure.
func (b *BrokerBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	subject := b.subject(topic)
	durable := "flowcore-" + topic

	sub, err := b.js.PullSubscribe(subject, durable, nats.AckWait(b.cfg.AckWait))
	if err != nil {
		return nil, fmt.Errorf("pull-subscribe to %q: %w", topic, err)
	}
	b.subs = append(b.subs, sub)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			msgs, err := sub.Fetch(1, nats.MaxWait(1*time.Second))
			if err != nil {
				if err != nats.ErrTimeout {
					b.logger.Warn("fetch failed", zap.String("topic", topic), zap.Error(err))
				}
				continue
			}
			for _, msg := range msgs {
				b.handleDelivery(topic, msg, handler)
			}
		}
	}()

	return &brokerSubscription{sub: sub, stop: stop}, nil
}

func (b *BrokerBus) handleDelivery(topic string, msg *nats.Msg, handler Handler) {
	meta, _ := msg.Metadata()
	attempt := 1
	if meta != nil {
		attempt = int(meta.NumDelivered)
	}
	m := &Message{ID: msg.Subject, Topic: topic, Payload: msg.Data, Attempt: attempt, Timestamp: time.Now().UTC()}

	ctx := context.Background()
	if err := handler(ctx, m); err != nil {
		b.logger.Warn("handler failed, nak'ing for redelivery",
			zap.String("topic", topic), zap.Error(err))
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// Close drains and closes the broker connection.
func (b *BrokerBus) Close() error {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
	return nil
}

// IsConnected reports the underlying connection's liveness.
func (b *BrokerBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type brokerSubscription struct {
	sub  *nats.Subscription
	stop chan struct{}
}

func (s *brokerSubscription) Unsubscribe() error {
	close(s.stop)
	return s.sub.Unsubscribe()
}
