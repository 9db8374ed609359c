package bus

import (
	"fmt"
	"time"

	"github.com/flowcore/flowcore/internal/common/config"
	"github.com/flowcore/flowcore/internal/common/logger"
)

// Provide selects and constructs the configured EventBus backend: the
// in-memory backend (C5) when cfg.Bus.Provider is "memory", or the external
// broker backend (C6) when it is "broker".
func Provide(cfg *config.Config, log *logger.Logger) (EventBus, Topics, func() error, error) {
	topics := Topics{
		Event:    cfg.Bus.EventTopic,
		Response: cfg.Bus.ResponseTopic,
		Audit:    cfg.Bus.AuditTopic,
	}

	switch cfg.Bus.Provider {
	case "broker":
		b, err := NewBrokerBus(BrokerConfig{
			URL:           cfg.Broker.URL,
			ClientID:      cfg.Broker.ClientID,
			StreamName:    cfg.Broker.StreamName,
			MaxReconnects: cfg.Broker.MaxReconnects,
			AckWait:       time.Duration(cfg.Broker.AckWaitSec) * time.Second,
		}, log)
		if err != nil {
			return nil, topics, nil, err
		}
		return b, topics, func() error { return b.Close() }, nil
	case "memory", "":
		b := NewMemoryBus(MemoryConfig{
			QueueCapacity:      cfg.Bus.QueueCapacity,
			ConsumerThreads:    cfg.Bus.ConsumerThreads,
			RetryAttempts:      cfg.Bus.RetryAttempts,
			RetryDelayMs:       cfg.Bus.RetryDelayMs,
			MaxRetryDelayMs:    cfg.Bus.MaxRetryDelayMs,
			PollTimeoutSeconds: cfg.Bus.PollTimeoutSeconds,
			ExponentialBackoff: cfg.Bus.ExponentialBackoff,
			DLQSuffix:          cfg.Bus.DLQSuffix,
		}, log)
		return b, topics, func() error { return b.Close() }, nil
	default:
		return nil, topics, nil, fmt.Errorf("unknown bus provider %q", cfg.Bus.Provider)
	}
}
