package router

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/flowcore/flowcore/internal/bus"
	"github.com/flowcore/flowcore/internal/common/logger"
	"github.com/flowcore/flowcore/internal/session"
)

// AuditSink is a MessageService for the two terminal routes that never drive
// a Runtime: the incomplete sink and the end-node sink. It records the
// session to the audit topic and returns without touching any transport.
type AuditSink struct {
	kind   string
	bus    bus.EventBus
	topics bus.Topics
	log    *logger.Logger

	sess session.CommandSession
}

// NewAuditSink builds an AuditSink factory target. kind labels the audit
// record ("incomplete" or "end_node").
func NewAuditSink(kind string, b bus.EventBus, topics bus.Topics, log *logger.Logger) *AuditSink {
	return &AuditSink{kind: kind, bus: b, topics: topics, log: log}
}

// Init binds the session the router built for this dispatch.
func (s *AuditSink) Init(sess session.CommandSession) { s.sess = sess }

// Process publishes an audit record and returns; it never errors on the
// dispatch path since a malformed terminal message must not be retried.
func (s *AuditSink) Process(ctx context.Context) error {
	record := map[string]interface{}{
		"kind":      s.kind,
		"sessionId": s.sess.SessionID,
		"eventKey":  s.sess.EventKey,
	}
	data, err := json.Marshal(record)
	if err != nil {
		s.log.Error("audit sink failed to marshal record", zap.Error(err))
		return nil
	}
	if err := bus.PublishAudit(ctx, s.bus, s.topics, data); err != nil {
		s.log.Warn("audit sink failed to publish", zap.String("kind", s.kind), zap.Error(err))
	}
	return nil
}

// Factory returns a ServiceFactory producing fresh AuditSink instances.
func (s *AuditSink) Factory() ServiceFactory {
	kind, b, topics, log := s.kind, s.bus, s.topics, s.log
	return func() MessageService {
		return NewAuditSink(kind, b, topics, log)
	}
}
