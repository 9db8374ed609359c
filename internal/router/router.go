// Package router implements the message router (C7): it subscribes to the
// event and response topics, resolves a command name from each envelope's
// "type" field against a compile-time service registry (no reflection, no
// dynamic bean lookup), materializes a fresh CommandSession, and dispatches
// to that command's MessageService.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowcore/flowcore/internal/acp"
	"github.com/flowcore/flowcore/internal/agentconfig"
	"github.com/flowcore/flowcore/internal/bus"
	"github.com/flowcore/flowcore/internal/common/logger"
	"github.com/flowcore/flowcore/internal/session"
)

// MessageService is a prototype-scoped command handler: the router builds a
// fresh instance (via the registered factory) for every invocation, calls
// Init once, then Process, which may block for the agent session's lifetime.
type MessageService interface {
	Init(sess session.CommandSession)
	Process(ctx context.Context) error
}

// ServiceFactory constructs a fresh MessageService instance. Registered once
// per command name at process start.
type ServiceFactory func() MessageService

// Router dispatches bus envelopes to command services.
type Router struct {
	catalog           *agentconfig.Catalog
	factories         map[string]ServiceFactory
	incompleteFactory ServiceFactory
	endNodeFactory    ServiceFactory
	bus               bus.EventBus
	topics            bus.Topics
	log               *logger.Logger
}

// New constructs a Router. Register commands with Register before calling Start.
func New(catalog *agentconfig.Catalog, b bus.EventBus, topics bus.Topics, log *logger.Logger) *Router {
	return &Router{
		catalog:   catalog,
		factories: make(map[string]ServiceFactory),
		bus:       b,
		topics:    topics,
		log:       log.Named("router"),
	}
}

// Register binds commandName to factory. Re-registering a name overwrites it.
func (r *Router) Register(commandName string, factory ServiceFactory) {
	r.factories[commandName] = factory
}

// RegisterIncompleteSink binds the terminal service invoked when an envelope
// carries no resolvable command (absent/null type, a type with no matching
// catalog entry, or the explicit "incomplete" sentinel).
func (r *Router) RegisterIncompleteSink(factory ServiceFactory) {
	r.incompleteFactory = factory
}

// RegisterEndNodeSink binds the terminal cleanup service invoked when a
// handler's routing message carries the "end_node" sentinel.
func (r *Router) RegisterEndNodeSink(factory ServiceFactory) {
	r.endNodeFactory = factory
}

// Start subscribes to the event and response topics.
func (r *Router) Start() error {
	if _, err := r.bus.Subscribe(r.topics.Event, r.handle); err != nil {
		return fmt.Errorf("subscribe event topic: %w", err)
	}
	if _, err := r.bus.Subscribe(r.topics.Response, r.handle); err != nil {
		return fmt.Errorf("subscribe response topic: %w", err)
	}
	return nil
}

func (r *Router) handle(ctx context.Context, msg *bus.Message) error {
	var env acp.MessageEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		r.log.Warn("envelope did not parse as JSON, routing to incomplete sink", zap.Error(err))
		return r.dispatchIncomplete(ctx, acp.MessageEnvelope{})
	}

	if env.Type == "" || env.Type == acp.TypeIncomplete {
		return r.dispatchIncomplete(ctx, env)
	}
	if env.Type == acp.TypeEndNode {
		return r.dispatchEndNode(ctx, env)
	}

	cmd, ok := r.catalog.Lookup(env.Type)
	if !ok {
		r.log.WithRoute(env.Type).Warn("no catalog entry for command, routing to incomplete sink")
		return r.dispatchIncomplete(ctx, env)
	}

	factory, ok := r.factories[env.Type]
	if !ok {
		r.log.WithRoute(env.Type).Warn("no service registered for command, routing to incomplete sink")
		return r.dispatchIncomplete(ctx, env)
	}

	sess := r.buildSession(env, cmd)
	svc := factory()
	svc.Init(sess)
	return svc.Process(ctx)
}

// buildSession constructs a fresh CommandSession for env. A chained
// invocation (one whose envelope already carries a sessionId, e.g. the
// response topic routing a follow-up command) preserves that sessionId and
// the eventKey; otherwise both a new sessionId and the envelope's own
// eventKey are used.
func (r *Router) buildSession(env acp.MessageEnvelope, cmd *agentconfig.AgentCommand) session.CommandSession {
	sessionID, _ := env.Fields["sessionId"].(string)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	eventKey, _ := env.Fields["eventKey"].(string)

	sess := session.New(sessionID, eventKey, env.Type, env.Fields, cmd)
	if checkpointID, _ := env.Fields["checkpointId"].(string); checkpointID != "" {
		sess = sess.WithCheckpoint(checkpointID)
	}
	return sess
}

func (r *Router) dispatchIncomplete(ctx context.Context, env acp.MessageEnvelope) error {
	if r.incompleteFactory == nil {
		r.log.Warn("no incomplete-sink service registered, dropping message")
		return nil
	}
	sess := session.New(uuid.New().String(), "", acp.TypeIncomplete, env.Fields, nil)
	svc := r.incompleteFactory()
	svc.Init(sess)
	return svc.Process(ctx)
}

func (r *Router) dispatchEndNode(ctx context.Context, env acp.MessageEnvelope) error {
	if r.endNodeFactory == nil {
		r.log.Debug("no end-node sink registered, dropping terminal message")
		return nil
	}
	sessionID, _ := env.Fields["sessionId"].(string)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	eventKey, _ := env.Fields["eventKey"].(string)
	sess := session.New(sessionID, eventKey, acp.TypeEndNode, env.Fields, nil)
	svc := r.endNodeFactory()
	svc.Init(sess)
	return svc.Process(ctx)
}
