package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowcore/flowcore/internal/acp"
	"github.com/flowcore/flowcore/internal/bus"
	"github.com/flowcore/flowcore/internal/common/flowerrors"
	"github.com/flowcore/flowcore/internal/common/logger"
	"github.com/flowcore/flowcore/internal/template"
	"github.com/flowcore/flowcore/internal/toolserver"
	"github.com/flowcore/flowcore/internal/transport"
)

// State is one node of the runtime's lifecycle state machine.
type State string

const (
	StateIdle          State = "IDLE"
	StateRequestBuild   State = "REQUEST_BUILD"
	StateConnecting    State = "CONNECTING"
	StateAwaitReady    State = "AWAIT_READY"
	StateSending       State = "SENDING"
	StateStreaming     State = "STREAMING"
	StateComplete      State = "COMPLETE"
	StateFailed        State = "FAILED"
)

// Transport is the subset of *transport.Transport the runtime drives.
// Declared here (rather than imported as a concrete type) so tests can
// substitute a fake peer.
type Transport interface {
	Connect(ctx context.Context, sessionID string) error
	Send(route transport.RouteKey, payload interface{}) error
	MarkExpectedClose()
	SetCheckpoint(checkpointID string)
	Disconnect() error
	IsConnected() bool
	Frames() <-chan *acp.TaskResponse
	Fatal() <-chan error
}

// ToolCaller is the subset of *toolserver.Registry the runtime drives.
type ToolCaller interface {
	Call(ctx context.Context, serverName, tool string, args map[string]interface{}) (*toolserver.CallResult, error)
	ListTools(ctx context.Context, serverName string) ([]toolserver.Tool, error)
}

// Config holds the runtime's timing and size parameters.
type Config struct {
	ReadyTimeout    time.Duration
	ToolCallTimeout time.Duration
	MaxWireBytes    int
}

// Deps bundles the runtime's collaborators.
type Deps struct {
	Transport Transport
	Tools     ToolCaller
	Handlers  Registry
	Bus       bus.EventBus
	Topics    bus.Topics
	Log       *logger.Logger
}

// Runtime drives one CommandSession from REQUEST_BUILD through COMPLETE or
// FAILED, blocking the calling delivery thread for the session's lifetime.
type Runtime struct {
	cfg  Config
	deps Deps

	rt runtimeState
}

// runtimeState is the mutable state a Runtime accumulates while driving one
// session to completion.
type runtimeState struct {
	sess      CommandSession
	state     State
	gate      *ReadyGate
	responses []acp.TaskResponse
	chunks    []json.RawMessage
}

// New constructs a Runtime for sess. sess.AgentCommand must already be
// resolved (the router's responsibility).
func New(sess CommandSession, cfg Config, deps Deps) *Runtime {
	return &Runtime{
		cfg:  cfg,
		deps: deps,
		rt: runtimeState{
			sess:  sess,
			state: StateIdle,
			gate:  NewReadyGate(),
		},
	}
}

// Session returns the runtime's current session snapshot.
func (r *Runtime) Session() CommandSession { return r.rt.sess }

// StateNow returns the runtime's current lifecycle state.
func (r *Runtime) StateNow() State { return r.rt.state }

func (r *Runtime) setState(s State) {
	r.rt.state = s
	r.deps.Log.Debug("session state transition", zap.String("sessionId", r.rt.sess.SessionID), zap.String("state", string(s)))
}

// publishAudit records a lifecycle breadcrumb ("session.started",
// "session.ready", "session.tool_call", "session.completed",
// "session.failed") to the audit topic. Publish-only: nothing in the core
// consumes these, external monitors do. A failure to publish is logged, not
// returned, since a breadcrumb is never allowed to fail the session itself.
func (r *Runtime) publishAudit(ctx context.Context, kind string) {
	record := map[string]interface{}{
		"kind":        kind,
		"sessionId":   r.rt.sess.SessionID,
		"eventKey":    r.rt.sess.EventKey,
		"messageType": r.rt.sess.MessageType,
	}
	data, err := json.Marshal(record)
	if err != nil {
		r.deps.Log.Error("audit breadcrumb failed to marshal", zap.String("kind", kind), zap.Error(err))
		return
	}
	if err := bus.PublishAudit(ctx, r.deps.Bus, r.deps.Topics, data); err != nil {
		r.deps.Log.Warn("audit breadcrumb failed to publish", zap.String("kind", kind), zap.Error(err))
	}
}

// Run executes the session to completion: connects, awaits READY, sends one
// user query, streams tool/response frames until ENDNODE, invokes the
// resolved handler, and publishes exactly one routing message before
// returning.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.rt.sess.Valid() {
		return fmt.Errorf("session: invalid session handed to runtime")
	}

	r.publishAudit(ctx, "session.started")

	r.setState(StateRequestBuild)
	request := r.buildRequest()

	r.setState(StateConnecting)
	if err := r.deps.Transport.Connect(ctx, r.rt.sess.SessionID); err != nil {
		r.setState(StateFailed)
		r.publishAudit(ctx, "session.failed")
		return err
	}

	r.setState(StateAwaitReady)
	if err := r.awaitReady(ctx); err != nil {
		r.setState(StateFailed)
		r.publishAudit(ctx, "session.failed")
		return err
	}

	r.setState(StateSending)
	if err := r.deps.Transport.Send(transport.RouteUserQuery, request); err != nil {
		r.setState(StateFailed)
		r.publishAudit(ctx, "session.failed")
		return err
	}

	r.setState(StateStreaming)
	if err := r.stream(ctx); err != nil {
		r.setState(StateFailed)
		r.publishAudit(ctx, "session.failed")
		return err
	}

	r.setState(StateComplete)
	r.publishAudit(ctx, "session.completed")
	return nil
}

func (r *Runtime) buildRequest() map[string]interface{} {
	cmd := r.rt.sess.AgentCommand
	return map[string]interface{}{
		"systemPrompt": template.Resolve(cmd.SystemPrompt, r.rt.sess.Payload),
		"instructions": template.Resolve(cmd.Instructions, r.rt.sess.Payload),
		"model":        cmd.Model,
		"tools":        cmd.Tools,
		"outputSchema": cmd.OutputSchema,
		"toolServers":  cmd.ToolServers,
		"sessionId":    r.rt.sess.SessionID,
	}
}

func (r *Runtime) awaitReady(ctx context.Context) error {
	timeout := r.cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.After(timeout)

	for {
		select {
		case frame := <-r.deps.Transport.Frames():
			if frame == nil {
				continue
			}
			if strings.EqualFold(frame.Type, acp.FrameReady) {
				r.captureCheckpoint(frame)
				r.rt.gate.Open()
				r.publishAudit(ctx, "session.ready")
				return nil
			}
		case err := <-r.deps.Transport.Fatal():
			return err
		case <-deadline:
			return flowerrors.ErrReadyTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runtime) captureCheckpoint(frame *acp.TaskResponse) {
	if frame.Data == nil || frame.Data.CheckpointID == "" {
		return
	}
	r.rt.sess = r.rt.sess.WithCheckpoint(frame.Data.CheckpointID)
	r.deps.Transport.SetCheckpoint(frame.Data.CheckpointID)
}

func (r *Runtime) stream(ctx context.Context) error {
	for {
		select {
		case frame := <-r.deps.Transport.Frames():
			if frame == nil {
				continue
			}
			done, err := r.dispatch(ctx, frame)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case err := <-r.deps.Transport.Fatal():
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch handles one inbound frame, returning done=true once ENDNODE has
// been processed and the handler invoked.
func (r *Runtime) dispatch(ctx context.Context, frame *acp.TaskResponse) (bool, error) {
	switch strings.ToLower(frame.Type) {
	case acp.FrameReady:
		r.captureCheckpoint(frame)
		r.rt.gate.Open()
		return false, nil

	case acp.FrameUserResponse:
		r.rt.responses = append(r.rt.responses, *frame)
		return false, nil

	case acp.FrameThinking, acp.FrameReviewerNotes:
		r.deps.Log.Debug("agent trace frame", zap.String("type", frame.Type))
		return false, nil

	case acp.FrameStructuredOut:
		r.rt.responses = append(r.rt.responses, *frame)
		if frame.Data != nil && len(frame.Data.ToolArgs) > 0 {
			r.rt.chunks = append(r.rt.chunks, frame.Data.ToolArgs)
		}
		return false, nil

	case acp.FrameEndNode:
		r.deps.Transport.MarkExpectedClose()
		return true, r.complete(ctx)

	default:
		return false, r.handleToolCall(ctx, frame)
	}
}

func (r *Runtime) handleToolCall(ctx context.Context, frame *acp.TaskResponse) error {
	if frame.Data == nil {
		r.deps.Log.Warn("tool frame missing data, ignoring", zap.String("type", frame.Type))
		return nil
	}

	r.publishAudit(ctx, "session.tool_call")

	timeout := r.cfg.ToolCallTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var args map[string]interface{}
	if len(frame.Data.ToolArgs) > 0 {
		if err := json.Unmarshal(frame.Data.ToolArgs, &args); err != nil {
			r.deps.Log.Warn("tool args did not parse as an object", zap.Error(err))
		}
	}

	result, err := r.deps.Tools.Call(toolCtx, frame.Data.ServerName, frame.Data.Tool, args)
	r.rt.gate.Reset()

	switch {
	case errors.Is(toolCtx.Err(), context.DeadlineExceeded):
		return r.sendToolTimeout(frame, timeout)
	case err != nil:
		return r.sendToolFailure(frame)
	default:
		return r.sendToolSuccess(ctx, frame, result)
	}
}

type toolResponsePayload struct {
	Identifier string                    `json:"identifier,omitempty"`
	ServerName string                    `json:"serverName,omitempty"`
	Tool       string                    `json:"tool"`
	Content    []toolserver.ContentBlock `json:"content,omitempty"`
	IsError    bool                      `json:"isError"`
	Tools      []toolserver.Tool         `json:"tools,omitempty"`
}

func (r *Runtime) sendToolSuccess(ctx context.Context, frame *acp.TaskResponse, result *toolserver.CallResult) error {
	tools, err := r.deps.Tools.ListTools(ctx, frame.Data.ServerName)
	if err != nil {
		r.deps.Log.Warn("failed to refresh tool list after call", zap.Error(err))
	}
	payload := toolResponsePayload{
		Identifier: frame.Data.Identifier,
		ServerName: frame.Data.ServerName,
		Tool:       frame.Data.Tool,
		Content:    result.Content,
		IsError:    result.IsError,
		Tools:      tools,
	}
	return r.deps.Transport.Send(transport.RouteIDERetrievalAnswer, payload)
}

func (r *Runtime) sendToolFailure(frame *acp.TaskResponse) error {
	payload := toolResponsePayload{
		Identifier: frame.Data.Identifier,
		ServerName: frame.Data.ServerName,
		Tool:       frame.Data.Tool,
		IsError:    true,
	}
	return r.deps.Transport.Send(transport.RouteIDERetrievalAnswer, payload)
}

func (r *Runtime) sendToolTimeout(frame *acp.TaskResponse, timeout time.Duration) error {
	payload := toolResponsePayload{
		Identifier: frame.Data.Identifier,
		ServerName: frame.Data.ServerName,
		Tool:       frame.Data.Tool,
		IsError:    true,
		Content: []toolserver.ContentBlock{{
			Type: "text",
			Text: fmt.Sprintf("tool %q timed out after %d seconds", frame.Data.Tool, int(timeout.Seconds())),
		}},
	}
	return r.deps.Transport.Send(transport.RouteIDERetrievalAnswer, payload)
}

// complete assembles structured output, resolves and invokes the handler,
// and publishes exactly one routing message on the response topic.
func (r *Runtime) complete(ctx context.Context) error {
	structured, unstructuredOK := r.mergeStructuredOutput()

	handlerFn, ok := r.deps.Handlers.Resolve(r.rt.sess.MessageType)
	if !ok {
		return fmt.Errorf("session: no handler registered for command %q", r.rt.sess.MessageType)
	}

	result, err := handlerFn.Handle(ctx, r.rt.sess, r.rt.responses)
	if err != nil {
		return fmt.Errorf("handler for %q failed: %w", r.rt.sess.MessageType, err)
	}
	if !unstructuredOK && result.NextType == "" {
		result.NextType = acp.TypeIncomplete
	}
	if result.StructuredOutput == nil && structured != nil {
		result.StructuredOutput = structured
	}

	return r.publishRouting(ctx, result)
}

// mergeStructuredOutput concatenates toolArgs from structured_output frames
// in arrival order into a single JSON object, later keys overriding earlier
// ones. ok is false when no chunk parsed as a JSON object.
func (r *Runtime) mergeStructuredOutput() (map[string]interface{}, bool) {
	if len(r.rt.chunks) == 0 {
		return nil, false
	}
	merged := map[string]interface{}{}
	anyOK := false
	for _, chunk := range r.rt.chunks {
		var obj map[string]interface{}
		if err := json.Unmarshal(chunk, &obj); err != nil {
			continue
		}
		anyOK = true
		for k, v := range obj {
			merged[k] = v
		}
	}
	return merged, anyOK
}

func (r *Runtime) publishRouting(ctx context.Context, result *HandlerResult) error {
	routingMap := map[string]interface{}{
		"type":         result.NextType,
		"eventKey":     r.rt.sess.EventKey,
		"sessionId":    r.rt.sess.SessionID,
		"requestId":    r.rt.sess.RequestID,
		"checkpointId": r.rt.sess.CheckpointID,
		"messageType":  r.rt.sess.MessageType,
	}
	if result.StructuredOutput != nil {
		routingMap["output"] = result.StructuredOutput
	} else if result.UnstructuredTrace != "" {
		routingMap["trace"] = result.UnstructuredTrace
	}

	data, err := json.Marshal(routingMap)
	if err != nil {
		return fmt.Errorf("marshal routing message: %w", err)
	}

	maxBytes := r.cfg.MaxWireBytes
	if maxBytes <= 0 {
		maxBytes = 100 * 1024 * 1024
	}
	if len(data) > maxBytes && result.UnstructuredTrace != "" {
		delete(routingMap, "trace")
		data, err = json.Marshal(routingMap)
		if err != nil {
			return fmt.Errorf("marshal routing message after trace strip: %w", err)
		}
	}

	return bus.PublishResponse(ctx, r.deps.Bus, r.deps.Topics, data)
}
