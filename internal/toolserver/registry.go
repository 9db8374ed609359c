package toolserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/flowcore/flowcore/internal/acp"
	"github.com/flowcore/flowcore/internal/common/config"
	"github.com/flowcore/flowcore/internal/common/flowerrors"
	"github.com/flowcore/flowcore/internal/common/logger"
)

// Registry owns one connection per declared tool server and dispatches
// calls/listTools against them by name. Connections are established lazily
// on first use and cached until a call or listTools on them fails, Declare
// replaces the server, or the registry is closed.
type Registry struct {
	cfg config.ToolServerConfig
	log *logger.Logger

	mu      sync.Mutex
	servers map[string]*acp.ToolServerDescriptor
	handles map[string]serverHandle
	runtime *containerRuntime
}

// serverHandle is the uniform interface both transport modes satisfy.
type serverHandle interface {
	listTools(ctx context.Context) ([]Tool, error)
	call(ctx context.Context, tool string, args map[string]interface{}) (*CallResult, error)
	close() error
}

// NewRegistry constructs an empty registry. Declare must be called once per
// tool server before Call/ListTools can reach it.
func NewRegistry(cfg config.ToolServerConfig, log *logger.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		log:     log,
		servers: make(map[string]*acp.ToolServerDescriptor),
		handles: make(map[string]serverHandle),
	}
}

// Declare registers a tool server descriptor under its name, without
// connecting yet. Calling Declare again for the same name replaces the
// descriptor and drops any existing connection.
func (r *Registry) Declare(desc acp.ToolServerDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[desc.Name] = &desc
	if h, ok := r.handles[desc.Name]; ok {
		_ = h.close()
		delete(r.handles, desc.Name)
	}
}

// Status reports whether name's connection is healthy or failed. A declared
// server without a live connection (never connected, closed, or dropped
// after a failed call) reports failed; these cases are not distinguished.
// An undeclared name reports known=false.
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[name]; ok {
		return StatusHealthy, true
	}
	if _, ok := r.servers[name]; ok {
		return StatusFailed, true
	}
	return "", false
}

func (r *Registry) handleFor(ctx context.Context, name string) (serverHandle, error) {
	r.mu.Lock()
	if h, ok := r.handles[name]; ok {
		r.mu.Unlock()
		return h, nil
	}
	desc, ok := r.servers[name]
	r.mu.Unlock()
	if !ok {
		return nil, &Error{ServerName: name, Err: flowerrors.ErrToolServerUnavailable}
	}

	spawnCtx, cancel := context.WithTimeout(ctx, r.spawnTimeout())
	defer cancel()

	h, err := r.connect(spawnCtx, *desc)
	if err != nil {
		r.log.Warn("tool server connect failed", zap.String("server", name), zap.Error(err))
		return nil, &Error{ServerName: name, Err: err}
	}

	r.mu.Lock()
	r.handles[name] = h
	r.mu.Unlock()
	return h, nil
}

func (r *Registry) spawnTimeout() time.Duration {
	if r.cfg.SpawnTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(r.cfg.SpawnTimeoutSec) * time.Second
}

func (r *Registry) connect(ctx context.Context, desc acp.ToolServerDescriptor) (serverHandle, error) {
	switch desc.Mode {
	case acp.ServerModeDocker:
		return newDockerHandle(ctx, desc, r.dockerRuntime, r.log)
	case acp.ServerModeStdio, "":
		return newStdioHandle(ctx, desc)
	default:
		return nil, fmt.Errorf("unsupported tool server mode %q", desc.Mode)
	}
}

func (r *Registry) dockerRuntime() (*containerRuntime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runtime != nil {
		return r.runtime, nil
	}
	rt, err := newContainerRuntime(r.log)
	if err != nil {
		return nil, err
	}
	r.runtime = rt
	return rt, nil
}

// ListTools returns the tools exposed by the named server, connecting to it
// if this is the first call.
func (r *Registry) ListTools(ctx context.Context, name string) ([]Tool, error) {
	h, err := r.handleFor(ctx, name)
	if err != nil {
		return nil, err
	}
	tools, err := h.listTools(ctx)
	if err != nil {
		r.markFailed(name)
		return nil, &Error{ServerName: name, Err: err}
	}
	return tools, nil
}

// Call invokes tool on the named server with args, bounding the call by the
// configured request timeout. A failing call marks the server failed without
// tearing down the registry (per the failure-isolation policy) so subsequent
// calls to other servers are unaffected.
func (r *Registry) Call(ctx context.Context, name, tool string, args map[string]interface{}) (*CallResult, error) {
	h, err := r.handleFor(ctx, name)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.requestTimeout())
	defer cancel()

	result, err := h.call(callCtx, tool, args)
	if err != nil {
		r.markFailed(name)
		return nil, &Error{ServerName: name, Err: err}
	}
	return result, nil
}

func (r *Registry) requestTimeout() time.Duration {
	if r.cfg.RequestTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.cfg.RequestTimeoutSec) * time.Second
}

func (r *Registry) markFailed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[name]; ok {
		_ = h.close()
		delete(r.handles, name)
	}
}

// Close disconnects every server and shuts down any container runtime.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, h := range r.handles {
		if err := h.close(); err != nil {
			r.log.Warn("error closing tool server", zap.String("server", name), zap.Error(err))
		}
	}
	r.handles = make(map[string]serverHandle)
	if r.runtime != nil {
		_ = r.runtime.Close()
		r.runtime = nil
	}
	return nil
}

// stdioHandle wraps a real MCP client talking to a locally-spawned process.
type stdioHandle struct {
	client *mcpclient.Client
}

func newStdioHandle(ctx context.Context, desc acp.ToolServerDescriptor) (*stdioHandle, error) {
	env := make([]string, 0, len(desc.Env))
	for k, v := range desc.Env {
		env = append(env, k+"="+v)
	}

	c, err := mcpclient.NewStdioMCPClient(desc.Command, env, desc.Args...)
	if err != nil {
		return nil, fmt.Errorf("spawn stdio tool server %q: %w", desc.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "flowcore", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize stdio tool server %q: %w", desc.Name, err)
	}

	return &stdioHandle{client: c}, nil
}

func (h *stdioHandle) listTools(ctx context.Context) ([]Tool, error) {
	resp, err := h.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	tools := make([]Tool, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		tools = append(tools, Tool{Name: t.Name, Description: t.Description})
	}
	return tools, nil
}

func (h *stdioHandle) call(ctx context.Context, tool string, args map[string]interface{}) (*CallResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	resp, err := h.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}
	return toCallResult(resp), nil
}

func (h *stdioHandle) close() error {
	return h.client.Close()
}

func toCallResult(resp *mcp.CallToolResult) *CallResult {
	result := &CallResult{IsError: resp.IsError}
	for _, c := range resp.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			result.Content = append(result.Content, ContentBlock{Type: "text", Text: tc.Text})
		}
	}
	return result
}
