package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowcore/flowcore/internal/acp"
	"github.com/flowcore/flowcore/internal/common/logger"
	"github.com/flowcore/flowcore/internal/jsonrpc"
)

// dockerHandle talks MCP over hand-framed JSON-RPC to a tool server running
// inside a container, since the container's stdio is reached through Docker's
// attach API rather than a local process the mcp-go stdio transport can spawn
// directly.
type dockerHandle struct {
	container *attachedContainer
	runtime   *containerRuntime
	rpc       *jsonrpc.Client
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      clientInfo     `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

func newDockerHandle(ctx context.Context, desc acp.ToolServerDescriptor, getRuntime func() (*containerRuntime, error), log *logger.Logger) (*dockerHandle, error) {
	runtime, err := getRuntime()
	if err != nil {
		return nil, fmt.Errorf("acquire container runtime: %w", err)
	}

	container, err := runtime.spawn(ctx, "flowcore-tool-"+desc.Name, desc.DockerImage, desc.Args, desc.Env)
	if err != nil {
		return nil, err
	}

	rpc := jsonrpc.New(container.Stdin, container.Stdout, log)
	rpc.Start(ctx)

	h := &dockerHandle{container: container, runtime: runtime, rpc: rpc}

	resp, err := rpc.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: "2024-11-05",
		ClientInfo:      clientInfo{Name: "flowcore", Version: "0.1.0"},
	})
	if err != nil {
		h.close()
		return nil, fmt.Errorf("initialize docker tool server %q: %w", desc.Name, err)
	}
	if resp.Error != nil {
		h.close()
		return nil, fmt.Errorf("initialize docker tool server %q: %w", desc.Name, resp.Error)
	}
	_ = rpc.Notify("notifications/initialized", nil)

	return h, nil
}

func (h *dockerHandle) listTools(ctx context.Context) ([]Tool, error) {
	resp, err := h.rpc.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result toolsListResult
	if err := unmarshalResult(resp, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (h *dockerHandle) call(ctx context.Context, tool string, args map[string]interface{}) (*CallResult, error) {
	resp, err := h.rpc.Call(ctx, "tools/call", toolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result CallResult
	if err := unmarshalResult(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (h *dockerHandle) close() error {
	h.rpc.Stop()
	if h.container != nil {
		_ = h.container.Close()
		h.runtime.stop(h.container.ID)
	}
	return nil
}

func unmarshalResult(resp *jsonrpc.Response, out interface{}) error {
	if len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}
