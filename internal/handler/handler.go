// Package handler implements the per-command handler contract (C10): each
// agent command names a Handler that inspects the completed session and
// decides the next command (or terminal sentinel) to route to.
package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/flowcore/flowcore/internal/acp"
	"github.com/flowcore/flowcore/internal/session"
)

// DefaultHandler implements the common decision in spec: if the structured
// output parses and reports success, route to NextCommand; otherwise route
// to the end_node or incomplete sentinel. Most commands need nothing more
// than this, configured with their own next-command name.
type DefaultHandler struct {
	NextCommand string
}

// Handle builds a HandlerResult from the session's accumulated responses.
func (h *DefaultHandler) Handle(ctx context.Context, sess session.CommandSession, responses []acp.TaskResponse) (*session.HandlerResult, error) {
	structured, ok := mergeStructuredOutput(responses)
	if !ok {
		return &session.HandlerResult{
			NextType:          acp.TypeIncomplete,
			UnstructuredTrace: traceText(responses),
		}, nil
	}

	if success, _ := structured["success"].(bool); success {
		return &session.HandlerResult{
			NextType:         h.NextCommand,
			StructuredOutput: structured,
		}, nil
	}

	return &session.HandlerResult{
		NextType:         acp.TypeEndNode,
		StructuredOutput: structured,
	}, nil
}

// EndNodeHandler always terminates the chain; used for commands that are
// sinks (no downstream command to route to).
type EndNodeHandler struct{}

func (EndNodeHandler) Handle(ctx context.Context, sess session.CommandSession, responses []acp.TaskResponse) (*session.HandlerResult, error) {
	structured, _ := mergeStructuredOutput(responses)
	return &session.HandlerResult{
		NextType:         acp.TypeEndNode,
		StructuredOutput: structured,
	}, nil
}

func mergeStructuredOutput(responses []acp.TaskResponse) (map[string]interface{}, bool) {
	merged := map[string]interface{}{}
	anyOK := false
	for _, r := range responses {
		if !strings.EqualFold(r.Type, acp.FrameStructuredOut) || r.Data == nil || len(r.Data.ToolArgs) == 0 {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(r.Data.ToolArgs, &obj); err != nil {
			continue
		}
		anyOK = true
		for k, v := range obj {
			merged[k] = v
		}
	}
	if !anyOK {
		return nil, false
	}
	return merged, true
}

func traceText(responses []acp.TaskResponse) string {
	data, err := json.Marshal(responses)
	if err != nil {
		return ""
	}
	return string(data)
}
