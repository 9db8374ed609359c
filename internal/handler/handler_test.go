package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/flowcore/internal/acp"
	"github.com/flowcore/flowcore/internal/session"
)

func structuredFrame(t *testing.T, obj map[string]interface{}) acp.TaskResponse {
	t.Helper()
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	return acp.TaskResponse{Type: acp.FrameStructuredOut, Data: &acp.ToolCallData{ToolArgs: data}}
}

func TestDefaultHandlerRoutesToNextOnSuccess(t *testing.T) {
	h := &DefaultHandler{NextCommand: "review"}
	responses := []acp.TaskResponse{structuredFrame(t, map[string]interface{}{"success": true, "summary": "ok"})}

	result, err := h.Handle(context.Background(), session.CommandSession{}, responses)
	require.NoError(t, err)
	assert.Equal(t, "review", result.NextType)
	assert.Equal(t, "ok", result.StructuredOutput["summary"])
}

func TestDefaultHandlerRoutesToEndNodeOnFailure(t *testing.T) {
	h := &DefaultHandler{NextCommand: "review"}
	responses := []acp.TaskResponse{structuredFrame(t, map[string]interface{}{"success": false})}

	result, err := h.Handle(context.Background(), session.CommandSession{}, responses)
	require.NoError(t, err)
	assert.Equal(t, acp.TypeEndNode, result.NextType)
}

func TestDefaultHandlerRoutesToIncompleteWhenUnparseable(t *testing.T) {
	h := &DefaultHandler{NextCommand: "review"}
	responses := []acp.TaskResponse{
		{Type: acp.FrameUserResponse},
	}

	result, err := h.Handle(context.Background(), session.CommandSession{}, responses)
	require.NoError(t, err)
	assert.Equal(t, acp.TypeIncomplete, result.NextType)
	assert.NotEmpty(t, result.UnstructuredTrace)
}

func TestEndNodeHandlerAlwaysTerminates(t *testing.T) {
	h := EndNodeHandler{}
	responses := []acp.TaskResponse{structuredFrame(t, map[string]interface{}{"success": true})}

	result, err := h.Handle(context.Background(), session.CommandSession{}, responses)
	require.NoError(t, err)
	assert.Equal(t, acp.TypeEndNode, result.NextType)
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	h := &DefaultHandler{NextCommand: "next"}
	r.Register("greet", h)

	got, ok := r.Resolve("greet")
	require.True(t, ok)
	assert.Equal(t, h, got)

	_, ok = r.Resolve("missing")
	assert.False(t, ok)
}
