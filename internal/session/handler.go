package session

import (
	"context"

	"github.com/flowcore/flowcore/internal/acp"
)

// Handler is the per-command extension point (C10), resolved by command
// name at dispatch time. It is invoked once, after the session reaches
// COMPLETE, with the session and the ordered list of responses received
// over the transport.
type Handler interface {
	Handle(ctx context.Context, sess CommandSession, responses []acp.TaskResponse) (*HandlerResult, error)
}

// HandlerResult is what a Handler hands back to the runtime for it to
// serialize and publish as exactly one routing message.
type HandlerResult struct {
	// NextType names the outgoing message's "type": either the next
	// command's name, or the end_node/incomplete sentinel.
	NextType string

	// StructuredOutput is the parsed structured output, when available.
	StructuredOutput map[string]interface{}

	// UnstructuredTrace is the raw conversation trace, used when structured
	// output failed to parse, and stripped from the outgoing message first
	// if the serialized routing map would exceed the configured wire cap.
	UnstructuredTrace string
}

// Registry resolves a Handler by command name.
type Registry interface {
	Resolve(commandName string) (Handler, bool)
}
