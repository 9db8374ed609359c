// Package session implements the agent-session runtime (C9): the
// CommandSession value type that flows through one command invocation, and
// the Runtime state machine that drives a command to completion over the
// session transport.
package session

import (
	"github.com/flowcore/flowcore/internal/agentconfig"
)

// CommandSession is an immutable value describing one command invocation.
// Only requestID and checkpointID change across a reconnect; everything
// else is fixed for the lifetime of the session.
type CommandSession struct {
	SessionID    string
	RequestID    string
	CheckpointID string
	EventKey     string
	MessageType  string
	Payload      map[string]interface{}
	AgentCommand *agentconfig.AgentCommand

	AttemptCount            int
	ProjectStringStructure  string
	ToolClients             []string
}

// New constructs a CommandSession for a freshly routed command. sessionID
// should be a new opaque identifier unless the triggering envelope already
// carried one (chained invocations).
func New(sessionID, eventKey, messageType string, payload map[string]interface{}, cmd *agentconfig.AgentCommand) CommandSession {
	return CommandSession{
		SessionID:   sessionID,
		EventKey:    eventKey,
		MessageType: messageType,
		Payload:     payload,
		AgentCommand: cmd,
	}
}

// WithRequestID returns a copy with a new request ID, as happens on every
// reconnect attempt.
func (s CommandSession) WithRequestID(requestID string) CommandSession {
	s.RequestID = requestID
	return s
}

// WithCheckpoint returns a copy with the checkpoint ID the agent server
// assigned in a READY frame.
func (s CommandSession) WithCheckpoint(checkpointID string) CommandSession {
	s.CheckpointID = checkpointID
	return s
}

// WithAttemptIncremented returns a copy with AttemptCount bumped by one,
// used to track reconnect/retry attempts for diagnostics.
func (s CommandSession) WithAttemptIncremented() CommandSession {
	s.AttemptCount++
	return s
}

// Valid reports the session-handoff invariant: sessionID and messageType
// must be non-empty before a session is handed to the runtime.
func (s CommandSession) Valid() bool {
	return s.SessionID != "" && s.MessageType != ""
}
