// Package agentconfig loads and validates the command catalog: a YAML
// document naming every agent command this process can run, its prompt
// template, its output schema, and the tool servers it requires.
package agentconfig

import (
	"encoding/json"

	"github.com/flowcore/flowcore/internal/acp"
)

// AgentCommand is one named entry in the command catalog. It is immutable
// for the lifetime of the process; config reload replaces the whole catalog.
type AgentCommand struct {
	Name              string                            `yaml:"-"`
	Description       string                            `yaml:"description"`
	SystemPrompt      string                             `yaml:"systemPrompt"`
	Instructions      string                             `yaml:"instructions"`
	Model             string                             `yaml:"model"`
	Tools             []string                           `yaml:"tools"`
	ExecutionStrategy string                              `yaml:"executionStrategy"`
	OutputSchema      map[string]interface{}             `yaml:"outputSchema"`
	ToolServers       map[string]acp.ToolServerDescriptor `yaml:"toolServers"`
	ExitExpression    string                              `yaml:"exitExpression"`
	NextCommand       string                              `yaml:"nextCommand"`
}

// AgentConfig is the parsed command catalog.
type AgentConfig struct {
	Version      string                   `yaml:"version"`
	SystemPrompt string                   `yaml:"systemPrompt"`
	Commands     map[string]*AgentCommand `yaml:"commands"`
}

// OutputSchemaJSON re-serializes the command's output schema as JSON. The
// loader's schema validation compiles the parsed map directly and does not
// use it.
func (c *AgentCommand) OutputSchemaJSON() ([]byte, error) {
	if c.OutputSchema == nil {
		return nil, nil
	}
	return json.Marshal(c.OutputSchema)
}
