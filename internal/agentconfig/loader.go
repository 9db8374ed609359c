package agentconfig

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/flowcore/flowcore/internal/common/logger"
)

const draft202012 = "https://json-schema.org/draft/2020-12/schema"

// Catalog provides read-mostly access to the command catalog. Every read
// takes a shared read lock; reloading swaps the whole snapshot under the
// write lock.
type Catalog struct {
	mu     sync.RWMutex
	config *AgentConfig
	log    *logger.Logger
}

// NewCatalog constructs an empty catalog. Call Load or LoadFile to populate it.
func NewCatalog(log *logger.Logger) *Catalog {
	return &Catalog{log: log}
}

// LoadFile reads and parses the command catalog YAML file at path.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read command catalog %s: %w", path, err)
	}
	return c.Load(data)
}

// Load parses raw YAML bytes into the catalog, validating every command's
// output schema and normalizing property type names to lowercase.
func (c *Catalog) Load(data []byte) error {
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse command catalog: %w", err)
	}

	for name, cmd := range cfg.Commands {
		cmd.Name = name
		if cmd.OutputSchema != nil {
			lowercaseTypeValues(cmd.OutputSchema)
			if err := validateOutputSchema(cmd.OutputSchema); err != nil {
				return fmt.Errorf("command %q: invalid output schema: %w", name, err)
			}
		}
	}

	c.mu.Lock()
	c.config = &cfg
	c.mu.Unlock()

	if c.log != nil {
		c.log.Info("loaded command catalog", zap.Int("commands", len(cfg.Commands)))
	}
	return nil
}

// Lookup returns the named command, or false if the catalog has no such
// command (or has not been loaded).
func (c *Catalog) Lookup(name string) (*AgentCommand, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config == nil {
		return nil, false
	}
	cmd, ok := c.config.Commands[name]
	return cmd, ok
}

// Names returns every command name currently in the catalog.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config == nil {
		return nil
	}
	names := make([]string, 0, len(c.config.Commands))
	for name := range c.config.Commands {
		names = append(names, name)
	}
	return names
}

// SystemPrompt returns the catalog-wide default system prompt.
func (c *Catalog) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config == nil {
		return ""
	}
	return c.config.SystemPrompt
}

// validateOutputSchema enforces the invariant that an output schema is an
// object schema declared against draft 2020-12.
func validateOutputSchema(schema map[string]interface{}) error {
	if s, ok := schema["$schema"].(string); !ok || !strings.Contains(s, "2020-12") {
		return fmt.Errorf("outputSchema.$schema must be draft-2020-12, got %v", schema["$schema"])
	}
	if t, ok := schema["type"].(string); !ok || t != "object" {
		return fmt.Errorf("outputSchema.type must be \"object\", got %v", schema["type"])
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("outputSchema.json", schema); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := compiler.Compile("outputSchema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

// lowercaseTypeValues normalizes every "type" property value in a JSON
// schema tree to lowercase, per the catalog invariant.
func lowercaseTypeValues(node interface{}) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if key == "type" {
				switch t := val.(type) {
				case string:
					v[key] = strings.ToLower(t)
				case []interface{}:
					for i, item := range t {
						if s, ok := item.(string); ok {
							t[i] = strings.ToLower(s)
						}
					}
				}
				continue
			}
			lowercaseTypeValues(val)
		}
	case []interface{}:
		for _, item := range v {
			lowercaseTypeValues(item)
		}
	}
}
