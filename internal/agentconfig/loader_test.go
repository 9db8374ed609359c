package agentconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
version: "1"
systemPrompt: "you are a helpful build agent"
commands:
  cmdA:
    description: "fix an issue"
    instructions: "fix {/issue}"
    model: "claude"
    tools: ["read", "write"]
    executionStrategy: "single-shot"
    exitExpression: "structured_output.success"
    outputSchema:
      $schema: "https://json-schema.org/draft/2020-12/schema"
      type: Object
      properties:
        success:
          type: BOOLEAN
        summary:
          type: string
      required: ["success"]
    toolServers:
      S:
        name: "S"
        command: "tool-server"
        args: ["--stdio"]
`

func TestCatalogLoad(t *testing.T) {
	t.Run("loads commands and normalizes schema types", func(t *testing.T) {
		catalog := NewCatalog(nil)
		require.NoError(t, catalog.Load([]byte(sampleCatalog)))

		cmd, ok := catalog.Lookup("cmdA")
		require.True(t, ok)
		assert.Equal(t, "cmdA", cmd.Name)
		assert.Equal(t, "fix {/issue}", cmd.Instructions)
		assert.Equal(t, "object", cmd.OutputSchema["type"])

		props := cmd.OutputSchema["properties"].(map[string]interface{})
		success := props["success"].(map[string]interface{})
		assert.Equal(t, "boolean", success["type"])
	})

	t.Run("unknown command is absent", func(t *testing.T) {
		catalog := NewCatalog(nil)
		require.NoError(t, catalog.Load([]byte(sampleCatalog)))

		_, ok := catalog.Lookup("does-not-exist")
		assert.False(t, ok)
	})

	t.Run("rejects a schema missing draft-2020-12", func(t *testing.T) {
		catalog := NewCatalog(nil)
		bad := `
version: "1"
commands:
  cmdB:
    instructions: "x"
    outputSchema:
      type: object
`
		err := catalog.Load([]byte(bad))
		assert.Error(t, err)
	})
}
