package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolDefinition(t *testing.T) {
	def := ToolDefinition()
	assert.Equal(t, ExpandToolName, def["name"])
	assert.Contains(t, def["description"], "grov_expand")

	schema, ok := def["input_schema"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object", schema["type"])
}

func TestExpandToolDescriptionIsByteStable(t *testing.T) {
	a := expandToolDescription
	b := ToolDefinition()["description"].(string)
	assert.Equal(t, a, b)
}
