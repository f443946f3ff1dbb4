package memory

// ExpandToolName is the synthetic tool name exposed to the upstream model
// for resolving preview IDs to full memory bodies.
const ExpandToolName = "grov_expand"

// expandToolDescription is byte-stable across turns by construction (a
// package-level constant) so it participates in the upstream prompt-prefix
// cache. Do not reformat without checking cache-hit expectations downstream.
const expandToolDescription = `When you see a "PROJECT KNOWLEDGE BASE" block in the user's message:
1. Read only the most recent such block in the latest user message. Ignore any older one still visible earlier in the conversation.
2. Immediately call grov_expand with the IDs listed in that block, before doing anything else.
3. Analyze the expanded content once it's returned.
4. Decide whether you can answer directly from that knowledge, or whether you still need to inspect the code before answering.`

// ToolDefinition returns the synthetic tool's JSON-ready definition, ready
// to be passed to an adapter's InjectTool.
func ToolDefinition() map[string]any {
	return map[string]any{
		"name":        ExpandToolName,
		"description": expandToolDescription,
		"input_schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ids": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Memory IDs (full or 8-char prefix) taken from the most recent knowledge-base block.",
				},
			},
			"required": []string{"ids"},
		},
	}
}
