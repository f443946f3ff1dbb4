package adapter

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovhq/grov-proxy/internal/types"
)

func TestCodexAdapter_CanHandle(t *testing.T) {
	a := NewCodexAdapter()
	assert.True(t, a.CanHandle("/v1/responses"))
	assert.False(t, a.CanHandle("/v1/messages"))
}

func TestCodexAdapter_ExtractSessionID(t *testing.T) {
	a := NewCodexAdapter()
	id, ok := a.ExtractSessionID([]byte(`{"metadata":{"grov_session_id":"sess-9"}}`))
	require.True(t, ok)
	assert.Equal(t, "sess-9", id)
}

func TestCodexAdapter_ExtractTextContent(t *testing.T) {
	a := NewCodexAdapter()
	body := []byte(`{"output":[{"type":"message","content":[{"type":"output_text","text":"hello "}]},{"type":"function_call","name":"shell"},{"type":"message","content":[{"type":"output_text","text":"world"}]}]}`)
	assert.Equal(t, "hello world", a.ExtractTextContent(body))
}

func TestCodexAdapter_ExtractGoal(t *testing.T) {
	a := NewCodexAdapter()
	body := []byte(`{"input":[{"role":"user","content":[{"type":"input_text","text":"fix the bug"}]}]}`)
	goal, ok := a.ExtractGoal(body)
	require.True(t, ok)
	assert.Equal(t, "fix the bug", goal)
}

func TestCodexAdapter_ExtractHistorySkipsFunctionItems(t *testing.T) {
	a := NewCodexAdapter()
	body := []byte(`{"input":[` +
		`{"role":"user","content":[{"type":"input_text","text":"hi"}]},` +
		`{"type":"function_call","name":"shell","arguments":"{}","call_id":"c1"},` +
		`{"type":"function_call_output","call_id":"c1","output":"ok"},` +
		`{"role":"assistant","content":[{"type":"output_text","text":"done"}]}` +
		`]}`)
	hist := a.ExtractHistory(body)
	require.Len(t, hist, 2)
	assert.Equal(t, "user", hist[0].Role)
	assert.Equal(t, "assistant", hist[1].Role)
	assert.Equal(t, "done", hist[1].Text)
}

func TestCodexAdapter_ExtractUsage(t *testing.T) {
	a := NewCodexAdapter()
	body := []byte(`{"usage":{"input_tokens":20,"output_tokens":8,"input_tokens_details":{"cached_tokens":12}}}`)
	u := a.ExtractUsage(body)
	assert.Equal(t, Usage{InputTokens: 20, OutputTokens: 8, CacheCreationTokens: 0, CacheReadTokens: 12}, u)
}

func TestCodexAdapter_IsValidResponse(t *testing.T) {
	a := NewCodexAdapter()
	assert.True(t, a.IsValidResponse([]byte(`{"object":"response","output":[]}`)))
	assert.False(t, a.IsValidResponse([]byte(`{"object":"error"}`)))
}

func TestCodexAdapter_IsSubagentModel(t *testing.T) {
	a := NewCodexAdapter()
	assert.True(t, a.IsSubagentModel("gpt-4.1-mini"))
	assert.False(t, a.IsSubagentModel("gpt-4.1"))
}

func TestCodexAdapter_IsEndTurn(t *testing.T) {
	a := NewCodexAdapter()
	assert.True(t, a.IsEndTurn([]byte(`{"status":"completed"}`)))
	assert.True(t, a.IsEndTurn([]byte(`{"status":"incomplete"}`)))
	assert.False(t, a.IsEndTurn([]byte(`{"status":"in_progress"}`)))
}

func TestCodexAdapter_ToolUseBlocksAndActions(t *testing.T) {
	a := NewCodexAdapter()
	body := []byte(`{"output":[` +
		`{"type":"function_call","call_id":"c1","name":"shell","arguments":"{\"command\":\"ls -la\"}"},` +
		`{"type":"function_call","call_id":"c2","name":"apply_patch","arguments":"{\"file_path\":\"main.go\"}"}` +
		`]}`)

	assert.True(t, a.IsToolUse(body))

	blocks := a.GetToolUseBlocks(body)
	require.Len(t, blocks, 2)
	assert.Equal(t, "c1", blocks[0].ID)
	assert.Equal(t, "ls -la", blocks[0].Input["command"])

	steps := a.ParseActions(body)
	require.Len(t, steps, 2)
	assert.Equal(t, types.ActionBash, steps[0].ActionType)

	block, ok := a.FindInternalToolUse(body, "shell")
	require.True(t, ok)
	assert.Equal(t, "c1", block.ID)
}

func TestCodexAdapter_GetSetMessages(t *testing.T) {
	a := NewCodexAdapter()
	body := []byte(`{"input":[{"role":"user","content":[{"type":"input_text","text":"hi"}]}]}`)
	items, err := a.GetMessages(body)
	require.NoError(t, err)
	require.Len(t, items, 1)

	items = append(items, Message{"type": "function_call_output", "call_id": "c1", "output": "ok"})
	out, err := a.SetMessages(body, items)
	require.NoError(t, err)

	again, err := a.GetMessages(out)
	require.NoError(t, err)
	require.Len(t, again, 2)
}

func TestCodexAdapter_GetLastUserContent(t *testing.T) {
	a := NewCodexAdapter()
	body := []byte(`{"input":[` +
		`{"role":"user","content":[{"type":"input_text","text":"first"}]},` +
		`{"role":"assistant","content":[{"type":"output_text","text":"reply"}]},` +
		`{"role":"user","content":[{"type":"input_text","text":"second"}]}` +
		`]}`)
	content, ok := a.GetLastUserContent(body)
	require.True(t, ok)
	assert.Equal(t, "second", content)
}

func TestCodexAdapter_InjectMemoryAndDelta(t *testing.T) {
	a := NewCodexAdapter()
	msgs := []Message{{"role": "user", "content": []any{map[string]any{"type": "input_text", "text": "hi"}}}}

	out := a.InjectMemory(msgs, "memory preview")
	content := out[0]["content"].([]any)
	require.Len(t, content, 2)
}

func TestCodexAdapter_InjectTool(t *testing.T) {
	a := NewCodexAdapter()
	body := []byte(`{"tools":[{"name":"shell"}]}`)
	out, err := a.InjectTool(body, map[string]any{"name": "grov_expand"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "grov_expand")
}

func TestCodexAdapter_RawInjection(t *testing.T) {
	a := NewCodexAdapter()

	body := []byte(`{"instructions":"be helpful","input":[{"role":"user","content":[{"type":"input_text","text":"hi"}]}]}`)
	out, ok := a.InjectIntoRawSystemPrompt(body, "extra")
	require.True(t, ok)
	assert.Contains(t, string(out), "extra")

	out2, ok := a.InjectIntoRawUserMessage(body, "delta")
	require.True(t, ok)
	assert.Contains(t, string(out2), "delta")

	out3, ok := a.InjectToolIntoRawBody([]byte(`{"input":[]}`), `{"name":"t"}`)
	require.True(t, ok)
	assert.Contains(t, string(out3), `"tools"`)

	body2 := []byte(`{"input":[{"role":"user","content":[{"type":"input_text","text":"hi"}]}]}`)
	out4, ok := a.InjectTextAtRawIndex(body2, 0, "reconstructed")
	require.True(t, ok)
	assert.Contains(t, string(out4), "reconstructed")
}

func TestCodexAdapter_BuildContinueBody(t *testing.T) {
	a := NewCodexAdapter()
	body := []byte(`{"input":[` +
		`{"role":"user","content":[{"type":"input_text","text":"hi"}]},` +
		`{"type":"function_call","call_id":"c1","name":"shell","arguments":"{}"}` +
		`]}`)
	out, err := a.BuildContinueBody(body, "c1", "shell", "ls output")
	require.NoError(t, err)

	items, err := a.GetMessages(out)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "function_call_output", items[2]["type"])
}

func TestCodexAdapter_GetSettings(t *testing.T) {
	a := NewCodexAdapter()
	body := []byte(`{"model":"gpt-4.1","max_output_tokens":2048,"stream":false}`)
	s := a.GetSettings(body)
	assert.Equal(t, "gpt-4.1", s.Model)
	assert.Equal(t, 2048, s.MaxTokens)
	assert.False(t, s.Stream)
}

func TestCodexAdapter_FilterResponseHeaders(t *testing.T) {
	a := NewCodexAdapter()
	h := http.Header{"Content-Length": {"5"}, "X-Request-Id": {"abc"}}
	out := a.FilterResponseHeaders(h)
	assert.NotContains(t, out, "Content-Length")
}
