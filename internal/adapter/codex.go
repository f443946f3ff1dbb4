package adapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/grovhq/grov-proxy/internal/rawbody"
	"github.com/grovhq/grov-proxy/internal/types"
)

// CodexAdapter implements Adapter for the responses-with-input-items
// wire protocol: a plain-string top-level "instructions" field, an
// "input" array of items (message items carry role+content blocks,
// function_call items carry name/arguments/call_id directly), and a
// top-level "tools" array. Responses carry their items under "output".
type CodexAdapter struct{}

// NewCodexAdapter constructs the Codex-style adapter.
func NewCodexAdapter() *CodexAdapter { return &CodexAdapter{} }

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) CanHandle(path string) bool {
	return path == "/v1/responses"
}

func (a *CodexAdapter) ExtractProjectPath(r *http.Request) string {
	if v := r.Header.Get("X-Grov-Project-Path"); v != "" {
		return v
	}
	return r.URL.Query().Get("project")
}

func (a *CodexAdapter) ExtractSessionID(body []byte) (string, bool) {
	v := gjson.GetBytes(body, "metadata.grov_session_id")
	if !v.Exists() {
		return "", false
	}
	return v.String(), true
}

func (a *CodexAdapter) ExtractTextContent(body []byte) string {
	var sb strings.Builder
	for _, item := range gjson.GetBytes(body, "output").Array() {
		if item.Get("type").String() != "message" {
			continue
		}
		sb.WriteString(flattenContent(item.Get("content")))
	}
	return sb.String()
}

func (a *CodexAdapter) ExtractGoal(body []byte) (string, bool) {
	return a.GetLastUserContent(body)
}

func (a *CodexAdapter) ExtractHistory(body []byte) []HistoryMessage {
	var out []HistoryMessage
	for _, item := range gjson.GetBytes(body, "input").Array() {
		role := item.Get("role").String()
		if role == "" {
			continue // function_call/function_call_output items carry no role
		}
		out = append(out, HistoryMessage{Role: role, Text: flattenContent(item.Get("content"))})
	}
	return out
}

func (a *CodexAdapter) ExtractUsage(body []byte) Usage {
	u := gjson.GetBytes(body, "usage")
	return Usage{
		InputTokens:         int(u.Get("input_tokens").Int()),
		OutputTokens:        int(u.Get("output_tokens").Int()),
		CacheCreationTokens: 0, // the Responses API reports only cumulative cached_tokens, not a creation/read split
		CacheReadTokens:     int(u.Get("input_tokens_details.cached_tokens").Int()),
	}
}

func (a *CodexAdapter) IsValidResponse(body []byte) bool {
	return gjson.GetBytes(body, "object").String() == "response" && gjson.GetBytes(body, "output").Exists()
}

func (a *CodexAdapter) IsSubagentModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "mini")
}

func (a *CodexAdapter) IsEndTurn(body []byte) bool {
	status := gjson.GetBytes(body, "status").String()
	return status == "completed" || status == "incomplete"
}

func (a *CodexAdapter) IsToolUse(body []byte) bool {
	return len(a.GetToolUseBlocks(body)) > 0
}

func (a *CodexAdapter) ParseActions(body []byte) []types.RecentStep {
	var steps []types.RecentStep
	for _, block := range a.GetToolUseBlocks(body) {
		steps = append(steps, types.RecentStep{
			ActionType: classifyToolName(block.Name),
			Files:      filesFromInput(block.Input),
			Command:    commandFromInput(block.Input),
		})
	}
	return steps
}

func (a *CodexAdapter) GetToolUseBlocks(body []byte) []ToolUseBlock {
	var out []ToolUseBlock
	for _, item := range gjson.GetBytes(body, "output").Array() {
		if item.Get("type").String() != "function_call" {
			continue
		}
		input := map[string]any{}
		// arguments is a JSON-encoded string in the Responses API, not a
		// nested object like Claude's tool_use.input.
		if args := item.Get("arguments").String(); args != "" {
			_ = json.Unmarshal([]byte(args), &input)
		}
		out = append(out, ToolUseBlock{
			ID:    item.Get("call_id").String(),
			Name:  item.Get("name").String(),
			Input: input,
		})
	}
	return out
}

func (a *CodexAdapter) FindInternalToolUse(body []byte, toolName string) (ToolUseBlock, bool) {
	for _, b := range a.GetToolUseBlocks(body) {
		if b.Name == toolName {
			return b, true
		}
	}
	return ToolUseBlock{}, false
}

func (a *CodexAdapter) GetMessages(body []byte) ([]Message, error) {
	raw := gjson.GetBytes(body, "input").Raw
	if raw == "" {
		return nil, nil
	}
	var items []Message
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("adapter: decode input: %w", err)
	}
	return items, nil
}

func (a *CodexAdapter) SetMessages(body []byte, messages []Message) ([]byte, error) {
	out, err := sjson.SetBytes(body, "input", messages)
	if err != nil {
		return body, fmt.Errorf("adapter: set input: %w", err)
	}
	return out, nil
}

func (a *CodexAdapter) GetLastUserContent(body []byte) (string, bool) {
	items := gjson.GetBytes(body, "input").Array()
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Get("role").String() == "user" {
			return flattenContent(items[i].Get("content")), true
		}
	}
	return "", false
}

func (a *CodexAdapter) InjectMemory(messages []Message, text string) []Message {
	return appendTextToLastRole(messages, "user", text)
}

func (a *CodexAdapter) InjectDelta(messages []Message, text string) []Message {
	return appendTextToLastRole(messages, "user", text)
}

func (a *CodexAdapter) InjectTool(body []byte, tool map[string]any) ([]byte, error) {
	tools := gjson.GetBytes(body, "tools")
	var list []map[string]any
	if tools.Exists() {
		if err := json.Unmarshal([]byte(tools.Raw), &list); err != nil {
			return body, fmt.Errorf("adapter: decode tools: %w", err)
		}
	}
	list = append(list, tool)
	out, err := sjson.SetBytes(body, "tools", list)
	if err != nil {
		return body, fmt.Errorf("adapter: set tools: %w", err)
	}
	return out, nil
}

func (a *CodexAdapter) InjectIntoRawSystemPrompt(body []byte, text string) ([]byte, bool) {
	return rawbody.InjectStringField(body, "instructions", text)
}

func (a *CodexAdapter) InjectIntoRawUserMessage(body []byte, text string) ([]byte, bool) {
	return rawbody.InjectLastRoleTextTyped(body, "input", "user", "input_text", text)
}

func (a *CodexAdapter) InjectToolIntoRawBody(body []byte, toolJSON string) ([]byte, bool) {
	return rawbody.InjectToolInto(body, "tools", toolJSON, "input")
}

func (a *CodexAdapter) InjectTextAtRawIndex(body []byte, index int, text string) ([]byte, bool) {
	return rawbody.InjectTextAtIndexTyped(body, "input", index, "input_text", text)
}

func (a *CodexAdapter) FilterResponseHeaders(h http.Header) http.Header {
	return filterHeaders(h)
}

// BuildContinueBody appends a function_call_output item carrying the tool
// result for call_id toolUseID. Callers are expected to have already
// appended the assistant's function_call item to the request's input list
// via SetMessages before calling this.
func (a *CodexAdapter) BuildContinueBody(body []byte, toolUseID, toolName, toolResult string) ([]byte, error) {
	resultItem := Message{
		"type":    "function_call_output",
		"call_id": toolUseID,
		"output":  toolResult,
	}
	items, err := a.GetMessages(body)
	if err != nil {
		return body, err
	}
	items = append(items, resultItem)
	return a.SetMessages(body, items)
}

func (a *CodexAdapter) GetSettings(body []byte) Settings {
	return Settings{
		Model:     gjson.GetBytes(body, "model").String(),
		MaxTokens: int(gjson.GetBytes(body, "max_output_tokens").Int()),
		Stream:    gjson.GetBytes(body, "stream").Bool(),
	}
}

func (a *CodexAdapter) GetResponseContentType() string { return "application/json" }
