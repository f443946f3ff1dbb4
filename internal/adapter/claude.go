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

// ClaudeAdapter implements Adapter for the Claude messages API: a
// top-level "system" array, a "messages" array whose content is either a
// string or an array of typed blocks, and a "tools" array.
type ClaudeAdapter struct{}

// NewClaudeAdapter constructs the Claude-style adapter.
func NewClaudeAdapter() *ClaudeAdapter { return &ClaudeAdapter{} }

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) CanHandle(path string) bool {
	return path == "/v1/messages"
}

func (a *ClaudeAdapter) ExtractProjectPath(r *http.Request) string {
	if v := r.Header.Get("X-Grov-Project-Path"); v != "" {
		return v
	}
	return r.URL.Query().Get("project")
}

func (a *ClaudeAdapter) ExtractSessionID(body []byte) (string, bool) {
	v := gjson.GetBytes(body, "metadata.grov_session_id")
	if !v.Exists() {
		return "", false
	}
	return v.String(), true
}

func (a *ClaudeAdapter) ExtractTextContent(body []byte) string {
	var sb strings.Builder
	for _, block := range gjson.GetBytes(body, "content").Array() {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
	}
	return sb.String()
}

func (a *ClaudeAdapter) ExtractGoal(body []byte) (string, bool) {
	return a.GetLastUserContent(body)
}

func (a *ClaudeAdapter) ExtractHistory(body []byte) []HistoryMessage {
	var out []HistoryMessage
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		out = append(out, HistoryMessage{
			Role: msg.Get("role").String(),
			Text: flattenContent(msg.Get("content")),
		})
	}
	return out
}

func (a *ClaudeAdapter) ExtractUsage(body []byte) Usage {
	u := gjson.GetBytes(body, "usage")
	return Usage{
		InputTokens:         int(u.Get("input_tokens").Int()),
		OutputTokens:        int(u.Get("output_tokens").Int()),
		CacheCreationTokens: int(u.Get("cache_creation_input_tokens").Int()),
		CacheReadTokens:     int(u.Get("cache_read_input_tokens").Int()),
	}
}

func (a *ClaudeAdapter) IsValidResponse(body []byte) bool {
	return gjson.GetBytes(body, "type").String() == "message" && gjson.GetBytes(body, "role").Exists()
}

func (a *ClaudeAdapter) IsSubagentModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "haiku")
}

func (a *ClaudeAdapter) IsEndTurn(body []byte) bool {
	reason := gjson.GetBytes(body, "stop_reason").String()
	return reason == "end_turn" || reason == "stop_sequence" || reason == "max_tokens"
}

func (a *ClaudeAdapter) IsToolUse(body []byte) bool {
	return gjson.GetBytes(body, "stop_reason").String() == "tool_use" || len(a.GetToolUseBlocks(body)) > 0
}

func (a *ClaudeAdapter) ParseActions(body []byte) []types.RecentStep {
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

func (a *ClaudeAdapter) GetToolUseBlocks(body []byte) []ToolUseBlock {
	var out []ToolUseBlock
	for _, block := range gjson.GetBytes(body, "content").Array() {
		if block.Get("type").String() != "tool_use" {
			continue
		}
		input, _ := block.Get("input").Value().(map[string]any)
		out = append(out, ToolUseBlock{
			ID:    block.Get("id").String(),
			Name:  block.Get("name").String(),
			Input: input,
		})
	}
	return out
}

func (a *ClaudeAdapter) FindInternalToolUse(body []byte, toolName string) (ToolUseBlock, bool) {
	for _, b := range a.GetToolUseBlocks(body) {
		if b.Name == toolName {
			return b, true
		}
	}
	return ToolUseBlock{}, false
}

func (a *ClaudeAdapter) GetMessages(body []byte) ([]Message, error) {
	raw := gjson.GetBytes(body, "messages").Raw
	if raw == "" {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("adapter: decode messages: %w", err)
	}
	return msgs, nil
}

func (a *ClaudeAdapter) SetMessages(body []byte, messages []Message) ([]byte, error) {
	out, err := sjson.SetBytes(body, "messages", messages)
	if err != nil {
		return body, fmt.Errorf("adapter: set messages: %w", err)
	}
	return out, nil
}

func (a *ClaudeAdapter) GetLastUserContent(body []byte) (string, bool) {
	messages := gjson.GetBytes(body, "messages").Array()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Get("role").String() == "user" {
			return flattenContent(messages[i].Get("content")), true
		}
	}
	return "", false
}

func (a *ClaudeAdapter) InjectMemory(messages []Message, text string) []Message {
	return appendTextToLastRole(messages, "user", text)
}

func (a *ClaudeAdapter) InjectDelta(messages []Message, text string) []Message {
	return appendTextToLastRole(messages, "user", text)
}

func (a *ClaudeAdapter) InjectTool(body []byte, tool map[string]any) ([]byte, error) {
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

func (a *ClaudeAdapter) InjectIntoRawSystemPrompt(body []byte, text string) ([]byte, bool) {
	return rawbody.InjectArrayTextBlock(body, "system", text)
}

func (a *ClaudeAdapter) InjectIntoRawUserMessage(body []byte, text string) ([]byte, bool) {
	return rawbody.InjectLastRoleText(body, "messages", "user", text)
}

func (a *ClaudeAdapter) InjectToolIntoRawBody(body []byte, toolJSON string) ([]byte, bool) {
	return rawbody.InjectToolInto(body, "tools", toolJSON, "messages")
}

func (a *ClaudeAdapter) InjectTextAtRawIndex(body []byte, index int, text string) ([]byte, bool) {
	return rawbody.InjectTextAtIndexTyped(body, "messages", index, "text", text)
}

func (a *ClaudeAdapter) FilterResponseHeaders(h http.Header) http.Header {
	return filterHeaders(h)
}

// BuildContinueBody appends a user message carrying the tool_result block
// for toolUseID. Callers are expected to have already appended the
// assistant's tool_use message (the one being responded to) to the
// request's message list via SetMessages before calling this — Claude
// requires the tool_use and its tool_result to appear as a matched pair.
func (a *ClaudeAdapter) BuildContinueBody(body []byte, toolUseID, toolName, toolResult string) ([]byte, error) {
	resultMsg := Message{
		"role": "user",
		"content": []map[string]any{
			{
				"type":        "tool_result",
				"tool_use_id": toolUseID,
				"content":     toolResult,
			},
		},
	}
	messages, err := a.GetMessages(body)
	if err != nil {
		return body, err
	}
	messages = append(messages, resultMsg)
	return a.SetMessages(body, messages)
}

func (a *ClaudeAdapter) GetSettings(body []byte) Settings {
	return Settings{
		Model:     gjson.GetBytes(body, "model").String(),
		MaxTokens: int(gjson.GetBytes(body, "max_tokens").Int()),
		Stream:    gjson.GetBytes(body, "stream").Bool(),
	}
}

func (a *ClaudeAdapter) GetResponseContentType() string { return "application/json" }
