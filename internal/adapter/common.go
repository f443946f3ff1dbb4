package adapter

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/grovhq/grov-proxy/internal/types"
)

// hopByHopHeaders are stripped before forwarding an upstream response to
// the client, matching the usual reverse-proxy header hygiene.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {}, // recomputed by the server once the body is final
}

// filterHeaders returns a copy of h with hop-by-hop headers removed.
func filterHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		out[k] = v
	}
	return out
}

// flattenContent renders a message's "content" field (string or array of
// typed blocks) as plain text, concatenating only text blocks.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var sb strings.Builder
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			sb.WriteString(block.Get("text").String())
		case "input_text", "output_text": // Codex-style text block type names
			sb.WriteString(block.Get("text").String())
		}
	}
	return sb.String()
}

// appendTextToLastRole appends a text block to the content of the last
// message in messages whose role equals role, converting string content
// to a single-element block array if needed. Returns a new slice; the
// input is not mutated.
func appendTextToLastRole(messages []Message, role, text string) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)

	idx := -1
	for i := len(out) - 1; i >= 0; i-- {
		if r, _ := out[i]["role"].(string); r == role {
			idx = i
			break
		}
	}
	if idx == -1 {
		return out
	}

	msg := Message{}
	for k, v := range out[idx] {
		msg[k] = v
	}

	block := map[string]any{"type": "text", "text": text}
	switch content := msg["content"].(type) {
	case string:
		msg["content"] = []map[string]any{
			{"type": "text", "text": content},
			block,
		}
	case []any:
		blocks := make([]any, len(content), len(content)+1)
		copy(blocks, content)
		msg["content"] = append(blocks, block)
	default:
		msg["content"] = []map[string]any{block}
	}
	out[idx] = msg
	return out
}

// classifyToolName maps a client tool name to the coarse ActionType the
// drift/task analyzers reason over.
func classifyToolName(name string) types.ActionType {
	switch strings.ToLower(name) {
	case "edit", "str_replace_editor", "str_replace":
		return types.ActionEdit
	case "write", "create_file":
		return types.ActionWrite
	case "bash", "shell", "execute":
		return types.ActionBash
	case "read", "read_file":
		return types.ActionRead
	case "glob":
		return types.ActionGlob
	case "grep", "search":
		return types.ActionGrep
	case "task", "agent":
		return types.ActionTask
	default:
		return types.ActionOther
	}
}

func filesFromInput(input map[string]any) []string {
	var out []string
	for _, key := range []string{"file_path", "path", "filename"} {
		if v, ok := input[key].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}

func commandFromInput(input map[string]any) string {
	if v, ok := input["command"].(string); ok {
		return v
	}
	return ""
}
