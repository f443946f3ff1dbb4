// Package adapter implements the Agent Adapter Contract: a small set of
// operations, implemented once per upstream wire protocol, that let the
// core (session manager, memory engine, task orchestrator, drift machine)
// work without knowing whether it is fronting a Claude-style
// messages-with-content-blocks API or a Codex-style
// responses-with-input-items API.
//
// Every operation is total on well-formed input. On malformed input it
// returns its zero value and ok=false (or an error for the handful of
// operations that can fail for reasons other than "field missing") rather
// than panicking or mutating its argument — callers forward the original
// bytes unchanged on a reported failure, per the injection-failure policy.
package adapter

import (
	"net/http"

	"github.com/grovhq/grov-proxy/internal/types"
)

// HistoryMessage is a role+text pair extracted from either wire protocol's
// history, trimmed to what the analyzers need.
type HistoryMessage struct {
	Role string
	Text string
}

// ToolUseBlock is a normalized tool invocation regardless of wire shape.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// Usage is the token accounting the extended cache and drift interval
// counters key off of.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// Settings is the subset of the original request the adapter needs to
// echo back when building a continuation request (model, max_tokens,
// stream, and anything else that must survive a tool-result round trip).
type Settings struct {
	Model     string
	MaxTokens int
	Stream    bool
}

// Message is the object-level (fully decoded) representation used by the
// GetMessages/SetMessages and object-level inject* operations — the
// fallback path taken when the raw-body injector (internal/rawbody)
// reports failure because a field is absent or not shaped as expected.
type Message map[string]any

// Adapter is the capability set a wire protocol must implement. Claude
// and Codex each get one implementation; the core only ever talks to this
// interface.
type Adapter interface {
	// Name identifies the adapter for logging and registry lookup.
	Name() string

	// CanHandle reports whether this adapter owns the given HTTP path.
	CanHandle(path string) bool

	// ExtractProjectPath derives the grouping key for session lookup,
	// e.g. from a query parameter or header the client sends.
	ExtractProjectPath(r *http.Request) string

	// ExtractSessionID pulls a client-supplied session identifier out of
	// the request body, if the protocol carries one.
	ExtractSessionID(body []byte) (string, bool)

	// ExtractTextContent returns the concatenated text content of a
	// response body.
	ExtractTextContent(body []byte) string

	// ExtractGoal returns the text of the most recent user turn in a
	// request body, used as the session's original goal on first use.
	ExtractGoal(body []byte) (string, bool)

	// ExtractHistory returns every message in the request body in order.
	ExtractHistory(body []byte) []HistoryMessage

	// ExtractUsage reads token accounting from a response body.
	ExtractUsage(body []byte) Usage

	// IsValidResponse reports whether body parses as a well-formed
	// response for this protocol (not necessarily a successful one).
	IsValidResponse(body []byte) bool

	// IsSubagentModel reports whether model names a lightweight/subagent
	// model that should be exempted from task/drift analysis.
	IsSubagentModel(model string) bool

	// IsEndTurn reports whether a response body represents a final turn
	// (as opposed to an intermediate tool-use turn).
	IsEndTurn(body []byte) bool

	// IsToolUse reports whether a response body contains at least one
	// tool invocation.
	IsToolUse(body []byte) bool

	// ParseActions extracts the assistant's tool invocations from a
	// response body as RecentSteps, for the task/drift analyzers.
	ParseActions(body []byte) []types.RecentStep

	// GetToolUseBlocks returns every tool invocation in a response body.
	GetToolUseBlocks(body []byte) []ToolUseBlock

	// FindInternalToolUse returns the first tool invocation in body whose
	// name matches toolName (used to find the memory-expand tool call).
	FindInternalToolUse(body []byte, toolName string) (ToolUseBlock, bool)

	// GetMessages decodes the request body's message/input list.
	GetMessages(body []byte) ([]Message, error)

	// SetMessages re-encodes body with messages replacing its
	// message/input list. This is the object-level (full
	// decode/re-encode) path, used only when the raw-body injector
	// cannot apply its byte-preserving splice.
	SetMessages(body []byte, messages []Message) ([]byte, error)

	// GetLastUserContent returns the text content of the last user
	// message in a request body.
	GetLastUserContent(body []byte) (string, bool)

	// InjectMemory appends a memory preview block to messages, object-
	// level.
	InjectMemory(messages []Message, text string) []Message

	// InjectDelta appends free-form text (a correction, a drift nudge) to
	// the last user message, object-level.
	InjectDelta(messages []Message, text string) []Message

	// InjectTool appends a tool definition to a decoded request body's
	// tool list, object-level.
	InjectTool(body []byte, tool map[string]any) ([]byte, error)

	// InjectIntoRawSystemPrompt is the byte-preserving raw-body injector
	// for this protocol's system/instructions field.
	InjectIntoRawSystemPrompt(body []byte, text string) ([]byte, bool)

	// InjectIntoRawUserMessage is the byte-preserving raw-body injector
	// for this protocol's last-user-message content.
	InjectIntoRawUserMessage(body []byte, text string) ([]byte, bool)

	// InjectToolIntoRawBody is the byte-preserving raw-body injector for
	// this protocol's tool list.
	InjectToolIntoRawBody(body []byte, toolJSON string) ([]byte, bool)

	// InjectTextAtRawIndex is the byte-preserving raw-body injector for the
	// message/input item at the given zero-based index, used to replay the
	// memory engine's committed injection history onto messages the client
	// resent without our previous turn's injected text.
	InjectTextAtRawIndex(body []byte, index int, text string) ([]byte, bool)

	// FilterResponseHeaders returns the subset of upstream response
	// headers safe to forward to the client.
	FilterResponseHeaders(h http.Header) http.Header

	// BuildContinueBody builds the follow-up request body that feeds a
	// tool result back to the model, given the original request body.
	BuildContinueBody(body []byte, toolUseID, toolName, toolResult string) ([]byte, error)

	// GetSettings reads model/max_tokens/stream from a request body.
	GetSettings(body []byte) Settings

	// GetResponseContentType returns the Content-Type this protocol's
	// responses are sent with.
	GetResponseContentType() string
}
