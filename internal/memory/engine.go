package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/grovhq/grov-proxy/internal/adapter"
	"github.com/grovhq/grov-proxy/internal/logging"
	"github.com/grovhq/grov-proxy/internal/types"
)

// maxExpandLoopIterations caps the tool-expansion loop so a misbehaving
// upstream model can never hang a request indefinitely.
const maxExpandLoopIterations = 5

// RequestKind classifies an incoming request against the session's prior
// turn, which decides whether the engine does fresh injection work or
// simply replays committed history.
type RequestKind int

const (
	// RequestFirst is the first request seen for a session: there is no
	// prior turn to compare against.
	RequestFirst RequestKind = iota
	// RequestRetry has the same message count as the previous turn: the
	// client resent the same request, most likely after a transport
	// failure. No new injection work happens; the previous turn's exact
	// injected bytes are reproduced.
	RequestRetry
	// RequestContinuation carries more messages than the previous turn and
	// its last message is a tool-result continuing an in-flight exchange.
	RequestContinuation
	// RequestNewTurn carries more messages than the previous turn and is a
	// fresh user turn in an ongoing conversation.
	RequestNewTurn
)

// injectionRecord is one committed or pending text insertion, keyed by the
// zero-based message index it targets at the time it was recorded.
type injectionRecord struct {
	position int
	text     string
	kind     recordKind
}

type recordKind int

const (
	kindPreview recordKind = iota
	kindToolCycle
)

// SessionInjectionState tracks one project's in-flight reconstruction
// state: the two-phase pending/committed injection buffer, the last seen
// message count (for request-kind detection), and a cache of memories by
// id for expand-tool resolution.
type SessionInjectionState struct {
	mu sync.Mutex

	lastMessageCount int
	committed        []injectionRecord
	pending          []injectionRecord

	memoriesByID map[string]types.Memory

	lastPreviewText string
}

func newSessionInjectionState() *SessionInjectionState {
	return &SessionInjectionState{memoriesByID: map[string]types.Memory{}}
}

// Engine is the memory-injection engine: one instance serves every
// project, keyed by project path, with per-project state protected
// independently so concurrent projects never block each other.
type Engine struct {
	client *ServiceClient

	mu     sync.Mutex
	states map[string]*SessionInjectionState
}

// NewEngine builds an injection engine backed by client.
func NewEngine(client *ServiceClient) *Engine {
	return &Engine{client: client, states: map[string]*SessionInjectionState{}}
}

func (e *Engine) stateFor(projectPath string) *SessionInjectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[projectPath]
	if !ok {
		st = newSessionInjectionState()
		e.states[projectPath] = st
	}
	return st
}

// Reset discards a project's injection state, called when a session is
// marked completed so the next session for that project starts clean.
func (e *Engine) Reset(projectPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, projectPath)
}

// Classify determines body's RequestKind relative to projectPath's last
// observed turn, for callers outside this package that don't have direct
// access to the per-project SessionInjectionState.
func (e *Engine) Classify(a adapter.Adapter, projectPath string, body []byte) RequestKind {
	return ClassifyRequest(a, e.stateFor(projectPath), body)
}

// ClassifyRequest determines the RequestKind of an incoming request body
// relative to the project's last observed message count.
func ClassifyRequest(a adapter.Adapter, st *SessionInjectionState, body []byte) RequestKind {
	st.mu.Lock()
	defer st.mu.Unlock()

	messages, err := a.GetMessages(body)
	count := len(messages)
	if err != nil {
		count = 0
	}

	if st.lastMessageCount == 0 {
		return RequestFirst
	}
	if count == st.lastMessageCount {
		return RequestRetry
	}
	if count > st.lastMessageCount && isToolResultTail(messages) {
		return RequestContinuation
	}
	return RequestNewTurn
}

// isToolResultTail reports whether the last message looks like it carries
// a tool result rather than free-form user text, regardless of wire
// protocol (checked structurally since Message is untyped).
func isToolResultTail(messages []adapter.Message) bool {
	if len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1]
	if last["type"] == "function_call_output" {
		return true
	}
	content, ok := last["content"].([]any)
	if !ok {
		return false
	}
	for _, c := range content {
		block, ok := c.(map[string]any)
		if ok && block["type"] == "tool_result" {
			return true
		}
	}
	return false
}

// InjectionPlan is the result of running the first-request injection path:
// the mutated body to forward upstream, plus whether injection actually
// happened (false on any adapter failure, in which case body is the
// unmodified input and the caller forwards it as-is).
type InjectionPlan struct {
	Body     []byte
	Injected bool
}

// HandleFirstRequest performs the first-request injection path described
// in the system: commit any pending records from a prior turn, capture the
// original last-user-message position, fetch up to 3 memories, build the
// preview, append any pending drift/forced-recovery text below it, and
// record the result as a new pending injection targeting that position.
func (e *Engine) HandleFirstRequest(ctx context.Context, a adapter.Adapter, projectPath string, body []byte, session *types.Session, currentFiles []string) (InjectionPlan, error) {
	st := e.stateFor(projectPath)

	st.mu.Lock()
	st.committed = append(st.committed, st.pending...)
	st.pending = nil
	st.mu.Unlock()

	messages, err := a.GetMessages(body)
	if err != nil {
		return InjectionPlan{Body: body}, nil
	}
	originalPos := lastUserIndex(messages)
	if originalPos < 0 {
		return InjectionPlan{Body: body}, nil
	}

	userPrompt, _ := a.GetLastUserContent(body)
	memories, err := e.client.FetchTeamMemories(ctx, projectPath, userPrompt, currentFiles, maxPreviewMemories)
	if err != nil {
		memories = nil
	}

	st.mu.Lock()
	for _, m := range memories {
		st.memoriesByID[m.ID] = m
	}
	st.mu.Unlock()

	text := BuildPreview(memories, time.Now())
	logPreviewDrift(projectPath, st, text)

	var extra []string
	if session.PendingClearSummary != "" {
		extra = append(extra, "[PRIOR PLAN SUMMARY]\n"+session.PendingClearSummary)
	}
	if session.PendingForcedRecovery != "" {
		extra = append(extra, session.PendingForcedRecovery)
	} else if session.PendingCorrection != "" {
		extra = append(extra, session.PendingCorrection)
	}
	if len(extra) > 0 {
		text = text + "\n\n" + strings.Join(extra, "\n\n")
	}

	out, ok := a.InjectTextAtRawIndex(body, originalPos, text)
	if !ok {
		return InjectionPlan{Body: body}, nil
	}

	st.mu.Lock()
	st.pending = append(st.pending, injectionRecord{position: originalPos, text: text, kind: kindPreview})
	st.lastMessageCount = len(messages)
	st.mu.Unlock()

	return InjectionPlan{Body: out, Injected: true}, nil
}

// Reconstruct replays every committed injection record onto body in
// position order. Each call re-parses whatever buffer the previous call
// produced and re-splices at a freshly computed byte offset, so untouched
// regions of the buffer stay byte-for-byte identical to what the client
// sent at every step — this is what makes a multi-record replay safe
// without ever fully re-serializing the request.
func (e *Engine) Reconstruct(a adapter.Adapter, projectPath string, body []byte) []byte {
	st := e.stateFor(projectPath)

	st.mu.Lock()
	records := append([]injectionRecord(nil), st.committed...)
	st.mu.Unlock()

	out := body
	for _, r := range records {
		if mutated, ok := a.InjectTextAtRawIndex(out, r.position, r.text); ok {
			out = mutated
		}
	}
	return out
}

// hasToolCycleAtPosition reports whether a tool_cycle record already
// exists at position, making the recording of a new one idempotent.
func (st *SessionInjectionState) hasToolCycleAtPosition(position int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, r := range st.pending {
		if r.kind == kindToolCycle && r.position == position {
			return true
		}
	}
	for _, r := range st.committed {
		if r.kind == kindToolCycle && r.position == position {
			return true
		}
	}
	return false
}

func (st *SessionInjectionState) recordToolCycle(position int, text string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending = append(st.pending, injectionRecord{position: position, text: text, kind: kindToolCycle})
}

// getCachedMemoryByID resolves id, accepting either a full id or an 8-char
// prefix, matched in either direction against cached memories.
func (st *SessionInjectionState) getCachedMemoryByID(id string) (types.Memory, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if m, ok := st.memoriesByID[id]; ok {
		return m, true
	}
	for _, m := range st.memoriesByID {
		if strings.HasPrefix(m.ID, id) || strings.HasPrefix(id, m.ShortID()) {
			return m, true
		}
	}
	return types.Memory{}, false
}

// ExpandResult is the outcome of resolving one round of expand-tool calls.
type ExpandResult struct {
	// ToolResultText is the joined body to send back as the tool result.
	ToolResultText string
	// Body is the follow-up request body to forward upstream.
	Body []byte
}

// RunExpandLoop drives the tool-expansion loop against an upstream client
// function: while the latest response targets the expand tool, resolve its
// IDs, build a continuation body, invoke next to get the next response,
// and repeat, bounded at maxExpandLoopIterations. It returns the final
// response body (the one the caller should relay to the client) together
// with the request body that produced it.
func (e *Engine) RunExpandLoop(ctx context.Context, a adapter.Adapter, projectPath string, requestBody, responseBody []byte, next func(ctx context.Context, body []byte) ([]byte, error)) ([]byte, []byte, error) {
	st := e.stateFor(projectPath)

	body := requestBody
	resp := responseBody

	for i := 0; i < maxExpandLoopIterations; i++ {
		block, ok := a.FindInternalToolUse(resp, ExpandToolName)
		if !ok {
			return body, resp, nil
		}

		position := lastMessagePosition(a, body)
		resultText := e.resolveExpand(st, block.Input)

		if !st.hasToolCycleAtPosition(position) {
			st.recordToolCycle(position, resultText)
		}

		nextBody, err := a.BuildContinueBody(body, block.ID, block.Name, resultText)
		if err != nil {
			return body, resp, fmt.Errorf("memory: build continue body: %w", err)
		}

		nextResp, err := next(ctx, nextBody)
		if err != nil {
			return nextBody, resp, fmt.Errorf("memory: expand loop upstream call: %w", err)
		}

		body, resp = nextBody, nextResp
	}

	return body, resp, nil
}

func (e *Engine) resolveExpand(st *SessionInjectionState, input map[string]any) string {
	raw, ok := input["ids"].([]any)
	if !ok {
		return "No memory IDs were provided."
	}

	var parts []string
	for _, v := range raw {
		id, ok := v.(string)
		if !ok {
			continue
		}
		m, found := st.getCachedMemoryByID(id)
		if !found {
			parts = append(parts, fmt.Sprintf("Memory %q was not found.", id))
			continue
		}
		parts = append(parts, formatExpandedMemory(m))
	}
	return strings.Join(parts, "\n\n")
}

func formatExpandedMemory(m types.Memory) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%s %q\n%s", m.ShortID(), m.Goal, m.Summary)
	if len(m.Decisions) > 0 {
		sb.WriteString("\nDecisions:")
		for _, d := range m.Decisions {
			fmt.Fprintf(&sb, "\n- %s: %s", d.Choice, d.Reason)
		}
	}
	if len(m.ReasoningTrace) > 0 {
		sb.WriteString("\nReasoning:")
		for _, r := range m.ReasoningTrace {
			if r.Conclusion != "" {
				fmt.Fprintf(&sb, "\n- %s (%s)", r.Conclusion, r.Insight)
			} else {
				fmt.Fprintf(&sb, "\n- %s", r.Text)
			}
		}
	}
	if len(m.FilesTouched) > 0 {
		fmt.Fprintf(&sb, "\nFiles touched: %s", strings.Join(m.FilesTouched, ", "))
	}
	return sb.String()
}

// logPreviewDrift debug-logs a human-readable diff between the previous
// turn's injected preview and the freshly built one, so a developer
// watching logs can see what changed in the team-memory context without
// diffing raw bodies by hand. It never affects the injection itself.
func logPreviewDrift(projectPath string, st *SessionInjectionState, text string) {
	st.mu.Lock()
	prev := st.lastPreviewText
	st.lastPreviewText = text
	st.mu.Unlock()

	if prev == "" || prev == text {
		return
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(prev, text, false)
	logging.Debug().Str("project_path", projectPath).Msg(dmp.DiffPrettyText(diffs))
}

func lastUserIndex(messages []adapter.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i]["role"] == "user" {
			return i
		}
	}
	return -1
}

func lastMessagePosition(a adapter.Adapter, body []byte) int {
	messages, err := a.GetMessages(body)
	if err != nil || len(messages) == 0 {
		return 0
	}
	return len(messages) - 1
}
