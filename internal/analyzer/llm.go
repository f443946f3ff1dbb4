package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/grovhq/grov-proxy/internal/logging"
	"github.com/grovhq/grov-proxy/internal/types"
)

// LLMConfig selects and configures the chat model LLM drives its four
// judgment calls through. It is deliberately a narrow subset of
// config.Config's fields so this package never imports internal/config.
type LLMConfig struct {
	Provider  string // "anthropic" (default) or "openai"
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

const (
	retryInitialInterval = 200 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
	retryMaxElapsedTime  = 8 * time.Second
)

// LLM is the eino-backed Analyzer. It follows the teacher's
// CreateCompletion/Stream/Recv-to-EOF idiom (internal/session/title.go's
// ensureTitle): a single bounded completion per judgment call, never a
// multi-turn chat. Any failure — including a malformed verdict the model
// returned — degrades to Stub rather than propagating, per spec.md §7.
type LLM struct {
	chatModel model.ToolCallingChatModel
	model     string
	fallback  *Stub
}

// NewLLM builds an LLM analyzer against cfg.Provider: "openai" selects the
// OpenAI chat model, any other value selects the Claude chat model
// (ANALYZER_PROVIDER=stub never reaches here).
func NewLLM(ctx context.Context, cfg LLMConfig) (*LLM, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 512
	}

	var chatModel model.ToolCallingChatModel
	var err error

	switch strings.ToLower(cfg.Provider) {
	case "openai":
		modelID := cfg.Model
		if modelID == "" {
			modelID = "gpt-4o-mini"
		}
		mt := maxTokens
		occ := &openai.ChatModelConfig{
			APIKey:              cfg.APIKey,
			Model:               modelID,
			MaxCompletionTokens: &mt,
		}
		if cfg.BaseURL != "" {
			occ.BaseURL = cfg.BaseURL
		}
		chatModel, err = openai.NewChatModel(ctx, occ)
	default:
		modelID := cfg.Model
		if modelID == "" {
			modelID = "claude-3-5-haiku-20241022"
		}
		ccc := &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     modelID,
			MaxTokens: maxTokens,
		}
		if cfg.BaseURL != "" {
			ccc.BaseURL = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, ccc)
	}
	if err != nil {
		return nil, fmt.Errorf("analyzer: build chat model: %w", err)
	}

	return &LLM{chatModel: chatModel, model: cfg.Model, fallback: &Stub{}}, nil
}

func (l *LLM) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// complete runs one bounded, non-streamed-to-the-caller completion: stream
// from eino, accumulate to EOF, return the joined text. Mirrors
// ensureTitle's Recv loop exactly.
func (l *LLM) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	var out string
	op := func() error {
		stream, err := l.chatModel.Stream(ctx, []*schema.Message{
			{Role: schema.System, Content: system},
			{Role: schema.User, Content: user},
		}, model.WithMaxTokens(maxTokens))
		if err != nil {
			return err
		}
		defer stream.Close()

		var b strings.Builder
		for {
			msg, recvErr := stream.Recv()
			if recvErr == io.EOF {
				break
			}
			if recvErr != nil {
				return recvErr
			}
			b.WriteString(msg.Content)
		}
		out = b.String()
		return nil
	}

	if err := backoff.Retry(op, l.newBackoff(ctx)); err != nil {
		return "", err
	}
	return out, nil
}

// completeJSON runs complete and parses the accumulated text as JSON into
// v, tolerating a model that wraps its answer in a fenced code block.
func (l *LLM) completeJSON(ctx context.Context, system, user string, maxTokens int, v any) error {
	text, err := l.complete(ctx, system, user, maxTokens)
	if err != nil {
		return err
	}
	text = stripCodeFence(text)
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("analyzer: parse verdict: %w", err)
	}
	return nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

const taskContextSystemPrompt = `You are a task-lifecycle classifier for a coding agent. Given the session's
original goal, the latest user message, and recent actions, decide whether
the agent's current turn continues the existing task or starts a new one.

Respond with ONLY a JSON object, no prose, no code fence:
{"action":"continue|new_task|subtask|parallel_task|task_complete|subtask_complete",
 "task_type":"main|subtask|parallel",
 "current_goal":"...",
 "reasoning":"one sentence"}`

// AnalyzeTaskContext implements spec.md §6's analyzeTaskContext.
func (l *LLM) AnalyzeTaskContext(ctx context.Context, req TaskContextRequest) (types.TaskVerdict, error) {
	user := taskContextPrompt(req)
	var verdict types.TaskVerdict
	if err := l.completeJSON(ctx, taskContextSystemPrompt, user, 300, &verdict); err != nil {
		logging.Warn().Err(err).Msg("analyzer: task context call failed, degrading to stub")
		return l.fallback.AnalyzeTaskContext(ctx, req)
	}
	if verdict.Action == "" {
		return l.fallback.AnalyzeTaskContext(ctx, req)
	}
	return verdict, nil
}

func taskContextPrompt(req TaskContextRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original goal: %s\n", req.Session.OriginalGoal)
	fmt.Fprintf(&b, "Latest user message: %s\n", req.LatestUserMessage)
	fmt.Fprintf(&b, "Assistant's last reply: %s\n", truncate(req.AssistantText, 2000))
	b.WriteString("Recent actions:\n")
	for _, s := range req.RecentSteps {
		fmt.Fprintf(&b, "- %s %v %s\n", s.ActionType, s.Files, s.Command)
	}
	for _, h := range req.History {
		fmt.Fprintf(&b, "[%s] %s\n", h.Role, truncate(h.Text, 400))
	}
	return b.String()
}

const driftSystemPrompt = `You are a goal-drift detector for a coding agent. Score 0-10 how closely the
agent's recent actions follow the session's original goal (10 =
perfectly aligned, 0 = completely unrelated).

Respond with ONLY a JSON object, no prose, no code fence:
{"score":0,"drift_type":"...","diagnostic":"one sentence","recovery_steps":["..."]}`

// CheckDrift implements spec.md §6's checkDrift.
func (l *LLM) CheckDrift(ctx context.Context, req DriftRequest) (types.DriftVerdict, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Original goal: %s\n", req.Session.OriginalGoal)
	fmt.Fprintf(&b, "Latest user message: %s\n", req.LatestUserMessage)
	b.WriteString("Recent actions:\n")
	for _, s := range req.RecentSteps {
		fmt.Fprintf(&b, "- %s %v %s %s\n", s.ActionType, s.Files, s.Command, s.Reasoning)
	}

	var verdict types.DriftVerdict
	if err := l.completeJSON(ctx, driftSystemPrompt, b.String(), 300, &verdict); err != nil {
		logging.Warn().Err(err).Msg("analyzer: drift check failed, degrading to stub")
		return l.fallback.CheckDrift(ctx, req)
	}
	return verdict, nil
}

const alignmentSystemPrompt = `You are a recovery-alignment oracle for a coding agent that just received a
correction. Given the recovery plan and the agent's next action, decide
whether that action actually follows the plan.

Respond with ONLY a JSON object, no prose, no code fence:
{"aligned":true,"reason":"one sentence"}`

// CheckRecoveryAlignment implements spec.md §6's checkRecoveryAlignment.
// Must return promptly: it gates whether the session may leave
// PendingForcedRecovery on the hot path.
func (l *LLM) CheckRecoveryAlignment(ctx context.Context, req AlignmentRequest) (types.AlignmentVerdict, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Recovery plan: %s\n", req.RecoveryPlan)
	fmt.Fprintf(&b, "Next action: %s %v %s\n", req.Action.ActionType, req.Action.Files, req.Action.Command)

	var verdict types.AlignmentVerdict
	if err := l.completeJSON(ctx, alignmentSystemPrompt, b.String(), 150, &verdict); err != nil {
		logging.Warn().Err(err).Msg("analyzer: alignment check failed, degrading to stub")
		return l.fallback.CheckRecoveryAlignment(ctx, req)
	}
	return verdict, nil
}

const summarySystemPrompt = `Summarize this coding session's work in plain prose for future recall by a
team-memory system. No headers, no bullet points, no code fences.`

// GenerateSessionSummary implements spec.md §6's generateSessionSummary.
func (l *LLM) GenerateSessionSummary(ctx context.Context, session *types.Session, steps []*types.Step, maxChars int) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", session.OriginalGoal)
	for _, st := range steps {
		reasoning := ""
		if st.Reasoning != nil {
			reasoning = *st.Reasoning
		}
		fmt.Fprintf(&b, "- %s %v %s %s\n", st.ActionType, st.Files, st.Command, reasoning)
	}

	maxTokens := maxChars/3 + 32
	text, err := l.complete(ctx, summarySystemPrompt, b.String(), maxTokens)
	if err != nil {
		logging.Warn().Err(err).Msg("analyzer: summary generation failed, degrading to stub")
		return l.fallback.GenerateSessionSummary(ctx, session, steps, maxChars)
	}
	text = strings.TrimSpace(text)
	if len(text) > maxChars {
		text = text[:maxChars]
	}
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
