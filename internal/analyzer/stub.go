package analyzer

import (
	"context"
	"strings"

	"github.com/grovhq/grov-proxy/internal/types"
)

// Stub is a dependency-free Analyzer: no network call, no API key, fully
// deterministic. It backs ANALYZER_PROVIDER=stub and is also what every LLM
// call degrades to on failure (spec.md §7 "analyzer unavailable").
type Stub struct{}

// NewStub builds a Stub analyzer.
func NewStub() *Stub { return &Stub{} }

// AnalyzeTaskContext always reports the turn as continuing the current
// task, using the first line of the user's message as the goal when the
// session doesn't have one yet.
func (Stub) AnalyzeTaskContext(ctx context.Context, req TaskContextRequest) (types.TaskVerdict, error) {
	goal := req.Session.OriginalGoal
	if goal == "" {
		goal = firstLine(req.LatestUserMessage, 200)
	}
	return types.TaskVerdict{
		Action:      types.ActionContinue,
		TaskType:    types.TaskMain,
		CurrentGoal: goal,
		Reasoning:   "stub analyzer: always continue",
	}, nil
}

// CheckDrift always returns score 0. The drift machine reads scores as
// alignment (0 = badly drifted), so a check answered by the stub maps to
// the halt correction level.
func (Stub) CheckDrift(ctx context.Context, req DriftRequest) (types.DriftVerdict, error) {
	return types.DriftVerdict{Score: 0, Diagnostic: "stub analyzer: no drift detection"}, nil
}

// CheckRecoveryAlignment always reports alignment, so a stubbed deployment
// never gets stuck waiting for a recovery the analyzer can't actually judge.
func (Stub) CheckRecoveryAlignment(ctx context.Context, req AlignmentRequest) (types.AlignmentVerdict, error) {
	return types.AlignmentVerdict{Aligned: true, Reason: "stub analyzer: recovery assumed aligned"}, nil
}

// GenerateSessionSummary concatenates step reasoning and command text,
// truncated to maxChars, rather than asking an LLM to write prose.
func (Stub) GenerateSessionSummary(ctx context.Context, session *types.Session, steps []*types.Step, maxChars int) (string, error) {
	var b strings.Builder
	b.WriteString(session.OriginalGoal)
	for _, st := range steps {
		if st.Reasoning != nil && *st.Reasoning != "" {
			b.WriteString("; ")
			b.WriteString(*st.Reasoning)
		} else if st.Command != "" {
			b.WriteString("; ")
			b.WriteString(st.Command)
		}
		if b.Len() >= maxChars {
			break
		}
	}
	summary := b.String()
	if len(summary) > maxChars {
		summary = summary[:maxChars]
	}
	return summary, nil
}

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
