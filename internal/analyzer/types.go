// Package analyzer wraps the four LLM-backed judgment calls the core makes
// during a turn: task-lifecycle classification, drift detection, recovery
// alignment, and session summarization (spec.md §6). Two implementations
// satisfy the interfaces: Stub (deterministic, no network) and LLM
// (eino-backed, grounded on the teacher's provider.CreateCompletion idiom).
package analyzer

import (
	"context"

	"github.com/grovhq/grov-proxy/internal/types"
)

// TaskContextRequest carries everything analyzeTaskContext needs to decide
// whether a turn continues the current task or starts a new one.
type TaskContextRequest struct {
	Session           *types.Session
	LatestUserMessage string
	RecentSteps       []types.RecentStep
	AssistantText     string
	History           []HistoryTurn
}

// HistoryTurn is a minimal role/text pair threaded into analyzer prompts,
// kept independent of any adapter or event package type so analyzer has no
// dependency on the request-handling layers that call it.
type HistoryTurn struct {
	Role string
	Text string
}

// DriftRequest carries the state analyzeDrift/checkDrift needs to score a
// step against the session's stated goal.
type DriftRequest struct {
	Session     *types.Session
	RecentSteps []types.RecentStep
	LatestUserMessage string
}

// AlignmentRequest carries the state checkRecoveryAlignment needs to decide
// whether a post-correction action actually follows the recovery plan.
type AlignmentRequest struct {
	Session      *types.Session
	RecoveryPlan string
	Action       types.RecentStep
}

// TaskAnalyzer implements spec.md §6's analyzeTaskContext.
type TaskAnalyzer interface {
	AnalyzeTaskContext(ctx context.Context, req TaskContextRequest) (types.TaskVerdict, error)
}

// DriftChecker implements spec.md §6's checkDrift.
type DriftChecker interface {
	CheckDrift(ctx context.Context, req DriftRequest) (types.DriftVerdict, error)
}

// AlignmentOracle implements spec.md §6's checkRecoveryAlignment. Unlike the
// other three, spec.md requires this check to be available synchronously on
// the hot path (it gates whether a forced-recovery session may exit
// PendingForcedRecovery), so both implementations must return promptly.
type AlignmentOracle interface {
	CheckRecoveryAlignment(ctx context.Context, req AlignmentRequest) (types.AlignmentVerdict, error)
}

// Summarizer implements spec.md §6's generateSessionSummary.
type Summarizer interface {
	GenerateSessionSummary(ctx context.Context, session *types.Session, steps []*types.Step, maxChars int) (string, error)
}

// Analyzer bundles all four judgment calls so callers (orchestrator, drift)
// can be handed a single dependency.
type Analyzer interface {
	TaskAnalyzer
	DriftChecker
	AlignmentOracle
	Summarizer
}
