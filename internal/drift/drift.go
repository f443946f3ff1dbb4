// Package drift implements the goal-drift state machine: periodic drift
// checks, escalation tracking, pre-computed corrections, forced recovery,
// and alignment checking on the next action after a correction (spec.md
// §4.6).
//
// Score direction: checkDrift's score is read here as an alignment score,
// not a divergence magnitude — 0 means badly drifted, 10 means fully
// aligned. This reading is a resolved ambiguity; see DESIGN.md for why (the
// GLOSSARY calls it "divergence" but scenario 8.4 and the "score improves
// to ≥5 returns to normal" line only form a consistent state machine under
// the inverted reading).
package drift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/grovhq/grov-proxy/internal/analyzer"
	"github.com/grovhq/grov-proxy/internal/event"
	"github.com/grovhq/grov-proxy/internal/logging"
	"github.com/grovhq/grov-proxy/internal/repository"
	"github.com/grovhq/grov-proxy/internal/types"
)

// MaxAttempts is the escalation cap spec.md §4.6 sets: after this many
// consecutive positive-correction-level checks, the machine gives up and
// resets to normal rather than loop forever.
const MaxAttempts = 2

// alignedThreshold is the score at and above which the session is
// considered aligned (correction level "none"); below it, a positive
// correction level applies and the action is recorded to the drift log
// instead of the steps table.
const alignedThreshold = 5

// Machine runs the drift state machine for one proxy instance. It owns no
// per-session state itself; everything lives on types.Session, loaded and
// saved through repo.
type Machine struct {
	repo    repository.Repository
	checker analyzer.DriftChecker
	oracle  analyzer.AlignmentOracle
	bus     *event.Bus
	policy  *Policy
}

// New builds a Machine. bus may be nil.
func New(repo repository.Repository, checker analyzer.DriftChecker, oracle analyzer.AlignmentOracle, bus *event.Bus) *Machine {
	return &Machine{repo: repo, checker: checker, oracle: oracle, bus: bus}
}

// SetPolicy installs correction-message overrides loaded from an operator's
// policy file. A nil policy restores the built-in prefixes.
func (m *Machine) SetPolicy(p *Policy) {
	m.policy = p
}

// ScoreToLevel maps a checkDrift score to a correction level via the fixed
// table spec.md §4.6 calls for.
func ScoreToLevel(score int) types.CorrectionLevel {
	switch {
	case score >= alignedThreshold:
		return types.CorrectionNone
	case score == 4:
		return types.CorrectionNudge
	case score == 3:
		return types.CorrectionCorrect
	case score == 2:
		return types.CorrectionIntervene
	default:
		return types.CorrectionHalt
	}
}

// ShouldCheck implements the trigger gate: a non-trivial goal, at least one
// recent edit/write step, and promptCount a multiple of the configured
// interval.
func ShouldCheck(session *types.Session, recentSteps []types.RecentStep, promptCount, driftCheckInterval int) bool {
	if session == nil || strings.TrimSpace(session.OriginalGoal) == "" {
		return false
	}
	hasEditOrWrite := false
	for _, s := range recentSteps {
		if s.ActionType.IsEditLike() {
			hasEditOrWrite = true
			break
		}
	}
	if !hasEditOrWrite {
		return false
	}
	interval := driftCheckInterval
	if interval <= 0 {
		interval = 1
	}
	return promptCount%interval == 0
}

// Decision is what the caller needs after a drift evaluation: the
// (possibly updated) session, and whether pendingStep should be persisted
// as a validated Step (true) or a DriftLogEntry (false).
type Decision struct {
	Session   *types.Session
	WroteStep bool
	Score     int
	Level     types.CorrectionLevel
}

// Process runs the periodic drift check: ShouldCheck must already have
// returned true. It calls the drift checker, maps score to level, persists
// pendingStep to the right table, and applies the escalation/correction
// state transitions.
func (m *Machine) Process(ctx context.Context, session *types.Session, pendingStep types.Step, recentSteps []types.RecentStep, latestUserMessage string) (Decision, error) {
	verdict, err := m.checker.CheckDrift(ctx, analyzer.DriftRequest{
		Session:           session,
		RecentSteps:       recentSteps,
		LatestUserMessage: latestUserMessage,
	})
	if err != nil {
		logging.Warn().Err(err).Str("session_id", session.ID).Msg("drift: check failed, treating as aligned")
		pendingStep.IsValidated = true
		if err := m.repo.AppendStep(ctx, &pendingStep); err != nil {
			logging.Warn().Err(err).Msg("drift: append step failed")
		}
		return Decision{Session: session, WroteStep: true, Score: alignedThreshold}, nil
	}

	level := ScoreToLevel(verdict.Score)
	pendingStep.DriftScore = verdict.Score

	if level == types.CorrectionNone {
		pendingStep.IsValidated = true
		if err := m.repo.AppendStep(ctx, &pendingStep); err != nil {
			logging.Warn().Err(err).Msg("drift: append step failed")
		}
		session, err = m.resolveIfDrifted(ctx, session)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Session: session, WroteStep: true, Score: verdict.Score, Level: level}, nil
	}

	entry := &types.DriftLogEntry{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		ActionType: pendingStep.ActionType,
		DriftScore: verdict.Score,
		Diagnostic: verdict.Diagnostic,
		Timestamp:  time.Now(),
	}
	if err := m.repo.AppendDriftLog(ctx, entry); err != nil {
		logging.Warn().Err(err).Msg("drift: append drift log failed")
	}

	session, err = m.escalate(ctx, session, level, verdict)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Session: session, WroteStep: false, Score: verdict.Score, Level: level}, nil
}

// escalate applies one positive-correction-level check: give up if the
// session already hit MaxAttempts, otherwise increment escalation and
// store the correction, escalating the session mode for the severe levels.
func (m *Machine) escalate(ctx context.Context, session *types.Session, level types.CorrectionLevel, verdict types.DriftVerdict) (*types.Session, error) {
	if session.EscalationCount >= MaxAttempts {
		updated, err := m.giveUp(ctx, session)
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	correction := m.formatCorrection(level, verdict)
	updated, err := m.repo.UpdateSessionState(ctx, session.ID, func(s *types.Session) error {
		s.EscalationCount++
		s.PendingCorrection = correction
		if level == types.CorrectionIntervene || level == types.CorrectionHalt {
			s.Mode = types.ModeDrifted
			s.WaitingForRecovery = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drift: escalate: %w", err)
	}

	m.publish(event.DriftDetected, event.DriftDetectedData{
		SessionID: updated.ID,
		State:     string(updated.Mode),
		Attempt:   updated.EscalationCount,
	})
	return updated, nil
}

// giveUp clears escalation/correction state without resolving anything,
// per spec.md §4.6's loop-avoidance rule.
func (m *Machine) giveUp(ctx context.Context, session *types.Session) (*types.Session, error) {
	updated, err := m.repo.UpdateSessionState(ctx, session.ID, func(s *types.Session) error {
		s.Mode = types.ModeNormal
		s.WaitingForRecovery = false
		s.EscalationCount = 0
		s.PendingCorrection = ""
		s.PendingForcedRecovery = ""
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drift: give up: %w", err)
	}
	m.publish(event.DriftResolved, event.DriftResolvedData{SessionID: updated.ID})
	return updated, nil
}

// resolveIfDrifted clears correction state when a now-aligned check lands
// on a session that was mid-correction.
func (m *Machine) resolveIfDrifted(ctx context.Context, session *types.Session) (*types.Session, error) {
	if session.Mode == types.ModeNormal && session.EscalationCount == 0 && session.PendingCorrection == "" {
		return session, nil
	}
	return m.giveUp(ctx, session)
}

// CheckRecoveryAlignment handles spec.md §4.6's "next response after a
// correction" path: if session isn't waiting on a recovery, it's a no-op.
func (m *Machine) CheckRecoveryAlignment(ctx context.Context, session *types.Session, action types.RecentStep) (*types.Session, error) {
	if session == nil || !session.WaitingForRecovery {
		return session, nil
	}

	plan := session.PendingForcedRecovery
	if plan == "" {
		plan = session.PendingCorrection
	}

	verdict, err := m.oracle.CheckRecoveryAlignment(ctx, analyzer.AlignmentRequest{
		Session:      session,
		RecoveryPlan: plan,
		Action:       action,
	})
	if err != nil {
		logging.Warn().Err(err).Str("session_id", session.ID).Msg("drift: alignment check failed, leaving recovery pending")
		return session, nil
	}

	if verdict.Aligned {
		return m.giveUp(ctx, session)
	}

	if session.EscalationCount >= MaxAttempts {
		return m.giveUp(ctx, session)
	}

	updated, err := m.repo.UpdateSessionState(ctx, session.ID, func(s *types.Session) error {
		s.EscalationCount++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drift: increment escalation on misalignment: %w", err)
	}
	return updated, nil
}

func (m *Machine) publish(t event.EventType, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event.Event{Type: t, Data: data})
}

func (m *Machine) formatCorrection(level types.CorrectionLevel, verdict types.DriftVerdict) string {
	var b strings.Builder
	if m.policy != nil {
		if prefix, ok := m.policy.Prefixes[level]; ok {
			b.WriteString(prefix)
			return finishCorrection(b, verdict)
		}
	}
	switch level {
	case types.CorrectionHalt:
		b.WriteString("[STOP] You have drifted significantly from the original goal. ")
	case types.CorrectionIntervene:
		b.WriteString("[CORRECTION NEEDED] ")
	case types.CorrectionCorrect:
		b.WriteString("[Course correction] ")
	default:
		b.WriteString("[Reminder] ")
	}
	return finishCorrection(b, verdict)
}

func finishCorrection(b strings.Builder, verdict types.DriftVerdict) string {
	if verdict.Diagnostic != "" {
		b.WriteString(verdict.Diagnostic)
	}
	for _, step := range verdict.RecoverySteps {
		b.WriteString("\n- ")
		b.WriteString(step)
	}
	return b.String()
}
