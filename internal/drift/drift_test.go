package drift_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grovhq/grov-proxy/internal/analyzer"
	"github.com/grovhq/grov-proxy/internal/drift"
	"github.com/grovhq/grov-proxy/internal/repository"
	"github.com/grovhq/grov-proxy/internal/types"
)

type fakeRepo struct {
	mu    sync.Mutex
	sess  *types.Session
	steps []*types.Step
	log   []*types.DriftLogEntry
}

func (r *fakeRepo) PutSession(ctx context.Context, s *types.Session) error { return nil }

func (r *fakeRepo) GetSession(ctx context.Context, id string) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil || r.sess.ID != id {
		return nil, repository.ErrNotFound
	}
	cp := *r.sess
	return &cp, nil
}

func (r *fakeRepo) DeleteSession(ctx context.Context, id string) error { return nil }
func (r *fakeRepo) ListSessions(ctx context.Context) ([]*types.Session, error) {
	return nil, nil
}

func (r *fakeRepo) UpdateSessionState(ctx context.Context, id string, fn func(*types.Session) error) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil || r.sess.ID != id {
		return nil, repository.ErrNotFound
	}
	if err := fn(r.sess); err != nil {
		return nil, err
	}
	cp := *r.sess
	return &cp, nil
}

func (r *fakeRepo) AppendStep(ctx context.Context, step *types.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	return nil
}

func (r *fakeRepo) ListSteps(ctx context.Context, sessionID string) ([]*types.Step, error) {
	return r.steps, nil
}

func (r *fakeRepo) BackfillReasoning(ctx context.Context, sessionID string, texts map[string]string, maxRows int) error {
	return nil
}

func (r *fakeRepo) DeleteSteps(ctx context.Context, sessionID string) error { return nil }

func (r *fakeRepo) AppendDriftLog(ctx context.Context, entry *types.DriftLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, entry)
	return nil
}

func (r *fakeRepo) DeleteDriftLog(ctx context.Context, sessionID string) error { return nil }

// fixedChecker always returns the same score, simulating N consecutive
// identical drift checks.
type fixedChecker struct{ score int }

func (c fixedChecker) CheckDrift(ctx context.Context, req analyzer.DriftRequest) (types.DriftVerdict, error) {
	return types.DriftVerdict{Score: c.score, Diagnostic: "drifting from the stated goal"}, nil
}

type alwaysAligned struct{}

func (alwaysAligned) CheckRecoveryAlignment(ctx context.Context, req analyzer.AlignmentRequest) (types.AlignmentVerdict, error) {
	return types.AlignmentVerdict{Aligned: true}, nil
}

var _ = Describe("Machine", func() {
	var repo *fakeRepo
	var session *types.Session

	BeforeEach(func() {
		session = &types.Session{ID: "s1", ProjectPath: "/repo", OriginalGoal: "ship the widget", Status: types.SessionActive}
		repo = &fakeRepo{sess: session}
	})

	Context("ScoreToLevel", func() {
		It("maps an aligned score to none", func() {
			Expect(drift.ScoreToLevel(5)).To(Equal(types.CorrectionNone))
			Expect(drift.ScoreToLevel(10)).To(Equal(types.CorrectionNone))
		})

		It("maps descending scores to increasingly severe levels", func() {
			Expect(drift.ScoreToLevel(4)).To(Equal(types.CorrectionNudge))
			Expect(drift.ScoreToLevel(3)).To(Equal(types.CorrectionCorrect))
			Expect(drift.ScoreToLevel(2)).To(Equal(types.CorrectionIntervene))
			Expect(drift.ScoreToLevel(0)).To(Equal(types.CorrectionHalt))
		})
	})

	Context("ShouldCheck", func() {
		It("refuses to gate a session with no stated goal", func() {
			bare := &types.Session{ID: "s2"}
			steps := []types.RecentStep{{ActionType: types.ActionEdit}}
			Expect(drift.ShouldCheck(bare, steps, 2, 1)).To(BeFalse())
		})

		It("refuses to gate when no recent step touches files", func() {
			steps := []types.RecentStep{{ActionType: types.ActionRead}}
			Expect(drift.ShouldCheck(session, steps, 2, 1)).To(BeFalse())
		})

		It("gates only on prompt-count multiples of the interval", func() {
			steps := []types.RecentStep{{ActionType: types.ActionWrite}}
			Expect(drift.ShouldCheck(session, steps, 3, 2)).To(BeFalse())
			Expect(drift.ShouldCheck(session, steps, 4, 2)).To(BeTrue())
		})
	})

	Describe("escalation cap", func() {
		It("gives up and clears state on the third consecutive drifted check", func() {
			// spec scenario: three consecutive drift checks return score 2.
			// At attempts 1 and 2, pending_correction is set and escalation
			// climbs to MAX_ATTEMPTS. At attempt 3, the machine gives up:
			// mode returns to normal and pending_correction is cleared.
			m := drift.New(repo, fixedChecker{score: 2}, alwaysAligned{}, nil)
			ctx := context.Background()

			decision, err := m.Process(ctx, session, types.Step{SessionID: session.ID, ActionType: types.ActionEdit}, nil, "keep going")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.WroteStep).To(BeFalse())
			Expect(decision.Session.PendingCorrection).NotTo(BeEmpty())
			Expect(decision.Session.EscalationCount).To(Equal(1))
			Expect(decision.Session.Mode).To(Equal(types.ModeDrifted))
			session = decision.Session

			decision, err = m.Process(ctx, session, types.Step{SessionID: session.ID, ActionType: types.ActionEdit}, nil, "keep going")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Session.PendingCorrection).NotTo(BeEmpty())
			Expect(decision.Session.EscalationCount).To(Equal(drift.MaxAttempts))
			session = decision.Session

			decision, err = m.Process(ctx, session, types.Step{SessionID: session.ID, ActionType: types.ActionEdit}, nil, "keep going")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Session.Mode).To(Equal(types.ModeNormal))
			Expect(decision.Session.EscalationCount).To(Equal(0))
			Expect(decision.Session.PendingCorrection).To(BeEmpty())
		})

		It("records a drift log entry instead of a validated step while drifted", func() {
			m := drift.New(repo, fixedChecker{score: 2}, alwaysAligned{}, nil)
			_, err := m.Process(context.Background(), session, types.Step{SessionID: session.ID, ActionType: types.ActionEdit}, nil, "keep going")
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.log).To(HaveLen(1))
			Expect(repo.steps).To(BeEmpty())
		})
	})

	Describe("aligned checks", func() {
		It("writes a validated step and resolves an in-progress correction", func() {
			session.Mode = types.ModeDrifted
			session.WaitingForRecovery = true
			session.EscalationCount = 1
			session.PendingCorrection = "stay on task"

			m := drift.New(repo, fixedChecker{score: 8}, alwaysAligned{}, nil)
			decision, err := m.Process(context.Background(), session, types.Step{SessionID: session.ID, ActionType: types.ActionEdit}, nil, "back on track")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.WroteStep).To(BeTrue())
			Expect(decision.Session.Mode).To(Equal(types.ModeNormal))
			Expect(decision.Session.PendingCorrection).To(BeEmpty())
			Expect(repo.steps).To(HaveLen(1))
			Expect(repo.steps[0].IsValidated).To(BeTrue())
		})
	})

	Describe("CheckRecoveryAlignment", func() {
		It("is a no-op when the session isn't waiting on a recovery", func() {
			m := drift.New(repo, fixedChecker{score: 0}, alwaysAligned{}, nil)
			updated, err := m.CheckRecoveryAlignment(context.Background(), session, types.RecentStep{})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated).To(Equal(session))
		})

		It("clears the recovery state once the action is judged aligned", func() {
			session.WaitingForRecovery = true
			session.Mode = types.ModeDrifted
			session.EscalationCount = 1
			session.PendingForcedRecovery = "re-read the goal before editing"

			m := drift.New(repo, fixedChecker{score: 0}, alwaysAligned{}, nil)
			updated, err := m.CheckRecoveryAlignment(context.Background(), session, types.RecentStep{ActionType: types.ActionEdit})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.WaitingForRecovery).To(BeFalse())
			Expect(updated.Mode).To(Equal(types.ModeNormal))
			Expect(updated.PendingForcedRecovery).To(BeEmpty())
		})
	})
})
