// Package orchestrator applies the task analyzer's verdict to the session
// graph: reuse, create, fork, or retire sessions per spec.md §4.5's
// decision table. It never calls the analyzer itself — callers run
// analyzer.TaskAnalyzer and hand the resulting verdict to Apply.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grovhq/grov-proxy/internal/analyzer"
	"github.com/grovhq/grov-proxy/internal/event"
	"github.com/grovhq/grov-proxy/internal/logging"
	"github.com/grovhq/grov-proxy/internal/memory"
	"github.com/grovhq/grov-proxy/internal/repository"
	"github.com/grovhq/grov-proxy/internal/types"
)

const (
	maxFinalResponseChars    = 10000
	maxStepReasoningBackfill = 10
	qnaMinChars              = 100
	goalOverwriteMinChars    = 30
)

// Orchestrator owns the session-graph side effects of a task verdict.
type Orchestrator struct {
	repo        repository.Repository
	memory      *memory.ServiceClient
	bus         *event.Bus

	mu                sync.Mutex
	pendingPlanClears map[string]string // projectPath -> summary
}

// New builds an Orchestrator. bus may be nil (lifecycle events are then
// simply not published); memoryClient may be nil (completion saves are
// then skipped, matching ServiceClient's own empty-baseURL no-op).
func New(repo repository.Repository, memoryClient *memory.ServiceClient, bus *event.Bus) *Orchestrator {
	return &Orchestrator{
		repo:              repo,
		memory:            memoryClient,
		bus:               bus,
		pendingPlanClears: make(map[string]string),
	}
}

// ConsumePlanClear returns and clears any "plan clear" summary queued for
// projectPath by a prior task_complete(planning) decision. The proxy
// handler calls this on each request and stores the summary as the
// session's PendingClearSummary; the next first-request injection appends
// it below the preview in the last user message. The conversation history
// the client sends is forwarded as is; it is not replaced.
func (o *Orchestrator) ConsumePlanClear(projectPath string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.pendingPlanClears[projectPath]
	if ok {
		delete(o.pendingPlanClears, projectPath)
	}
	return s, ok
}

func (o *Orchestrator) setPlanClear(projectPath, summary string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pendingPlanClears[projectPath] = summary
}

// Input bundles everything Apply needs beyond the verdict itself.
type Input struct {
	ProjectPath       string
	Current           *types.Session // nil if no active session
	LastCompleted     *types.Session // nil if none; used for continue/new_task lineage
	LatestUserMessage string
	AssistantText     string
	HasActions        bool
	Summarizer        analyzer.Summarizer // used for planning-type task_complete
}

// Result is what the caller needs to know after Apply runs.
type Result struct {
	// Session is the resulting active session, or nil if the verdict left
	// no active session behind (task_complete, or a no-op).
	Session      *types.Session
	PlanClearSet bool
}

// Apply applies verdict to the session graph per spec.md §4.5's decision
// table and returns the resulting active session (nil if none).
func (o *Orchestrator) Apply(ctx context.Context, verdict types.TaskVerdict, in Input) (Result, error) {
	switch verdict.Action {
	case types.ActionContinue:
		return o.applyContinue(ctx, verdict, in)
	case types.ActionNewTask:
		return o.applyNewTask(ctx, verdict, in)
	case types.ActionSubtask:
		return o.applySubtask(ctx, verdict, in, types.TaskSubtask)
	case types.ActionParallelTask:
		return o.applySubtask(ctx, verdict, in, types.TaskParallel)
	case types.ActionTaskComplete:
		return o.applyTaskComplete(ctx, verdict, in)
	case types.ActionSubtaskComplete:
		return o.applySubtaskComplete(ctx, verdict, in)
	default:
		return Result{Session: in.Current}, fmt.Errorf("orchestrator: unknown verdict action %q", verdict.Action)
	}
}

func (o *Orchestrator) applyContinue(ctx context.Context, verdict types.TaskVerdict, in Input) (Result, error) {
	sess := in.Current
	if sess == nil && in.LastCompleted != nil {
		similarity := lineageSimilarity(verdict.CurrentGoal, in.LastCompleted.OriginalGoal)
		logging.Debug().
			Float64("goal_similarity", similarity).
			Str("session_id", in.LastCompleted.ID).
			Msg("orchestrator: reactivating completed session for continue verdict")

		updated, err := o.repo.UpdateSessionState(ctx, in.LastCompleted.ID, func(s *types.Session) error {
			s.Status = types.SessionActive
			s.CompletedAt = nil
			return nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("orchestrator: reactivate session: %w", err)
		}
		sess = updated
	}

	if sess == nil {
		goal := verdict.CurrentGoal
		if goal == "" {
			goal = firstLine(in.LatestUserMessage)
		}
		return o.createSession(ctx, in.ProjectPath, goal, types.TaskMain, "", verdict.Constraints)
	}

	if verdict.CurrentGoal != "" && len(in.LatestUserMessage) >= goalOverwriteMinChars {
		updated, err := o.repo.UpdateSessionState(ctx, sess.ID, func(s *types.Session) error {
			s.OriginalGoal = verdict.CurrentGoal
			return nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("orchestrator: overwrite goal: %w", err)
		}
		sess = updated
	}

	o.backfillReasoning(ctx, sess.ID, verdict.StepReasoning)
	return Result{Session: sess}, nil
}

func (o *Orchestrator) applyNewTask(ctx context.Context, verdict types.TaskVerdict, in Input) (Result, error) {
	if in.LastCompleted != nil {
		if err := o.repo.DeleteSteps(ctx, in.LastCompleted.ID); err != nil {
			logging.Warn().Err(err).Msg("orchestrator: delete prior steps failed")
		}
		if err := o.repo.DeleteDriftLog(ctx, in.LastCompleted.ID); err != nil {
			logging.Warn().Err(err).Msg("orchestrator: delete prior drift log failed")
		}
		if err := o.repo.DeleteSession(ctx, in.LastCompleted.ID); err != nil {
			logging.Warn().Err(err).Msg("orchestrator: delete prior completed session failed")
		}
	}

	result, err := o.createSession(ctx, in.ProjectPath, verdict.CurrentGoal, types.TaskMain, "", verdict.Constraints)
	if err != nil {
		return Result{}, err
	}
	sess := result.Session

	if verdict.TaskType == types.TaskInformation && len(in.AssistantText) > qnaMinChars && !in.HasActions {
		return o.completeSession(ctx, sess, in, verdict, "task_complete")
	}

	o.backfillReasoning(ctx, sess.ID, verdict.StepReasoning)
	return Result{Session: sess}, nil
}

func (o *Orchestrator) applySubtask(ctx context.Context, verdict types.TaskVerdict, in Input, taskType types.TaskType) (Result, error) {
	parentID := verdict.ParentTaskID
	if parentID == "" && in.Current != nil {
		parentID = in.Current.ID
	}
	result, err := o.createSession(ctx, in.ProjectPath, verdict.CurrentGoal, taskType, parentID, verdict.Constraints)
	if err != nil {
		return Result{}, err
	}
	o.backfillReasoning(ctx, result.Session.ID, verdict.StepReasoning)
	o.publishLifecycle(result.Session, string(verdict.Action))
	return result, nil
}

func (o *Orchestrator) applyTaskComplete(ctx context.Context, verdict types.TaskVerdict, in Input) (Result, error) {
	sess := in.Current
	if sess == nil {
		if len(in.AssistantText) < qnaMinChars {
			return Result{}, nil
		}
		created, err := o.createSession(ctx, in.ProjectPath, verdict.CurrentGoal, types.TaskMain, "", verdict.Constraints)
		if err != nil {
			return Result{}, err
		}
		sess = created.Session
	}
	return o.completeSession(ctx, sess, in, verdict, "task_complete")
}

func (o *Orchestrator) applySubtaskComplete(ctx context.Context, verdict types.TaskVerdict, in Input) (Result, error) {
	sess := in.Current
	if sess == nil {
		return Result{}, fmt.Errorf("orchestrator: subtask_complete with no current session")
	}

	finalResponse := truncate(in.AssistantText, maxFinalResponseChars)
	updated, err := o.repo.UpdateSessionState(ctx, sess.ID, func(s *types.Session) error {
		s.FinalResponse = finalResponse
		s.Status = types.SessionCompleted
		now := time.Now()
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: complete subtask: %w", err)
	}

	if o.memory != nil {
		if _, err := o.memory.SaveMemory(ctx, updated, finalResponse, "subtask_complete"); err != nil {
			logging.Warn().Err(err).Str("session_id", updated.ID).Msg("orchestrator: save subtask memory failed")
		}
	}
	o.publishLifecycle(updated, string(verdict.Action))

	if updated.ParentSessionID == "" {
		return Result{Session: nil}, nil
	}

	parent, err := o.repo.GetSession(ctx, updated.ParentSessionID)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: load parent session: %w", err)
	}
	if parent.Status != types.SessionActive {
		parent, err = o.repo.UpdateSessionState(ctx, parent.ID, func(s *types.Session) error {
			s.Status = types.SessionActive
			s.CompletedAt = nil
			return nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("orchestrator: reactivate parent session: %w", err)
		}
	}
	return Result{Session: parent}, nil
}

// completeSession implements the shared tail of task_complete: truncate and
// persist the final response, optionally compute a real summary for
// planning-type tasks, save to the memory service, and mark completed.
func (o *Orchestrator) completeSession(ctx context.Context, sess *types.Session, in Input, verdict types.TaskVerdict, triggerReason string) (Result, error) {
	finalResponse := truncate(in.AssistantText, maxFinalResponseChars)

	summary := finalResponse
	if verdict.TaskType == types.TaskPlanning && in.Summarizer != nil {
		steps, err := o.repo.ListSteps(ctx, sess.ID)
		if err != nil {
			logging.Warn().Err(err).Msg("orchestrator: list steps for planning summary failed")
		}
		if s, err := in.Summarizer.GenerateSessionSummary(ctx, sess, steps, maxFinalResponseChars); err == nil {
			summary = s
		} else {
			logging.Warn().Err(err).Msg("orchestrator: planning summary generation failed")
		}
	}

	updated, err := o.repo.UpdateSessionState(ctx, sess.ID, func(s *types.Session) error {
		s.FinalResponse = finalResponse
		s.Status = types.SessionCompleted
		now := time.Now()
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: mark complete: %w", err)
	}

	if o.memory != nil {
		if _, err := o.memory.SaveMemory(ctx, updated, summary, triggerReason); err != nil {
			logging.Warn().Err(err).Str("session_id", updated.ID).Msg("orchestrator: save memory failed")
		}
	}

	planClearSet := false
	if verdict.TaskType == types.TaskPlanning {
		o.setPlanClear(in.ProjectPath, summary)
		planClearSet = true
	}

	o.publishLifecycle(updated, string(verdict.Action))

	// Decision table says "drop in-memory session": the caller stops
	// treating this project as having an active session.
	return Result{Session: nil, PlanClearSet: planClearSet}, nil
}

func (o *Orchestrator) createSession(ctx context.Context, projectPath, goal string, taskType types.TaskType, parentID string, constraints []string) (Result, error) {
	now := time.Now()
	sess := &types.Session{
		ID:              generateID(),
		ProjectPath:     projectPath,
		OriginalGoal:    goal,
		Status:          types.SessionActive,
		TaskType:        taskType,
		ParentSessionID: parentID,
		Constraints:     constraints,
		CreatedAt:       now,
		LastUpdatedAt:   now,
		LastCheckedAt:   now,
	}
	if err := o.repo.PutSession(ctx, sess); err != nil {
		return Result{}, fmt.Errorf("orchestrator: create session: %w", err)
	}
	return Result{Session: sess}, nil
}

func (o *Orchestrator) backfillReasoning(ctx context.Context, sessionID string, stepReasoning map[string]string) {
	if len(stepReasoning) == 0 {
		return
	}
	if err := o.repo.BackfillReasoning(ctx, sessionID, stepReasoning, maxStepReasoningBackfill); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("orchestrator: backfill reasoning failed")
	}
}

func (o *Orchestrator) publishLifecycle(sess *types.Session, action string) {
	if o.bus == nil || sess == nil {
		return
	}
	o.bus.Publish(event.Event{
		Type: event.TaskLifecycle,
		Data: event.TaskLifecycleData{
			SessionID: sess.ID,
			TaskID:    sess.ID,
			ParentID:  sess.ParentSessionID,
			Action:    action,
		},
	})
}
