// Package types holds the shared domain entities described in the core
// data model: sessions, steps, drift-log rows, and the opaque memory shape
// the memory service returns.
package types

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

// TaskType classifies what a session represents in the task graph.
type TaskType string

const (
	TaskMain        TaskType = "main"
	TaskSubtask     TaskType = "subtask"
	TaskParallel    TaskType = "parallel"
	TaskInformation TaskType = "information"
	TaskPlanning    TaskType = "planning"
)

// SessionMode is the drift state machine's current state for a session.
type SessionMode string

const (
	ModeNormal  SessionMode = "normal"
	ModeDrifted SessionMode = "drifted"
	ModeForced  SessionMode = "forced"
)

// Session is the core unit of conversational/task continuity. It is
// identified by a ULID and keyed for active-session lookup by ProjectPath.
type Session struct {
	ID               string        `json:"id"`
	ProjectPath      string        `json:"project_path"`
	OriginalGoal     string        `json:"original_goal"`
	Status           SessionStatus `json:"status"`
	TaskType         TaskType      `json:"task_type"`
	ParentSessionID  string        `json:"parent_session_id,omitempty"`
	TokenCount       int           `json:"token_count"`
	Mode             SessionMode   `json:"mode"`
	WaitingForRecovery bool        `json:"waiting_for_recovery"`
	EscalationCount  int           `json:"escalation_count"`
	PromptCount      int           `json:"prompt_count"`
	LastCheckedAt    time.Time     `json:"last_checked_at"`
	LastUpdatedAt    time.Time     `json:"last_updated_at"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`

	PendingCorrection      string `json:"pending_correction,omitempty"`
	PendingForcedRecovery  string `json:"pending_forced_recovery,omitempty"`
	PendingClearSummary    string `json:"pending_clear_summary,omitempty"`
	FinalResponse          string `json:"final_response,omitempty"`

	Constraints []string `json:"constraints,omitempty"`
}

// IsActive reports whether the session currently counts as the project's
// single active session.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// ActionType classifies one recorded assistant action.
type ActionType string

const (
	ActionEdit  ActionType = "edit"
	ActionWrite ActionType = "write"
	ActionBash  ActionType = "bash"
	ActionRead  ActionType = "read"
	ActionGlob  ActionType = "glob"
	ActionGrep  ActionType = "grep"
	ActionTask  ActionType = "task"
	ActionOther ActionType = "other"
)

// IsEditLike reports whether the action mutates files (used by the drift
// gate's "recent edit or write" condition).
func (a ActionType) IsEditLike() bool {
	return a == ActionEdit || a == ActionWrite
}

// Step is an append-only record of one assistant action within a session.
type Step struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	ActionType     ActionType `json:"action_type"`
	Files          []string   `json:"files,omitempty"`
	Folders        []string   `json:"folders,omitempty"`
	Command        string     `json:"command,omitempty"`
	Reasoning      *string    `json:"reasoning,omitempty"`
	DriftScore     int        `json:"drift_score"`
	IsValidated    bool       `json:"is_validated"`
	IsKeyDecision  bool       `json:"is_key_decision"`
	Timestamp      time.Time  `json:"timestamp"`
}

// DriftLogEntry is written instead of a Step when the drift score dictates
// the action should be recorded but not validated.
type DriftLogEntry struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	ActionType ActionType `json:"action_type"`
	DriftScore int        `json:"drift_score"`
	Diagnostic string     `json:"diagnostic,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ReasoningTraceEntry is one element of a Memory's optional reasoning
// trace: either a bare string or a {conclusion, insight} pair. Exactly one
// of Text or Conclusion is populated.
type ReasoningTraceEntry struct {
	Text       string `json:"text,omitempty"`
	Conclusion string `json:"conclusion,omitempty"`
	Insight    string `json:"insight,omitempty"`
}

// Decision is one element of a Memory's optional decisions list.
type Decision struct {
	Choice string `json:"choice"`
	Reason string `json:"reason"`
}

// Memory is the opaque-to-the-core shape returned by the external memory
// service. Only the fields the core actually consumes are modeled.
type Memory struct {
	ID             string                `json:"id"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Goal           string                `json:"goal"`
	Summary        string                `json:"summary"`
	OriginalQuery  string                `json:"original_query"`
	ReasoningTrace []ReasoningTraceEntry `json:"reasoning_trace,omitempty"`
	Decisions      []Decision            `json:"decisions,omitempty"`
	FilesTouched   []string              `json:"files_touched,omitempty"`
}

// ShortID returns the 8-char prefix used in previews and expand-tool calls.
func (m *Memory) ShortID() string {
	if len(m.ID) <= 8 {
		return m.ID
	}
	return m.ID[:8]
}

// TaskAction is the task orchestrator's verdict action.
type TaskAction string

const (
	ActionContinue         TaskAction = "continue"
	ActionNewTask          TaskAction = "new_task"
	ActionSubtask          TaskAction = "subtask"
	ActionParallelTask     TaskAction = "parallel_task"
	ActionTaskComplete     TaskAction = "task_complete"
	ActionSubtaskComplete  TaskAction = "subtask_complete"
)

// TaskVerdict is the external task analyzer's response shape.
type TaskVerdict struct {
	Action        TaskAction        `json:"action"`
	TaskType      TaskType          `json:"task_type,omitempty"`
	CurrentGoal   string            `json:"current_goal,omitempty"`
	ParentTaskID  string            `json:"parent_task_id,omitempty"`
	Constraints   []string          `json:"constraints,omitempty"`
	StepReasoning map[string]string `json:"step_reasoning,omitempty"`
	Reasoning     string            `json:"reasoning,omitempty"`
}

// DriftType classifies a drift checker verdict.
type DriftType string

// DriftVerdict is the external drift checker's response shape.
type DriftVerdict struct {
	Score         int       `json:"score"` // 0..10
	DriftType     DriftType `json:"drift_type,omitempty"`
	Diagnostic    string    `json:"diagnostic"`
	RecoverySteps []string  `json:"recovery_steps,omitempty"`
}

// AlignmentVerdict is the external alignment oracle's response shape.
type AlignmentVerdict struct {
	Aligned bool   `json:"aligned"`
	Reason  string `json:"reason"`
}

// CorrectionLevel is the drift state machine's mapping of a drift score to
// an escalation tier.
type CorrectionLevel string

const (
	CorrectionNone      CorrectionLevel = "none"
	CorrectionNudge     CorrectionLevel = "nudge"
	CorrectionCorrect   CorrectionLevel = "correct"
	CorrectionIntervene CorrectionLevel = "intervene"
	CorrectionHalt      CorrectionLevel = "halt"
)

// RecentStep is the trimmed-down shape handed to analyzers (they never see
// the full Step record, only what they need to classify).
type RecentStep struct {
	ActionType ActionType `json:"action_type"`
	Files      []string   `json:"files,omitempty"`
	Command    string     `json:"command,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
}
