package event

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	SessionID string `json:"sessionID"`
	ProjectID string `json:"projectID"`
}

// SessionCompletedData is the data for session.completed events.
type SessionCompletedData struct {
	SessionID string `json:"sessionID"`
	ProjectID string `json:"projectID"`
	Reason    string `json:"reason"` // "idle" | "task_complete" | "swept"
}

// TurnCompletedData is the data for turn.completed events, emitted after
// the upstream response for one proxied request has been fully relayed.
type TurnCompletedData struct {
	SessionID          string `json:"sessionID"`
	ProjectID          string `json:"projectID"`
	CacheCreationTokens int   `json:"cacheCreationTokens"`
	CacheReadTokens     int   `json:"cacheReadTokens"`
	ToolExpansions      int   `json:"toolExpansions"`
}

// MemoryInjectedData is the data for memory.injected events.
type MemoryInjectedData struct {
	SessionID string   `json:"sessionID"`
	MemoryIDs []string `json:"memoryIDs"`
	Preview   bool     `json:"preview"`
}

// MemoryExpandedData is the data for memory.expanded events, emitted when
// the synthetic expand tool resolves a previewed memory to its full body.
type MemoryExpandedData struct {
	SessionID string `json:"sessionID"`
	MemoryID  string `json:"memoryID"`
}

// TaskLifecycleData is the data for task.* events driven by orchestrator
// verdicts (new_task, subtask, parallel_task, task_complete,
// subtask_complete).
type TaskLifecycleData struct {
	SessionID string `json:"sessionID"`
	TaskID    string `json:"taskID"`
	ParentID  string `json:"parentID,omitempty"`
	Action    string `json:"action"`
}

// DriftDetectedData is the data for drift.detected events.
type DriftDetectedData struct {
	SessionID string `json:"sessionID"`
	State     string `json:"state"` // session mode after the check: "normal" | "drifted" | "forced"
	Attempt   int    `json:"attempt"`
}

// DriftResolvedData is the data for drift.resolved events, emitted when a
// session returns to the normal state after a correction was injected.
type DriftResolvedData struct {
	SessionID string `json:"sessionID"`
}

// CacheKeepAliveData is the data for cache.keepalive events, emitted after
// a keep-alive sweep that warmed at least one entry.
type CacheKeepAliveData struct {
	EntriesWarmed int `json:"entriesWarmed"`
}

// SessionErrorData is the data for session.error events.
type SessionErrorData struct {
	SessionID string `json:"sessionID,omitempty"`
	Message   string `json:"message,omitempty"`
}
