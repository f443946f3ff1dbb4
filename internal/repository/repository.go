// Package repository persists Sessions, Steps, and DriftLogEntries using
// the file-based JSON storage layer, matching the teacher's storage idiom
// (atomic temp+rename writes, flock-guarded updates) repurposed from
// session/message persistence to the proxy's session/step/drift-log shape.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/grovhq/grov-proxy/internal/storage"
	"github.com/grovhq/grov-proxy/internal/types"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = storage.ErrNotFound

// Repository is the abstract persistence boundary spec.md §5 requires:
// atomic single-row updates plus one transactional multi-statement update
// (UpdateSessionState) serialized per session.
type Repository interface {
	PutSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*types.Session, error)
	// UpdateSessionState applies fn to the session under its lock and
	// persists the result atomically.
	UpdateSessionState(ctx context.Context, id string, fn func(*types.Session) error) (*types.Session, error)

	AppendStep(ctx context.Context, step *types.Step) error
	ListSteps(ctx context.Context, sessionID string) ([]*types.Step, error)
	// BackfillReasoning sets Reasoning on the most recent N steps for
	// sessionID whose Reasoning is still nil, using texts keyed by step ID.
	BackfillReasoning(ctx context.Context, sessionID string, texts map[string]string, maxRows int) error
	DeleteSteps(ctx context.Context, sessionID string) error

	AppendDriftLog(ctx context.Context, entry *types.DriftLogEntry) error
	DeleteDriftLog(ctx context.Context, sessionID string) error
}

// FileRepository implements Repository atop internal/storage.
type FileRepository struct {
	store *storage.Storage
}

// New builds a FileRepository rooted at basePath.
func New(basePath string) *FileRepository {
	return &FileRepository{store: storage.New(basePath)}
}

func sessionPath(id string) []string { return []string{"session", id} }
func stepsPath(sessionID string) []string { return []string{"step", sessionID} }
func driftPath(sessionID string) []string { return []string{"drift", sessionID} }

func (r *FileRepository) PutSession(ctx context.Context, s *types.Session) error {
	return r.store.Put(ctx, sessionPath(s.ID), s)
}

func (r *FileRepository) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var s types.Session
	if err := r.store.Get(ctx, sessionPath(id), &s); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *FileRepository) DeleteSession(ctx context.Context, id string) error {
	return r.store.Delete(ctx, sessionPath(id))
}

func (r *FileRepository) ListSessions(ctx context.Context) ([]*types.Session, error) {
	ids, err := r.store.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}
	sessions := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// UpdateSessionState reads, mutates, and writes a session as one logical
// operation. storage.Storage's per-file lock (acquired inside Put) makes
// the write atomic; the read-modify-write as a whole is serialized by the
// caller (internal/session keeps one lock per project path).
func (r *FileRepository) UpdateSessionState(ctx context.Context, id string, fn func(*types.Session) error) (*types.Session, error) {
	s, err := r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.LastUpdatedAt = time.Now()
	if err := r.PutSession(ctx, s); err != nil {
		return nil, fmt.Errorf("update session state: %w", err)
	}
	return s, nil
}

func (r *FileRepository) AppendStep(ctx context.Context, step *types.Step) error {
	return r.store.Put(ctx, append(stepsPath(step.SessionID), step.ID), step)
}

func (r *FileRepository) ListSteps(ctx context.Context, sessionID string) ([]*types.Step, error) {
	ids, err := r.store.List(ctx, stepsPath(sessionID))
	if err != nil {
		return nil, err
	}
	steps := make([]*types.Step, 0, len(ids))
	for _, id := range ids {
		var st types.Step
		if err := r.store.Get(ctx, append(stepsPath(sessionID), id), &st); err != nil {
			continue
		}
		steps = append(steps, &st)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Timestamp.Before(steps[j].Timestamp) })
	return steps, nil
}

// BackfillReasoning fills Reasoning on the most recent maxRows steps whose
// Reasoning is nil, per spec.md §4.5 "back-fills at most 10 most recent
// steps whose reasoning is empty."
func (r *FileRepository) BackfillReasoning(ctx context.Context, sessionID string, texts map[string]string, maxRows int) error {
	steps, err := r.ListSteps(ctx, sessionID)
	if err != nil {
		return err
	}
	filled := 0
	for i := len(steps) - 1; i >= 0 && filled < maxRows; i-- {
		st := steps[i]
		if st.Reasoning != nil {
			continue
		}
		text, ok := texts[st.ID]
		if !ok {
			continue
		}
		st.Reasoning = &text
		if err := r.store.Put(ctx, append(stepsPath(sessionID), st.ID), st); err != nil {
			return err
		}
		filled++
	}
	return nil
}

func (r *FileRepository) DeleteSteps(ctx context.Context, sessionID string) error {
	ids, err := r.store.List(ctx, stepsPath(sessionID))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.store.Delete(ctx, append(stepsPath(sessionID), id)); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileRepository) AppendDriftLog(ctx context.Context, entry *types.DriftLogEntry) error {
	return r.store.Put(ctx, append(driftPath(entry.SessionID), entry.ID), entry)
}

func (r *FileRepository) DeleteDriftLog(ctx context.Context, sessionID string) error {
	ids, err := r.store.List(ctx, driftPath(sessionID))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.store.Delete(ctx, append(driftPath(sessionID), id)); err != nil {
			return err
		}
	}
	return nil
}
