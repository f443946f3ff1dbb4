// Package session implements the proxy's session manager: identifying the
// logical session for an incoming request by project path, tracking the
// single active session per project, and sweeping stale/expired sessions.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/grovhq/grov-proxy/internal/event"
	"github.com/grovhq/grov-proxy/internal/logging"
	"github.com/grovhq/grov-proxy/internal/repository"
	"github.com/grovhq/grov-proxy/internal/types"
)

// DefaultStaleAfter is how long an active session can go without an update
// before sweepStale marks it abandoned (spec.md §4.3).
const DefaultStaleAfter = time.Hour

// DefaultCompletedTTL is how long a completed session is retained before
// sweepStale deletes it and its steps/drift-log rows.
const DefaultCompletedTTL = 24 * time.Hour

// Manager owns the single-active-session-per-project invariant and the
// background sweep of stale/expired sessions.
type Manager struct {
	repo repository.Repository
	bus  *event.Bus

	mu           sync.Mutex
	projectLocks map[string]*sync.Mutex

	staleAfter   time.Duration
	completedTTL time.Duration
}

// NewManager builds a Manager backed by repo, publishing lifecycle events on
// bus. bus may be nil.
func NewManager(repo repository.Repository, bus *event.Bus) *Manager {
	return &Manager{
		repo:         repo,
		bus:          bus,
		projectLocks: make(map[string]*sync.Mutex),
		staleAfter:   DefaultStaleAfter,
		completedTTL: DefaultCompletedTTL,
	}
}

func (m *Manager) lockFor(projectPath string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.projectLocks[projectPath]
	if !ok {
		lock = &sync.Mutex{}
		m.projectLocks[projectPath] = lock
	}
	return lock
}

// GetOrCreate returns the project's unique active session, creating one if
// none exists. isNew reports whether a session was just created. lastCompleted
// is the project's most recently completed session, if any, for the task
// orchestrator's lineage inference — it is returned regardless of isNew.
//
// Concurrent calls for the same projectPath serialize on a per-project lock
// so only one caller ever creates the session.
func (m *Manager) GetOrCreate(ctx context.Context, projectPath string) (sess *types.Session, isNew bool, lastCompleted *types.Session, err error) {
	lock := m.lockFor(projectPath)
	lock.Lock()
	defer lock.Unlock()

	all, err := m.repo.ListSessions(ctx)
	if err != nil {
		return nil, false, nil, fmt.Errorf("session: list sessions: %w", err)
	}

	for _, s := range all {
		if s.ProjectPath == projectPath && s.IsActive() {
			sess = s
		}
		if s.ProjectPath == projectPath && s.Status == types.SessionCompleted {
			if lastCompleted == nil || s.CompletedAt != nil && (lastCompleted.CompletedAt == nil || s.CompletedAt.After(*lastCompleted.CompletedAt)) {
				lastCompleted = s
			}
		}
	}
	if sess != nil {
		return sess, false, lastCompleted, nil
	}

	now := time.Now()
	sess = &types.Session{
		ID:            generateID(),
		ProjectPath:   projectPath,
		Status:        types.SessionActive,
		TaskType:      types.TaskMain,
		Mode:          types.ModeNormal,
		LastCheckedAt: now,
		LastUpdatedAt: now,
		CreatedAt:     now,
	}
	if err := m.repo.PutSession(ctx, sess); err != nil {
		return nil, false, nil, fmt.Errorf("session: create: %w", err)
	}

	m.publish(event.SessionCreated, event.SessionCreatedData{
		SessionID: sess.ID,
		ProjectID: hashProjectPath(projectPath),
	})

	return sess, true, lastCompleted, nil
}

// MarkCompleted sets a session's status to completed and publishes why in
// the session.completed event.
func (m *Manager) MarkCompleted(ctx context.Context, sessionID, reason string) error {
	now := time.Now()
	updated, err := m.repo.UpdateSessionState(ctx, sessionID, func(s *types.Session) error {
		s.Status = types.SessionCompleted
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: mark completed: %w", err)
	}

	m.publish(event.SessionCompleted, event.SessionCompletedData{
		SessionID: updated.ID,
		ProjectID: hashProjectPath(updated.ProjectPath),
		Reason:    reason,
	})
	return nil
}

// SweepStale marks long-idle active sessions abandoned and deletes completed
// sessions past their retention window, skipping any completed session that
// still has a non-completed child (RESTRICT semantics — the child's lineage
// reference would otherwise dangle).
func (m *Manager) SweepStale(ctx context.Context) error {
	all, err := m.repo.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("session: sweep: list: %w", err)
	}

	hasOpenChild := make(map[string]bool)
	for _, s := range all {
		if s.ParentSessionID != "" && s.Status != types.SessionCompleted {
			hasOpenChild[s.ParentSessionID] = true
		}
	}

	now := time.Now()
	for _, s := range all {
		switch {
		case s.Status == types.SessionActive && now.Sub(s.LastUpdatedAt) > m.staleAfter:
			if _, err := m.repo.UpdateSessionState(ctx, s.ID, func(sess *types.Session) error {
				sess.Status = types.SessionAbandoned
				return nil
			}); err != nil {
				logging.Warn().Err(err).Str("session_id", s.ID).Msg("failed to abandon stale session")
				continue
			}
			m.publish(event.SessionCompleted, event.SessionCompletedData{
				SessionID: s.ID,
				ProjectID: hashProjectPath(s.ProjectPath),
				Reason:    "swept",
			})

		case s.Status == types.SessionCompleted && s.CompletedAt != nil && now.Sub(*s.CompletedAt) > m.completedTTL:
			if hasOpenChild[s.ID] {
				continue
			}
			if err := m.repo.DeleteSteps(ctx, s.ID); err != nil {
				logging.Warn().Err(err).Str("session_id", s.ID).Msg("failed to delete steps during sweep")
				continue
			}
			if err := m.repo.DeleteDriftLog(ctx, s.ID); err != nil {
				logging.Warn().Err(err).Str("session_id", s.ID).Msg("failed to delete drift log during sweep")
				continue
			}
			if err := m.repo.DeleteSession(ctx, s.ID); err != nil {
				logging.Warn().Err(err).Str("session_id", s.ID).Msg("failed to delete session during sweep")
			}
		}
	}
	return nil
}

// StartSweeper runs SweepStale once immediately and then on every tick of
// interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if err := m.SweepStale(ctx); err != nil {
		logging.Warn().Err(err).Msg("initial session sweep failed")
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.SweepStale(ctx); err != nil {
					logging.Warn().Err(err).Msg("session sweep failed")
				}
			}
		}
	}()
}

func (m *Manager) publish(t event.EventType, data any) {
	evt := event.Event{Type: t, Data: data}
	if m.bus == nil {
		event.PublishSync(evt)
		return
	}
	m.bus.PublishSync(evt)
}

func generateID() string {
	return ulid.Make().String()
}

// hashProjectPath derives the short project identifier event payloads carry,
// so a project's path never round-trips through the SSE admin surface.
func hashProjectPath(projectPath string) string {
	h := sha256.New()
	h.Write([]byte(projectPath))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
