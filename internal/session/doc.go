// Package session implements the grov-proxy session manager described in
// the component design: identifying the logical session for an incoming
// request by project path, enforcing the single-active-session-per-project
// invariant, and reclaiming stale or expired sessions.
//
// # Core Components
//
//   - Manager: GetOrCreate/MarkCompleted/SweepStale, backed by
//     internal/repository
//   - ignore.go: doublestar glob matching used to exclude lockfile/vendor
//     churn from the drift gate's "recent edit or write" condition
//
// # Lifecycle
//
// GetOrCreate returns a project's unique active session, creating one under
// a per-project lock so concurrent requests for the same project never
// race into two active sessions. It also returns the project's most
// recently completed session, which the task orchestrator uses to decide
// whether a "continue" verdict is really a new request resuming the same
// lineage.
//
//	mgr := session.NewManager(repo, nil)
//	sess, isNew, lastCompleted, err := mgr.GetOrCreate(ctx, projectPath)
//
// SweepStale runs on startup and on a ticker (see StartSweeper): active
// sessions idle past the stale threshold become abandoned, and completed
// sessions past their retention window are deleted along with their steps
// and drift-log rows, unless a non-completed child session still
// references them.
package session
