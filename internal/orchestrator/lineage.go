package orchestrator

import (
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/oklog/ulid/v2"
)

// lineageSimilarity scores how closely two goal strings match: 1.0 for
// identical text, 0.0 for completely disjoint strings. It is observability
// only — logged when a completed session is reactivated for a "continue"
// verdict — and never overrides the analyzer's explicit decision.
func lineageSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

// generateID mints a session ID using the same sortable ULID scheme
// internal/session uses, so orchestrator-created sessions interleave
// correctly with session-manager-created ones in any ID-ordered listing.
func generateID() string {
	return ulid.Make().String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
