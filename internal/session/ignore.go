package session

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/grovhq/grov-proxy/internal/types"
)

// DefaultIgnoreGlobs are project-relative patterns a step's files/folders
// are checked against before being recorded as key decisions (spec.md
// §4.6 condition (b), "recent edit or write"). A step touching only
// ignored paths is still persisted, just excluded from that drift gate.
var DefaultIgnoreGlobs = []string{
	"**/*.lock",
	"**/package-lock.json",
	"**/pnpm-lock.yaml",
	"**/node_modules/**",
	"**/.git/**",
	"**/dist/**",
	"**/build/**",
	"**/*.generated.go",
	"**/vendor/**",
}

// IsIgnoredPath reports whether path matches any of globs. Malformed
// patterns are skipped rather than erroring — a broken ignore pattern
// should never block step recording.
func IsIgnoredPath(path string, globs []string) bool {
	for _, pattern := range globs {
		ok, err := doublestar.Match(pattern, path)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// AllPathsIgnored reports whether every path in paths matches globs. An
// empty paths slice (e.g. a bash step with no files) is never considered
// "all ignored" — it simply has nothing to ignore.
func AllPathsIgnored(paths []string, globs []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !IsIgnoredPath(p, globs) {
			return false
		}
	}
	return true
}

// IsKeyDecision reports whether a step touching files/folders should count
// toward the drift gate's "recent edit or write" condition: it must be
// edit-like and not touch exclusively ignored paths.
func IsKeyDecision(actionType types.ActionType, files, folders []string, globs []string) bool {
	if !actionType.IsEditLike() {
		return false
	}
	paths := make([]string, 0, len(files)+len(folders))
	paths = append(paths, files...)
	paths = append(paths, folders...)
	return !AllPathsIgnored(paths, globs)
}
