// Package config loads grov-proxy's runtime configuration from three
// sources, applied in increasing precedence:
//
//  1. Built-in defaults (Default).
//  2. Optional JSONC config files, each applied if present, in this order
//     (a later file overrides an earlier one):
//     - ~/.config/grov-proxy/config.jsonc
//     - <project-directory>/.grov-proxy.jsonc
//     Comments are stripped with tidwall/jsonc before parsing; only fields
//     present in the file override the defaults already applied.
//  3. Environment variables (HOST, PORT, BODY_LIMIT, UPSTREAM_BASE_URL,
//     UPSTREAM_API_KEY, MEMORY_SERVICE_URL, ANALYZER_PROVIDER,
//     ANALYZER_MODEL, ANALYZER_API_KEY, TOKEN_CLEAR_THRESHOLD,
//     DRIFT_CHECK_INTERVAL, EXTENDED_CACHE_ENABLED,
//     MAX_MEMORIES_PER_PREVIEW), which always win.
//
// # Hot reload
//
// A subset of fields can change without a restart: TokenClearThreshold,
// DriftCheckInterval, ExtendedCacheEnabled, and MaxMemoriesPerPreview.
// WatchFile uses fsnotify to watch the JSONC file on disk and re-applies
// those fields whenever it changes, explicitly restoring Host, Port, and
// UpstreamBaseURL afterward so a reload can never rebind the listener or
// repoint the upstream out from under a running process.
//
// # Paths
//
// GetPaths returns the XDG-style directories grov-proxy uses for on-disk
// state (session/step/drift-log storage lives under Paths.Data).
package config
