// Package config loads grov-proxy configuration from environment variables,
// an optional JSONC file, and built-in defaults, in that precedence order.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/grovhq/grov-proxy/internal/logging"
)

// Config holds every tunable the core reads. Fields are grouped by how
// they're allowed to change at runtime: Host/Port/upstream/credentials
// require a restart; the rest are watched and hot-reloaded (§4.10).
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	BodyLimit int64 `json:"body_limit"`

	UpstreamBaseURL string `json:"upstream_base_url"`
	UpstreamAPIKey  string `json:"-"`

	MemoryServiceURL string `json:"memory_service_url"`

	AnalyzerProvider string `json:"analyzer_provider"`
	AnalyzerModel    string `json:"analyzer_model"`
	AnalyzerAPIKey   string `json:"-"`

	// Hot-reloadable tunables.
	TokenClearThreshold  int  `json:"token_clear_threshold"`
	DriftCheckInterval   int  `json:"drift_check_interval"`
	ExtendedCacheEnabled bool `json:"extended_cache_enabled"`
	MaxMemoriesPerPreview int `json:"max_memories_per_preview"`
}

// Default returns the built-in defaults (spec.md §5 resource bounds).
func Default() *Config {
	return &Config{
		Host:                  "127.0.0.1",
		Port:                  8090,
		BodyLimit:             10 * 1024 * 1024,
		TokenClearThreshold:   150_000,
		DriftCheckInterval:    5,
		ExtendedCacheEnabled:  true,
		MaxMemoriesPerPreview: 3,
		AnalyzerProvider:      "stub",
	}
}

// Load builds the effective configuration: defaults, then an optional
// JSONC file, then environment variables (highest precedence).
func Load(directory string) (*Config, error) {
	cfg := Default()

	// Best-effort: a missing .env is normal, not an error.
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	} else {
		_ = godotenv.Load()
	}

	for _, candidate := range configFileCandidates(directory) {
		if data, err := os.ReadFile(candidate); err == nil {
			if err := applyJSONC(cfg, data); err != nil {
				logging.Warn().Err(err).Str("path", candidate).Msg("failed to parse config file")
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func configFileCandidates(directory string) []string {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "grov-proxy", "config.jsonc"))
	}
	if directory != "" {
		candidates = append(candidates, filepath.Join(directory, ".grov-proxy.jsonc"))
	}
	return candidates
}

// applyJSONC strips JSONC comments with tidwall/jsonc and merges the
// result into cfg. Only fields present in the file are overwritten.
func applyJSONC(cfg *Config, data []byte) error {
	clean := jsonc.ToJSON(data)
	var file Config
	if err := json.Unmarshal(clean, &file); err != nil {
		return err
	}
	mergeNonZero(cfg, &file)
	// false is a meaningful setting, so presence is checked separately.
	var flags struct {
		ExtendedCacheEnabled *bool `json:"extended_cache_enabled"`
	}
	if err := json.Unmarshal(clean, &flags); err == nil && flags.ExtendedCacheEnabled != nil {
		cfg.ExtendedCacheEnabled = *flags.ExtendedCacheEnabled
	}
	return nil
}

func mergeNonZero(target, source *Config) {
	if source.Host != "" {
		target.Host = source.Host
	}
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.BodyLimit != 0 {
		target.BodyLimit = source.BodyLimit
	}
	if source.UpstreamBaseURL != "" {
		target.UpstreamBaseURL = source.UpstreamBaseURL
	}
	if source.MemoryServiceURL != "" {
		target.MemoryServiceURL = source.MemoryServiceURL
	}
	if source.AnalyzerProvider != "" {
		target.AnalyzerProvider = source.AnalyzerProvider
	}
	if source.AnalyzerModel != "" {
		target.AnalyzerModel = source.AnalyzerModel
	}
	if source.TokenClearThreshold != 0 {
		target.TokenClearThreshold = source.TokenClearThreshold
	}
	if source.DriftCheckInterval != 0 {
		target.DriftCheckInterval = source.DriftCheckInterval
	}
	if source.MaxMemoriesPerPreview != 0 {
		target.MaxMemoriesPerPreview = source.MaxMemoriesPerPreview
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("BODY_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.BodyLimit = n
		}
	}
	if v := os.Getenv("TOKEN_CLEAR_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TokenClearThreshold = n
		}
	}
	if v := os.Getenv("DRIFT_CHECK_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DriftCheckInterval = n
		}
	}
	if v := os.Getenv("EXTENDED_CACHE_ENABLED"); v != "" {
		cfg.ExtendedCacheEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.UpstreamBaseURL = v
	}
	if v := os.Getenv("UPSTREAM_API_KEY"); v != "" {
		cfg.UpstreamAPIKey = v
	}
	if v := os.Getenv("MEMORY_SERVICE_URL"); v != "" {
		cfg.MemoryServiceURL = v
	}
	if v := os.Getenv("ANALYZER_PROVIDER"); v != "" {
		cfg.AnalyzerProvider = v
	}
	if v := os.Getenv("ANALYZER_API_KEY"); v != "" {
		cfg.AnalyzerAPIKey = v
	}
	if v := os.Getenv("ANALYZER_MODEL"); v != "" {
		cfg.AnalyzerModel = v
	}
	if v := os.Getenv("MAX_MEMORIES_PER_PREVIEW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxMemoriesPerPreview = n
		}
	}
}

// Watcher hot-reloads the tunable fields of a Config whenever its backing
// JSONC file changes on disk, without requiring a process restart. Host,
// Port, and upstream/credential fields are deliberately not touched by a
// reload; callers must restart to change those.
type Watcher struct {
	mu     sync.Mutex
	cfg    *Config
	path   string
	fsw    *fsnotify.Watcher
	closed chan struct{}
}

// WatchFile starts watching path (if it exists) for changes and applies
// hot-reloadable fields from it onto cfg as they change. Safe to call with
// a path that doesn't exist yet; the watcher simply never fires.
func WatchFile(cfg *Config, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{cfg: cfg, path: path, fsw: fsw, closed: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("config watcher error")
		case <-w.closed:
			return
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	before := *w.cfg
	if err := applyJSONC(w.cfg, data); err != nil {
		logging.Warn().Err(err).Msg("failed to hot-reload config")
		return
	}
	// Host/Port/upstream are restart-only; restore them if the file
	// changed them so a hot-reload can never silently rebind the server.
	w.cfg.Host = before.Host
	w.cfg.Port = before.Port
	w.cfg.UpstreamBaseURL = before.UpstreamBaseURL
	logging.Info().
		Int("drift_check_interval", w.cfg.DriftCheckInterval).
		Int("token_clear_threshold", w.cfg.TokenClearThreshold).
		Bool("extended_cache_enabled", w.cfg.ExtendedCacheEnabled).
		Msg("config hot-reloaded")
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.fsw.Close()
}
