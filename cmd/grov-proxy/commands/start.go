package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grovhq/grov-proxy/internal/adapter"
	"github.com/grovhq/grov-proxy/internal/analyzer"
	"github.com/grovhq/grov-proxy/internal/cache"
	"github.com/grovhq/grov-proxy/internal/config"
	"github.com/grovhq/grov-proxy/internal/drift"
	"github.com/grovhq/grov-proxy/internal/event"
	"github.com/grovhq/grov-proxy/internal/httpserver"
	"github.com/grovhq/grov-proxy/internal/logging"
	"github.com/grovhq/grov-proxy/internal/memory"
	"github.com/grovhq/grov-proxy/internal/orchestrator"
	"github.com/grovhq/grov-proxy/internal/proxy"
	"github.com/grovhq/grov-proxy/internal/repository"
	"github.com/grovhq/grov-proxy/internal/session"
)

var (
	startConfigPath string
	startPolicy     string
	startDebug      bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the proxy server",
	Long: `Start grov-proxy as a long-running HTTP server fronting the
upstream LLM API, injecting team memory into the first request of every
turn and tracking task lifecycle and goal drift across sessions.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startConfigPath, "config", "", "Directory to look for a .grov-proxy.jsonc override and .env (defaults to the working directory)")
	startCmd.Flags().StringVar(&startPolicy, "policy", "", "Optional YAML file overriding drift correction wording")
	startCmd.Flags().BoolVar(&startDebug, "debug", false, "Trace request/response bodies at debug level")
}

func runStart(cmd *cobra.Command, args []string) error {
	if startDebug {
		logging.Init(logging.Config{Level: logging.DebugLevel, Output: os.Stderr, Pretty: printLogs, LogToFile: logFile})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir := startConfigPath
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = wd
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	watcher, err := config.WatchFile(cfg, config.ProjectConfigPath(dir))
	if err != nil {
		logging.Warn().Err(err).Msg("config file watcher failed to start, hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	repo := repository.New(paths.StoragePath())
	bus := event.NewBus()
	defer bus.Close()

	memoryClient := memory.NewServiceClient(cfg.MemoryServiceURL)
	memoryEngine := memory.NewEngine(memoryClient)

	an, err := buildAnalyzer(ctx, cfg)
	if err != nil {
		logging.Warn().Err(err).Msg("analyzer init failed, falling back to stub")
		an = analyzer.NewStub()
	}

	sessions := session.NewManager(repo, bus)
	sessions.StartSweeper(ctx, 5*time.Minute)

	orch := orchestrator.New(repo, memoryClient, bus)
	driftMachine := drift.New(repo, an, an, bus)

	if startPolicy != "" {
		policy, err := drift.LoadPolicy(startPolicy)
		if err != nil {
			logging.Warn().Err(err).Str("path", startPolicy).Msg("failed to load drift policy, using built-in wording")
		} else {
			driftMachine.SetPolicy(policy)
		}
	}

	extendedCache := cache.New(bus)
	if cfg.ExtendedCacheEnabled {
		extendedCache.Start()
	}

	registry := adapter.NewRegistry(adapter.NewClaudeAdapter(), adapter.NewCodexAdapter())

	handler := &proxy.Handler{
		Registry:     registry,
		Sessions:     sessions,
		Memory:       memoryEngine,
		Orchestrator: orch,
		Analyzer:     an,
		Drift:        driftMachine,
		Cache:        extendedCache,
		Repo:         repo,
		Bus:          bus,
		Config:       cfg,
		Upstream:     &http.Client{Timeout: 120 * time.Second},
		Debug:        startDebug,
	}

	srv := httpserver.New(cfg, handler)

	serveErr := make(chan error, 1)
	go func() {
		logging.Info().
			Str("host", cfg.Host).
			Int("port", cfg.Port).
			Str("upstream", cfg.UpstreamBaseURL).
			Msg("grov-proxy listening")
		serveErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logging.Info().Msg("shutting down grov-proxy")
	case err := <-serveErr:
		if err != nil {
			logging.Error().Err(err).Msg("server error")
			return err
		}
	}

	extendedCache.Stop()
	extendedCache.Wipe()
	time.Sleep(500 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
		return err
	}

	logging.Info().Msg("grov-proxy stopped")
	return nil
}

// buildAnalyzer selects the Stub or LLM analyzer per cfg.AnalyzerProvider.
// "stub" (the default) never reaches NewLLM.
func buildAnalyzer(ctx context.Context, cfg *config.Config) (analyzer.Analyzer, error) {
	if strings.EqualFold(cfg.AnalyzerProvider, "stub") || cfg.AnalyzerProvider == "" {
		return analyzer.NewStub(), nil
	}
	return analyzer.NewLLM(ctx, analyzer.LLMConfig{
		Provider: cfg.AnalyzerProvider,
		APIKey:   cfg.AnalyzerAPIKey,
		Model:    cfg.AnalyzerModel,
	})
}
