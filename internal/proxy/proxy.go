// Package proxy wires the adapter, session, memory, orchestrator, drift, and
// cache packages into the two HTTP endpoints the server exposes: it is the
// concrete httpserver.ProxyHandler the teacher's server.go was built to
// accept.
package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/pretty"

	"github.com/grovhq/grov-proxy/internal/adapter"
	"github.com/grovhq/grov-proxy/internal/analyzer"
	"github.com/grovhq/grov-proxy/internal/cache"
	"github.com/grovhq/grov-proxy/internal/config"
	"github.com/grovhq/grov-proxy/internal/drift"
	"github.com/grovhq/grov-proxy/internal/event"
	"github.com/grovhq/grov-proxy/internal/logging"
	"github.com/grovhq/grov-proxy/internal/memory"
	"github.com/grovhq/grov-proxy/internal/orchestrator"
	"github.com/grovhq/grov-proxy/internal/repository"
	"github.com/grovhq/grov-proxy/internal/session"
	"github.com/grovhq/grov-proxy/internal/types"
)

// recentStepsWindow mirrors the "last 5 steps" window the task analyzer is
// handed, per spec.md §4.5.
const recentStepsWindow = 5

// upstreamHeaderAllowlist is the fixed set of request headers forwarded to
// the upstream beyond authorization/API-key headers (spec.md §6).
var upstreamHeaderAllowlist = []string{
	"Content-Type",
	"Anthropic-Version",
	"Anthropic-Beta",
	"Openai-Organization",
	"Openai-Beta",
	"User-Agent",
}

// Handler implements httpserver.ProxyHandler, fronting both the
// Claude-style and Codex-style endpoints with the same pipeline.
type Handler struct {
	Registry     *adapter.Registry
	Sessions     *session.Manager
	Memory       *memory.Engine
	Orchestrator *orchestrator.Orchestrator
	Analyzer     analyzer.Analyzer
	Drift        *drift.Machine
	Cache        *cache.Cache
	Repo         repository.Repository
	Bus          *event.Bus
	Config       *config.Config

	Upstream *http.Client
	Debug    bool
}

// HandleMessages services the Claude-style endpoint.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "claude")
}

// HandleResponses services the Codex-style endpoint.
func (h *Handler) HandleResponses(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "codex")
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, adapterName string) {
	a, ok := h.Registry.ByName(adapterName)
	if !ok {
		writeProxyError(w, http.StatusNotFound, "not_found_error", "no adapter registered for this endpoint")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProxyError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	settings := a.GetSettings(body)
	if a.IsSubagentModel(settings.Model) {
		h.forwardBypass(w, r, a, body)
		return
	}

	ctx := r.Context()
	projectPath := a.ExtractProjectPath(r)

	sess, _, lastCompleted, err := h.Sessions.GetOrCreate(ctx, projectPath)
	if err != nil {
		logging.Warn().Err(err).Str("project_path", projectPath).Msg("proxy: session lookup failed")
		writeProxyError(w, http.StatusInternalServerError, "proxy_error", "session lookup failed")
		return
	}

	if summary, ok := h.Orchestrator.ConsumePlanClear(projectPath); ok {
		updated, err := h.Repo.UpdateSessionState(ctx, sess.ID, func(s *types.Session) error {
			s.PendingClearSummary = summary
			return nil
		})
		if err == nil {
			sess = updated
		}
	}

	kind := h.Memory.Classify(a, projectPath, body)

	var plan memory.InjectionPlan
	switch kind {
	case memory.RequestFirst:
		plan, err = h.Memory.HandleFirstRequest(ctx, a, projectPath, body, sess, h.recentFiles(ctx, sess.ID))
		if err != nil {
			logging.Warn().Err(err).Msg("proxy: first-request injection failed")
			plan = memory.InjectionPlan{Body: body}
		}
	default:
		plan = memory.InjectionPlan{Body: h.Memory.Reconstruct(a, projectPath, body), Injected: true}
	}

	outBody := plan.Body
	if toolJSON, err := json.Marshal(memory.ToolDefinition()); err == nil {
		if injected, ok := a.InjectToolIntoRawBody(outBody, string(toolJSON)); ok {
			outBody = injected
		}
	}

	h.traceDebug("outgoing request", outBody)

	respBody, respHeaders, status, err := h.forward(ctx, r, outBody)
	if err != nil {
		h.writeForwardError(w, err)
		return
	}

	if status == http.StatusOK {
		toolExpansions := 0
		outBody, respBody, err = h.Memory.RunExpandLoop(ctx, a, projectPath, outBody, respBody, func(ctx context.Context, nextBody []byte) ([]byte, error) {
			toolExpansions++
			nextResp, _, nextStatus, err := h.forward(ctx, r, nextBody)
			if err != nil {
				return nil, err
			}
			if nextStatus != http.StatusOK {
				return nil, fmt.Errorf("proxy: expand-loop follow-up returned status %d", nextStatus)
			}
			return nextResp, nil
		})
		if err != nil {
			logging.Warn().Err(err).Msg("proxy: tool-expansion loop aborted early")
		}

		if h.Config != nil && h.Config.ExtendedCacheEnabled && h.Cache != nil {
			h.Cache.Record(projectPath, h.upstreamURL(r), h.sanitizedUpstreamHeaders(r.Header), outBody)
		}

		h.publishTurnCompleted(sess, projectPath, a.ExtractUsage(respBody), toolExpansions)
		h.dispatchPostProcessing(a, sess, lastCompleted, projectPath, outBody, respBody)
	}

	h.traceDebug("upstream response", respBody)

	for k, vv := range a.FilterResponseHeaders(respHeaders) {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", a.GetResponseContentType())
	}
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

// forwardBypass relays a subagent-model request untouched: no injection, no
// orchestration, no drift analysis, per spec.md §5's subagent bypass.
func (h *Handler) forwardBypass(w http.ResponseWriter, r *http.Request, a adapter.Adapter, body []byte) {
	respBody, respHeaders, status, err := h.forward(r.Context(), r, body)
	if err != nil {
		h.writeForwardError(w, err)
		return
	}
	for k, vv := range a.FilterResponseHeaders(respHeaders) {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

// forward issues one upstream call with sanitized headers, buffering the
// full response body. Streaming relay is not implemented; the client
// receives nothing until the upstream response has been read in full.
func (h *Handler) forward(ctx context.Context, r *http.Request, body []byte) ([]byte, http.Header, int, error) {
	url := h.upstreamURL(r)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("proxy: build upstream request: %w", err)
	}
	req.Header = h.sanitizedUpstreamHeaders(r.Header)

	resp, err := h.Upstream.Do(req)
	if err != nil {
		return nil, nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("proxy: read upstream response: %w", err)
	}
	return respBody, resp.Header, resp.StatusCode, nil
}

func (h *Handler) upstreamURL(r *http.Request) string {
	base := strings.TrimSuffix(h.Config.UpstreamBaseURL, "/")
	return base + r.URL.Path
}

func (h *Handler) sanitizedUpstreamHeaders(in http.Header) http.Header {
	out := make(http.Header)
	if auth := in.Get("Authorization"); auth != "" {
		out.Set("Authorization", auth)
	}
	if key := in.Get("X-Api-Key"); key != "" {
		out.Set("X-Api-Key", key)
	}
	for _, name := range upstreamHeaderAllowlist {
		if v := in.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	if h.Config != nil && h.Config.UpstreamAPIKey != "" {
		out.Set("X-Api-Key", h.Config.UpstreamAPIKey)
	}
	return out
}

// writeForwardError maps an upstream forwarding failure to the client-facing
// status codes spec.md §7 requires: 504 on timeout, 502 on any other
// network/5xx failure.
func (h *Handler) writeForwardError(w http.ResponseWriter, err error) {
	if isTimeout(err) {
		writeProxyError(w, http.StatusGatewayTimeout, "proxy_error", "Gateway timeout")
		return
	}
	logging.Warn().Err(err).Msg("proxy: upstream forward failed")
	writeProxyError(w, http.StatusBadGateway, "proxy_error", "upstream request failed")
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

func writeProxyError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": kind, "message": message},
	})
}

func (h *Handler) publishTurnCompleted(sess *types.Session, projectPath string, usage adapter.Usage, toolExpansions int) {
	if h.Bus == nil || sess == nil {
		return
	}
	h.Bus.Publish(event.Event{
		Type: event.TurnCompleted,
		Data: event.TurnCompletedData{
			SessionID:           sess.ID,
			ProjectID:           hashProjectPath(projectPath),
			CacheCreationTokens: usage.CacheCreationTokens,
			CacheReadTokens:     usage.CacheReadTokens,
			ToolExpansions:      toolExpansions,
		},
	})
}

// hashProjectPath mirrors internal/session's event-payload hashing so a
// project's real path never round-trips through the admin SSE surface.
func hashProjectPath(projectPath string) string {
	sum := sha256.Sum256([]byte(projectPath))
	return hex.EncodeToString(sum[:])[:16]
}

func (h *Handler) traceDebug(label string, body []byte) {
	if !h.Debug {
		return
	}
	logging.Debug().Str("trace", label).Msg(string(pretty.Color(pretty.Pretty(body), nil)))
}

// recentFiles collects the distinct files touched by the session's last
// steps, the "currentFiles" hint the memory service's search call uses.
func (h *Handler) recentFiles(ctx context.Context, sessionID string) []string {
	steps, err := h.Repo.ListSteps(ctx, sessionID)
	if err != nil || len(steps) == 0 {
		return nil
	}
	if len(steps) > recentStepsWindow {
		steps = steps[len(steps)-recentStepsWindow:]
	}
	seen := make(map[string]bool)
	var files []string
	for _, st := range steps {
		for _, f := range st.Files {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	return files
}

// dispatchPostProcessing launches the fire-and-forget task analysis, drift
// check, and step log that run after the client response is already being
// written, per spec.md §2's flow and §5's concurrency model: it shares no
// mutable state with the response path beyond the repository.
func (h *Handler) dispatchPostProcessing(a adapter.Adapter, sess, lastCompleted *types.Session, projectPath string, reqBody, respBody []byte) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error().Interface("panic", r).Msg("proxy: post-processing task panicked")
			}
		}()

		ctx := context.Background()
		latestUserMessage, _ := a.ExtractGoal(reqBody)
		assistantText := a.ExtractTextContent(respBody)
		recentSteps := a.ParseActions(respBody)

		current := sess
		if a.IsEndTurn(respBody) {
			verdict, err := h.Analyzer.AnalyzeTaskContext(ctx, analyzer.TaskContextRequest{
				Session:           sessionForComparison(current, lastCompleted),
				LatestUserMessage: latestUserMessage,
				RecentSteps:       recentSteps,
				AssistantText:     assistantText,
				History:           convertHistory(a.ExtractHistory(reqBody)),
			})
			if err != nil {
				logging.Warn().Err(err).Msg("proxy: task analysis failed, session state left unchanged")
			} else {
				result, err := h.Orchestrator.Apply(ctx, verdict, orchestrator.Input{
					ProjectPath:       projectPath,
					Current:           current,
					LastCompleted:     lastCompleted,
					LatestUserMessage: latestUserMessage,
					AssistantText:     assistantText,
					HasActions:        len(recentSteps) > 0,
					Summarizer:        h.Analyzer,
				})
				if err != nil {
					logging.Warn().Err(err).Msg("proxy: orchestrator apply failed")
				} else {
					current = result.Session
					if result.Session == nil {
						h.Memory.Reset(projectPath)
					}
				}
			}
		}

		if current != nil {
			h.checkpointIfNeeded(ctx, a, projectPath, current, respBody)
		}

		if current == nil || len(recentSteps) == 0 {
			return
		}
		h.logSteps(ctx, current, recentSteps, latestUserMessage)
	}()
}

// maxCheckpointSummaryChars bounds the summary queued for injection into the
// next first-request preview, mirroring the orchestrator's final-response cap.
const maxCheckpointSummaryChars = 10000

// checkpointIfNeeded implements the PURPOSE (d) checkpoint: when a session's
// context (cache-creation plus cache-read tokens, per spec.md §9's "actual
// context size" definition) crosses the configured threshold, a summary is
// generated and queued the same way a planning task_complete queues one, and
// the injection state is reset, so the next request is a first request that
// carries the summary below its preview. The history itself is forwarded
// unchanged; it is not replaced or trimmed.
func (h *Handler) checkpointIfNeeded(ctx context.Context, a adapter.Adapter, projectPath string, sess *types.Session, respBody []byte) {
	if h.Config == nil || h.Config.TokenClearThreshold <= 0 {
		return
	}
	usage := a.ExtractUsage(respBody)
	contextSize := usage.CacheCreationTokens + usage.CacheReadTokens

	if _, err := h.Repo.UpdateSessionState(ctx, sess.ID, func(s *types.Session) error {
		s.TokenCount = contextSize
		return nil
	}); err != nil {
		logging.Warn().Err(err).Str("session_id", sess.ID).Msg("proxy: token count update failed")
	}

	if contextSize < h.Config.TokenClearThreshold {
		return
	}

	steps, err := h.Repo.ListSteps(ctx, sess.ID)
	if err != nil {
		logging.Warn().Err(err).Msg("proxy: checkpoint step list failed")
	}
	summary, err := h.Analyzer.GenerateSessionSummary(ctx, sess, steps, maxCheckpointSummaryChars)
	if err != nil {
		logging.Warn().Err(err).Msg("proxy: checkpoint summary generation failed")
		return
	}
	if _, err := h.Repo.UpdateSessionState(ctx, sess.ID, func(s *types.Session) error {
		s.PendingClearSummary = summary
		return nil
	}); err != nil {
		logging.Warn().Err(err).Msg("proxy: checkpoint summary persist failed")
		return
	}
	h.Memory.Reset(projectPath)
}

// sessionForComparison is what the task analyzer compares the new turn
// against: the active session if one exists, otherwise the project's most
// recently completed session (for continue/lineage inference).
func sessionForComparison(current, lastCompleted *types.Session) *types.Session {
	if current != nil {
		return current
	}
	return lastCompleted
}

func convertHistory(msgs []adapter.HistoryMessage) []analyzer.HistoryTurn {
	out := make([]analyzer.HistoryTurn, len(msgs))
	for i, m := range msgs {
		out[i] = analyzer.HistoryTurn{Role: m.Role, Text: m.Text}
	}
	return out
}

// logSteps runs the drift gate (recovery alignment takes priority over a
// fresh periodic check) and persists recentSteps, deferring the fate of the
// final step to whichever drift path ran.
func (h *Handler) logSteps(ctx context.Context, sess *types.Session, recentSteps []types.RecentStep, latestUserMessage string) {
	updated, err := h.Repo.UpdateSessionState(ctx, sess.ID, func(s *types.Session) error {
		s.PromptCount++
		return nil
	})
	if err != nil {
		logging.Warn().Err(err).Str("session_id", sess.ID).Msg("proxy: prompt-count increment failed")
		updated = sess
	}
	sess = updated

	last := recentSteps[len(recentSteps)-1]
	lastStep := toStep(sess.ID, last)

	switch {
	case sess.WaitingForRecovery:
		if next, err := h.Drift.CheckRecoveryAlignment(ctx, sess, last); err != nil {
			logging.Warn().Err(err).Msg("proxy: recovery alignment check failed")
		} else {
			sess = next
		}
		h.writeStep(ctx, lastStep)

	case h.Drift != nil && drift.ShouldCheck(sess, recentSteps, sess.PromptCount, h.driftInterval()):
		_, err := h.Drift.Process(ctx, sess, lastStep, recentSteps, latestUserMessage)
		if err != nil {
			logging.Warn().Err(err).Msg("proxy: drift check failed")
			h.writeStep(ctx, lastStep)
		}

	default:
		h.writeStep(ctx, lastStep)
	}

	for _, rs := range recentSteps[:len(recentSteps)-1] {
		h.writeStep(ctx, toStep(sess.ID, rs))
	}
}

func (h *Handler) driftInterval() int {
	if h.Config == nil || h.Config.DriftCheckInterval <= 0 {
		return 1
	}
	return h.Config.DriftCheckInterval
}

func toStep(sessionID string, rs types.RecentStep) types.Step {
	return types.Step{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ActionType:    rs.ActionType,
		Files:         rs.Files,
		Command:       rs.Command,
		IsValidated:   true,
		IsKeyDecision: session.IsKeyDecision(rs.ActionType, rs.Files, nil, session.DefaultIgnoreGlobs),
		Timestamp:     time.Now(),
	}
}

func (h *Handler) writeStep(ctx context.Context, step types.Step) {
	if err := h.Repo.AppendStep(ctx, &step); err != nil {
		logging.Warn().Err(err).Str("session_id", step.SessionID).Msg("proxy: append step failed")
	}
}
