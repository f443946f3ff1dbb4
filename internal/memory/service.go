package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/grovhq/grov-proxy/internal/logging"
	"github.com/grovhq/grov-proxy/internal/types"
)

// retryInitialInterval/retryMaxInterval/retryMaxElapsedTime/maxRetries mirror
// the upstream request loop's retry posture, scaled down for a sidecar call
// that must never stall the request path for long.
const (
	retryInitialInterval = 250 * time.Millisecond
	retryMaxInterval     = 4 * time.Second
	retryMaxElapsedTime  = 10 * time.Second
	maxRetries           = 3
)

// ServiceClient talks to the external team-memory service. Every response
// field the core needs is pulled out with gjson directly from the response
// bytes; the memory service's payload is otherwise treated as opaque.
type ServiceClient struct {
	baseURL string
	http    *http.Client
}

// NewServiceClient builds a client against baseURL (e.g.
// "https://memory.internal"). An empty baseURL makes every call a no-op
// that returns zero results, so the proxy degrades gracefully when no
// memory service is configured.
func NewServiceClient(baseURL string) *ServiceClient {
	return &ServiceClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *ServiceClient) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// FetchTeamMemories performs the semantic-search lookup spec.md §6
// requires, capped at limit results (the preview builder caps this at 3
// regardless of what's requested here). A disabled or failing memory
// service returns (nil, nil) — a missing memory cache is not a proxy
// error, per the graceful-degradation policy.
func (c *ServiceClient) FetchTeamMemories(ctx context.Context, projectPath, userPrompt string, currentFiles []string, limit int) ([]types.Memory, error) {
	if c.baseURL == "" {
		return nil, nil
	}

	reqBody, err := json.Marshal(map[string]any{
		"project_path":  projectPath,
		"user_prompt":   userPrompt,
		"current_files": currentFiles,
		"limit":         limit,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: encode search request: %w", err)
	}

	var respBody []byte
	op := func() error {
		body, err := c.post(ctx, "/v1/memories/search", reqBody)
		if err != nil {
			return err
		}
		respBody = body
		return nil
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		logging.Warn().Err(err).Str("project_path", projectPath).Msg("memory search failed, degrading to no memories")
		return nil, nil
	}

	return parseMemories(respBody), nil
}

// SaveMemory persists a completed session's summary, called from the
// post-processor when the orchestrator marks a task complete.
func (c *ServiceClient) SaveMemory(ctx context.Context, session *types.Session, summary, triggerReason string) (string, error) {
	if c.baseURL == "" {
		return "", nil
	}

	reqBody, err := json.Marshal(map[string]any{
		"project_path":   session.ProjectPath,
		"session_id":     session.ID,
		"goal":           session.OriginalGoal,
		"summary":        summary,
		"trigger_reason": triggerReason,
	})
	if err != nil {
		return "", fmt.Errorf("memory: encode save request: %w", err)
	}

	var respBody []byte
	op := func() error {
		body, err := c.post(ctx, "/v1/memories", reqBody)
		if err != nil {
			return err
		}
		respBody = body
		return nil
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return "", fmt.Errorf("memory: save: %w", err)
	}

	return gjson.GetBytes(respBody, "id").String(), nil
}

func (c *ServiceClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err // transient network error, retry
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("memory service returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("memory service returned %d", resp.StatusCode))
	}

	return buf.Bytes(), nil
}

// parseMemories extracts a Memory slice from a search response's "results"
// array using gjson, tolerating any field the service omits.
func parseMemories(body []byte) []types.Memory {
	results := gjson.GetBytes(body, "results")
	if !results.Exists() {
		return nil
	}

	var memories []types.Memory
	results.ForEach(func(_, m gjson.Result) bool {
		mem := types.Memory{
			ID:            m.Get("id").String(),
			Goal:          m.Get("goal").String(),
			Summary:       m.Get("summary").String(),
			OriginalQuery: m.Get("original_query").String(),
		}
		if ts := m.Get("updated_at"); ts.Exists() {
			if t, err := time.Parse(time.RFC3339, ts.String()); err == nil {
				mem.UpdatedAt = t
			}
		}
		for _, f := range m.Get("files_touched").Array() {
			mem.FilesTouched = append(mem.FilesTouched, f.String())
		}
		memories = append(memories, mem)
		return true
	})
	return memories
}
