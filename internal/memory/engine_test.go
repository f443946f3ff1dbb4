package memory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovhq/grov-proxy/internal/adapter"
	"github.com/grovhq/grov-proxy/internal/types"
)

func TestClassifyRequest_FirstThenRetryThenNewTurn(t *testing.T) {
	a := adapter.NewClaudeAdapter()
	st := newSessionInjectionState()

	body1 := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, RequestFirst, ClassifyRequest(a, st, body1))
	st.lastMessageCount = 1

	assert.Equal(t, RequestRetry, ClassifyRequest(a, st, body1))

	body2 := []byte(`{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hey"},{"role":"user","content":"again"}]}`)
	assert.Equal(t, RequestNewTurn, ClassifyRequest(a, st, body2))
}

func TestClassifyRequest_Continuation(t *testing.T) {
	a := adapter.NewClaudeAdapter()
	st := newSessionInjectionState()
	st.lastMessageCount = 2

	body := []byte(`{"messages":[` +
		`{"role":"user","content":"hi"},` +
		`{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"bash","input":{}}]},` +
		`{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}` +
		`]}`)
	assert.Equal(t, RequestContinuation, ClassifyRequest(a, st, body))
}

func newFetchingEngine(t *testing.T, handler http.HandlerFunc) *Engine {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewEngine(NewServiceClient(srv.URL))
}

func TestEngine_HandleFirstRequest_InjectsPreview(t *testing.T) {
	e := newFetchingEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"id":"abcdef1234567890","goal":"Design worker pool","summary":"Bounded FIFO","updated_at":"2026-07-30T00:00:00Z"}]}`))
	})
	a := adapter.NewClaudeAdapter()
	session := &types.Session{ID: "s1", ProjectPath: "/repo"}
	body := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"Explain the worker pool"}]}]}`)

	plan, err := e.HandleFirstRequest(context.Background(), a, "/repo", body, session, nil)
	require.NoError(t, err)
	require.True(t, plan.Injected)
	assert.Contains(t, string(plan.Body), "PROJECT KNOWLEDGE BASE")
	assert.Contains(t, string(plan.Body), "abcdef12")
}

func TestEngine_HandleFirstRequest_ZeroMemories(t *testing.T) {
	e := newFetchingEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	a := adapter.NewClaudeAdapter()
	session := &types.Session{ID: "s1", ProjectPath: "/repo"}
	body := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)

	plan, err := e.HandleFirstRequest(context.Background(), a, "/repo", body, session, nil)
	require.NoError(t, err)
	assert.Contains(t, string(plan.Body), noMemoriesPreview)
}

func TestEngine_HandleFirstRequest_AppendsPendingCorrection(t *testing.T) {
	e := newFetchingEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	a := adapter.NewClaudeAdapter()
	session := &types.Session{ID: "s1", ProjectPath: "/repo", PendingCorrection: "stay focused on the goal"}
	body := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)

	plan, err := e.HandleFirstRequest(context.Background(), a, "/repo", body, session, nil)
	require.NoError(t, err)
	assert.Contains(t, string(plan.Body), "stay focused on the goal")
}

func TestEngine_Reconstruct_ReplaysCommittedRecords(t *testing.T) {
	e := newFetchingEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	a := adapter.NewClaudeAdapter()
	session := &types.Session{ID: "s1", ProjectPath: "/repo"}
	body := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)

	plan, err := e.HandleFirstRequest(context.Background(), a, "/repo", body, session, nil)
	require.NoError(t, err)

	st := e.stateFor("/repo")
	st.mu.Lock()
	st.committed = append(st.committed, st.pending...)
	st.pending = nil
	st.mu.Unlock()

	reconstructed := e.Reconstruct(a, "/repo", body)
	assert.Equal(t, string(plan.Body), string(reconstructed))
}

func TestEngine_RunExpandLoop_ResolvesAndTerminates(t *testing.T) {
	e := NewEngine(NewServiceClient(""))
	a := adapter.NewClaudeAdapter()
	st := e.stateFor("/repo")
	st.memoriesByID["abcdef1234567890"] = types.Memory{ID: "abcdef1234567890", Goal: "Design worker pool", Summary: "Bounded FIFO"}

	reqBody := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	expandResp := []byte(`{"content":[{"type":"tool_use","id":"t1","name":"grov_expand","input":{"ids":["abcdef12"]}}]}`)
	finalResp := []byte(`{"content":[{"type":"text","text":"here's the answer"}],"stop_reason":"end_turn"}`)

	calls := 0
	next := func(ctx context.Context, body []byte) ([]byte, error) {
		calls++
		assert.Contains(t, string(body), "Bounded FIFO")
		return finalResp, nil
	}

	finalBody, finalResponse, err := e.RunExpandLoop(context.Background(), a, "/repo", reqBody, expandResp, next)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, string(finalResp), string(finalResponse))
	assert.Contains(t, string(finalBody), "tool_result")
}

func TestEngine_RunExpandLoop_UnknownMemoryReportsNotFound(t *testing.T) {
	e := NewEngine(NewServiceClient(""))
	a := adapter.NewClaudeAdapter()
	e.stateFor("/repo")

	reqBody := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	expandResp := []byte(`{"content":[{"type":"tool_use","id":"t1","name":"grov_expand","input":{"ids":["zzzzzzzz"]}}]}`)
	finalResp := []byte(`{"content":[{"type":"text","text":"done"}],"stop_reason":"end_turn"}`)

	next := func(ctx context.Context, body []byte) ([]byte, error) {
		assert.Contains(t, string(body), "not found")
		return finalResp, nil
	}

	_, _, err := e.RunExpandLoop(context.Background(), a, "/repo", reqBody, expandResp, next)
	require.NoError(t, err)
}

func TestSessionInjectionState_HasToolCycleAtPositionIsIdempotent(t *testing.T) {
	st := newSessionInjectionState()
	assert.False(t, st.hasToolCycleAtPosition(2))
	st.recordToolCycle(2, "result")
	assert.True(t, st.hasToolCycleAtPosition(2))
}

func TestSessionInjectionState_GetCachedMemoryByIDMatchesEitherDirection(t *testing.T) {
	st := newSessionInjectionState()
	st.memoriesByID["abcdef1234567890"] = types.Memory{ID: "abcdef1234567890"}

	_, ok := st.getCachedMemoryByID("abcdef12")
	assert.True(t, ok)

	_, ok = st.getCachedMemoryByID("abcdef1234567890")
	assert.True(t, ok)

	_, ok = st.getCachedMemoryByID("nomatch1")
	assert.False(t, ok)
}
