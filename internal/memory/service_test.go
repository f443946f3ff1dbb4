package memory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovhq/grov-proxy/internal/types"
)

func TestServiceClient_EmptyBaseURLIsNoOp(t *testing.T) {
	c := NewServiceClient("")
	memories, err := c.FetchTeamMemories(context.Background(), "/repo", "hi", nil, 3)
	require.NoError(t, err)
	assert.Nil(t, memories)

	id, err := c.SaveMemory(context.Background(), &types.Session{}, "summary", "task_complete")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestServiceClient_FetchTeamMemories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/memories/search", r.URL.Path)
		w.Write([]byte(`{"results":[{"id":"abcdef1234567890","goal":"Design worker pool","summary":"Bounded FIFO","updated_at":"2026-07-30T00:00:00Z","files_touched":["pool.go"]}]}`))
	}))
	defer srv.Close()

	c := NewServiceClient(srv.URL)
	memories, err := c.FetchTeamMemories(context.Background(), "/repo", "explain the pool", []string{"pool.go"}, 3)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "Design worker pool", memories[0].Goal)
	assert.Equal(t, []string{"pool.go"}, memories[0].FilesTouched)
}

func TestServiceClient_SaveMemory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/memories", r.URL.Path)
		w.Write([]byte(`{"id":"newid123"}`))
	}))
	defer srv.Close()

	c := NewServiceClient(srv.URL)
	id, err := c.SaveMemory(context.Background(), &types.Session{ID: "s1", ProjectPath: "/repo"}, "did the thing", "task_complete")
	require.NoError(t, err)
	assert.Equal(t, "newid123", id)
}

func TestServiceClient_ServerErrorDegradesGracefully(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewServiceClient(srv.URL)
	memories, err := c.FetchTeamMemories(context.Background(), "/repo", "hi", nil, 3)
	require.NoError(t, err)
	assert.Nil(t, memories)
}

func TestServiceClient_ClientErrorIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewServiceClient(srv.URL)
	_, err := c.SaveMemory(context.Background(), &types.Session{}, "x", "y")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
