package analyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovhq/grov-proxy/internal/types"
)

func TestStub_AnalyzeTaskContext_UsesSessionGoalWhenPresent(t *testing.T) {
	s := NewStub()
	session := &types.Session{OriginalGoal: "Design worker pool"}
	verdict, err := s.AnalyzeTaskContext(context.Background(), TaskContextRequest{
		Session:           session,
		LatestUserMessage: "now add a queue",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ActionContinue, verdict.Action)
	assert.Equal(t, "Design worker pool", verdict.CurrentGoal)
}

func TestStub_AnalyzeTaskContext_FallsBackToFirstLineOfMessage(t *testing.T) {
	s := NewStub()
	session := &types.Session{}
	verdict, err := s.AnalyzeTaskContext(context.Background(), TaskContextRequest{
		Session:           session,
		LatestUserMessage: "fix the bug\nextra detail",
	})
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", verdict.CurrentGoal)
}

func TestStub_CheckDrift_AlwaysZero(t *testing.T) {
	s := NewStub()
	verdict, err := s.CheckDrift(context.Background(), DriftRequest{Session: &types.Session{}})
	require.NoError(t, err)
	assert.Equal(t, 0, verdict.Score)
}

func TestStub_CheckRecoveryAlignment_AlwaysAligned(t *testing.T) {
	s := NewStub()
	verdict, err := s.CheckRecoveryAlignment(context.Background(), AlignmentRequest{Session: &types.Session{}})
	require.NoError(t, err)
	assert.True(t, verdict.Aligned)
}

func TestStub_GenerateSessionSummary_TruncatesToMaxChars(t *testing.T) {
	s := NewStub()
	reasoning := "implemented the bounded queue with a mutex and condition variable"
	session := &types.Session{OriginalGoal: "Design worker pool"}
	steps := []*types.Step{{Reasoning: &reasoning}}

	summary, err := s.GenerateSessionSummary(context.Background(), session, steps, 20)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(summary), 20)
}
