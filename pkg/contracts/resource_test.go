package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeMatches(t *testing.T) {
	tests := []struct {
		name      string
		bound     MaterializationScope
		requester MaterializationScope
		want      bool
	}{
		{
			"user only, same user",
			MaterializationScope{UserID: "u1"},
			MaterializationScope{UserID: "u1", SessionID: "s9", SolutionID: "sol9"},
			true,
		},
		{
			"user mismatch",
			MaterializationScope{UserID: "u1"},
			MaterializationScope{UserID: "u2"},
			false,
		},
		{
			"session pinned, matching",
			MaterializationScope{UserID: "u1", SessionID: "s1"},
			MaterializationScope{UserID: "u1", SessionID: "s1"},
			true,
		},
		{
			"session pinned, different session",
			MaterializationScope{UserID: "u1", SessionID: "s1"},
			MaterializationScope{UserID: "u1", SessionID: "s2"},
			false,
		},
		{
			"session pinned, requester has none",
			MaterializationScope{UserID: "u1", SessionID: "s1"},
			MaterializationScope{UserID: "u1"},
			false,
		},
		{
			"solution pinned, matching",
			MaterializationScope{UserID: "u1", SolutionID: "sol1"},
			MaterializationScope{UserID: "u1", SolutionID: "sol1"},
			true,
		},
		{
			"solution pinned, different solution",
			MaterializationScope{UserID: "u1", SolutionID: "sol1"},
			MaterializationScope{UserID: "u1", SolutionID: "sol2"},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.bound.Matches(tt.requester))
		})
	}
}

func TestIntentTypeKnown(t *testing.T) {
	for _, k := range KnownIntentTypes() {
		assert.True(t, k.Known())
	}
	assert.False(t, IntentType("DROP_TABLES").Known())
	assert.False(t, IntentType("").Known())
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, SessionActive.Terminal())
	assert.True(t, SessionExpired.Terminal())
	assert.True(t, SessionInvalidated.Terminal())

	assert.False(t, ExecutionSubmitted.Terminal())
	assert.False(t, ExecutionRunning.Terminal())
	assert.False(t, ExecutionFailed.Terminal(), "FAILED still compensates")
	assert.False(t, ExecutionCompensating.Terminal())
	assert.True(t, ExecutionCompleted.Terminal())
	assert.True(t, ExecutionCompensated.Terminal())
}
