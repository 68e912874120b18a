package outcome

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name    string
		failure Failure
		want    string
	}{
		{
			name:    "activity failure",
			failure: Failure{Kind: FailureActivityFailure, Activity: "SessionLock", Detail: "LOCK returned 403"},
			want:    "ActivityFailure(SessionLock)|LOCK returned 403",
		},
		{
			name:    "unhandled without activity",
			failure: Failure{Kind: FailureUnhandled, Detail: "boom"},
			want:    "Unhandled()|boom",
		},
		{
			name:    "with context",
			failure: Failure{Kind: FailureActivityFailure, Activity: "Delete", Detail: "purge failed", Context: "unlock: 500"},
			want:    "ActivityFailure(Delete)|purge failed|unlock: 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.failure.Reason())
		})
	}
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "SUCCESS/COMPLETED", Success(TypeCompleted).String())
	assert.Equal(t, "SKIPPED", Skipped().String())
	assert.Equal(t, "FAILURE InvalidInput()|bad", Failed(Failure{Kind: FailureInvalidInput, Detail: "bad"}).String())
}

func TestReasonFromOutput(t *testing.T) {
	failed, err := json.Marshal(Failed(Failure{Kind: FailureActivityFailure, Activity: "Extract", Detail: "no data"}))
	require.NoError(t, err)

	reason, ok := ReasonFromOutput(failed)
	require.True(t, ok)
	assert.Equal(t, "ActivityFailure(Extract)|no data", reason)

	reason, ok = ReasonFromOutput([]byte(`{"error":"write FAILED: database is locked"}`))
	require.True(t, ok)
	assert.Equal(t, "Unhandled()|write FAILED: database is locked", reason)

	success, err := json.Marshal(Success(TypeCompleted))
	require.NoError(t, err)
	_, ok = ReasonFromOutput(success)
	assert.False(t, ok)

	_, ok = ReasonFromOutput(nil)
	assert.False(t, ok)
}
