package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionStage(t *testing.T) {
	cases := []struct {
		from, to StageStatus
		want     bool
	}{
		{StagePending, StageRunning, true},
		{StagePending, StageCancelled, true},
		{StagePending, StageSucceeded, false},
		{StageRunning, StageSucceeded, true},
		{StageRunning, StageAwaitingApproval, true},
		{StageRunning, StageFailed, true},
		{StageAwaitingApproval, StageSucceeded, true},
		{StageAwaitingApproval, StageCancelled, true},
		{StageAwaitingApproval, StageRunning, false},
		{StageFailed, StageSkipped, true},
		{StageFailed, StageRunning, false},
		{StageSucceeded, StageRunning, false},
		{StageCancelled, StagePending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransitionStage(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCanTransitionRun(t *testing.T) {
	assert.True(t, CanTransitionRun(RunActive, RunAwaitingApproval))
	assert.True(t, CanTransitionRun(RunAwaitingApproval, RunActive))
	assert.True(t, CanTransitionRun(RunFailed, RunActive))
	assert.False(t, CanTransitionRun(RunCompleted, RunActive))
	assert.False(t, CanTransitionRun(RunCancelled, RunActive))
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, RunCancelled.Terminal())
	assert.False(t, RunAwaitingApproval.Terminal())
	assert.True(t, RunAwaitingApproval.Live())
	assert.True(t, StageSkipped.Satisfied())
	assert.False(t, StageAwaitingApproval.Satisfied())
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, RunAwaitingApproval, NormalizeRunStatus(" awaitingapproval "))
	assert.Equal(t, RunStatus(""), NormalizeRunStatus("paused"))
	assert.Equal(t, StageSkipped, NormalizeStageStatus("SKIPPED"))
}
