package domain

import "strings"

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunActive           RunStatus = "Active"
	RunAwaitingApproval RunStatus = "AwaitingApproval"
	RunCompleted        RunStatus = "Completed"
	RunFailed           RunStatus = "Failed"
	RunCancelled        RunStatus = "Cancelled"
)

// StageStatus is the status of a single stage attempt.
type StageStatus string

const (
	StagePending          StageStatus = "Pending"
	StageRunning          StageStatus = "Running"
	StageSucceeded        StageStatus = "Succeeded"
	StageFailed           StageStatus = "Failed"
	StageAwaitingApproval StageStatus = "AwaitingApproval"
	StageSkipped          StageStatus = "Skipped"
	StageCancelled        StageStatus = "Cancelled"
)

var stageTransitions = map[StageStatus][]StageStatus{
	StagePending:          {StageRunning, StageCancelled},
	StageRunning:          {StageSucceeded, StageFailed, StageAwaitingApproval, StageCancelled, StageSkipped},
	StageAwaitingApproval: {StageSucceeded, StageCancelled},
	StageFailed:           {StageSkipped},
}

var runTransitions = map[RunStatus][]RunStatus{
	RunActive:           {RunAwaitingApproval, RunCompleted, RunFailed, RunCancelled},
	RunAwaitingApproval: {RunActive, RunCancelled, RunFailed},
	RunFailed:           {RunActive},
}

// CanTransitionStage reports whether an attempt may move from current to next.
func CanTransitionStage(current, next StageStatus) bool {
	for _, allowed := range stageTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanTransitionRun reports whether a run may move from current to next.
func CanTransitionRun(current, next RunStatus) bool {
	for _, allowed := range runTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible for the run
// without an explicit operator action.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Live reports whether the run may still dispatch or commit stage work.
func (s RunStatus) Live() bool {
	return s == RunActive || s == RunAwaitingApproval
}

// Terminal reports whether the attempt can no longer change on its own.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageSkipped, StageCancelled:
		return true
	default:
		return false
	}
}

// Satisfied reports whether a stage in this status unblocks its dependents.
func (s StageStatus) Satisfied() bool {
	return s == StageSucceeded || s == StageSkipped
}

// NormalizeRunStatus maps free-form values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	trimmed := strings.TrimSpace(value)
	for _, status := range []RunStatus{RunActive, RunAwaitingApproval, RunCompleted, RunFailed, RunCancelled} {
		if strings.EqualFold(trimmed, string(status)) {
			return status
		}
	}
	return ""
}

// NormalizeStageStatus maps free-form values to canonical stage statuses.
func NormalizeStageStatus(value string) StageStatus {
	trimmed := strings.TrimSpace(value)
	for _, status := range []StageStatus{
		StagePending, StageRunning, StageSucceeded, StageFailed,
		StageAwaitingApproval, StageSkipped, StageCancelled,
	} {
		if strings.EqualFold(trimmed, string(status)) {
			return status
		}
	}
	return ""
}
