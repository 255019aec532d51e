package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Decision is a human verdict on a gated stage.
type Decision string

const (
	DecisionApprove        Decision = "Approve"
	DecisionReject         Decision = "Reject"
	DecisionRequestChanges Decision = "RequestChanges"
)

// ParseDecision accepts the canonical names and their snake_case forms.
func ParseDecision(value string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approve", "approved":
		return DecisionApprove, nil
	case "reject", "rejected":
		return DecisionReject, nil
	case "requestchanges", "request_changes", "changes":
		return DecisionRequestChanges, nil
	default:
		return "", fmt.Errorf("unknown decision %q", value)
	}
}

// ApprovalDecision records a decision taken on one awaiting attempt.
type ApprovalDecision struct {
	ID               string
	RunID            string
	StageName        StageName
	StageExecutionID string
	Attempt          int
	Decision         Decision
	EditedInput      json.RawMessage
	Note             string
	DecidedBy        string
	DecidedAt        time.Time
}
