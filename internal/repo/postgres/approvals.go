package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/cineforge/internal/domain"
)

type ApprovalStore struct {
	db DB
}

const (
	approvalColumns = `decision_id, run_id, stage_name, stage_execution_id, attempt, decision, edited_input, note, decided_by, decided_at`

	insertApprovalQuery = `INSERT INTO approval_decisions (` + approvalColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	listApprovalsQuery = `SELECT ` + approvalColumns + ` FROM approval_decisions WHERE run_id = $1 ORDER BY decided_at ASC`
)

func NewApprovalStore(db DB) *ApprovalStore {
	if db == nil {
		return nil
	}
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) RecordDecision(ctx context.Context, decision domain.ApprovalDecision) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("approval store not initialized")
	}
	args, err := approvalInsertArgs(decision)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertApprovalQuery, args...); err != nil {
		return fmt.Errorf("insert approval decision: %w", classify(err))
	}
	return nil
}

func approvalInsertArgs(decision domain.ApprovalDecision) ([]any, error) {
	if strings.TrimSpace(decision.RunID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(decision.DecidedBy) == "" {
		return nil, fmt.Errorf("decided by is required")
	}
	id := strings.TrimSpace(decision.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return []any{
		id,
		strings.TrimSpace(decision.RunID),
		string(decision.StageName),
		strings.TrimSpace(decision.StageExecutionID),
		decision.Attempt,
		string(decision.Decision),
		nullJSON(decision.EditedInput),
		nullIfEmpty(decision.Note),
		strings.TrimSpace(decision.DecidedBy),
		normalizeTime(decision.DecidedAt),
	}, nil
}

func (s *ApprovalStore) ListDecisions(ctx context.Context, runID string) ([]domain.ApprovalDecision, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("approval store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listApprovalsQuery, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("list approval decisions: %w", classify(err))
	}
	defer rows.Close()

	out := make([]domain.ApprovalDecision, 0)
	for rows.Next() {
		var d domain.ApprovalDecision
		var stage, decision string
		var edited []byte
		var note sql.NullString
		if err := rows.Scan(&d.ID, &d.RunID, &stage, &d.StageExecutionID, &d.Attempt, &decision, &edited, &note, &d.DecidedBy, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan approval decision: %w", err)
		}
		d.StageName = domain.StageName(stage)
		d.Decision = domain.Decision(decision)
		d.EditedInput = edited
		d.Note = note.String
		d.DecidedAt = d.DecidedAt.UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approval decisions: %w", classify(err))
	}
	return out, nil
}
