package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	runColumns = `run_id, project_id, stages, status, status_reason, input, created_at, updated_at`

	insertRunQuery = `INSERT INTO pipeline_runs (` + runColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	selectRunQuery = `SELECT ` + runColumns + ` FROM pipeline_runs WHERE run_id = $1`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.PipelineRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if len(run.Stages) == 0 {
		return repo.ErrInvalidStageList
	}
	if err := run.Validate(); err != nil {
		return err
	}
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	inputJSON, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	createdAt := normalizeTime(run.CreatedAt)
	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.ProjectID),
		stagesJSON,
		string(run.Status),
		nullIfEmpty(run.StatusReason),
		inputJSON,
		createdAt,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", classify(err))
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PipelineRun{}, fmt.Errorf("run id is required")
	}
	return scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query, args := buildRunListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", classify(err))
	}
	defer rows.Close()

	out := make([]domain.PipelineRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", classify(err))
	}
	return out, nil
}

// TransitionRun is a compare-and-set on the run status.
func (s *RunStore) TransitionRun(ctx context.Context, t repo.RunTransition) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("run store not initialized")
	}
	if len(t.From) == 0 {
		return domain.PipelineRun{}, fmt.Errorf("expected statuses are required")
	}
	query, args := buildRunTransitionQuery(t)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.PipelineRun{}, fmt.Errorf("transition run: %w", err)
	}
	current, getErr := s.GetRun(ctx, t.RunID)
	if getErr != nil {
		return domain.PipelineRun{}, getErr
	}
	return domain.PipelineRun{}, fmt.Errorf("run %s is %s: %w", current.ID, current.Status, repo.ErrConflict)
}

func buildRunTransitionQuery(t repo.RunTransition) (string, []any) {
	args := []any{
		strings.TrimSpace(t.RunID),
		string(t.To),
		nullIfEmpty(t.Reason),
		normalizeTime(t.At),
	}
	for _, from := range t.From {
		args = append(args, string(from))
	}
	query := `UPDATE pipeline_runs SET status = $2, status_reason = $3, updated_at = $4
	 WHERE run_id = $1 AND status IN (` + placeholders(5, len(t.From)) + `)
	 RETURNING ` + runColumns
	return query, args
}

func buildRunListQuery(filter repo.RunFilter) (string, []any) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	clauses := []string{}
	args := []any{}
	if projectID := strings.TrimSpace(filter.ProjectID); projectID != "" {
		args = append(args, projectID)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		start := len(args) + 1
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+placeholders(start, len(filter.Statuses))+")")
	}
	if filter.After != nil {
		args = append(args, normalizeTime(filter.After.CreatedAt), filter.After.RunID)
		clauses = append(clauses, fmt.Sprintf("(created_at, run_id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, run_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner rowScanner) (domain.PipelineRun, error) {
	var run domain.PipelineRun
	var stagesJSON, inputJSON []byte
	var status string
	var reason sql.NullString
	if err := scanner.Scan(&run.ID, &run.ProjectID, &stagesJSON, &status, &reason, &inputJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return domain.PipelineRun{}, handleNotFound(err)
	}
	run.Status = domain.NormalizeRunStatus(status)
	run.StatusReason = reason.String
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	if err := json.Unmarshal(stagesJSON, &run.Stages); err != nil {
		return domain.PipelineRun{}, fmt.Errorf("decode stages: %w", err)
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &run.Input); err != nil {
			return domain.PipelineRun{}, fmt.Errorf("decode input: %w", err)
		}
	}
	return run, nil
}
