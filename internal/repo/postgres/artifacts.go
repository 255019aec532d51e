package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/repo"
)

type ArtifactStore struct {
	db DB
}

const (
	artifactColumns = `artifact_id, project_id, run_id, stage_name, attempt, stage_execution_id, kind, name, content_type,
		object_key, sha256, size_bytes, metadata, created_at`

	insertArtifactQuery = `INSERT INTO artifacts (` + artifactColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
)

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	args, err := artifactInsertArgs(artifact)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertArtifactQuery, args...); err != nil {
		return fmt.Errorf("insert artifact: %w", classify(err))
	}
	return nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	if s == nil || s.db == nil {
		return domain.Artifact{}, fmt.Errorf("artifact store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Artifact{}, fmt.Errorf("artifact id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = $1`, id)
	return scanArtifact(row)
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	query, args := buildArtifactListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", classify(err))
	}
	defer rows.Close()

	out := make([]domain.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", classify(err))
	}
	return out, nil
}

func buildArtifactListQuery(filter repo.ArtifactFilter) (string, []any) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	clauses := []string{}
	args := []any{}
	if projectID := strings.TrimSpace(filter.ProjectID); projectID != "" {
		args = append(args, projectID)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if runID := strings.TrimSpace(filter.RunID); runID != "" {
		args = append(args, runID)
		clauses = append(clauses, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if filter.StageName != "" {
		args = append(args, string(filter.StageName))
		clauses = append(clauses, fmt.Sprintf("stage_name = $%d", len(args)))
	}
	if filter.Attempt > 0 {
		args = append(args, filter.Attempt)
		clauses = append(clauses, fmt.Sprintf("attempt = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY attempt ASC, name ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func artifactInsertArgs(artifact domain.Artifact) ([]any, error) {
	if err := artifact.Validate(); err != nil {
		return nil, err
	}
	metadataJSON, err := encodeMetadata(artifact.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return []any{
		strings.TrimSpace(artifact.ID),
		strings.TrimSpace(artifact.ProjectID),
		strings.TrimSpace(artifact.RunID),
		string(artifact.StageName),
		artifact.Attempt,
		strings.TrimSpace(artifact.StageExecutionID),
		string(artifact.Kind),
		strings.TrimSpace(artifact.Name),
		nullIfEmpty(artifact.ContentType),
		artifact.ObjectKey,
		artifact.SHA256,
		artifact.SizeBytes,
		metadataJSON,
		normalizeTime(artifact.CreatedAt),
	}, nil
}

func scanArtifact(scanner rowScanner) (domain.Artifact, error) {
	var artifact domain.Artifact
	var stage, kind string
	var contentType sql.NullString
	var metadataJSON []byte
	if err := scanner.Scan(
		&artifact.ID,
		&artifact.ProjectID,
		&artifact.RunID,
		&stage,
		&artifact.Attempt,
		&artifact.StageExecutionID,
		&kind,
		&artifact.Name,
		&contentType,
		&artifact.ObjectKey,
		&artifact.SHA256,
		&artifact.SizeBytes,
		&metadataJSON,
		&artifact.CreatedAt,
	); err != nil {
		return domain.Artifact{}, handleNotFound(err)
	}
	artifact.StageName = domain.StageName(stage)
	artifact.Kind = domain.ArtifactKind(kind)
	artifact.ContentType = contentType.String
	artifact.CreatedAt = artifact.CreatedAt.UTC()
	meta, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("decode metadata: %w", err)
	}
	artifact.Metadata = meta
	return artifact, nil
}
