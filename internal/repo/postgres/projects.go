package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/repo"
)

type ProjectStore struct {
	db DB
}

func NewProjectStore(db DB) *ProjectStore {
	if db == nil {
		return nil
	}
	return &ProjectStore{db: db}
}

func (s *ProjectStore) CreateProject(ctx context.Context, project domain.Project) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("project store not initialized")
	}
	if err := project.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO projects (project_id, title, created_at) VALUES ($1,$2,$3)`,
		strings.TrimSpace(project.ID),
		strings.TrimSpace(project.Title),
		normalizeTime(project.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", classify(err))
	}
	return nil
}

func (s *ProjectStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	if s == nil || s.db == nil {
		return domain.Project{}, fmt.Errorf("project store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Project{}, fmt.Errorf("project id is required")
	}
	var project domain.Project
	row := s.db.QueryRowContext(ctx, `SELECT project_id, title, created_at FROM projects WHERE project_id = $1`, id)
	if err := row.Scan(&project.ID, &project.Title, &project.CreatedAt); err != nil {
		return domain.Project{}, handleNotFound(err)
	}
	project.CreatedAt = project.CreatedAt.UTC()
	return project, nil
}

func (s *ProjectStore) ListProjects(ctx context.Context, filter repo.ProjectFilter) ([]domain.Project, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("project store not initialized")
	}
	query, args := buildProjectListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", classify(err))
	}
	defer rows.Close()

	out := make([]domain.Project, 0)
	for rows.Next() {
		var project domain.Project
		if err := rows.Scan(&project.ID, &project.Title, &project.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		project.CreatedAt = project.CreatedAt.UTC()
		out = append(out, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", classify(err))
	}
	return out, nil
}

func buildProjectListQuery(filter repo.ProjectFilter) (string, []any) {
	query := `SELECT project_id, title, created_at FROM projects`
	args := []any{}
	if title := strings.TrimSpace(filter.Title); title != "" {
		args = append(args, "%"+title+"%")
		query += fmt.Sprintf(" WHERE title ILIKE $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}
