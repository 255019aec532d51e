package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/animus-labs/cineforge/internal/repo"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, repo.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505", Message: "duplicate key"}, repo.ErrConflict},
		{"connection failure", &pgconn.PgError{Code: "08006"}, repo.ErrStorageUnavailable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, repo.ErrStorageUnavailable},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), repo.ErrStorageUnavailable},
		{"deadline", context.DeadlineExceeded, repo.ErrStorageUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := handleNotFound(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("handleNotFound(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyLeavesOtherErrors(t *testing.T) {
	err := &pgconn.PgError{Code: "22P02", Message: "invalid input"}
	got := classify(err)
	if errors.Is(got, repo.ErrConflict) || errors.Is(got, repo.ErrStorageUnavailable) {
		t.Fatalf("unexpected classification %v", got)
	}
}
