package postgres

import "github.com/animus-labs/cineforge/internal/repo"

// Store bundles the Postgres repositories behind repo.Store.
type Store struct {
	*ProjectStore
	*RunStore
	*StageExecutionStore
	*ArtifactStore
	*ApprovalStore
}

var _ repo.Store = (*Store)(nil)

func NewStore(db TxDB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		ProjectStore:        NewProjectStore(db),
		RunStore:            NewRunStore(db),
		StageExecutionStore: NewStageExecutionStore(db),
		ArtifactStore:       NewArtifactStore(db),
		ApprovalStore:       NewApprovalStore(db),
	}
}
