// Package lineageevent records which upstream artifacts a committed stage
// output was derived from.
package lineageevent

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/cineforge/internal/domain"
)

const (
	PredicateDerivedFrom = "derived_from"
	PredicateProducedBy  = "produced_by"

	TypeArtifact       = "artifact"
	TypeStageExecution = "stage_execution"
)

// Edge states "subject predicate object", e.g. an artifact derived_from
// another artifact.
type Edge struct {
	OccurredAt  time.Time
	Actor       string
	SubjectType string
	SubjectID   string
	Predicate   string
	ObjectType  string
	ObjectID    string
	Metadata    map[string]any
}

// ProducedBy links an artifact to the attempt that wrote it.
func ProducedBy(actor string, artifact domain.Artifact, exec domain.StageExecution) Edge {
	return Edge{
		OccurredAt:  artifact.CreatedAt,
		Actor:       actor,
		SubjectType: TypeArtifact,
		SubjectID:   artifact.ID,
		Predicate:   PredicateProducedBy,
		ObjectType:  TypeStageExecution,
		ObjectID:    exec.ID,
		Metadata:    map[string]any{"run_id": exec.RunID, "stage": string(exec.StageName), "attempt": exec.Attempt},
	}
}

// DerivedFrom links an artifact to an upstream artifact it was built from.
func DerivedFrom(actor string, artifact, source domain.Artifact) Edge {
	return Edge{
		OccurredAt:  artifact.CreatedAt,
		Actor:       actor,
		SubjectType: TypeArtifact,
		SubjectID:   artifact.ID,
		Predicate:   PredicateDerivedFrom,
		ObjectType:  TypeArtifact,
		ObjectID:    source.ID,
		Metadata:    map[string]any{"upstream_run_id": source.RunID, "upstream_stage": string(source.StageName)},
	}
}

// ForCommit returns the edges of one committed attempt. Every written
// artifact is produced_by the attempt; only the stage manifest carries the
// derived_from edges, since media files inherit provenance from it.
func ForCommit(actor string, exec domain.StageExecution, written, upstream []domain.Artifact) []Edge {
	var edges []Edge
	for _, artifact := range written {
		edges = append(edges, ProducedBy(actor, artifact, exec))
		if !artifact.IsManifest() {
			continue
		}
		for _, source := range upstream {
			edges = append(edges, DerivedFrom(actor, artifact, source))
		}
	}
	return edges
}

func (e Edge) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	for _, field := range []struct{ name, value string }{
		{"Actor", e.Actor},
		{"SubjectType", e.SubjectType},
		{"SubjectID", e.SubjectID},
		{"Predicate", e.Predicate},
		{"ObjectType", e.ObjectType},
		{"ObjectID", e.ObjectID},
	} {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}
	return nil
}

// Recorder persists lineage edges.
type Recorder interface {
	Record(ctx context.Context, edges ...Edge) error
}

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DBRecorder writes a batch of edges with a single INSERT.
type DBRecorder struct {
	db Execer
}

func NewDBRecorder(db Execer) *DBRecorder {
	if db == nil {
		return nil
	}
	return &DBRecorder{db: db}
}

const insertColumns = 9

func (r *DBRecorder) Record(ctx context.Context, edges ...Edge) error {
	if r == nil {
		return errors.New("lineage recorder not initialized")
	}
	if len(edges) == 0 {
		return nil
	}
	query, args, err := buildInsert(edges)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert lineage events: %w", err)
	}
	return nil
}

func buildInsert(edges []Edge) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`INSERT INTO lineage_events (
		occurred_at, actor, subject_type, subject_id, predicate,
		object_type, object_id, metadata, integrity_sha256
	) VALUES `)
	args := make([]any, 0, len(edges)*insertColumns)
	for i, edge := range edges {
		edge.OccurredAt = edge.OccurredAt.UTC()
		if err := edge.Validate(); err != nil {
			return "", nil, fmt.Errorf("edge %d: %w", i, err)
		}
		metadata := edge.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadataJSON, err := json.Marshal(metadata)
		if err != nil {
			return "", nil, fmt.Errorf("marshal metadata: %w", err)
		}
		digest, err := Digest(edge, metadataJSON)
		if err != nil {
			return "", nil, err
		}
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * insertColumns
		b.WriteString("(")
		for col := 1; col <= insertColumns; col++ {
			if col > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", base+col)
		}
		b.WriteString(")")
		args = append(args,
			edge.OccurredAt,
			strings.TrimSpace(edge.Actor),
			edge.SubjectType,
			edge.SubjectID,
			edge.Predicate,
			edge.ObjectType,
			edge.ObjectID,
			metadataJSON,
			digest,
		)
	}
	return b.String(), args, nil
}

// Digest hashes the canonical JSON form of the edge so tampering with a
// stored row is detectable.
func Digest(edge Edge, metadataJSON []byte) (string, error) {
	blob, err := json.Marshal(struct {
		OccurredAt  time.Time       `json:"occurred_at"`
		Actor       string          `json:"actor"`
		SubjectType string          `json:"subject_type"`
		SubjectID   string          `json:"subject_id"`
		Predicate   string          `json:"predicate"`
		ObjectType  string          `json:"object_type"`
		ObjectID    string          `json:"object_id"`
		Metadata    json.RawMessage `json:"metadata"`
	}{
		OccurredAt:  edge.OccurredAt.UTC(),
		Actor:       strings.TrimSpace(edge.Actor),
		SubjectType: edge.SubjectType,
		SubjectID:   edge.SubjectID,
		Predicate:   edge.Predicate,
		ObjectType:  edge.ObjectType,
		ObjectID:    edge.ObjectID,
		Metadata:    metadataJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

type Nop struct{}

func (Nop) Record(context.Context, ...Edge) error { return nil }

// MemoryRecorder keeps edges in process.
type MemoryRecorder struct {
	mu    sync.Mutex
	edges []Edge
}

func (m *MemoryRecorder) Record(_ context.Context, edges ...Edge) error {
	for _, edge := range edges {
		if err := edge.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = append(m.edges, edges...)
	return nil
}

func (m *MemoryRecorder) Edges() []Edge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Edge(nil), m.edges...)
}
