// Package auditlog appends tamper-evident records of operator actions
// (run submission, approval decisions, cancellation, manual retries).
//
// Records form a hash chain: each digest covers the event and the digest of
// the record before it, so editing or deleting a stored row breaks every
// later link.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ActionRunSubmitted   = "run.submitted"
	ActionRunCancelled   = "run.cancelled"
	ActionStageDecided   = "stage.decided"
	ActionStageRetried   = "stage.retried"
	ActionProjectCreated = "project.created"
)

// chainLockKey serializes appends so that two writers never link to the
// same predecessor.
const chainLockKey = 0x63696e65

type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	Payload      map[string]any
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	for _, field := range []struct{ name, value string }{
		{"Actor", e.Actor},
		{"Action", e.Action},
		{"ResourceType", e.ResourceType},
		{"ResourceID", e.ResourceID},
	} {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}
	return nil
}

// Link is one stored record of the chain.
type Link struct {
	Event  Event
	Prev   string
	Digest string
}

// Chain computes the link that follows prev.
func Chain(prev string, event Event) (Link, error) {
	event.OccurredAt = event.OccurredAt.UTC()
	event.Actor = strings.TrimSpace(event.Actor)
	event.RequestID = strings.TrimSpace(event.RequestID)
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return Link{}, fmt.Errorf("marshal payload: %w", err)
	}
	blob, err := json.Marshal(struct {
		Prev         string          `json:"prev"`
		OccurredAt   time.Time       `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}{
		Prev:         prev,
		OccurredAt:   event.OccurredAt,
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		RequestID:    event.RequestID,
		Payload:      payloadJSON,
	})
	if err != nil {
		return Link{}, fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return Link{Event: event, Prev: prev, Digest: hex.EncodeToString(sum[:])}, nil
}

// Verify recomputes the chain and returns the index of the first broken
// link, or -1 when the chain is intact.
func Verify(links []Link) (int, error) {
	prev := ""
	for i, link := range links {
		if link.Prev != prev {
			return i, nil
		}
		want, err := Chain(prev, link.Event)
		if err != nil {
			return i, err
		}
		if want.Digest != link.Digest {
			return i, nil
		}
		prev = link.Digest
	}
	return -1, nil
}

type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// DBRecorder appends events to the audit_events table.
type DBRecorder struct {
	db TxBeginner
}

func NewDBRecorder(db TxBeginner) *DBRecorder {
	if db == nil {
		return nil
	}
	return &DBRecorder{db: db}
}

func (r *DBRecorder) Record(ctx context.Context, event Event) (err error) {
	if r == nil {
		return errors.New("audit recorder not initialized")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}
	var prev string
	err = tx.QueryRowContext(ctx, `SELECT integrity_sha256 FROM audit_events ORDER BY event_id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read audit chain head: %w", err)
	}

	link, err := Chain(prev, event)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(link.Event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var requestID sql.NullString
	if link.Event.RequestID != "" {
		requestID = sql.NullString{String: link.Event.RequestID, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (
			occurred_at, actor, action, resource_type, resource_id,
			request_id, payload, prev_sha256, integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		link.Event.OccurredAt,
		link.Event.Actor,
		link.Event.Action,
		link.Event.ResourceType,
		link.Event.ResourceID,
		requestID,
		payloadJSON,
		link.Prev,
		link.Digest,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit audit append: %w", err)
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
