// Package events publishes run and stage lifecycle events to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Config struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

func DefaultConfig() Config {
	return Config{SubjectPrefix: "cineforge"}
}

// Enabled reports whether a NATS URL is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// StageEvent describes a change to one stage attempt.
type StageEvent struct {
	RunID      string    `json:"run_id"`
	ProjectID  string    `json:"project_id,omitempty"`
	Stage      string    `json:"stage"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"`
	ErrorClass string    `json:"error_class,omitempty"`
	Error      string    `json:"error,omitempty"`
	Artifacts  []string  `json:"artifacts,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RunEvent describes a change of run status.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	ProjectID  string    `json:"project_id,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits lifecycle events. Publishing is best effort.
type Publisher interface {
	StageChanged(e StageEvent)
	RunChanged(e RunEvent)
}

// Nop drops all events.
type Nop struct{}

func (Nop) StageChanged(StageEvent) {}
func (Nop) RunChanged(RunEvent)     {}

// NATSPublisher publishes JSON events on
//
//	{prefix}.runs.{run_id}                 run status changes
//	{prefix}.runs.{run_id}.stages.{stage}  stage attempt changes
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials NATS and returns a publisher.
func Connect(cfg Config, logger *zap.Logger) (*NATSPublisher, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("nats url is required")
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("cineforge-orchestrator"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", cfg.URL, err)
	}
	return NewNATSPublisher(conn, cfg.SubjectPrefix, logger), nil
}

func NewNATSPublisher(conn *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "cineforge"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

func (p *NATSPublisher) StageChanged(e StageEvent) {
	p.publish(StageSubject(p.prefix, e.RunID, e.Stage), e)
}

func (p *NATSPublisher) RunChanged(e RunEvent) {
	p.publish(RunSubject(p.prefix, e.RunID), e)
}

func (p *NATSPublisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

func RunSubject(prefix, runID string) string {
	return fmt.Sprintf("%s.runs.%s", prefix, runID)
}

func StageSubject(prefix, runID, stage string) string {
	return fmt.Sprintf("%s.runs.%s.stages.%s", prefix, runID, strings.ToLower(stage))
}
