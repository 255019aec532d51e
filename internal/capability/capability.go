// Package capability is the boundary between the orchestrator and the
// external services that perform the creative work of each stage.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/animus-labs/cineforge/internal/domain"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, rate limits and
	// unavailable backends.
	ErrTransient = errors.New("transient capability failure")
	// ErrValidation marks failures that will not go away on retry.
	ErrValidation = errors.New("capability rejected input")

	ErrNotRegistered = errors.New("no capability registered")
)

// Input is one invocation. (RunID, Stage, Attempt) is the idempotency key.
type Input struct {
	ProjectID string
	RunID     string
	Stage     domain.StageName
	Attempt   int
	Payload   json.RawMessage
}

// Media is a binary product delivered alongside the structured output.
type Media struct {
	Name        string              `json:"name"`
	Kind        domain.ArtifactKind `json:"kind"`
	ContentType string              `json:"content_type"`
	Data        []byte              `json:"data"`
}

type Output struct {
	Payload json.RawMessage `json:"payload"`
	Media   []Media         `json:"media,omitempty"`
}

// MediaNames lists the names of the delivered media.
func (o Output) MediaNames() []string {
	out := make([]string, 0, len(o.Media))
	for _, m := range o.Media {
		out = append(out, m.Name)
	}
	return out
}

type Capability interface {
	Execute(ctx context.Context, in Input) (Output, error)
}

// Func adapts a function to Capability.
type Func func(ctx context.Context, in Input) (Output, error)

func (f Func) Execute(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

type classified struct {
	class error
	err   error
}

func (c *classified) Error() string   { return c.err.Error() }
func (c *classified) Unwrap() []error { return []error{c.class, c.err} }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrTransient, err: err}
}

// Validation marks err as permanent.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrValidation, err: err}
}

// Registry maps stages to the capability serving them.
type Registry struct {
	mu      sync.RWMutex
	byStage map[domain.StageName]Capability
}

func NewRegistry() *Registry {
	return &Registry{byStage: make(map[domain.StageName]Capability)}
}

func (r *Registry) Register(stage domain.StageName, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStage[stage] = c
}

// RegisterAll serves every known stage with c.
func (r *Registry) RegisterAll(c Capability) {
	for _, stage := range domain.KnownStages() {
		r.Register(stage, c)
	}
}

func (r *Registry) Lookup(stage domain.StageName) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byStage[stage]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w for stage %s", ErrNotRegistered, stage)
	}
	return c, nil
}
