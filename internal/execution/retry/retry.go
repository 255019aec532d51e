// Package retry decides whether a failed stage attempt is tried again and
// after how long.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/animus-labs/cineforge/internal/domain"
)

// Policy is an exponential backoff with bounded jitter and an attempt budget.
type Policy struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Jitter      float64       `koanf:"jitter"`

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64 `koanf:"-"`
}

// Decision is the outcome of applying a Policy to one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
		Jitter:      0.2,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry max_attempts must be >= 1")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry delays must be >= 0")
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.New("retry max_delay must be >= base_delay")
	}
	if p.Multiplier < 1 {
		return errors.New("retry multiplier must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return errors.New("retry jitter must be in [0, 1)")
	}
	return nil
}

// ForStage returns p with the stage's own attempt budget, when it declares one.
func (p Policy) ForStage(cfg domain.StageConfig) Policy {
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	return p
}

// Retryable reports whether failures of class may be retried at all.
func Retryable(class domain.ErrorClass) bool {
	switch class {
	case domain.ErrorClassTransient, domain.ErrorClassPartial:
		return true
	default:
		return false
	}
}

// Decide applies the policy to the attempt-th consecutive failure of a chain.
// Attempts created by an approval decision or a manual retry start a new chain.
func (p Policy) Decide(class domain.ErrorClass, attempt int) Decision {
	if !Retryable(class) || attempt >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}

// Backoff returns the jittered delay before attempt+1.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		delay *= 1 + p.Jitter*(2*r()-1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
