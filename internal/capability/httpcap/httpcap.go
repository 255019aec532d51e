// Package httpcap calls stage backends over JSON/HTTP.
//
// Each stage is served at POST {endpoint}/stages/{stage}. The request carries
// the stage input envelope and the attempt identity; the response carries the
// output envelope and base64 media.
package httpcap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/animus-labs/cineforge/internal/capability"
)

const maxErrorBody = 4 << 10

type OAuthConfig struct {
	TokenURL     string   `koanf:"token_url"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	Scopes       []string `koanf:"scopes"`
}

func (c OAuthConfig) Enabled() bool {
	return strings.TrimSpace(c.TokenURL) != ""
}

type Config struct {
	Endpoint string        `koanf:"endpoint"`
	Timeout  time.Duration `koanf:"timeout"`
	// RateLimit is requests per second across all stages; 0 disables limiting.
	RateLimit float64     `koanf:"rate_limit"`
	Burst     int         `koanf:"burst"`
	Token     string      `koanf:"token"`
	OAuth     OAuthConfig `koanf:"oauth"`
}

func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Minute, RateLimit: 5, Burst: 5}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("capabilities endpoint is required")
	}
	if c.Timeout <= 0 {
		return errors.New("capabilities timeout must be > 0")
	}
	if c.RateLimit < 0 {
		return errors.New("capabilities rate_limit must be >= 0")
	}
	if c.OAuth.Enabled() && (c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "") {
		return errors.New("capabilities oauth requires client_id and client_secret")
	}
	return nil
}

type Client struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type request struct {
	ProjectID string          `json:"project_id,omitempty"`
	RunID     string          `json:"run_id"`
	Stage     string          `json:"stage"`
	Attempt   int             `json:"attempt"`
	Input     json.RawMessage `json:"input"`
}

// New builds a client. ctx scopes the OAuth token source.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	switch {
	case cfg.OAuth.Enabled():
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		httpClient = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: 30 * time.Second}))
		httpClient.Timeout = cfg.Timeout
	case strings.TrimSpace(cfg.Token) != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(cfg.Token)})
		httpClient = oauth2.NewClient(ctx, ts)
		httpClient.Timeout = cfg.Timeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		endpoint:   strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		httpClient: httpClient,
		limiter:    limiter,
	}, nil
}

func (c *Client) Execute(ctx context.Context, in capability.Input) (capability.Output, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return capability.Output{}, capability.Transient(fmt.Errorf("rate limiter: %w", err))
	}

	body, err := json.Marshal(request{
		ProjectID: in.ProjectID,
		RunID:     in.RunID,
		Stage:     string(in.Stage),
		Attempt:   in.Attempt,
		Input:     in.Payload,
	})
	if err != nil {
		return capability.Output{}, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/stages/%s", c.endpoint, strings.ToLower(string(in.Stage)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return capability.Output{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%s/%d", in.RunID, in.Stage, in.Attempt))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return capability.Output{}, capability.Transient(fmt.Errorf("%s request failed: %w", in.Stage, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("%s backend returned %d: %s", in.Stage, resp.StatusCode, strings.TrimSpace(string(detail)))
		if retryableStatus(resp.StatusCode) {
			return capability.Output{}, capability.Transient(err)
		}
		return capability.Output{}, capability.Validation(err)
	}

	var out capability.Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		err = fmt.Errorf("decode %s response: %w", in.Stage, err)
		// A body cut off in transit is a transport failure; anything else
		// the backend sent is malformed output.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return capability.Output{}, capability.Transient(err)
		}
		return capability.Output{}, capability.Validation(err)
	}
	return out, nil
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
