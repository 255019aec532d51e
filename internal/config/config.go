// Package config loads the orchestrator configuration.
//
// Precedence (highest first):
//  1. CINEFORGE_ environment variables
//  2. the YAML file passed to Load
//  3. Default()
//
// Environment variables use a double underscore between levels:
//
//	CINEFORGE_DATABASE__URL            -> database.url
//	CINEFORGE_DISPATCHER__WORKERS      -> dispatcher.workers
//	CINEFORGE_CAPABILITIES__HTTP__TOKEN -> capabilities.http.token
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/animus-labs/cineforge/internal/capability/dryrun"
	"github.com/animus-labs/cineforge/internal/capability/httpcap"
	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/dispatcher"
	"github.com/animus-labs/cineforge/internal/execution/gate"
	"github.com/animus-labs/cineforge/internal/execution/retry"
	"github.com/animus-labs/cineforge/internal/platform/events"
	"github.com/animus-labs/cineforge/internal/platform/httpserver"
	"github.com/animus-labs/cineforge/internal/platform/logging"
	"github.com/animus-labs/cineforge/internal/platform/objectstore"
	"github.com/animus-labs/cineforge/internal/platform/postgres"
	"github.com/animus-labs/cineforge/internal/platform/telemetry"
)

const (
	EnvPrefix = "CINEFORGE_"

	maxFileSize = 1024 * 1024

	ModeDryRun = "dryrun"
	ModeHTTP   = "http"
)

type Config struct {
	Log          logging.Config     `koanf:"log"`
	HTTP         httpserver.Config  `koanf:"http"`
	Database     postgres.Config    `koanf:"database"`
	ObjectStore  objectstore.Config `koanf:"objectstore"`
	Dispatcher   dispatcher.Config  `koanf:"dispatcher"`
	Retry        retry.Policy       `koanf:"retry"`
	Gate         gate.Config        `koanf:"gate"`
	Pipeline     PipelineConfig     `koanf:"pipeline"`
	Capabilities CapabilityConfig   `koanf:"capabilities"`
	NATS         events.Config      `koanf:"nats"`
	Telemetry    telemetry.Config   `koanf:"telemetry"`
}

type PipelineConfig struct {
	// DefinitionFile is a YAML pipeline definition. Empty uses the built-in
	// five-stage pipeline.
	DefinitionFile string        `koanf:"definition_file"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

type CapabilityConfig struct {
	Mode   string         `koanf:"mode"`
	DryRun dryrun.Config  `koanf:"dryrun"`
	HTTP   httpcap.Config `koanf:"http"`
}

func Default() Config {
	return Config{
		Log:          logging.DefaultConfig(),
		HTTP:         httpserver.DefaultConfig(),
		Database:     postgres.DefaultConfig(),
		ObjectStore:  objectstore.DefaultConfig(),
		Dispatcher:   dispatcher.DefaultConfig(),
		Retry:        retry.DefaultPolicy(),
		Gate:         gate.DefaultConfig(),
		Pipeline:     PipelineConfig{DefaultTimeout: 10 * time.Minute},
		Capabilities: CapabilityConfig{Mode: ModeDryRun, HTTP: httpcap.DefaultConfig()},
		NATS:         events.DefaultConfig(),
		Telemetry:    telemetry.DefaultConfig(),
	}
}

// Load reads path (optional) and the environment on top of Default and
// validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if strings.TrimSpace(path) != "" {
		content, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file %s is larger than %d bytes", path, maxFileSize)
	}
	return io.ReadAll(f)
}

// Validate checks every section. The object store, database and capability
// endpoint are only required for the sections that are in use.
func (c Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}
	add("log", c.Log.Validate())
	add("http", c.HTTP.Validate())
	add("database", c.Database.Validate())
	add("objectstore", c.ObjectStore.Validate())
	add("dispatcher", c.Dispatcher.Validate())
	add("retry", c.Retry.Validate())
	add("gate", c.Gate.Validate())
	add("telemetry", c.Telemetry.Validate())
	if c.Pipeline.DefaultTimeout <= 0 {
		add("pipeline", errors.New("default_timeout must be > 0"))
	}
	switch c.Capabilities.Mode {
	case ModeDryRun:
		add("capabilities", c.Capabilities.DryRun.Validate())
	case ModeHTTP:
		add("capabilities", c.Capabilities.HTTP.Validate())
	default:
		add("capabilities", fmt.Errorf("mode must be %q or %q, got %q", ModeDryRun, ModeHTTP, c.Capabilities.Mode))
	}
	return errors.Join(errs...)
}

// LoadPipeline returns the pipeline definition the orchestrator runs.
func (c Config) LoadPipeline() (domain.PipelineDefinition, error) {
	if strings.TrimSpace(c.Pipeline.DefinitionFile) == "" {
		return domain.DefaultPipeline(), nil
	}
	content, err := readFile(c.Pipeline.DefinitionFile)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	return domain.ParsePipelineDefinition(content)
}
