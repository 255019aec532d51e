package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidStageList reports an empty or unknown stage window.
var ErrInvalidStageList = errors.New("invalid stage list")

// StageConfig declares how one stage participates in a run.
type StageConfig struct {
	Name          StageName     `yaml:"name" json:"name"`
	DependsOn     []StageName   `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Gated         bool          `yaml:"gated,omitempty" json:"gated,omitempty"`
	Optional      bool          `yaml:"optional,omitempty" json:"optional,omitempty"`
	AcceptPartial bool          `yaml:"accept_partial,omitempty" json:"accept_partial,omitempty"`
	MaxAttempts   int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// PipelineDefinition is the ordered stage graph runs are cut from.
type PipelineDefinition struct {
	Stages []StageConfig `yaml:"stages" json:"stages"`
}

// DefaultPipeline is the linear five-stage production pipeline with a
// human checkpoint after the screenplay.
func DefaultPipeline() PipelineDefinition {
	return PipelineDefinition{Stages: []StageConfig{
		{Name: StageDeconstruct, MaxAttempts: 3},
		{Name: StageScreenplay, DependsOn: []StageName{StageDeconstruct}, Gated: true, MaxAttempts: 3},
		{Name: StageAssets, DependsOn: []StageName{StageScreenplay}, MaxAttempts: 3},
		{Name: StageVideo, DependsOn: []StageName{StageAssets}, MaxAttempts: 3},
		{Name: StageAssembly, DependsOn: []StageName{StageVideo}, MaxAttempts: 3},
	}}
}

// ParsePipelineDefinition decodes and validates a YAML pipeline definition.
func ParsePipelineDefinition(data []byte) (PipelineDefinition, error) {
	var def PipelineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return PipelineDefinition{}, fmt.Errorf("parse pipeline definition: %w", err)
	}
	for i := range def.Stages {
		name, err := ParseStageName(string(def.Stages[i].Name))
		if err != nil {
			return PipelineDefinition{}, err
		}
		def.Stages[i].Name = name
		for j, dep := range def.Stages[i].DependsOn {
			parsed, err := ParseStageName(string(dep))
			if err != nil {
				return PipelineDefinition{}, fmt.Errorf("stage %s: %w", name, err)
			}
			def.Stages[i].DependsOn[j] = parsed
		}
	}
	if err := def.Validate(); err != nil {
		return PipelineDefinition{}, err
	}
	return def, nil
}

// Validate checks names, uniqueness, dependency order and attempt budgets.
// Dependencies must be declared before their dependents, which also rules out cycles.
// A stage whose feeder is part of the definition must depend on it, since its
// input is built from the feeder's output.
func (d PipelineDefinition) Validate() error {
	if len(d.Stages) == 0 {
		return errors.New("pipeline requires at least one stage")
	}
	declared := make(map[StageName]bool, len(d.Stages))
	for _, stage := range d.Stages {
		declared[stage.Name] = true
	}
	seen := make(map[StageName]bool, len(d.Stages))
	var issues []string
	for _, stage := range d.Stages {
		if !stage.Name.Valid() {
			issues = append(issues, fmt.Sprintf("unknown stage %q", stage.Name))
			continue
		}
		if seen[stage.Name] {
			issues = append(issues, fmt.Sprintf("duplicate stage %s", stage.Name))
		}
		for _, dep := range stage.DependsOn {
			if !seen[dep] {
				issues = append(issues, fmt.Sprintf("stage %s depends on %s which is not declared earlier", stage.Name, dep))
			}
		}
		if feeder, ok := stage.Name.Feeder(); ok && declared[feeder] && !slices.Contains(stage.DependsOn, feeder) {
			issues = append(issues, fmt.Sprintf("stage %s must depend on %s, whose output is its input", stage.Name, feeder))
		}
		if stage.MaxAttempts < 1 {
			issues = append(issues, fmt.Sprintf("stage %s: max_attempts must be >= 1", stage.Name))
		}
		if stage.Timeout < 0 {
			issues = append(issues, fmt.Sprintf("stage %s: timeout must be >= 0", stage.Name))
		}
		seen[stage.Name] = true
	}
	if len(issues) > 0 {
		return fmt.Errorf("invalid pipeline definition: %s", strings.Join(issues, "; "))
	}
	return nil
}

// Stage returns the configuration for name.
func (d PipelineDefinition) Stage(name StageName) (StageConfig, bool) {
	for _, stage := range d.Stages {
		if stage.Name == name {
			return stage, true
		}
	}
	return StageConfig{}, false
}

// Window returns the contiguous stage slice from..to inclusive. Empty bounds
// default to the first and last stage. Dependencies on stages outside the
// window are kept; they are satisfied by earlier runs of the same project.
func (d PipelineDefinition) Window(from, to StageName) ([]StageConfig, error) {
	if len(d.Stages) == 0 {
		return nil, ErrInvalidStageList
	}
	start, end := 0, len(d.Stages)-1
	if from != "" {
		start = d.index(from)
		if start < 0 {
			return nil, fmt.Errorf("%w: unknown from stage %q", ErrInvalidStageList, from)
		}
	}
	if to != "" {
		end = d.index(to)
		if end < 0 {
			return nil, fmt.Errorf("%w: unknown to stage %q", ErrInvalidStageList, to)
		}
	}
	if start > end {
		return nil, fmt.Errorf("%w: %s comes after %s", ErrInvalidStageList, d.Stages[start].Name, d.Stages[end].Name)
	}
	out := make([]StageConfig, 0, end-start+1)
	for _, stage := range d.Stages[start : end+1] {
		stage.DependsOn = append([]StageName(nil), stage.DependsOn...)
		out = append(out, stage)
	}
	return out, nil
}

func (d PipelineDefinition) index(name StageName) int {
	for i, stage := range d.Stages {
		if stage.Name == name {
			return i
		}
	}
	return -1
}
