package domain

import (
	"fmt"
	"strings"
)

// StageName identifies one step of the production pipeline.
type StageName string

const (
	StageDeconstruct StageName = "Deconstruct"
	StageScreenplay  StageName = "Screenplay"
	StageAssets      StageName = "Assets"
	StageVideo       StageName = "Video"
	StageAssembly    StageName = "Assembly"
)

var knownStages = []StageName{
	StageDeconstruct,
	StageScreenplay,
	StageAssets,
	StageVideo,
	StageAssembly,
}

// KnownStages returns every stage name in pipeline order.
func KnownStages() []StageName {
	out := make([]StageName, len(knownStages))
	copy(out, knownStages)
	return out
}

// ParseStageName maps a case-insensitive name to a known stage.
func ParseStageName(value string) (StageName, error) {
	trimmed := strings.TrimSpace(value)
	for _, stage := range knownStages {
		if strings.EqualFold(trimmed, string(stage)) {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", value)
}

// Feeder returns the stage whose committed output is the input of s.
func (s StageName) Feeder() (StageName, bool) {
	for i, stage := range knownStages {
		if stage == s && i > 0 {
			return knownStages[i-1], true
		}
	}
	return "", false
}

func (s StageName) Valid() bool {
	_, err := ParseStageName(string(s))
	return err == nil
}

func (s StageName) String() string {
	return string(s)
}
