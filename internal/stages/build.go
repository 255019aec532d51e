package stages

import (
	"encoding/json"
	"strings"

	"github.com/animus-labs/cineforge/internal/domain"
)

// Upstream holds the committed output envelope of each predecessor stage.
type Upstream map[domain.StageName]json.RawMessage

// Predecessor returns the stage whose output feeds stage's input.
func Predecessor(stage domain.StageName) (domain.StageName, bool) {
	return stage.Feeder()
}

// BuildInput assembles the input envelope for stage from the run seed and the
// outputs of its predecessor. Only committed outputs may be passed in upstream.
func BuildInput(stage domain.StageName, seed domain.RunInput, upstream Upstream) (json.RawMessage, error) {
	if stage == domain.StageDeconstruct {
		if strings.TrimSpace(seed.StoryText) == "" {
			return nil, &ValidationError{Stage: string(stage), Issues: []string{"story_text is required"}}
		}
		return Encode(stage, DeconstructInput{StoryText: seed.StoryText, Style: seed.Style})
	}

	pred, ok := Predecessor(stage)
	if !ok {
		return nil, &ValidationError{Stage: string(stage), Issues: []string{"unknown stage"}}
	}
	raw, ok := upstream[pred]
	if !ok || len(raw) == 0 {
		return nil, &ValidationError{Stage: string(stage), Issues: []string{"missing committed output of " + string(pred)}}
	}
	decoded, err := DecodeOutput(pred, raw)
	if err != nil {
		return nil, err
	}

	var payload any
	switch v := decoded.(type) {
	case *DeconstructOutput:
		payload = ScreenplayInput{Narrative: *v, Style: seed.Style}
	case *ScreenplayOutput:
		payload = AssetsInput{Narrative: v.Narrative, Shots: v.Shots, Style: seed.Style}
	case *AssetsOutput:
		payload = VideoInput{Shots: v.Shots, Frames: v.Frames}
	case *VideoOutput:
		payload = AssemblyInput{Clips: v.Clips}
	}
	return Encode(stage, payload)
}
