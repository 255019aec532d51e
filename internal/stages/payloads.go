// Package stages defines the typed input and output payload of every
// pipeline stage, their schema checks, and how a stage's input is assembled
// from the approved outputs of the stages before it.
package stages

import (
	"fmt"
	"sort"

	"github.com/animus-labs/cineforge/internal/domain"
)

type Character struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Scene struct {
	Number            int      `json:"number"`
	Setting           string   `json:"setting"`
	TimeOfDay         string   `json:"time_of_day,omitempty"`
	CharactersPresent []string `json:"characters_present,omitempty"`
	Events            []string `json:"events,omitempty"`
}

type Shot struct {
	Scene       int    `json:"scene"`
	Shot        int    `json:"shot"`
	Description string `json:"description"`
	Camera      string `json:"camera,omitempty"`
}

// Key identifies a shot within a screenplay.
func (s Shot) Key() string {
	return ShotKey(s.Scene, s.Shot)
}

func ShotKey(scene, shot int) string {
	return fmt.Sprintf("S%02d/SH%02d", scene, shot)
}

// NamedMedia pairs a descriptive name with a delivered media product.
type NamedMedia struct {
	Name  string `json:"name"`
	Media string `json:"media"`
}

type Frame struct {
	Scene int    `json:"scene"`
	Shot  int    `json:"shot"`
	Media string `json:"media"`
}

type Clip struct {
	Scene           int     `json:"scene"`
	Shot            int     `json:"shot"`
	Media           string  `json:"media"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type DeconstructInput struct {
	StoryText string `json:"story_text"`
	Style     string `json:"style,omitempty"`
}

type DeconstructOutput struct {
	Title       string      `json:"title"`
	Logline     string      `json:"logline,omitempty"`
	Characters  []Character `json:"characters"`
	Setting     string      `json:"setting,omitempty"`
	PlotSummary string      `json:"plot_summary,omitempty"`
	Scenes      []Scene     `json:"scenes"`
}

type ScreenplayInput struct {
	Narrative DeconstructOutput `json:"narrative"`
	Style     string            `json:"style,omitempty"`
}

type ScreenplayOutput struct {
	Narrative  DeconstructOutput `json:"narrative"`
	Screenplay string            `json:"screenplay"`
	Shots      []Shot            `json:"shots"`
}

type AssetsInput struct {
	Narrative DeconstructOutput `json:"narrative"`
	Shots     []Shot            `json:"shots"`
	Style     string            `json:"style,omitempty"`
}

type AssetsOutput struct {
	Shots        []Shot       `json:"shots"`
	Characters   []NamedMedia `json:"characters"`
	Environments []NamedMedia `json:"environments"`
	Frames       []Frame      `json:"frames"`
}

type VideoInput struct {
	Shots  []Shot  `json:"shots"`
	Frames []Frame `json:"frames"`
}

type VideoOutput struct {
	Clips []Clip `json:"clips"`
}

type AssemblyInput struct {
	Clips []Clip `json:"clips"`
}

// SceneAudio is the music bed scored for one scene.
type SceneAudio struct {
	Scene int    `json:"scene"`
	Media string `json:"media"`
	Mood  string `json:"mood,omitempty"`
}

// AssemblyOutput is the cut film together with the audio mixed into it: one
// soundtrack per scene and, when the screenplay has dialogue, a voiceover.
type AssemblyOutput struct {
	Film            string       `json:"film"`
	DurationSeconds float64      `json:"duration_seconds"`
	ClipCount       int          `json:"clip_count"`
	Soundtrack      []SceneAudio `json:"soundtrack"`
	Voiceover       string       `json:"voiceover,omitempty"`
}

// MediaRefs lists the media product names an output claims to have delivered.
func (o AssetsOutput) MediaRefs() []string {
	refs := make([]string, 0, len(o.Characters)+len(o.Environments)+len(o.Frames))
	for _, c := range o.Characters {
		refs = append(refs, c.Media)
	}
	for _, e := range o.Environments {
		refs = append(refs, e.Media)
	}
	for _, f := range o.Frames {
		refs = append(refs, f.Media)
	}
	return refs
}

func (o VideoOutput) MediaRefs() []string {
	refs := make([]string, 0, len(o.Clips))
	for _, c := range o.Clips {
		refs = append(refs, c.Media)
	}
	return refs
}

func (o AssemblyOutput) MediaRefs() []string {
	refs := make([]string, 0, len(o.Soundtrack)+2)
	refs = append(refs, o.Film)
	for _, a := range o.Soundtrack {
		refs = append(refs, a.Media)
	}
	return append(refs, o.Voiceover)
}

// ClipScenes returns the distinct scene numbers of the clips, in order.
func (i AssemblyInput) ClipScenes() []int {
	seen := make(map[int]bool, len(i.Clips))
	var out []int
	for _, c := range i.Clips {
		if !seen[c.Scene] {
			seen[c.Scene] = true
			out = append(out, c.Scene)
		}
	}
	sort.Ints(out)
	return out
}

// newInput and newOutput return a pointer to the zero payload for stage.
func newInput(stage domain.StageName) (any, error) {
	switch stage {
	case domain.StageDeconstruct:
		return &DeconstructInput{}, nil
	case domain.StageScreenplay:
		return &ScreenplayInput{}, nil
	case domain.StageAssets:
		return &AssetsInput{}, nil
	case domain.StageVideo:
		return &VideoInput{}, nil
	case domain.StageAssembly:
		return &AssemblyInput{}, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

func newOutput(stage domain.StageName) (any, error) {
	switch stage {
	case domain.StageDeconstruct:
		return &DeconstructOutput{}, nil
	case domain.StageScreenplay:
		return &ScreenplayOutput{}, nil
	case domain.StageAssets:
		return &AssetsOutput{}, nil
	case domain.StageVideo:
		return &VideoOutput{}, nil
	case domain.StageAssembly:
		return &AssemblyOutput{}, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}
