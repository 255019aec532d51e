package stages

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/cineforge/internal/domain"
)

// ValidateInput checks a stage input envelope, e.g. an edited input supplied
// with a RequestChanges decision.
func ValidateInput(stage domain.StageName, raw json.RawMessage) error {
	in, err := DecodeInput(stage, raw)
	if err != nil {
		return err
	}
	verr := &ValidationError{Stage: string(stage)}
	switch v := in.(type) {
	case *DeconstructInput:
		if strings.TrimSpace(v.StoryText) == "" {
			verr.Add("story_text is required")
		}
	case *ScreenplayInput:
		validateNarrative(verr, "narrative", v.Narrative)
	case *AssetsInput:
		validateNarrative(verr, "narrative", v.Narrative)
		validateShots(verr, v.Shots, nil)
	case *VideoInput:
		validateShots(verr, v.Shots, nil)
		if len(v.Frames) == 0 {
			verr.Add("frames must not be empty")
		}
	case *AssemblyInput:
		if len(v.Clips) == 0 {
			verr.Add("clips must not be empty")
		}
	}
	return verr.OrNil()
}

// CheckOutput validates a capability output against the stage schema and the
// input it was produced from. A schema violation is returned as a
// *ValidationError. Expected products that are absent (a shot without a
// frame or clip, or a media reference that was not delivered) are returned
// in missing; their presence makes the result partial, not invalid.
func CheckOutput(stage domain.StageName, input, output json.RawMessage, delivered []string) (missing []string, err error) {
	out, err := DecodeOutput(stage, output)
	if err != nil {
		return nil, err
	}
	deliveredSet := make(map[string]bool, len(delivered))
	for _, name := range delivered {
		deliveredSet[name] = true
	}

	verr := &ValidationError{Stage: string(stage)}
	switch v := out.(type) {
	case *DeconstructOutput:
		validateNarrative(verr, "", *v)
	case *ScreenplayOutput:
		validateNarrative(verr, "narrative", v.Narrative)
		if strings.TrimSpace(v.Screenplay) == "" {
			verr.Add("screenplay is required")
		}
		validateShots(verr, v.Shots, sceneNumbers(v.Narrative))
	case *AssetsOutput:
		expected, err := expectedShots(stage, input)
		if err != nil {
			return nil, err
		}
		validateNamedMedia(verr, "characters", v.Characters)
		validateNamedMedia(verr, "environments", v.Environments)
		framed := make(map[string]bool, len(v.Frames))
		for i, f := range v.Frames {
			key := ShotKey(f.Scene, f.Shot)
			if strings.TrimSpace(f.Media) == "" {
				verr.Add(fmt.Sprintf("frames[%d].media is required", i))
			}
			if expected != nil && !expected[key] {
				verr.Add(fmt.Sprintf("frames[%d] references unknown shot %s", i, key))
			}
			framed[key] = true
		}
		missing = append(missing, unmatched(expected, framed, "frame")...)
		missing = append(missing, undelivered(v.MediaRefs(), deliveredSet)...)
	case *VideoOutput:
		expected, err := expectedShots(stage, input)
		if err != nil {
			return nil, err
		}
		clipped := make(map[string]bool, len(v.Clips))
		for i, c := range v.Clips {
			key := ShotKey(c.Scene, c.Shot)
			if strings.TrimSpace(c.Media) == "" {
				verr.Add(fmt.Sprintf("clips[%d].media is required", i))
			}
			if c.DurationSeconds <= 0 {
				verr.Add(fmt.Sprintf("clips[%d].duration_seconds must be positive", i))
			}
			if expected != nil && !expected[key] {
				verr.Add(fmt.Sprintf("clips[%d] references unknown shot %s", i, key))
			}
			clipped[key] = true
		}
		missing = append(missing, unmatched(expected, clipped, "clip")...)
		missing = append(missing, undelivered(v.MediaRefs(), deliveredSet)...)
	case *AssemblyOutput:
		if strings.TrimSpace(v.Film) == "" {
			verr.Add("film is required")
		}
		if v.DurationSeconds <= 0 {
			verr.Add("duration_seconds must be positive")
		}
		scenes, err := expectedScenes(input)
		if err != nil {
			return nil, err
		}
		scored := make(map[string]bool, len(v.Soundtrack))
		for i, a := range v.Soundtrack {
			key := sceneKey(a.Scene)
			if strings.TrimSpace(a.Media) == "" {
				verr.Add(fmt.Sprintf("soundtrack[%d].media is required", i))
			}
			if scenes != nil && !scenes[key] {
				verr.Add(fmt.Sprintf("soundtrack[%d] references scene %d which has no clips", i, a.Scene))
			}
			scored[key] = true
		}
		missing = append(missing, unmatched(scenes, scored, "soundtrack")...)
		missing = append(missing, undelivered(v.MediaRefs(), deliveredSet)...)
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return missing, nil
}

func validateNarrative(verr *ValidationError, prefix string, n DeconstructOutput) {
	field := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}
	if strings.TrimSpace(n.Title) == "" {
		verr.Add(field("title") + " is required")
	}
	if len(n.Characters) == 0 {
		verr.Add(field("characters") + " must not be empty")
	}
	for i, c := range n.Characters {
		if strings.TrimSpace(c.Name) == "" {
			verr.Add(fmt.Sprintf("%s[%d].name is required", field("characters"), i))
		}
	}
	if len(n.Scenes) == 0 {
		verr.Add(field("scenes") + " must not be empty")
	}
	seen := make(map[int]bool, len(n.Scenes))
	for i, s := range n.Scenes {
		if s.Number < 1 {
			verr.Add(fmt.Sprintf("%s[%d].number must be >= 1", field("scenes"), i))
		}
		if seen[s.Number] {
			verr.Add(fmt.Sprintf("%s[%d].number %d is duplicated", field("scenes"), i, s.Number))
		}
		seen[s.Number] = true
		if strings.TrimSpace(s.Setting) == "" {
			verr.Add(fmt.Sprintf("%s[%d].setting is required", field("scenes"), i))
		}
	}
}

func validateShots(verr *ValidationError, shots []Shot, scenes map[int]bool) {
	if len(shots) == 0 {
		verr.Add("shots must not be empty")
		return
	}
	seen := make(map[string]bool, len(shots))
	for i, s := range shots {
		if s.Scene < 1 || s.Shot < 1 {
			verr.Add(fmt.Sprintf("shots[%d] scene and shot must be >= 1", i))
			continue
		}
		if scenes != nil && !scenes[s.Scene] {
			verr.Add(fmt.Sprintf("shots[%d] references unknown scene %d", i, s.Scene))
		}
		if seen[s.Key()] {
			verr.Add(fmt.Sprintf("shots[%d] %s is duplicated", i, s.Key()))
		}
		seen[s.Key()] = true
		if strings.TrimSpace(s.Description) == "" {
			verr.Add(fmt.Sprintf("shots[%d].description is required", i))
		}
	}
}

func validateNamedMedia(verr *ValidationError, field string, items []NamedMedia) {
	for i, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			verr.Add(fmt.Sprintf("%s[%d].name is required", field, i))
		}
		if strings.TrimSpace(item.Media) == "" {
			verr.Add(fmt.Sprintf("%s[%d].media is required", field, i))
		}
	}
}

func sceneNumbers(n DeconstructOutput) map[int]bool {
	out := make(map[int]bool, len(n.Scenes))
	for _, s := range n.Scenes {
		out[s.Number] = true
	}
	return out
}

// expectedShots returns the shot keys the stage input asks for, or nil when
// the input carries no shot list.
func expectedShots(stage domain.StageName, input json.RawMessage) (map[string]bool, error) {
	if len(input) == 0 {
		return nil, nil
	}
	in, err := DecodeInput(stage, input)
	if err != nil {
		return nil, err
	}
	var shots []Shot
	switch v := in.(type) {
	case *AssetsInput:
		shots = v.Shots
	case *VideoInput:
		shots = v.Shots
	default:
		return nil, nil
	}
	out := make(map[string]bool, len(shots))
	for _, s := range shots {
		out[s.Key()] = true
	}
	return out, nil
}

// expectedScenes returns the scenes an assembly input has clips for, or nil
// when there is no input to compare with.
func expectedScenes(input json.RawMessage) (map[string]bool, error) {
	if len(input) == 0 {
		return nil, nil
	}
	in, err := DecodeInput(domain.StageAssembly, input)
	if err != nil {
		return nil, err
	}
	scenes := in.(*AssemblyInput).ClipScenes()
	out := make(map[string]bool, len(scenes))
	for _, n := range scenes {
		out[sceneKey(n)] = true
	}
	return out, nil
}

func sceneKey(scene int) string {
	return fmt.Sprintf("scene %d", scene)
}

func unmatched(expected, got map[string]bool, product string) []string {
	var missing []string
	for key := range expected {
		if !got[key] {
			missing = append(missing, product+" for "+key)
		}
	}
	sort.Strings(missing)
	return missing
}

func undelivered(refs []string, delivered map[string]bool) []string {
	var missing []string
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		if !delivered[ref] {
			missing = append(missing, "media "+ref)
		}
	}
	return missing
}
