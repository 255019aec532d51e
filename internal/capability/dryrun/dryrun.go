// Package dryrun is a deterministic stand-in for the generation backends.
// Outputs are derived from the input and the attempt identity only, so the
// same attempt always produces the same result.
package dryrun

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/animus-labs/cineforge/internal/capability"
	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/stages"
)

const (
	maxScenes       = 5
	maxCharacters   = 4
	shotsPerScene   = 2
	clipSeconds     = 4.0
	titleWordsLimit = 8
)

type Config struct {
	// FailureRate is the share of attempts that fail transiently, in [0, 1].
	FailureRate float64       `koanf:"failure_rate"`
	Latency     time.Duration `koanf:"latency"`
}

func (c Config) Validate() error {
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("dryrun failure_rate must be in [0, 1]")
	}
	if c.Latency < 0 {
		return fmt.Errorf("dryrun latency must be >= 0")
	}
	return nil
}

type Backend struct {
	cfg    Config
	decide func(runID string, stage domain.StageName, attempt int) float64
}

func New(cfg Config) *Backend {
	return &Backend{cfg: cfg, decide: deterministicScore}
}

func (b *Backend) Execute(ctx context.Context, in capability.Input) (capability.Output, error) {
	if b.cfg.Latency > 0 {
		timer := time.NewTimer(b.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return capability.Output{}, capability.Transient(ctx.Err())
		case <-timer.C:
		}
	}
	if b.cfg.FailureRate > 0 && b.decide(in.RunID, in.Stage, in.Attempt) < b.cfg.FailureRate {
		return capability.Output{}, capability.Transient(fmt.Errorf("simulated %s failure on attempt %d", in.Stage, in.Attempt))
	}

	decoded, err := stages.DecodeInput(in.Stage, in.Payload)
	if err != nil {
		return capability.Output{}, capability.Validation(err)
	}

	var (
		payload any
		media   []capability.Media
	)
	switch v := decoded.(type) {
	case *stages.DeconstructInput:
		payload = deconstruct(v.StoryText)
	case *stages.ScreenplayInput:
		payload = screenplay(v.Narrative)
	case *stages.AssetsInput:
		payload, media = assets(in, v)
	case *stages.VideoInput:
		payload, media = video(in, v)
	case *stages.AssemblyInput:
		payload, media = assemble(in, v)
	default:
		return capability.Output{}, capability.Validation(fmt.Errorf("unsupported stage %s", in.Stage))
	}

	raw, err := stages.Encode(in.Stage, payload)
	if err != nil {
		return capability.Output{}, err
	}
	return capability.Output{Payload: raw, Media: media}, nil
}

func deconstruct(story string) stages.DeconstructOutput {
	paragraphs := splitParagraphs(story)
	if len(paragraphs) > maxScenes {
		paragraphs = paragraphs[:maxScenes]
	}
	characters := extractCharacters(story)

	out := stages.DeconstructOutput{
		Title:       titleFrom(paragraphs[0]),
		Logline:     firstSentence(paragraphs[0]),
		Characters:  characters,
		Setting:     "unspecified",
		PlotSummary: firstSentence(paragraphs[len(paragraphs)-1]),
	}
	names := make([]string, 0, len(characters))
	for _, c := range characters {
		names = append(names, c.Name)
	}
	for i, p := range paragraphs {
		out.Scenes = append(out.Scenes, stages.Scene{
			Number:            i + 1,
			Setting:           fmt.Sprintf("location %d", i+1),
			TimeOfDay:         []string{"day", "night"}[i%2],
			CharactersPresent: names,
			Events:            []string{firstSentence(p)},
		})
	}
	return out
}

func screenplay(narrative stages.DeconstructOutput) stages.ScreenplayOutput {
	var b strings.Builder
	var shots []stages.Shot
	for _, scene := range narrative.Scenes {
		fmt.Fprintf(&b, "SCENE %d. %s - %s\n", scene.Number, strings.ToUpper(scene.Setting), strings.ToUpper(scene.TimeOfDay))
		for _, event := range scene.Events {
			b.WriteString(event + "\n")
		}
		b.WriteString("\n")
		for n := 1; n <= shotsPerScene; n++ {
			shots = append(shots, stages.Shot{
				Scene:       scene.Number,
				Shot:        n,
				Description: fmt.Sprintf("%s, shot %d", scene.Setting, n),
				Camera:      []string{"wide", "close-up"}[(n-1)%2],
			})
		}
	}
	return stages.ScreenplayOutput{Narrative: narrative, Screenplay: strings.TrimSpace(b.String()), Shots: shots}
}

func assets(in capability.Input, v *stages.AssetsInput) (stages.AssetsOutput, []capability.Media) {
	out := stages.AssetsOutput{Shots: v.Shots}
	var media []capability.Media
	for _, c := range v.Narrative.Characters {
		name := "character-" + slug(c.Name) + ".png"
		out.Characters = append(out.Characters, stages.NamedMedia{Name: c.Name, Media: name})
		media = append(media, placeholder(in, name, domain.ArtifactImage, "image/png"))
	}
	for _, s := range v.Narrative.Scenes {
		name := fmt.Sprintf("environment-s%02d.png", s.Number)
		out.Environments = append(out.Environments, stages.NamedMedia{Name: s.Setting, Media: name})
		media = append(media, placeholder(in, name, domain.ArtifactImage, "image/png"))
	}
	for _, shot := range v.Shots {
		name := fmt.Sprintf("frame-s%02d-sh%02d.png", shot.Scene, shot.Shot)
		out.Frames = append(out.Frames, stages.Frame{Scene: shot.Scene, Shot: shot.Shot, Media: name})
		media = append(media, placeholder(in, name, domain.ArtifactImage, "image/png"))
	}
	return out, media
}

func video(in capability.Input, v *stages.VideoInput) (stages.VideoOutput, []capability.Media) {
	var out stages.VideoOutput
	var media []capability.Media
	for _, frame := range v.Frames {
		name := fmt.Sprintf("clip-s%02d-sh%02d.mp4", frame.Scene, frame.Shot)
		out.Clips = append(out.Clips, stages.Clip{Scene: frame.Scene, Shot: frame.Shot, Media: name, DurationSeconds: clipSeconds})
		media = append(media, placeholder(in, name, domain.ArtifactVideo, "video/mp4"))
	}
	return out, media
}

func assemble(in capability.Input, v *stages.AssemblyInput) (stages.AssemblyOutput, []capability.Media) {
	total := 0.0
	for _, clip := range v.Clips {
		total += clip.DurationSeconds
	}
	const film, voiceover = "film.mp4", "voiceover.mp3"
	out := stages.AssemblyOutput{Film: film, DurationSeconds: total, ClipCount: len(v.Clips), Voiceover: voiceover}
	media := []capability.Media{placeholder(in, film, domain.ArtifactVideo, "video/mp4")}
	for i, scene := range v.ClipScenes() {
		name := fmt.Sprintf("soundtrack-s%02d.mp3", scene)
		out.Soundtrack = append(out.Soundtrack, stages.SceneAudio{Scene: scene, Media: name, Mood: moods[i%len(moods)]})
		media = append(media, placeholder(in, name, domain.ArtifactAudio, "audio/mpeg"))
	}
	media = append(media, placeholder(in, voiceover, domain.ArtifactAudio, "audio/mpeg"))
	return out, media
}

var moods = []string{"tense", "hopeful", "melancholic"}

func placeholder(in capability.Input, name string, kind domain.ArtifactKind, contentType string) capability.Media {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%s", in.RunID, in.Stage, in.Attempt, name)))
	return capability.Media{Name: name, Kind: kind, ContentType: contentType, Data: sum[:]}
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{strings.TrimSpace(text)}
	}
	return out
}

func firstSentence(p string) string {
	if i := strings.IndexAny(p, ".!?"); i >= 0 {
		return strings.TrimSpace(p[:i+1])
	}
	return p
}

func titleFrom(p string) string {
	words := strings.Fields(strings.TrimRight(firstSentence(p), ".!?"))
	if len(words) > titleWordsLimit {
		words = words[:titleWordsLimit]
	}
	if len(words) == 0 {
		return "Untitled"
	}
	return strings.Join(words, " ")
}

// extractCharacters takes capitalized words that do not start a sentence.
func extractCharacters(story string) []stages.Character {
	var out []stages.Character
	seen := map[string]bool{}
	sentenceStart := true
	for _, word := range strings.Fields(story) {
		clean := strings.TrimFunc(word, func(r rune) bool { return !unicode.IsLetter(r) })
		if clean != "" && !sentenceStart && unicode.IsUpper([]rune(clean)[0]) && !seen[clean] {
			seen[clean] = true
			out = append(out, stages.Character{Name: clean})
			if len(out) == maxCharacters {
				break
			}
		}
		sentenceStart = strings.ContainsAny(word[len(word)-1:], ".!?")
	}
	if len(out) == 0 {
		out = append(out, stages.Character{Name: "Narrator"})
	}
	return out
}

func slug(s string) string {
	return strings.ToLower(strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), "-"))
}

func deterministicScore(runID string, stage domain.StageName, attempt int) float64 {
	seed := fmt.Sprintf("%s:%s:%d", runID, stage, attempt)
	sum := sha256.Sum256([]byte(seed))
	value := binary.BigEndian.Uint64(sum[:8])
	return float64(value) / float64(math.MaxUint64)
}
