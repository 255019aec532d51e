package dryrun

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cineforge/internal/capability"
	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/stages"
)

const story = `The lighthouse keeper Mara finds a letter from her brother Tomas.

A storm cuts the island off. Mara climbs the tower and lights the lamp.

At dawn a boat arrives carrying Tomas home.`

func TestFullPipelineProducesValidOutputs(t *testing.T) {
	backend := New(Config{})
	ctx := context.Background()
	seed := domain.RunInput{StoryText: story, Style: "noir"}
	upstream := stages.Upstream{}

	for _, stage := range domain.KnownStages() {
		input, err := stages.BuildInput(stage, seed, upstream)
		require.NoError(t, err, stage)

		out, err := backend.Execute(ctx, capability.Input{RunID: "run-1", Stage: stage, Attempt: 1, Payload: input})
		require.NoError(t, err, stage)

		missing, err := stages.CheckOutput(stage, input, out.Payload, out.MediaNames())
		require.NoError(t, err, stage)
		assert.Empty(t, missing, stage)
		upstream[stage] = out.Payload
	}

	final, err := stages.DecodeOutput(domain.StageAssembly, upstream[domain.StageAssembly])
	require.NoError(t, err)
	film := final.(*stages.AssemblyOutput)
	assert.Equal(t, 6, film.ClipCount)
	assert.Equal(t, 24.0, film.DurationSeconds)
	require.Len(t, film.Soundtrack, 3)
	assert.Equal(t, "soundtrack-s03.mp3", film.Soundtrack[2].Media)
	assert.Equal(t, "voiceover.mp3", film.Voiceover)
}

func TestAssembleDeliversAudio(t *testing.T) {
	in := capability.Input{RunID: "run-1", Stage: domain.StageAssembly, Attempt: 1}
	_, media := assemble(in, &stages.AssemblyInput{Clips: []stages.Clip{
		{Scene: 2, Shot: 1, Media: "c", DurationSeconds: 4},
		{Scene: 1, Shot: 1, Media: "a", DurationSeconds: 4},
		{Scene: 1, Shot: 2, Media: "b", DurationSeconds: 4},
	}})
	var audio []string
	for _, m := range media {
		if m.Kind == domain.ArtifactAudio {
			audio = append(audio, m.Name)
			assert.Equal(t, "audio/mpeg", m.ContentType)
		}
	}
	assert.Equal(t, []string{"soundtrack-s01.mp3", "soundtrack-s02.mp3", "voiceover.mp3"}, audio)
}

func TestDeconstructExtractsCharacters(t *testing.T) {
	out := deconstruct(story)
	require.Len(t, out.Scenes, 3)
	var names []string
	for _, c := range out.Characters {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Mara", "Tomas"}, names)
	assert.Equal(t, "The lighthouse keeper Mara finds a letter from", out.Title)
}

func TestDeterministicOutput(t *testing.T) {
	backend := New(Config{})
	input, err := stages.BuildInput(domain.StageDeconstruct, domain.RunInput{StoryText: story}, nil)
	require.NoError(t, err)
	in := capability.Input{RunID: "run-1", Stage: domain.StageDeconstruct, Attempt: 1, Payload: input}

	a, err := backend.Execute(context.Background(), in)
	require.NoError(t, err)
	b, err := backend.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.JSONEq(t, string(a.Payload), string(b.Payload))
}

func TestFailureRateProducesTransientErrors(t *testing.T) {
	backend := New(Config{FailureRate: 0.5})
	backend.decide = func(string, domain.StageName, int) float64 { return 0.1 }

	input, err := stages.BuildInput(domain.StageDeconstruct, domain.RunInput{StoryText: story}, nil)
	require.NoError(t, err)
	_, err = backend.Execute(context.Background(), capability.Input{RunID: "run-1", Stage: domain.StageDeconstruct, Attempt: 1, Payload: input})
	assert.ErrorIs(t, err, capability.ErrTransient)
}

func TestRejectsMistaggedInput(t *testing.T) {
	backend := New(Config{})
	payload, err := stages.Encode(domain.StageVideo, stages.VideoInput{})
	require.NoError(t, err)

	_, err = backend.Execute(context.Background(), capability.Input{Stage: domain.StageAssembly, Attempt: 1, Payload: json.RawMessage(payload)})
	assert.ErrorIs(t, err, capability.ErrValidation)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{FailureRate: 0.2}.Validate())
	assert.Error(t, Config{FailureRate: 1.5}.Validate())
}
