package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "cineforge.runs.r1", RunSubject("cineforge", "r1"))
	assert.Equal(t, "cineforge.runs.r1.stages.screenplay", StageSubject("cineforge", "r1", "Screenplay"))
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, DefaultConfig().Enabled())
	assert.True(t, Config{URL: "nats://localhost:4222"}.Enabled())
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(Config{}, nil)
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var p Publisher = &r
	p.StageChanged(StageEvent{RunID: "r1", Stage: "Video", Status: "Running"})
	p.RunChanged(RunEvent{RunID: "r1", Status: "Completed"})

	assert.Len(t, r.StageEvents(), 1)
	assert.Equal(t, "Completed", r.RunEvents()[0].Status)
}
