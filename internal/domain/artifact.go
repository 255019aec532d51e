package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Metadata is an unstructured metadata container for domain entities.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ArtifactKind describes the media type family of an artifact.
type ArtifactKind string

const (
	ArtifactJSON  ArtifactKind = "json"
	ArtifactText  ArtifactKind = "text"
	ArtifactImage ArtifactKind = "image"
	ArtifactVideo ArtifactKind = "video"
	ArtifactAudio ArtifactKind = "audio"
)

// ManifestName is the artifact name under which a stage's structured payload is stored.
const ManifestName = "manifest.json"

// Artifact is an immutable output of a stage attempt.
type Artifact struct {
	ID               string
	ProjectID        string
	RunID            string
	StageName        StageName
	Attempt          int
	StageExecutionID string
	Kind             ArtifactKind
	Name             string
	ContentType      string
	ObjectKey        string
	SHA256           string
	SizeBytes        int64
	Metadata         Metadata
	CreatedAt        time.Time
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if !a.StageName.Valid() {
		return fmt.Errorf("invalid stage %q", a.StageName)
	}
	if a.Attempt < 1 {
		return errors.New("attempt must be >= 1")
	}
	if strings.TrimSpace(a.ObjectKey) == "" {
		return errors.New("object key is required")
	}
	if strings.TrimSpace(a.SHA256) == "" {
		return errors.New("sha256 is required")
	}
	return nil
}

// IsManifest reports whether the artifact carries the stage payload.
func (a Artifact) IsManifest() bool {
	return a.Name == ManifestName
}

// EnsureArtifactImmutable enforces immutability for artifact identity and storage.
func EnsureArtifactImmutable(before, after Artifact) error {
	if before.ID == "" || after.ID == "" {
		return errors.New("artifact ids are required")
	}
	if before.ID != after.ID {
		return fmt.Errorf("artifact id changed from %q to %q", before.ID, after.ID)
	}
	if before.RunID != after.RunID {
		return errors.New("run id is immutable")
	}
	if before.StageName != after.StageName || before.Attempt != after.Attempt {
		return errors.New("producing attempt is immutable")
	}
	if before.ObjectKey != after.ObjectKey {
		return errors.New("object key is immutable")
	}
	if before.SHA256 != after.SHA256 {
		return errors.New("sha256 is immutable")
	}
	if before.SizeBytes != after.SizeBytes {
		return errors.New("size bytes is immutable")
	}
	if !reflect.DeepEqual(before.Metadata, after.Metadata) {
		return errors.New("metadata is immutable")
	}
	return nil
}
