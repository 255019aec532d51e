// Package artifacts stores stage output blobs in object storage and keeps
// their index in the run state store.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/repo"
	store "github.com/animus-labs/cineforge/internal/storage/objectstore"
)

// Store handles artifact persistence into object storage.
type Store struct {
	bucket  string
	objects store.Store
	index   repo.ArtifactRepository
	now     func() time.Time
	newID   func() string
}

// PutRequest describes one blob produced by a stage attempt.
type PutRequest struct {
	ProjectID        string
	RunID            string
	StageName        domain.StageName
	Attempt          int
	StageExecutionID string
	Kind             domain.ArtifactKind
	Name             string
	ContentType      string
	Metadata         domain.Metadata
	Body             []byte
}

func NewStore(objects store.Store, index repo.ArtifactRepository, bucket string) (*Store, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if index == nil {
		return nil, errors.New("artifact index is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{bucket: bucket, objects: objects, index: index, now: time.Now, newID: uuid.NewString}, nil
}

// ObjectKey is the storage location of an artifact blob.
func ObjectKey(runID string, stage domain.StageName, attempt int, artifactID string) string {
	return fmt.Sprintf("runs/%s/%s/%d/%s", runID, strings.ToLower(string(stage)), attempt, artifactID)
}

// Put writes the blob and returns the artifact describing it. The artifact is
// not indexed; it becomes visible when the producing attempt commits it.
func (s *Store) Put(ctx context.Context, req PutRequest) (domain.Artifact, error) {
	if s == nil || s.objects == nil {
		return domain.Artifact{}, errors.New("artifact store not initialized")
	}
	if strings.TrimSpace(req.RunID) == "" {
		return domain.Artifact{}, errors.New("run id is required")
	}
	if !req.StageName.Valid() {
		return domain.Artifact{}, fmt.Errorf("invalid stage %q", req.StageName)
	}
	if req.Attempt < 1 {
		return domain.Artifact{}, errors.New("attempt must be >= 1")
	}
	if strings.TrimSpace(req.Name) == "" {
		return domain.Artifact{}, errors.New("artifact name is required")
	}

	body := req.Body
	size := int64(len(body))
	sha := sha256.Sum256(body)
	sum := hex.EncodeToString(sha[:])

	id := s.newID()
	objectKey := ObjectKey(req.RunID, req.StageName, req.Attempt, id)
	contentType := strings.TrimSpace(req.ContentType)
	if err := s.objects.Put(ctx, s.bucket, objectKey, bytes.NewReader(body), size, contentType); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: put %s: %v", repo.ErrStorageUnavailable, objectKey, err)
	}

	kind := req.Kind
	if kind == "" {
		kind = domain.ArtifactJSON
	}
	return domain.Artifact{
		ID:               id,
		ProjectID:        strings.TrimSpace(req.ProjectID),
		RunID:            strings.TrimSpace(req.RunID),
		StageName:        req.StageName,
		Attempt:          req.Attempt,
		StageExecutionID: strings.TrimSpace(req.StageExecutionID),
		Kind:             kind,
		Name:             strings.TrimSpace(req.Name),
		ContentType:      contentType,
		ObjectKey:        objectKey,
		SHA256:           sum,
		SizeBytes:        size,
		Metadata:         req.Metadata.Clone(),
		CreatedAt:        s.now().UTC(),
	}, nil
}

// Index records an already written artifact in the index.
func (s *Store) Index(ctx context.Context, artifact domain.Artifact) error {
	if s == nil || s.index == nil {
		return errors.New("artifact store not initialized")
	}
	return s.index.CreateArtifact(ctx, artifact)
}

// Get loads an indexed artifact and its payload.
func (s *Store) Get(ctx context.Context, artifactID string) ([]byte, domain.Artifact, error) {
	if s == nil || s.index == nil {
		return nil, domain.Artifact{}, errors.New("artifact store not initialized")
	}
	artifact, err := s.index.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, domain.Artifact{}, err
	}
	body, err := s.Read(ctx, artifact)
	if err != nil {
		return nil, domain.Artifact{}, err
	}
	return body, artifact, nil
}

// ErrPresignUnsupported is returned by DownloadURL when the object store
// cannot issue direct URLs.
var ErrPresignUnsupported = errors.New("object store does not support presigned urls")

// DownloadURL returns a time-limited URL for fetching the artifact blob
// directly from object storage.
func (s *Store) DownloadURL(ctx context.Context, artifactID string, ttl time.Duration) (string, domain.Artifact, error) {
	if s == nil || s.index == nil {
		return "", domain.Artifact{}, errors.New("artifact store not initialized")
	}
	presigner, ok := s.objects.(store.Presigner)
	if !ok {
		return "", domain.Artifact{}, ErrPresignUnsupported
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	artifact, err := s.index.GetArtifact(ctx, artifactID)
	if err != nil {
		return "", domain.Artifact{}, err
	}
	url, err := presigner.PresignGet(ctx, s.bucket, artifact.ObjectKey, ttl)
	if err != nil {
		return "", domain.Artifact{}, fmt.Errorf("%w: presign %s: %v", repo.ErrStorageUnavailable, artifact.ObjectKey, err)
	}
	return url, artifact, nil
}

// Read loads the payload of artifact and verifies its checksum.
func (s *Store) Read(ctx context.Context, artifact domain.Artifact) ([]byte, error) {
	if strings.TrimSpace(artifact.ObjectKey) == "" {
		return nil, errors.New("object key is required")
	}
	reader, _, err := s.objects.Get(ctx, s.bucket, artifact.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", repo.ErrStorageUnavailable, artifact.ObjectKey, err)
	}
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", repo.ErrStorageUnavailable, artifact.ObjectKey, err)
	}
	if artifact.SHA256 != "" {
		sha := sha256.Sum256(body)
		if hex.EncodeToString(sha[:]) != artifact.SHA256 {
			return nil, fmt.Errorf("artifact %s: checksum mismatch", artifact.ID)
		}
	}
	return body, nil
}

// List returns the indexed artifacts of a run, optionally limited to one stage.
func (s *Store) List(ctx context.Context, runID string, stage domain.StageName) ([]domain.Artifact, error) {
	if s == nil || s.index == nil {
		return nil, errors.New("artifact store not initialized")
	}
	return s.index.ListArtifacts(ctx, repo.ArtifactFilter{RunID: runID, StageName: stage})
}

// Discard removes blobs that were written but never committed.
func (s *Store) Discard(ctx context.Context, artifacts []domain.Artifact) error {
	var errs []error
	for _, artifact := range artifacts {
		if err := s.objects.Delete(ctx, s.bucket, artifact.ObjectKey); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", artifact.ObjectKey, err))
		}
	}
	return errors.Join(errs...)
}
