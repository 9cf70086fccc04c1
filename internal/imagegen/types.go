package imagegen

import (
	"context"

	"personalizer/internal/storage"
)

// Generator is the remote personalization capability. It receives local file
// paths for the identity and reference images and returns the local path of
// the generated image.
type Generator interface {
	Generate(ctx context.Context, identityPath, referencePath, prompt, style string) (string, error)
}

// ArtifactStore persists uploads and publishes generated results.
type ArtifactStore interface {
	Persist(ctx context.Context, data []byte, role string) (storage.StoredFile, error)
	Publish(ctx context.Context, sourcePath string) (storage.StoredFile, error)
}

// Upload is an inbound image payload.
type Upload struct {
	Data     []byte
	Filename string
}

// Request is a decoded personalize call.
type Request struct {
	RequestID string
	Identity  *Upload
	Reference *Upload
	Prompt    string
	Style     string
	Template  string
}

// Generation is what the pipeline hands to the Generator.
type Generation struct {
	IdentityPath  string
	ReferencePath string
	Prompt        string
	Style         string
}

// Result describes a completed personalization.
type Result struct {
	URL       string
	Artifact  storage.StoredFile
	Identity  storage.StoredFile
	Reference string
	Degraded  bool
}

// PublicPrefix is the URL prefix under which published artifacts are served.
const PublicPrefix = "/generated/"
