package manifest

import (
	"context"
)

// Store is manifest CRUD keyed by file path.
type Store interface {
	Get(ctx context.Context, path string) (Manifest, error)
	List(ctx context.Context) ([]Manifest, error)
	Upsert(ctx context.Context, m Manifest) error
	Delete(ctx context.Context, path string) error
	// EnsureManifestFor creates the manifest for a completed local file or
	// merges meta into the existing one. Empty sourceURL keeps the stored
	// value; isDefault=true moves the default flag to this model.
	EnsureManifestFor(ctx context.Context, path string, meta []byte, sourceURL string, isDefault bool) (Manifest, error)
}
