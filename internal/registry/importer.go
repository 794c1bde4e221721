package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"peerd/internal/manifest"
)

// Detector reads model metadata without loading the model.
type Detector interface {
	DetectModel(path string) []byte
}

// Importer turns completed local files into catalog rows.
type Importer struct {
	Store    manifest.Store
	Detector Detector
	Log      zerolog.Logger
	// OnForget, when set, is called for every forgotten path so caches
	// keyed by the file can drop it.
	OnForget func(path string)
}

// ErrNotModel is returned for files that are not GGUF models.
var ErrNotModel = errors.New("not a .gguf model file")

// Import registers path. Metadata is detected from the file when the
// detector is set; a missing or unparsable header still imports with empty
// metadata so the load path can report the real problem.
func (im *Importer) Import(ctx context.Context, path, sourceURL string, isDefault bool) (manifest.Manifest, error) {
	if !IsModelFile(path) {
		return manifest.Manifest{}, fmt.Errorf("%w: %s", ErrNotModel, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return manifest.Manifest{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return manifest.Manifest{}, err
	}
	if !fi.Mode().IsRegular() {
		return manifest.Manifest{}, fmt.Errorf("%w: %s is not a regular file", ErrNotModel, abs)
	}
	var meta []byte
	if im.Detector != nil {
		meta = im.Detector.DetectModel(abs)
	}
	m, err := im.Store.EnsureManifestFor(ctx, abs, meta, sourceURL, isDefault)
	if err != nil {
		return manifest.Manifest{}, err
	}
	im.Log.Info().Str("model", abs).Str("family", m.Family).Str("arch", m.Metadata.Arch).Msg("model_imported")
	return m, nil
}

// ImportDir imports every model file in dir. Failures are logged and
// joined; successful imports are returned either way.
func (im *Importer) ImportDir(ctx context.Context, dir string) ([]manifest.Manifest, error) {
	models, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	var (
		out  []manifest.Manifest
		errs []error
	)
	for _, m := range models {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		got, err := im.Import(ctx, m.Path, "", false)
		if err != nil {
			im.Log.Warn().Err(err).Str("model", m.Path).Msg("import_failed")
			errs = append(errs, err)
			continue
		}
		out = append(out, got)
	}
	return out, errors.Join(errs...)
}

// Forget drops the catalog row for a file that disappeared.
func (im *Importer) Forget(ctx context.Context, path string) error {
	if im.OnForget != nil {
		im.OnForget(path)
	}
	err := im.Store.Delete(ctx, path)
	if errors.Is(err, manifest.ErrNotFound) {
		return nil
	}
	if err == nil {
		im.Log.Info().Str("model", path).Msg("model_forgotten")
	}
	return err
}
