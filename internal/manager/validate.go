package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"peerd/internal/gguf"
)

const (
	MinModelBytes = 1 << 20
	MaxModelBytes = 50 << 30

	DefaultValidationTTL = 5 * time.Minute
	validationCacheSize  = 64
)

var corruptionKeywords = []string{
	"corrupt",
	"invalid format",
	"magic number",
	"truncated",
	"checksum",
	"bad header",
	"unexpected eof",
}

// IsCorruption reports whether msg names a corruption symptom. Such
// failures are not retried.
func IsCorruption(msg string) bool {
	msg = strings.ToLower(msg)
	for _, k := range corruptionKeywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

// ValidatorConfig tunes a Validator.
type ValidatorConfig struct {
	Logger zerolog.Logger
	// TTL bounds how long a header verdict is reused for an unchanged file.
	TTL time.Duration
}

// Validator checks that a model file is loadable: present, readable,
// regular, within size bounds and carrying a GGUF header. The stat checks
// run on every call; only the header verdict is cached, per path and file
// identity, and concurrent reads of one path share a single sniff.
type Validator struct {
	log   zerolog.Logger
	cache *expirable.LRU[string, verdict]
	group singleflight.Group
}

// verdict is a header check result for one observed file identity.
type verdict struct {
	size    int64
	modTime time.Time
	err     error
}

func (vd verdict) matches(fi os.FileInfo) bool {
	return vd.size == fi.Size() && vd.modTime.Equal(fi.ModTime())
}

func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultValidationTTL
	}
	return &Validator{
		log:   cfg.Logger,
		cache: expirable.NewLRU[string, verdict](validationCacheSize, nil, cfg.TTL),
	}
}

// Validate returns nil or a *ValidationError.
func (v *Validator) Validate(ctx context.Context, path string) error {
	fi, err := statModelFile(path)
	if err != nil {
		v.cache.Remove(path)
		v.log.Debug().Str("model", path).Err(err).Msg("validation_failed")
		return err
	}
	if vd, ok := v.cache.Get(path); ok && vd.matches(fi) {
		return vd.err
	}
	ch := v.group.DoChan(path, func() (any, error) {
		err := sniffModelFile(path)
		v.cache.Add(path, verdict{size: fi.Size(), modTime: fi.ModTime(), err: err})
		if err != nil {
			v.log.Debug().Str("model", path).Err(err).Msg("validation_failed")
		}
		return nil, err
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate forgets the cached header verdict for path.
func (v *Validator) Invalidate(path string) { v.cache.Remove(path) }

func invalid(path, reason string) error {
	return &ValidationError{Path: path, Reason: reason, Corrupt: IsCorruption(reason)}
}

// statModelFile runs the checks that need no read of the file.
func statModelFile(path string) (os.FileInfo, error) {
	if path == "" {
		return nil, invalid(path, "path is required")
	}
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, invalid(path, "file not found")
	case err != nil:
		return nil, invalid(path, err.Error())
	case !fi.Mode().IsRegular():
		return nil, invalid(path, "not a regular file")
	case fi.Size() < MinModelBytes:
		return nil, invalid(path, fmt.Sprintf("file too small (%s, minimum %s)", humanize.IBytes(uint64(fi.Size())), humanize.IBytes(MinModelBytes)))
	case fi.Size() > MaxModelBytes:
		return nil, invalid(path, fmt.Sprintf("file too large (%s, maximum %s)", humanize.IBytes(uint64(fi.Size())), humanize.IBytes(MaxModelBytes)))
	}
	return fi, nil
}

func sniffModelFile(path string) error {
	if _, err := gguf.SniffFile(path); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return invalid(path, "not readable")
		}
		return invalid(path, err.Error())
	}
	return nil
}
