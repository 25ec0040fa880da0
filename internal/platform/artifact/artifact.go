// Package artifact persists the intermediate output of each migration phase.
// Artifacts are addressed by (run, phase, key) and are immutable once written
// for a completed phase; a retried batch overwrites its own key with the same
// bytes.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrInvalidKey = errors.New("invalid artifact address")
)

// Store is implemented by every artifact backend. List returns keys of one
// phase in lexical order; batch keys are zero-padded so lexical order is
// production order.
type Store interface {
	Put(ctx context.Context, runID, phase, key string, payload []byte) error
	Get(ctx context.Context, runID, phase, key string) ([]byte, error)
	List(ctx context.Context, runID, phase string) ([]string, error)
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendS3     = "s3"
)

type Config struct {
	Backend    string
	Dir        string
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string
}

// New builds the backend selected by cfg.Backend. An empty backend means local.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalStore(cfg.Dir)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

// checkAddress rejects empty segments and anything that could escape the
// run/phase namespace.
func checkAddress(segments ...string) error {
	for _, s := range segments {
		if s == "" || s == "." || s == ".." ||
			strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") ||
			strings.ContainsRune(s, 0) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
	}
	return nil
}
