package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ehr/migration/internal/domain/ingest"
)

var ErrInvalidCredentialsRef = errors.New("invalid credentials reference")

// CredentialResolver turns the reference stored on a run into the secrets an
// adapter needs. Resolved values are never persisted.
type CredentialResolver interface {
	Resolve(ctx context.Context, run *Run) (ingest.Credentials, error)
}

// RefResolver understands references made of ';'-separated parts:
//
//	env:NAME   API token read from environment variable NAME
//	dir:PATH   CSV export directory, relative to UploadRoot
//	url:URL    vendor API base URL, overriding BaseURLs
type RefResolver struct {
	BaseURLs   map[ingest.Vendor]string
	UploadRoot string
	Getenv     func(string) string
}

func NewRefResolver(uploadRoot string, baseURLs map[ingest.Vendor]string) *RefResolver {
	return &RefResolver{BaseURLs: baseURLs, UploadRoot: uploadRoot, Getenv: os.Getenv}
}

func (r *RefResolver) Resolve(_ context.Context, run *Run) (ingest.Credentials, error) {
	creds := ingest.Credentials{BaseURL: r.BaseURLs[run.SourceVendor]}
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	for _, part := range strings.Split(run.CredentialsRef, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		scheme, value, ok := strings.Cut(part, ":")
		if !ok || value == "" {
			return ingest.Credentials{}, fmt.Errorf("%w: %q", ErrInvalidCredentialsRef, part)
		}
		switch scheme {
		case "env":
			creds.APIToken = getenv(value)
			if creds.APIToken == "" {
				return ingest.Credentials{}, fmt.Errorf("%w: %s is not set", ErrInvalidCredentialsRef, value)
			}
		case "dir":
			dir, err := r.uploadDir(value)
			if err != nil {
				return ingest.Credentials{}, err
			}
			creds.Directory = dir
		case "url":
			creds.BaseURL = value
		default:
			return ingest.Credentials{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidCredentialsRef, scheme)
		}
	}

	if run.SourceVendor == ingest.VendorCSV && creds.Directory == "" {
		return ingest.Credentials{}, fmt.Errorf("%w: csv import needs a dir: part", ErrInvalidCredentialsRef)
	}
	return creds, nil
}

// uploadDir keeps operator-supplied paths inside the upload root.
func (r *RefResolver) uploadDir(rel string) (string, error) {
	if r.UploadRoot == "" {
		return "", fmt.Errorf("%w: no upload directory configured", ErrInvalidCredentialsRef)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: directory must be relative", ErrInvalidCredentialsRef)
	}
	root := filepath.Clean(r.UploadRoot)
	dir := filepath.Join(root, rel)
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: directory escapes upload root", ErrInvalidCredentialsRef)
	}
	return dir, nil
}
