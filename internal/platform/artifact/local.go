package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// tempDir holds in-progress writes under the root, outside every phase
// directory, so List never sees them.
const tempDir = ".tmp"

// LocalStore keeps artifacts on the local filesystem at
// <root>/<runID>/<phase>/<key>.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(filepath.Join(root, tempDir), 0o750); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Put writes through a temp file and renames it into place, so a crash never
// leaves a half-written artifact under its final key.
func (s *LocalStore) Put(_ context.Context, runID, phase, key string, payload []byte) error {
	if err := checkAddress(runID, phase, key); err != nil {
		return err
	}
	dir := filepath.Join(s.root, runID, phase)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create phase dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, tempDir), key+"-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, key)); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, runID, phase, key string) ([]byte, error) {
	if err := checkAddress(runID, phase, key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, runID, phase, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

func (s *LocalStore) List(_ context.Context, runID, phase string) ([]string, error) {
	if err := checkAddress(runID, phase); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, runID, phase))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}
