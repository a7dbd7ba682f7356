package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps artifacts as files in one directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	if strings.TrimSpace(dir) == "" {
		dir = "./migrations/backups"
	}
	return &FileStore{dir: dir}
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Create(_ context.Context, name string, payload []byte) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid backup name %q", name)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	ref := filepath.Join(s.dir, name)
	file, err := os.OpenFile(ref, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("%w: %s", ErrExists, ref)
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", ref, err)
	}

	if _, err := file.Write(payload); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("write %s: %w", ref, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("sync %s: %w", ref, err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", ref, err)
	}
	return ref, nil
}

// Read accepts either the ref returned by Create or a bare artifact name.
func (s *FileStore) Read(_ context.Context, ref string) ([]byte, error) {
	path := ref
	if filepath.Base(ref) == ref {
		path = filepath.Join(s.dir, ref)
	}
	payload, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return payload, nil
}

// List returns the refs of artifacts whose name starts with prefix, oldest first.
func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	refs := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		refs = append(refs, filepath.Join(s.dir, entry.Name()))
	}
	sort.Strings(refs)
	return refs, nil
}
