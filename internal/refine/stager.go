package refine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Stager owns the staging location for candidates.
type Stager interface {
	// Stage persists text at a fresh location that is not the key.
	Stage(key, text string) (string, error)
	// Publish atomically replaces the key with the staged artifact.
	Publish(staged, key string) error
	// Discard removes a staged artifact. Removing a missing one is not an error.
	Discard(staged string) error
}

// DefaultStagePrefix is used by FileStager when Prefix is empty.
const DefaultStagePrefix = "temp_aug_"

// FileStager stages candidates as files in the key's own directory so that
// publishing is a same-filesystem rename.
type FileStager struct {
	// Prefix starts every staged file name. Directory scans skip it.
	Prefix string
	// Perm is applied to staged files before they are published.
	Perm fs.FileMode
}

// NewFileStager returns a FileStager with 0644 permissions.
func NewFileStager(prefix string) *FileStager {
	if prefix == "" {
		prefix = DefaultStagePrefix
	}
	return &FileStager{Prefix: prefix, Perm: 0644}
}

// Stage writes text to a unique file next to key. The key's extension is
// kept so external tools that dispatch on suffix accept the staged file.
func (s *FileStager) Stage(key, text string) (string, error) {
	dir := filepath.Dir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &ResourceError{Op: "stage", Path: key, Err: err}
	}

	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultStagePrefix
	}
	base := filepath.Base(key)
	ext := filepath.Ext(base)
	pattern := prefix + strings.TrimSuffix(base, ext) + "_*" + ext

	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", &ResourceError{Op: "stage", Path: key, Err: err}
	}
	staged := f.Name()

	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(staged)
		return "", &ResourceError{Op: "stage", Path: staged, Err: err}
	}

	if _, err := f.WriteString(text); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	perm := s.Perm
	if perm == 0 {
		perm = 0644
	}
	if err := f.Chmod(perm); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staged)
		return "", &ResourceError{Op: "stage", Path: staged, Err: err}
	}
	return staged, nil
}

// Publish renames staged over key.
func (s *FileStager) Publish(staged, key string) error {
	if err := os.Rename(staged, key); err != nil {
		return &ResourceError{Op: "publish", Path: key, Err: err}
	}
	return nil
}

// Discard removes staged.
func (s *FileStager) Discard(staged string) error {
	if err := os.Remove(staged); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ResourceError{Op: "discard", Path: staged, Err: err}
	}
	return nil
}

// IsStaged reports whether a file name looks like one this stager created.
func (s *FileStager) IsStaged(name string) bool {
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultStagePrefix
	}
	return strings.HasPrefix(filepath.Base(name), prefix)
}

// String implements fmt.Stringer for log lines.
func (s *FileStager) String() string {
	return fmt.Sprintf("FileStager(prefix=%q)", s.Prefix)
}
