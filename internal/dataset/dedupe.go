package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Arashiailing/CQLLM/internal/logging"
)

// Duplicate is a file left out because its content was already copied.
type Duplicate struct {
	Path     string
	Original string // relative path of the copy that was kept
}

// DedupeReport summarizes a Dedupe.
type DedupeReport struct {
	Copied     int
	Duplicates []Duplicate
}

// Dedupe copies the files of each folder into out, keeping their relative
// paths. A file whose SHA-256 matches one already copied is skipped. Folders
// are taken in order, so earlier folders win.
func Dedupe(out string, folders ...string) (DedupeReport, error) {
	timer := logging.StartTimer(logging.CategoryDataset, "dedupe")
	defer timer.Stop()

	var rep DedupeReport
	seen := make(map[string]string)
	for _, folder := range folders {
		err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			sum, err := hashFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(folder, path)
			if err != nil {
				return err
			}
			if orig, dup := seen[sum]; dup {
				rep.Duplicates = append(rep.Duplicates, Duplicate{Path: path, Original: orig})
				logging.DatasetWarn("skipping duplicate %s (same as %s)", path, orig)
				return nil
			}
			if err := copyFile(path, filepath.Join(out, rel)); err != nil {
				return err
			}
			seen[sum] = rel
			rep.Copied++
			return nil
		})
		if err != nil {
			return rep, err
		}
	}
	logging.Dataset("dedupe: %d copied, %d duplicates", rep.Copied, len(rep.Duplicates))
	return rep, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile copies src to dst with its mode and modification time.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
