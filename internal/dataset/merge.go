package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Arashiailing/CQLLM/internal/logging"
	"github.com/Arashiailing/CQLLM/internal/qlsource"
)

// DefaultMaxBatchBytes keeps merged files under common upload limits.
const DefaultMaxBatchBytes = 900 << 20

// MergedFile is one query inside a merged batch.
type MergedFile struct {
	Filename string `json:"filename"` // relative to the merge root
	Content  string `json:"content"`
}

// Merge packs every .ql under root into merged_N.json files in outDir. A
// batch is closed before it would exceed maxBytes, counting the encoded
// size of each item; a single oversized item still gets its own batch.
// Unreadable files are skipped. It returns the files written.
func Merge(root, outDir string, maxBytes int64) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryDataset, "merge")
	defer timer.Stop()

	if maxBytes <= 0 {
		maxBytes = DefaultMaxBatchBytes
	}
	paths, err := qlsource.Find(root, qlsource.FindOptions{})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}

	var (
		written []string
		batch   []MergedFile
		size    int64
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out := filepath.Join(outDir, fmt.Sprintf("merged_%d.json", len(written)+1))
		if err := WriteRecords(out, batch); err != nil {
			return err
		}
		logging.Dataset("wrote %s: %d queries, %.2f MiB", out, len(batch), float64(size)/(1<<20))
		written = append(written, out)
		batch, size = nil, 0
		return nil
	}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			logging.DatasetWarn("skipping %s: %v", p, err)
			continue
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			rel = p
		}
		item := MergedFile{Filename: filepath.ToSlash(rel), Content: string(data)}
		enc, err := json.Marshal(item)
		if err != nil {
			return written, err
		}
		n := int64(len(enc))
		if len(batch) > 0 && size+n > maxBytes {
			if err := flush(); err != nil {
				return written, err
			}
		}
		batch = append(batch, item)
		size += n
	}
	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}
