package augment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Arashiailing/CQLLM/internal/qlsource"
	"github.com/Arashiailing/CQLLM/internal/refine"
)

// Job is one artifact to refine.
type Job struct {
	Source string // original query, or a label when Original is set
	Key    string // where the accepted variant is published

	// Original, when set, seeds the workflow instead of reading Source.
	Original string
	// Transformer, when set, replaces the runner's transformer for this job.
	Transformer refine.Transformer
}

// KeyFor returns the publish location for source.
func KeyFor(source, prefix string) string {
	return filepath.Join(filepath.Dir(source), prefix+filepath.Base(source))
}

// Discover lists the queries under root that should be augmented. Published
// variants and leftover staging files are skipped so reruns never augment
// their own output.
func Discover(root, publishPrefix, stagePrefix string) ([]Job, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("augment root: %w", err)
	}
	opts := findOptions(publishPrefix)
	stager := refine.NewFileStager(stagePrefix)
	if !info.IsDir() {
		if !augmentable(root, opts, stager) {
			return nil, fmt.Errorf("%s is not an augmentable query", root)
		}
		return []Job{{Source: root, Key: KeyFor(root, publishPrefix)}}, nil
	}

	paths, err := qlsource.Find(root, opts)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(paths))
	for _, p := range paths {
		if stager.IsStaged(p) {
			continue
		}
		jobs = append(jobs, Job{Source: p, Key: KeyFor(p, publishPrefix)})
	}
	return Dedupe(jobs), nil
}

// Dedupe drops jobs whose key was already claimed by an earlier job.
func Dedupe(jobs []Job) []Job {
	seen := make(map[string]bool, len(jobs))
	out := jobs[:0]
	for _, j := range jobs {
		k := filepath.Clean(j.Key)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, j)
	}
	return out
}

func findOptions(publishPrefix string) qlsource.FindOptions {
	return qlsource.FindOptions{
		Extensions:   []string{".ql"},
		SkipPrefixes: []string{publishPrefix},
	}
}

// augmentable reports whether path is an input query rather than a published
// variant or a staging file left by an interrupted run.
func augmentable(path string, opts qlsource.FindOptions, stager *refine.FileStager) bool {
	return qlsource.Matches(path, opts) && !stager.IsStaged(path)
}
