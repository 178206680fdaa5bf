package dataset

import (
	"math/rand"
	"os"
	"regexp"
	"strings"

	"github.com/Arashiailing/CQLLM/internal/logging"
	"github.com/Arashiailing/CQLLM/internal/prompt"
	"github.com/Arashiailing/CQLLM/internal/qlsource"
)

// MissingMarker replaces the masked line of a completion example.
const MissingMarker = "/* MISSING */"

// minCompletionLines is the shortest query that yields completion examples.
const minCompletionLines = 5

var commentStart = regexp.MustCompile(`^\s*/\*`)

// Builder turns queries into training entries.
type Builder struct {
	Prompts *prompt.Set
	// Completions is the number of masked-line examples per query.
	Completions int
	Rand        *rand.Rand
}

// NewBuilder returns a Builder whose masking is reproducible for seed.
func NewBuilder(prompts *prompt.Set, completions int, seed int64) *Builder {
	return &Builder{Prompts: prompts, Completions: completions, Rand: rand.New(rand.NewSource(seed))}
}

// Entries returns the generation example for src followed by its
// completion examples.
func (b *Builder) Entries(src, path string) ([]Entry, error) {
	meta := qlsource.MetadataWithFallback(src, path)
	instruction, err := b.Prompts.Render(prompt.AlpacaInstruction, meta)
	if err != nil {
		return nil, err
	}
	input, err := b.Prompts.Render(prompt.AlpacaInput, nil)
	if err != nil {
		return nil, err
	}
	out := []Entry{{Instruction: instruction, Input: input, Output: strings.TrimSpace(src)}}

	completions, err := b.completions(src)
	if err != nil {
		return nil, err
	}
	return append(out, completions...), nil
}

// completions masks one eligible line per example. Import, select and
// comment-opening lines are never masked.
func (b *Builder) completions(src string) ([]Entry, error) {
	lines := strings.Split(strings.TrimSpace(src), "\n")
	if len(lines) < minCompletionLines || b.Completions <= 0 {
		return nil, nil
	}
	var candidates []int
	for i, l := range lines {
		if strings.Contains(l, "import") || strings.Contains(l, "select") || commentStart.MatchString(l) {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	instruction, err := b.Prompts.Render(prompt.CompletionInstruction, nil)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, b.Completions)
	for n := 0; n < b.Completions; n++ {
		idx := candidates[b.Rand.Intn(len(candidates))]
		masked := append([]string(nil), lines...)
		masked[idx] = MissingMarker
		out = append(out, Entry{
			Instruction: instruction,
			Input:       strings.Join(masked, "\n"),
			Output:      strings.TrimSpace(lines[idx]),
		})
	}
	return out, nil
}

// Build reads every .ql under root in lexical order. Unreadable files are
// logged and skipped.
func (b *Builder) Build(root string) ([]Entry, error) {
	timer := logging.StartTimer(logging.CategoryDataset, "build")
	defer timer.Stop()

	paths, err := qlsource.Find(root, qlsource.FindOptions{})
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			logging.DatasetWarn("skipping %s: %v", p, err)
			continue
		}
		entries, err := b.Entries(string(data), p)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	logging.Dataset("build: %d queries, %d entries", len(paths), len(out))
	return out, nil
}
