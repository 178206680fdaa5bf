package qlsource

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	docComment = regexp.MustCompile(`(?s)/\*\*(.*?)\*/`)
	tagLine    = regexp.MustCompile(`^@([A-Za-z][A-Za-z0-9._-]*)\s*(.*)$`)
	starPrefix = regexp.MustCompile(`(?m)^[ \t]*\*[ \t]?`)
	cweTag     = regexp.MustCompile(`(?i)cwe[-/_]?0*(\d+)`)
)

// Metadata is the QLDoc header of a query.
type Metadata struct {
	Name        string
	Description string
	ID          string
	Kind        string
	Severity    string
	Precision   string
	Tags        []string
}

// CWEs returns the CWE numbers named in the tags, formatted CWE-%03d.
func (m Metadata) CWEs() []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range m.Tags {
		if sm := cweTag.FindStringSubmatch(t); sm != nil {
			var n int
			fmt.Sscanf(sm[1], "%d", &n)
			id := fmt.Sprintf("CWE-%03d", n)
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// ParseMetadata reads the first /** ... */ block. ok is false when there is
// no doc comment. Tag values may continue on following lines.
func ParseMetadata(src string) (meta Metadata, block string, ok bool) {
	m := docComment.FindStringSubmatch(src)
	if m == nil {
		return Metadata{}, "", false
	}
	block = m[1]

	var key string
	var val strings.Builder
	flush := func() {
		if key == "" {
			return
		}
		v := strings.TrimSpace(val.String())
		switch key {
		case "name":
			meta.Name = v
		case "description":
			meta.Description = v
		case "id":
			meta.ID = v
		case "kind":
			meta.Kind = v
		case "problem.severity", "severity":
			meta.Severity = v
		case "precision":
			meta.Precision = v
		case "tags":
			meta.Tags = append(meta.Tags, strings.Fields(v)...)
		}
		key = ""
		val.Reset()
	}

	for _, line := range strings.Split(starPrefix.ReplaceAllString(block, ""), "\n") {
		line = strings.TrimSpace(line)
		if tm := tagLine.FindStringSubmatch(line); tm != nil {
			flush()
			key = tm[1]
			val.WriteString(tm[2])
			continue
		}
		if key != "" && line != "" {
			val.WriteString(" ")
			val.WriteString(line)
		}
	}
	flush()
	return meta, block, true
}

// MetadataWithFallback fills gaps so every query can become a training
// example. A header without @name keeps its prose as the description.
func MetadataWithFallback(src, path string) Metadata {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	defaultID := "py/" + strings.ToLower(base)
	placeholderName := fmt.Sprintf("Query detecting %s", base)

	meta, block, ok := ParseMetadata(src)
	switch {
	case !ok:
		return Metadata{
			Name:        placeholderName,
			Description: fmt.Sprintf("A CodeQL query that detects %s.", base),
			ID:          defaultID,
		}
	case meta.Name == "":
		meta.Name = placeholderName
		meta.Description = strings.Join(strings.Fields(starPrefix.ReplaceAllString(block, " ")), " ")
		if meta.ID == "" {
			meta.ID = defaultID
		}
	default:
		if meta.Description == "" {
			meta.Description = meta.Name
		}
		if meta.ID == "" {
			meta.ID = defaultID
		}
	}
	return meta
}
