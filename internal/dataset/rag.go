package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Columns of the module documentation table.
const (
	ColImportPath  = "import_path"
	ColSectionType = "section_type"
	ColEntityName  = "entity_name"
)

// ErrMissingColumn is returned when the module table lacks a required column.
var ErrMissingColumn = errors.New("missing column")

// Fragment is one knowledge-base entry: an entity documented under a
// section of an importable CodeQL module.
type Fragment struct {
	ImportPath  string `json:"import_path"`
	SectionType string `json:"section_type"`
	Entity      string `json:"entity"`
}

func (f Fragment) blank() bool {
	return f.ImportPath == "" && f.SectionType == "" && f.Entity == ""
}

func (f Fragment) complete() bool {
	return f.ImportPath != "" && f.SectionType != "" && f.Entity != ""
}

// ReadModuleTable reads a CSV module table. Rows with every field blank are
// skipped; entity_name is optional.
func ReadModuleTable(r io.Reader) ([]Fragment, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty table", ErrMissingColumn)
		}
		return nil, err
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, col := range []string{ColImportPath, ColSectionType} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	field := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []Fragment
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		f := Fragment{
			ImportPath:  field(rec, ColImportPath),
			SectionType: field(rec, ColSectionType),
			Entity:      field(rec, ColEntityName),
		}
		if f.blank() {
			continue
		}
		out = append(out, f)
	}
}

// ReadModuleTableFile is ReadModuleTable on a file.
func ReadModuleTableFile(path string) ([]Fragment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	frags, err := ReadModuleTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frags, nil
}

// ModuleIndex maps import path to section type to the entities documented
// there.
type ModuleIndex map[string]map[string][]string

// Index groups fragments by module and section. Fragments missing any field
// are skipped and each entity is listed once per section, in first-seen
// order.
func Index(frags []Fragment) ModuleIndex {
	idx := ModuleIndex{}
	for _, f := range frags {
		if !f.complete() {
			continue
		}
		sections, ok := idx[f.ImportPath]
		if !ok {
			sections = map[string][]string{}
			idx[f.ImportPath] = sections
		}
		if !slices.Contains(sections[f.SectionType], f.Entity) {
			sections[f.SectionType] = append(sections[f.SectionType], f.Entity)
		}
	}
	return idx
}

// WriteIndex writes m as indented JSON with HTML characters unescaped.
func WriteIndex(path string, m ModuleIndex) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Entities is the number of indexed entities.
func (m ModuleIndex) Entities() int {
	n := 0
	for _, sections := range m {
		for _, ents := range sections {
			n += len(ents)
		}
	}
	return n
}
