// Package refdata loads the static geographic-code to name table consumed
// by the Parser to render human-readable alert locations.
package refdata

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind distinguishes a county code from a forecast-zone code.
type Kind string

const (
	KindCounty Kind = "C"
	KindZone   Kind = "Z"
)

// Record is one bundled geographic-code entry.
type Record struct {
	Code  string `yaml:"code"`
	Name  string `yaml:"name"`
	State string `yaml:"state"`
	Kind  Kind   `yaml:"kind"`
}

// Table is the immutable, loaded-once lookup table.
type Table struct {
	byCode map[string]Record
}

// Load reads and parses the bundled YAML reference file. Errors here are
// fatal at startup; there is no live reload.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("refdata: read %s: %w", path, err)
	}

	var records []Record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("refdata: parse %s: %w", path, err)
	}

	t := &Table{byCode: make(map[string]Record, len(records))}
	for _, r := range records {
		t.byCode[strings.ToUpper(r.Code)] = r
	}
	return t, nil
}

// NewForTesting builds a Table directly from records, bypassing the file.
func NewForTesting(records []Record) *Table {
	t := &Table{byCode: make(map[string]Record, len(records))}
	for _, r := range records {
		t.byCode[strings.ToUpper(r.Code)] = r
	}
	return t
}

// Lookup returns the human name for a geographic code, if known.
func (t *Table) Lookup(code string) (string, bool) {
	r, ok := t.byCode[strings.ToUpper(code)]
	if !ok {
		return "", false
	}
	return r.Name, true
}

// Len reports how many records were loaded.
func (t *Table) Len() int { return len(t.byCode) }

// DisplayLocations renders codes to a deduplicated, order-preserved,
// semicolon-joined string of human names, falling back to the raw code
// when a name is unknown. Unlike Truncate, this never drops entries; the
// Store holds the full, untruncated list per spec invariant.
func (t *Table) DisplayLocations(codes []string) string {
	names := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		name, ok := t.Lookup(code)
		if !ok {
			name = code
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return strings.Join(names, "; ")
}

// Truncate applies the "first N names, then +K more" display convention.
// This is a pure formatting helper a subscriber calls; it is not applied
// by the Store or the Parser to the stored display_locations string.
func Truncate(displayLocations string, maxNames int) string {
	if maxNames <= 0 {
		return displayLocations
	}
	parts := strings.Split(displayLocations, "; ")
	if len(parts) <= maxNames {
		return displayLocations
	}
	kept := parts[:maxNames]
	overflow := len(parts) - maxNames
	return fmt.Sprintf("%s; +%d more", strings.Join(kept, "; "), overflow)
}

// States returns the sorted set of two-letter state codes present in the
// table, useful for validating FILTER_STATES at startup.
func (t *Table) States() []string {
	set := make(map[string]struct{})
	for _, r := range t.byCode {
		if r.State != "" {
			set[strings.ToUpper(r.State)] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
