package staging

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Value kinds a mapped column accepts.
const (
	KindText   = "text"
	KindNumber = "number"
)

// MapRule routes one field-path prefix to a domain table. Three-segment
// paths (prefix.<key>.<column>) address a named column; two-segment paths
// (prefix.<key>) write to the rule's single value column.
type MapRule struct {
	Prefix      string            `yaml:"prefix"`
	Table       string            `yaml:"table"`
	KeyColumn   string            `yaml:"key_column"`
	Columns     map[string]string `yaml:"columns,omitempty"`
	ValueColumn string            `yaml:"value_column,omitempty"`
	ValueKind   string            `yaml:"value_kind,omitempty"`
}

// FieldMap is the static field-path→table/column configuration the commit
// engine consults. It is a reviewable artifact, loaded once at startup,
// never inferred at runtime.
type FieldMap struct {
	Rules []MapRule `yaml:"rules"`
}

// Target is a resolved write destination for one field path.
type Target struct {
	Table     string
	KeyColumn string
	Key       string
	Column    string
	Kind      string
}

// LoadFieldMap parses a YAML field map.
func LoadFieldMap(r io.Reader) (*FieldMap, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("staging: read field map: %w", err)
	}
	var m FieldMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("staging: parse field map: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DefaultFieldMap covers the built-in domain tables.
func DefaultFieldMap() *FieldMap {
	return &FieldMap{Rules: []MapRule{
		{
			Prefix:    "unit",
			Table:     "units",
			KeyColumn: "unit_no",
			Columns: map[string]string{
				"tenant":      KindText,
				"rent":        KindNumber,
				"status":      KindText,
				"lease_start": KindText,
				"lease_end":   KindText,
				"sqft":        KindNumber,
			},
		},
		{
			Prefix:    "expense",
			Table:     "expenses",
			KeyColumn: "category",
			Columns: map[string]string{
				"annual_amount": KindNumber,
			},
		},
		{
			Prefix:      "property",
			Table:       "property_facts",
			KeyColumn:   "field",
			ValueColumn: "value",
			ValueKind:   KindText,
		},
	}}
}

func (m *FieldMap) validate() error {
	for i, r := range m.Rules {
		if r.Prefix == "" || r.Table == "" || r.KeyColumn == "" {
			return fmt.Errorf("staging: field map rule %d: prefix, table, key_column required", i)
		}
		if len(r.Columns) == 0 && r.ValueColumn == "" {
			return fmt.Errorf("staging: field map rule %d (%s): columns or value_column required", i, r.Prefix)
		}
		if _, ok := tableSpecs[r.Table]; !ok {
			return fmt.Errorf("staging: field map rule %d: unknown table %q", i, r.Table)
		}
	}
	return nil
}

// Resolve maps a dotted field path to its write target.
func (m *FieldMap) Resolve(fieldPath string) (*Target, error) {
	segs := strings.Split(fieldPath, ".")
	if len(segs) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrUnmappedField, fieldPath)
	}

	for _, r := range m.Rules {
		if segs[0] != r.Prefix {
			continue
		}
		if r.ValueColumn != "" {
			// prefix.<key>; keys may themselves contain dots.
			kind := r.ValueKind
			if kind == "" {
				kind = KindText
			}
			return &Target{
				Table:     r.Table,
				KeyColumn: r.KeyColumn,
				Key:       strings.Join(segs[1:], "."),
				Column:    r.ValueColumn,
				Kind:      kind,
			}, nil
		}

		if len(segs) < 3 {
			return nil, fmt.Errorf("%w: %q needs a column segment", ErrUnmappedField, fieldPath)
		}
		col := segs[len(segs)-1]
		kind, ok := r.Columns[col]
		if !ok {
			return nil, fmt.Errorf("%w: %q has no column %q", ErrUnmappedField, fieldPath, col)
		}
		return &Target{
			Table:     r.Table,
			KeyColumn: r.KeyColumn,
			Key:       strings.Join(segs[1:len(segs)-1], "."),
			Column:    col,
			Kind:      kind,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnmappedField, fieldPath)
}
