package source

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehr/ehr-etl/internal/domain/entity"
)

//go:embed mapping.yaml
var defaultMappingYAML []byte

// Dataset describes one raw input and how its fields map onto canonical
// field names.
type Dataset struct {
	Name   string      `yaml:"name"`
	Kind   Kind        `yaml:"kind"`
	System string      `yaml:"system"`
	Entity entity.Type `yaml:"entity"`
	// Path is relative to the input directory unless absolute.
	Path string `yaml:"path"`
	// Table names the relational table to read.
	Table string `yaml:"table,omitempty"`
	// Root names the object key holding the element array of a document
	// whose top level is an object rather than an array.
	Root   string              `yaml:"root,omitempty"`
	Fields map[string][]string `yaml:"fields"`
}

// Mapping is the full field-mapping table.
type Mapping struct {
	Version  int       `yaml:"version"`
	Datasets []Dataset `yaml:"datasets"`
}

// DefaultMapping returns the built-in mapping table.
func DefaultMapping() (*Mapping, error) {
	return ParseMapping(defaultMappingYAML)
}

// LoadMapping reads a mapping table from path. An empty path yields the
// built-in table.
func LoadMapping(path string) (*Mapping, error) {
	if path == "" {
		return DefaultMapping()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping %s: %w", path, err)
	}
	return ParseMapping(data)
}

// ParseMapping decodes and validates a YAML mapping table.
func ParseMapping(data []byte) (*Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every dataset is complete and that each entity type
// has a single owning system.
func (m *Mapping) Validate() error {
	if len(m.Datasets) == 0 {
		return fmt.Errorf("mapping has no datasets")
	}
	names := map[string]bool{}
	owners := map[entity.Type]string{}
	for i, ds := range m.Datasets {
		if ds.Name == "" {
			return fmt.Errorf("dataset %d: name is required", i)
		}
		if names[ds.Name] {
			return fmt.Errorf("dataset %s: duplicate name", ds.Name)
		}
		names[ds.Name] = true
		switch ds.Kind {
		case KindTabular, KindDocument:
		case KindRelational:
			if ds.Table == "" {
				return fmt.Errorf("dataset %s: table is required for relational sources", ds.Name)
			}
		default:
			return fmt.Errorf("dataset %s: unknown kind %q", ds.Name, ds.Kind)
		}
		if !ds.Entity.Valid() {
			return fmt.Errorf("dataset %s: unknown entity %q", ds.Name, ds.Entity)
		}
		if ds.System == "" {
			return fmt.Errorf("dataset %s: system is required", ds.Name)
		}
		if ds.Path == "" {
			return fmt.Errorf("dataset %s: path is required", ds.Name)
		}
		if len(ds.Fields) == 0 {
			return fmt.Errorf("dataset %s: no fields mapped", ds.Name)
		}
		if prev, ok := owners[ds.Entity]; ok && prev != ds.System {
			return fmt.Errorf("dataset %s: %s already owned by system %s", ds.Name, ds.Entity, prev)
		}
		owners[ds.Entity] = ds.System
	}
	return nil
}

// Owners maps each entity type to the system whose natural keys identify it.
func (m *Mapping) Owners() map[entity.Type]string {
	owners := make(map[entity.Type]string, len(m.Datasets))
	for _, ds := range m.Datasets {
		owners[ds.Entity] = ds.System
	}
	return owners
}

// Candidate is a raw record projected onto canonical field names.
type Candidate struct {
	Origin Origin
	Values map[string]string
	// Err carries the decode failure of a placeholder record.
	Err error
}

// Project reads every mapped canonical field from r. Source fields are tried
// in order; the first present value wins.
func (ds Dataset) Project(r Record) Candidate {
	c := Candidate{Origin: r.Origin(), Err: r.Err()}
	if c.Err != nil {
		return c
	}
	c.Values = make(map[string]string, len(ds.Fields))
	for canonical, candidates := range ds.Fields {
		for _, f := range candidates {
			if v, ok := r.Lookup(f); ok {
				c.Values[canonical] = v
				break
			}
		}
	}
	return c
}
