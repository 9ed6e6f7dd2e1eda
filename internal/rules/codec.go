package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument is returned when a rule document fails validation.
var ErrInvalidDocument = errors.New("rules: invalid rule document")

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "rules.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("failed to add rule schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Format is a rule document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFor picks the encoding from a file extension; unknown extensions are YAML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Decode parses a rule document, validates it against the rule schema and
// checks every rule. All formats are normalized through JSON so a single
// schema and a single set of struct tags serve them.
func Decode(data []byte, format Format) (*Document, error) {
	var raw any
	switch format {
	case FormatTOML:
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("failed to decode TOML: %w", err)
		}
		raw = m
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode YAML: %w", err)
		}
	}
	if raw == nil {
		raw = map[string]any{"rules": []any{}}
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize rule document: %w", err)
	}
	var instance any
	if err := json.Unmarshal(normalized, &instance); err != nil {
		return nil, fmt.Errorf("failed to normalize rule document: %w", err)
	}

	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if verr := s.Validate(instance); verr != nil {
		// Schema errors name the path but not the offending value; prefer
		// the semantic check when it can say what was wrong.
		var doc Document
		if json.Unmarshal(normalized, &doc) == nil {
			if err := doc.Validate(); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, verr)
	}

	var doc Document
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode rule document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Encode renders a rule document in the given format.
func Encode(doc *Document, format Format) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule document: %w", err)
	}
	if format == FormatJSON {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	}

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to encode rule document: %w", err)
	}
	if format == FormatTOML {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(generic); err != nil {
			return nil, fmt.Errorf("failed to encode TOML: %w", err)
		}
		return buf.Bytes(), nil
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode YAML: %w", err)
	}
	return out, nil
}

// Validate checks rule semantics and id uniqueness.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Rules))
	for _, r := range d.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		if r.ID == "" {
			continue
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidDocument, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}
