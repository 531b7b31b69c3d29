package catalog

import (
	"bytes"
	"fmt"

	"github.com/ajitpratap0/tap-salesforce/pkg/json"
	"gopkg.in/yaml.v3"
)

// JSON Schema type names used in stream schemas.
const (
	TypeNull    = "null"
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// TypeList is a JSON Schema "type", written either as a string or an array.
type TypeList []string

// UnmarshalJSON accepts "string" as well as ["null","string"].
func (t *TypeList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*t = TypeList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("schema type must be a string or an array of strings: %w", err)
	}
	*t = many
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence.
func (t *TypeList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = TypeList{node.Value}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*t = many
		return nil
	default:
		return fmt.Errorf("line %d: schema type must be a string or a list", node.Line)
	}
}

// Schema is the subset of JSON Schema the tap reads and re-emits.
type Schema struct {
	Type       TypeList           `json:"type,omitempty" yaml:"type,omitempty"`
	Format     string             `json:"format,omitempty" yaml:"format,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Items      *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	AnyOf      []*Schema          `json:"anyOf,omitempty" yaml:"anyOf,omitempty"`
	MaxLength  *int               `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`

	AdditionalProperties *bool `json:"additionalProperties,omitempty" yaml:"additionalProperties,omitempty"`
}

// Has reports whether t is one of the schema's types.
func (s *Schema) Has(t string) bool {
	if s == nil {
		return false
	}
	for _, v := range s.Type {
		if v == t {
			return true
		}
	}
	return false
}

// Nullable reports whether the schema admits null.
func (s *Schema) Nullable() bool {
	if s == nil {
		return true
	}
	if s.Has(TypeNull) {
		return true
	}
	for _, alt := range s.AnyOf {
		if alt.Nullable() {
			return true
		}
	}
	return false
}

// IsAny reports whether the schema declares no concrete type.
func (s *Schema) IsAny() bool {
	if s == nil {
		return true
	}
	for _, t := range s.Type {
		if t != TypeNull {
			return false
		}
	}
	return len(s.AnyOf) == 0
}

// IsDateTime reports whether the schema is a date-time string.
func (s *Schema) IsDateTime() bool {
	return s != nil && s.Format == "date-time"
}
