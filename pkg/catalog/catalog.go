// Package catalog reads the stream catalog that selects objects and fields
// for replication.
package catalog

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/json"
	"gopkg.in/yaml.v3"
)

// Field inclusion values.
const (
	InclusionAutomatic   = "automatic"
	InclusionAvailable   = "available"
	InclusionUnsupported = "unsupported"
)

// Metadata is one breadcrumb's metadata. The empty breadcrumb describes the stream.
type Metadata struct {
	Selected           *bool    `json:"selected,omitempty" yaml:"selected,omitempty"`
	SelectedByDefault  *bool    `json:"selected-by-default,omitempty" yaml:"selected-by-default,omitempty"`
	Inclusion          string   `json:"inclusion,omitempty" yaml:"inclusion,omitempty"`
	ReplicationKey     string   `json:"replication-key,omitempty" yaml:"replication-key,omitempty"`
	ReplicationMethod  string   `json:"replication-method,omitempty" yaml:"replication-method,omitempty"`
	TableKeyProperties []string `json:"table-key-properties,omitempty" yaml:"table-key-properties,omitempty"`
}

// MetadataEntry pairs a breadcrumb with its metadata.
type MetadataEntry struct {
	Breadcrumb []string `json:"breadcrumb" yaml:"breadcrumb"`
	Metadata   Metadata `json:"metadata" yaml:"metadata"`
}

// Stream is one replicable object.
type Stream struct {
	TapStreamID   string          `json:"tap_stream_id" yaml:"tap_stream_id"`
	Stream        string          `json:"stream" yaml:"stream"`
	Schema        *Schema         `json:"schema" yaml:"schema"`
	Metadata      []MetadataEntry `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	KeyProperties []string        `json:"key_properties,omitempty" yaml:"key_properties,omitempty"`
	// ReplicationKeyName is the legacy top-level replication key.
	ReplicationKeyName string `json:"replication_key,omitempty" yaml:"replication_key,omitempty"`
}

// Catalog is the set of streams offered to the tap.
type Catalog struct {
	Streams []*Stream `json:"streams" yaml:"streams"`
}

// Name returns the stream identifier used in messages and bookmarks.
func (s *Stream) Name() string {
	if s.TapStreamID != "" {
		return s.TapStreamID
	}
	return s.Stream
}

// Object returns the Salesforce object queried for this stream.
func (s *Stream) Object() string {
	if s.Stream != "" {
		return s.Stream
	}
	return s.TapStreamID
}

func (s *Stream) root() *Metadata {
	return s.field(nil)
}

func (s *Stream) field(breadcrumb []string) *Metadata {
	for i := range s.Metadata {
		if equalBreadcrumb(s.Metadata[i].Breadcrumb, breadcrumb) {
			return &s.Metadata[i].Metadata
		}
	}
	return nil
}

func equalBreadcrumb(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Selected reports whether the stream is selected for replication.
func (s *Stream) Selected() bool {
	md := s.root()
	return md != nil && md.Selected != nil && *md.Selected
}

// PrimaryKey returns the stream's single-column key, or "" if it has none.
func (s *Stream) PrimaryKey() string {
	if md := s.root(); md != nil && len(md.TableKeyProperties) > 0 {
		return md.TableKeyProperties[0]
	}
	if len(s.KeyProperties) > 0 {
		return s.KeyProperties[0]
	}
	return ""
}

// KeyPropertyNames returns all key properties for the SCHEMA message.
func (s *Stream) KeyPropertyNames() []string {
	if md := s.root(); md != nil && len(md.TableKeyProperties) > 0 {
		return md.TableKeyProperties
	}
	return s.KeyProperties
}

// ReplicationKey returns the replication key, or "" for full-table streams.
func (s *Stream) ReplicationKey() string {
	if md := s.root(); md != nil && md.ReplicationKey != "" {
		return md.ReplicationKey
	}
	return s.ReplicationKeyName
}

// Incremental reports whether the stream has a replication key.
func (s *Stream) Incremental() bool {
	return s.ReplicationKey() != ""
}

// FieldSchema returns the schema of one property.
func (s *Stream) FieldSchema(name string) *Schema {
	if s.Schema == nil {
		return nil
	}
	return s.Schema.Properties[name]
}

// SelectedFields returns the sorted list of fields to query. Automatic fields,
// the primary key and the replication key are always included; unsupported
// fields never are. A field without an explicit selection follows
// selectByDefault unless its metadata disables it by default.
func (s *Stream) SelectedFields(selectByDefault bool) []string {
	if s.Schema == nil {
		return nil
	}
	pk, rk := s.PrimaryKey(), s.ReplicationKey()

	fields := make([]string, 0, len(s.Schema.Properties))
	for name := range s.Schema.Properties {
		if s.fieldSelected(name, pk, rk, selectByDefault) {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

func (s *Stream) fieldSelected(name, pk, rk string, selectByDefault bool) bool {
	if name == pk || name == rk {
		return true
	}
	md := s.field([]string{"properties", name})
	if md == nil {
		return selectByDefault
	}
	switch md.Inclusion {
	case InclusionAutomatic:
		return true
	case InclusionUnsupported:
		return false
	}
	if md.Selected != nil {
		return *md.Selected
	}
	if md.SelectedByDefault != nil && !*md.SelectedByDefault {
		return false
	}
	return selectByDefault
}

// SelectedSchema returns a copy of the schema restricted to fields.
func (s *Stream) SelectedSchema(fields []string) *Schema {
	out := &Schema{Type: TypeList{TypeObject}, Properties: make(map[string]*Schema, len(fields))}
	if s.Schema != nil {
		out.Type = s.Schema.Type
		out.AdditionalProperties = s.Schema.AdditionalProperties
	}
	for _, f := range fields {
		if fs := s.FieldSchema(f); fs != nil {
			out.Properties[f] = fs
		}
	}
	return out
}

// SelectedStreams returns selected streams in catalog order.
func (c *Catalog) SelectedStreams() []*Stream {
	var out []*Stream
	for _, s := range c.Streams {
		if s.Selected() {
			out = append(out, s)
		}
	}
	return out
}

// Stream looks up a stream by name.
func (c *Catalog) Stream(name string) (*Stream, bool) {
	for _, s := range c.Streams {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Load reads a catalog file; YAML is chosen by extension, JSON otherwise.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "opening catalog").WithDetail("path", path)
	}
	defer f.Close()

	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	return Parse(f, format)
}

// Parse decodes a catalog in the given format ("json" or "yaml").
func Parse(r io.Reader, format string) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "reading catalog")
	}

	var c Catalog
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, &c)
	default:
		err = json.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "decoding catalog")
	}

	for i, s := range c.Streams {
		if s == nil || s.Name() == "" {
			return nil, errors.Newf(errors.ErrorTypeConfig, "catalog stream %d has no tap_stream_id", i)
		}
	}
	return &c, nil
}
