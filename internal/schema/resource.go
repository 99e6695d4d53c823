// Package schema describes resources and the on-disk document format.
//
// The store does not interpret property values. A resource only declares
// which named properties exist, which of them are required, their defaults
// and which are indexed by external collaborators.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

const (
	// LayerProperty is implicitly declared on every resource.
	LayerProperty = "layer"
	// DeletedLayer in the layer property marks a tombstoned document.
	DeletedLayer = "deleted"
	// GUIDProperty may be supplied on create to choose the guid.
	GUIDProperty = "guid"
)

// Property declares one named property of a resource.
type Property struct {
	Name     string
	Required bool
	Default  json.RawMessage
	Indexed  bool
}

// Resource is a named collection of documents with a declared property set.
type Resource struct {
	Name       string
	Properties []Property
}

// Property looks up a declared property, including the implicit layer.
func (r Resource) Property(name string) (Property, bool) {
	if name == LayerProperty {
		return Property{Name: LayerProperty, Default: json.RawMessage(`[]`), Indexed: true}, true
	}
	for _, p := range r.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Validate checks the declaration itself.
func (r Resource) Validate() error {
	if !validName(r.Name) {
		return fmt.Errorf("invalid resource name %q", r.Name)
	}
	seen := make(map[string]bool, len(r.Properties))
	for _, p := range r.Properties {
		if !validName(p.Name) {
			return fmt.Errorf("resource %s: invalid property name %q", r.Name, p.Name)
		}
		if p.Name == LayerProperty || p.Name == GUIDProperty {
			return fmt.Errorf("resource %s: property %q is reserved", r.Name, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("resource %s: duplicate property %q", r.Name, p.Name)
		}
		if len(p.Default) > 0 && !json.Valid(p.Default) {
			return fmt.Errorf("resource %s: property %s has an invalid default", r.Name, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Provider supplies resource declarations.
type Provider interface {
	Resources() []Resource
	Resource(name string) (Resource, bool)
}

// Static is a fixed Provider.
type Static struct {
	byName map[string]Resource
	names  []string
}

// NewStatic validates and indexes the given resources.
func NewStatic(resources ...Resource) (*Static, error) {
	s := &Static{byName: make(map[string]Resource, len(resources))}
	for _, r := range resources {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byName[r.Name]; dup {
			return nil, fmt.Errorf("duplicate resource %q", r.Name)
		}
		s.byName[r.Name] = r
		s.names = append(s.names, r.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Resources returns every resource ordered by name.
func (s *Static) Resources() []Resource {
	out := make([]Resource, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.byName[name])
	}
	return out
}

// Resource looks up one resource.
func (s *Static) Resource(name string) (Resource, bool) {
	r, ok := s.byName[name]
	return r, ok
}

type schemaFile struct {
	Resource []struct {
		Name     string `toml:"name"`
		Property []struct {
			Name     string      `toml:"name"`
			Required bool        `toml:"required"`
			Indexed  bool        `toml:"indexed"`
			Default  interface{} `toml:"default"`
		} `toml:"property"`
	} `toml:"resource"`
}

// LoadFile reads resource declarations from a TOML file:
//
//	[[resource]]
//	name = "context"
//
//	  [[resource.property]]
//	  name = "title"
//	  required = true
//	  indexed = true
func LoadFile(path string) (*Static, error) {
	var f schemaFile
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("schema file %s: unknown key %s", path, undecoded[0])
	}

	resources := make([]Resource, 0, len(f.Resource))
	for _, fr := range f.Resource {
		r := Resource{Name: fr.Name}
		for _, fp := range fr.Property {
			p := Property{Name: fp.Name, Required: fp.Required, Indexed: fp.Indexed}
			if fp.Default != nil {
				p.Default, err = json.Marshal(fp.Default)
				if err != nil {
					return nil, fmt.Errorf("resource %s: property %s: bad default: %w", fr.Name, fp.Name, err)
				}
			}
			r.Properties = append(r.Properties, p)
		}
		resources = append(resources, r)
	}

	s, err := NewStatic(resources...)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return s, nil
}

func prop(name string, required, indexed bool, def string) Property {
	p := Property{Name: name, Required: required, Indexed: indexed}
	if def != "" {
		p.Default = json.RawMessage(def)
	}
	return p
}

// Default returns the built-in resources of a network node.
func Default() *Static {
	s, err := NewStatic(
		Resource{Name: "user", Properties: []Property{
			prop("name", true, true, ""),
			prop("color", false, false, `""`),
			prop("machine_sn", false, false, `""`),
			prop("machine_uuid", false, false, `""`),
			prop("pubkey", false, false, `""`),
		}},
		Resource{Name: "context", Properties: []Property{
			prop("type", true, true, ""),
			prop("title", true, true, ""),
			prop("summary", false, true, `""`),
			prop("description", false, true, `""`),
			prop("tags", false, true, `[]`),
			prop("author", false, false, `{}`),
			prop("rating", false, false, `[0,0]`),
		}},
		Resource{Name: "implementation", Properties: []Property{
			prop("context", true, true, ""),
			prop("license", false, false, `[]`),
			prop("version", true, true, ""),
			prop("stability", false, true, `"stable"`),
			prop("notes", false, false, `""`),
			prop("data", false, false, `{}`),
		}},
		Resource{Name: "post", Properties: []Property{
			prop("context", true, true, ""),
			prop("type", true, true, ""),
			prop("title", true, true, ""),
			prop("message", false, true, `""`),
			prop("topic", false, true, `""`),
		}},
		Resource{Name: "report", Properties: []Property{
			prop("context", true, true, ""),
			prop("implementation", false, true, `""`),
			prop("description", false, false, `""`),
			prop("error", false, false, `""`),
		}},
	)
	if err != nil {
		panic(err)
	}
	return s
}
