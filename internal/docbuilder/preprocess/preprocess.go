// Package preprocess implements configurable transformation stages applied
// to raw upstream issues before field extraction.
package preprocess

import (
	"fmt"
	"strings"
)

// Spec configures one preprocessor instance.
type Spec struct {
	Name     string
	Type     string
	Settings map[string]any
}

// Preprocessor transforms one raw issue document. Implementations must not
// retain the document across calls.
type Preprocessor interface {
	Name() string
	Apply(projectKey string, doc map[string]any) (map[string]any, error)
}

// Factory builds a preprocessor instance from its settings.
type Factory func(name string, settings map[string]any) (Preprocessor, error)

// Registry maps preprocessor type names to factories. It is constructed by
// the host and passed down; there is no process-global registry.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in preprocessor types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("add_value", newAddValue)
	r.Register("remove_value", newRemoveValue)
	r.Register("map_value", newMapValue)
	r.Register("trim", newTrim)
	return r
}

// Register adds a factory for a type name, replacing any previous one.
func (r *Registry) Register(typeName string, factory Factory) {
	r.factories[typeName] = factory
}

// Build instantiates the preprocessor described by spec.
func (r *Registry) Build(spec Spec) (Preprocessor, error) {
	factory, ok := r.factories[spec.Type]
	if !ok {
		return nil, fmt.Errorf("unknown preprocessor type %q (name %q)", spec.Type, spec.Name)
	}
	p, err := factory(spec.Name, spec.Settings)
	if err != nil {
		return nil, fmt.Errorf("preprocessor %q: %w", spec.Name, err)
	}
	return p, nil
}

func stringSetting(settings map[string]any, key string) (string, error) {
	v, ok := settings[key]
	if !ok {
		return "", fmt.Errorf("missing setting %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("setting %q must be a non-empty string", key)
	}
	return s, nil
}

// addValue sets a field to a constant value, overwriting any existing one.
type addValue struct {
	name  string
	field string
	value any
}

func newAddValue(name string, settings map[string]any) (Preprocessor, error) {
	field, err := stringSetting(settings, "field")
	if err != nil {
		return nil, err
	}
	value, ok := settings["value"]
	if !ok {
		return nil, fmt.Errorf("missing setting %q", "value")
	}
	return &addValue{name: name, field: field, value: value}, nil
}

func (p *addValue) Name() string { return p.name }

func (p *addValue) Apply(_ string, doc map[string]any) (map[string]any, error) {
	doc[p.field] = p.value
	return doc, nil
}

// removeValue deletes a field.
type removeValue struct {
	name  string
	field string
}

func newRemoveValue(name string, settings map[string]any) (Preprocessor, error) {
	field, err := stringSetting(settings, "field")
	if err != nil {
		return nil, err
	}
	return &removeValue{name: name, field: field}, nil
}

func (p *removeValue) Name() string { return p.name }

func (p *removeValue) Apply(_ string, doc map[string]any) (map[string]any, error) {
	delete(doc, p.field)
	return doc, nil
}

// mapValue replaces a field's value through a lookup table, with an optional
// default for unmapped values.
type mapValue struct {
	name       string
	field      string
	mapping    map[string]any
	defaultVal any
	hasDefault bool
}

func newMapValue(name string, settings map[string]any) (Preprocessor, error) {
	field, err := stringSetting(settings, "field")
	if err != nil {
		return nil, err
	}
	raw, ok := settings["mapping"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("setting %q must be a non-empty mapping", "mapping")
	}
	p := &mapValue{name: name, field: field, mapping: raw}
	if def, ok := settings["default"]; ok {
		p.defaultVal = def
		p.hasDefault = true
	}
	return p, nil
}

func (p *mapValue) Name() string { return p.name }

func (p *mapValue) Apply(_ string, doc map[string]any) (map[string]any, error) {
	current, ok := doc[p.field].(string)
	if !ok {
		return doc, nil
	}
	if mapped, ok := p.mapping[current]; ok {
		doc[p.field] = mapped
	} else if p.hasDefault {
		doc[p.field] = p.defaultVal
	}
	return doc, nil
}

// trim trims whitespace from a string field and drops it when empty.
type trim struct {
	name  string
	field string
}

func newTrim(name string, settings map[string]any) (Preprocessor, error) {
	field, err := stringSetting(settings, "field")
	if err != nil {
		return nil, err
	}
	return &trim{name: name, field: field}, nil
}

func (p *trim) Name() string { return p.name }

func (p *trim) Apply(_ string, doc map[string]any) (map[string]any, error) {
	s, ok := doc[p.field].(string)
	if !ok {
		return doc, nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		delete(doc, p.field)
	} else {
		doc[p.field] = s
	}
	return doc, nil
}
