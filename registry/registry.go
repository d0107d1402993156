// Package registry wires config sections to constructors. A section is a
// JSON object whose "name" field selects the implementation; the remaining
// fields are that implementation's parameters. Packages register their
// constructors from init, so importing a package is what makes its names
// available.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Section is a raw config block with a "name" discriminator.
type Section struct {
	Name string
	raw  json.RawMessage
}

func (s *Section) UnmarshalJSON(data []byte) error {
	var head struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Name == "" {
		return fmt.Errorf("config section missing \"name\"")
	}

	s.Name = head.Name
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s Section) MarshalJSON() ([]byte, error) {
	if s.raw == nil {
		return json.Marshal(map[string]string{"name": s.Name})
	}
	return s.raw, nil
}

// Decode unmarshals the section parameters into v. Unknown fields are an
// error so typos in configs fail loudly instead of silently using defaults.
func (s Section) Decode(v any) error {
	var fields map[string]json.RawMessage
	if s.raw != nil {
		if err := json.Unmarshal(s.raw, &fields); err != nil {
			return err
		}
	}
	delete(fields, "name")

	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("section %q: %w", s.Name, err)
	}
	return nil
}

// SectionFor builds a Section in code, for defaults and tests.
func SectionFor(name string, params any) (Section, error) {
	fields := map[string]any{"name": name}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Section{}, err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return Section{}, err
		}
		for k, v := range m {
			fields[k] = v
		}
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return Section{}, err
	}
	return Section{Name: name, raw: raw}, nil
}

// Registry maps section names to constructors for one kind of component.
// A is whatever the constructors need beyond the section itself (vocabs,
// parameter groups, dataset handles); kinds with no dependencies use
// struct{}.
type Registry[A, T any] struct {
	kind  string
	ctors map[string]func(Section, A) (T, error)
}

func New[A, T any](kind string) *Registry[A, T] {
	return &Registry[A, T]{
		kind:  kind,
		ctors: make(map[string]func(Section, A) (T, error)),
	}
}

// Register adds a constructor. Registering the same name twice is a
// programming error and panics.
func (r *Registry[A, T]) Register(name string, f func(Section, A) (T, error)) {
	if _, ok := r.ctors[name]; ok {
		panic(fmt.Sprintf("registry: %s %q already registered", r.kind, name))
	}
	r.ctors[name] = f
}

// Construct builds the component the section names.
func (r *Registry[A, T]) Construct(s Section, arg A) (T, error) {
	f, ok := r.ctors[s.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unknown name %q (have %v)", r.kind, s.Name, r.Names())
	}
	return f(s, arg)
}

func (r *Registry[A, T]) Names() []string {
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
