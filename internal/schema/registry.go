package schema

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrCycle       = errors.New("authorization graph contains a cycle")
	ErrUnreachable = errors.New("model does not reach the root model")
	ErrNoRoot      = errors.New("exactly one root model is required")
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Registry is the static table of model descriptors. It is built and validated once;
// every lookup afterwards is a map access.
type Registry struct {
	models   map[string]*Model
	ordered  []*Model
	root     *Model
	paths    map[string][]*Model
	validate *validator.Validate
}

// NewRegistry validates the definitions and the ownership graph they form.
// Every non-root model must reach the root through parent links, and cycles are rejected.
func NewRegistry(defs ...Model) (*Registry, error) {
	r := &Registry{
		models:   make(map[string]*Model, len(defs)),
		paths:    make(map[string][]*Model, len(defs)),
		validate: validator.New(),
	}

	declared := make([]*Model, 0, len(defs))
	tables := make(map[string]string, len(defs))
	for i := range defs {
		m := defs[i]
		if err := prepare(&m); err != nil {
			return nil, err
		}
		if _, dup := r.models[m.Name]; dup {
			return nil, fmt.Errorf("model %s declared twice", m.Name)
		}
		if other, dup := tables[strings.ToLower(m.Table)]; dup {
			return nil, fmt.Errorf("models %s and %s share table %s", other, m.Name, m.Table)
		}
		tables[strings.ToLower(m.Table)] = m.Name
		if m.Root {
			if r.root != nil {
				return nil, fmt.Errorf("%w: %s and %s are both root", ErrNoRoot, r.root.Name, m.Name)
			}
			r.root = &m
		}
		r.models[m.Name] = &m
		declared = append(declared, &m)
	}
	if r.root == nil {
		return nil, ErrNoRoot
	}

	for _, m := range declared {
		if err := r.checkParent(m); err != nil {
			return nil, err
		}
	}
	if err := r.checkGraph(declared); err != nil {
		return nil, err
	}

	for _, m := range declared {
		path := []*Model{m}
		for cur := m; !cur.Root; {
			cur = r.models[cur.Parent.Model]
			path = append(path, cur)
		}
		r.paths[m.Name] = path
	}

	// Parents first, so tables can be created in order.
	r.ordered = slices.Clone(declared)
	slices.SortStableFunc(r.ordered, func(a, b *Model) int {
		return len(r.paths[a.Name]) - len(r.paths[b.Name])
	})

	return r, nil
}

func prepare(m *Model) error {
	if !identPattern.MatchString(m.Name) {
		return fmt.Errorf("invalid model name %q", m.Name)
	}
	if m.Table == "" {
		m.Table = strings.ToLower(m.Name)
	}
	if !identPattern.MatchString(m.Table) {
		return fmt.Errorf("model %s: invalid table name %q", m.Name, m.Table)
	}
	if len(m.Fields) == 0 {
		return fmt.Errorf("model %s has no fields", m.Name)
	}

	m.fields = make(map[string]Field, len(m.Fields))
	for _, f := range m.Fields {
		if !identPattern.MatchString(f.Name) {
			return fmt.Errorf("model %s: invalid field name %q", m.Name, f.Name)
		}
		if !f.Type.valid() {
			return fmt.Errorf("model %s: field %s has unknown type %q", m.Name, f.Name, f.Type)
		}
		if _, dup := m.fields[f.Name]; dup {
			return fmt.Errorf("model %s: field %s declared twice", m.Name, f.Name)
		}
		m.fields[f.Name] = f
	}

	if len(m.PrimaryKey) == 0 {
		return fmt.Errorf("model %s has no primary key", m.Name)
	}
	m.keyed = make(map[string]bool)
	for _, k := range m.PrimaryKey {
		f, ok := m.fields[k]
		if !ok {
			return fmt.Errorf("model %s: primary key field %s is not declared", m.Name, k)
		}
		if f.Type != TypeString && f.Type != TypeInteger {
			return fmt.Errorf("model %s: primary key field %s must be string or integer", m.Name, k)
		}
		m.keyed[k] = true
	}

	if m.Root {
		if m.Parent != nil {
			return fmt.Errorf("root model %s cannot have a parent", m.Name)
		}
		if len(m.PrimaryKey) != 1 || m.fields[m.PrimaryKey[0]].Type != TypeString {
			return fmt.Errorf("root model %s must have a single string primary key", m.Name)
		}
		return nil
	}

	if m.Parent == nil {
		return fmt.Errorf("%w: %s has no parent", ErrUnreachable, m.Name)
	}
	for _, pf := range m.Parent.Fields {
		if _, ok := m.fields[pf]; !ok {
			return fmt.Errorf("model %s: parent field %s is not declared", m.Name, pf)
		}
		m.keyed[pf] = true
	}
	return nil
}

func (r *Registry) checkParent(m *Model) error {
	if m.Root {
		return nil
	}
	parent, ok := r.models[m.Parent.Model]
	if !ok {
		return fmt.Errorf("%w: %s references unknown parent %s", ErrUnreachable, m.Name, m.Parent.Model)
	}
	if len(m.Parent.Fields) != len(parent.PrimaryKey) {
		return fmt.Errorf("model %s: %d parent fields for %s, whose key has %d",
			m.Name, len(m.Parent.Fields), parent.Name, len(parent.PrimaryKey))
	}
	return nil
}

// checkGraph walks parent links with three-colour marking. A grey node reached
// again closes a cycle.
func (r *Registry) checkGraph(declared []*Model) error {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(declared))

	for _, start := range declared {
		if colour[start.Name] == black {
			continue
		}
		var trail []string
		cur := start
		for {
			switch colour[cur.Name] {
			case grey:
				i := slices.Index(trail, cur.Name)
				cycle := append(slices.Clone(trail[i:]), cur.Name)
				return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
			case black:
			default:
				colour[cur.Name] = grey
				trail = append(trail, cur.Name)
				if !cur.Root {
					cur = r.models[cur.Parent.Model]
					continue
				}
			}
			break
		}
		for _, name := range trail {
			colour[name] = black
		}
	}
	return nil
}

// Model looks up a descriptor by name
func (r *Registry) Model(name string) (*Model, bool) {
	m, ok := r.models[name]
	return m, ok
}

func (r *Registry) Root() *Model {
	return r.root
}

// Models returns every descriptor, parents before children
func (r *Registry) Models() []*Model {
	return r.ordered
}

// AuthPath returns the ownership chain from the named model up to and including the root
func (r *Registry) AuthPath(name string) []*Model {
	return r.paths[name]
}

// SetValidator installs a custom validation hook. Call it during startup only.
func (r *Registry) SetValidator(model string, fn CustomValidator) error {
	m, ok := r.models[model]
	if !ok {
		return fmt.Errorf("unknown model %s", model)
	}
	m.Validate = fn
	return nil
}
