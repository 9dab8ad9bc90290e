// Package template maps certificate roles to subject names and ordered X.509
// extension sets. A Template is pure data: a list of extension descriptors
// per role. Templates are kept in a Registry and resolved by (name, role).
package template

import (
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// ErrUnsupportedRole is the sentinel matched by *UnsupportedRoleError.
var ErrUnsupportedRole = errors.New("unsupported certificate role")

// Role is the kind of certificate being issued.
type Role string

const (
	RoleCA     Role = "ca"
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// UnsupportedRoleError reports a (template, role) pair with no definition.
type UnsupportedRoleError struct {
	Template string
	Role     Role
}

func (e *UnsupportedRoleError) Error() string {
	return fmt.Sprintf("type not supported: template %q has no role %q", e.Template, e.Role)
}

func (e *UnsupportedRoleError) Is(target error) bool {
	return target == ErrUnsupportedRole
}

// Template is a named policy selecting the extensions of each role.
type Template struct {
	Name        string
	Description string
	Roles       map[Role][]Descriptor
}

// Validate checks that t has a name, at least one role, and well-formed
// descriptors.
func (t *Template) Validate() error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("%w: template without name", ErrInvalidDescriptor)
	}
	if len(t.Roles) == 0 {
		return fmt.Errorf("%w: template %q defines no roles", ErrInvalidDescriptor, t.Name)
	}
	for role, descs := range t.Roles {
		seen := make(map[string]bool, len(descs))
		for _, d := range descs {
			if d == nil {
				return fmt.Errorf("%w: %s/%s has a nil descriptor", ErrInvalidDescriptor, t.Name, role)
			}
			oid := d.OID().String()
			if seen[oid] {
				return fmt.Errorf("%w: %s/%s repeats extension %s", ErrInvalidDescriptor, t.Name, role, d.Name())
			}
			seen[oid] = true
			if aki, ok := d.(AuthorityKeyIdentifier); ok {
				if err := aki.validate(); err != nil {
					return fmt.Errorf("%s/%s: %w", t.Name, role, err)
				}
			}
		}
	}
	return nil
}

// Registry holds templates keyed by name. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry returns a registry containing the given templates.
func NewRegistry(templates ...*Template) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template)}
	for _, t := range templates {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a new registry holding the built-in vpn, ssl and
// mdm templates.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(VPN(), SSL(), MDM())
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds t, replacing any template of the same name.
func (r *Registry) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	roles := make(map[Role][]Descriptor, len(t.Roles))
	for role, descs := range t.Roles {
		roles[role] = slices.Clone(descs)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = &Template{Name: t.Name, Description: t.Description, Roles: roles}
	return nil
}

// Has reports whether a template called name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[name]
	return ok
}

// Names returns the registered template names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Roles returns the roles defined by template name, sorted.
func (r *Registry) Roles(name string) ([]Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, &UnsupportedRoleError{Template: name}
	}
	roles := make([]Role, 0, len(t.Roles))
	for role := range t.Roles {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	return roles, nil
}

// Lookup returns the ordered descriptors for (name, role).
func (r *Registry) Lookup(name string, role Role) ([]Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, &UnsupportedRoleError{Template: name, Role: role}
	}
	descs, ok := t.Roles[role]
	if !ok {
		return nil, &UnsupportedRoleError{Template: name, Role: role}
	}
	return slices.Clone(descs), nil
}

// ExtensionsFor encodes the extensions of (name, role) in template order.
func (r *Registry) ExtensionsFor(name string, role Role, ctx Context) ([]pkix.Extension, error) {
	descs, err := r.Lookup(name, role)
	if err != nil {
		return nil, err
	}
	return Encode(descs, ctx)
}

// Encode encodes descs in order.
func Encode(descs []Descriptor, ctx Context) ([]pkix.Extension, error) {
	exts := make([]pkix.Extension, 0, len(descs))
	for _, d := range descs {
		ext, err := d.Extension(ctx)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", d.Name(), err)
		}
		exts = append(exts, ext)
	}
	return exts, nil
}
