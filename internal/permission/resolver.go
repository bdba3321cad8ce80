package permission

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRole is returned when a role has no configured capability set.
var ErrUnknownRole = errors.New("unknown role")

// Built-in role names.
const (
	RoleOwner        = "owner"
	RoleCollaborator = "collaborator"
	RoleVisitor      = "visitor"
)

// rolesFile is the on-disk layout of a roles YAML file.
type rolesFile struct {
	Visitor string                       `yaml:"visitor"`
	Roles   map[string]map[string]string `yaml:"roles"`
}

// Resolver maps role names to capability sets.
// A Resolver is immutable after construction and safe for concurrent use.
type Resolver struct {
	roles   map[string]Set
	visitor Set
}

// NewResolver creates a Resolver from role definitions.
//
// Precondition: visitorRole must be empty or name a role in roles.
// Postcondition: Returns a Resolver whose visitor set is roles[visitorRole], or Visitor() when visitorRole is empty.
func NewResolver(roles map[string]map[string]string, visitorRole string) (*Resolver, error) {
	r := &Resolver{
		roles:   make(map[string]Set, len(roles)),
		visitor: Visitor(),
	}
	for name, values := range roles {
		if name == "" {
			return nil, errors.New("role name must not be empty")
		}
		r.roles[name] = NewSet(values)
	}
	if visitorRole != "" {
		set, ok := r.roles[visitorRole]
		if !ok {
			return nil, fmt.Errorf("visitor role %q: %w", visitorRole, ErrUnknownRole)
		}
		r.visitor = set
	}
	return r, nil
}

// DefaultResolver returns a Resolver with the built-in owner, collaborator and visitor roles.
func DefaultResolver() *Resolver {
	visitor := Visitor().Values()
	r, err := NewResolver(map[string]map[string]string{
		RoleOwner: {
			KeyFS:            "rw",
			KeyServerExclude: "",
			KeyClientExclude: "",
		},
		RoleCollaborator: {
			KeyFS:            "rw",
			KeyServerExclude: "shell",
			KeyClientExclude: "ext/terminal/terminal",
		},
		RoleVisitor: visitor,
	}, RoleVisitor)
	if err != nil {
		panic(fmt.Sprintf("building default resolver: %v", err))
	}
	return r
}

// LoadResolver reads role definitions from a YAML file of the form:
//
//	visitor: visitor
//	roles:
//	  owner: {fs: rw}
//	  visitor: {fs: r, server_exclude: "*"}
//
// Precondition: path must name a readable YAML file.
// Postcondition: Returns a Resolver or a non-nil error.
func LoadResolver(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roles file %s: %w", path, err)
	}
	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing roles file %s: %w", path, err)
	}
	if len(f.Roles) == 0 {
		return nil, fmt.Errorf("roles file %s defines no roles", path)
	}
	return NewResolver(f.Roles, f.Visitor)
}

// Resolve returns the capability set for role.
//
// Postcondition: Returns the set, or an error wrapping ErrUnknownRole.
func (r *Resolver) Resolve(role string) (Set, error) {
	set, ok := r.roles[role]
	if !ok {
		return Set{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return set, nil
}

// Visitor returns the set used for identities without a session.
func (r *Resolver) Visitor() Set {
	return r.visitor
}

// Roles returns the configured role names in sorted order.
func (r *Resolver) Roles() []string {
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
