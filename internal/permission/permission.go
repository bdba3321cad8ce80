// Package permission models the immutable capability sets attached to a user
// session and resolves them from named roles.
package permission

import (
	"maps"
	"strings"
)

// Well-known capability keys.
const (
	// KeyFS is the workspace filesystem access mode, "rw" or "r".
	KeyFS = "fs"
	// KeyServerExclude lists server-side scopes, separated by "|", whose
	// broadcasts the holder must not receive. "*" excludes every scope.
	KeyServerExclude = "server_exclude"
	// KeyClientExclude lists client plugins withheld from the holder.
	KeyClientExclude = "client_exclude"
	// KeyClientInclude lists client plugins added for the holder.
	KeyClientInclude = "client_include"
)

// Set is an immutable bag of capability strings.
// The zero value is an empty set with no capabilities.
type Set struct {
	values map[string]string
}

// NewSet builds a Set from the given capability map.
//
// Postcondition: The returned Set holds its own copy; later changes to values are not observed.
func NewSet(values map[string]string) Set {
	return Set{values: maps.Clone(values)}
}

// Visitor returns the fixed capability set granted to identities without a session.
//
// Postcondition: Returns a non-empty, read-only Set.
func Visitor() Set {
	return NewSet(map[string]string{
		KeyFS:            "r",
		KeyServerExclude: "shell|terminal|git",
		KeyClientExclude: "ext/save/save|ext/newresource/newresource|ext/terminal/terminal",
	})
}

// Get returns the value stored under key, or the empty string.
func (s Set) Get(key string) string {
	return s.values[key]
}

// Values returns a copy of the underlying capability map.
func (s Set) Values() map[string]string {
	out := make(map[string]string, len(s.values))
	maps.Copy(out, s.values)
	return out
}

// ReadOnly reports whether the holder lacks write access to the workspace.
func (s Set) ReadOnly() bool {
	return s.values[KeyFS] != "rw"
}

// Excludes reports whether broadcasts tagged with scope must skip the holder.
//
// Postcondition: Returns false for an empty scope.
func (s Set) Excludes(scope string) bool {
	if scope == "" {
		return false
	}
	raw := s.values[KeyServerExclude]
	if raw == "*" {
		return true
	}
	for _, item := range strings.Split(raw, "|") {
		if strings.TrimSpace(item) == scope {
			return true
		}
	}
	return false
}

// Equal reports whether s and o hold exactly the same capabilities.
func (s Set) Equal(o Set) bool {
	return maps.Equal(s.values, o.values)
}
