// Package schema holds the permission mapping: which relations satisfy a
// permission, and which relations imply one another. The mapping is
// configuration, loaded once per tenant schema version and immutable for the
// lifetime of a request.
package schema

import (
	"errors"
	"fmt"
	"sort"

	"github.com/planhub/rebac/pkg/tuple"
)

var (
	// ErrUnknownPermission is returned when a permission name is not present
	// in the mapping. Callers must be able to tell "not allowed" from
	// "misconfigured", so this is an error, not a deny.
	ErrUnknownPermission = errors.New("unknown permission")

	// ErrInvalidSchema is returned when the mapping itself is malformed.
	ErrInvalidSchema = errors.New("invalid permission schema")
)

// Config is the serializable form of a permission mapping.
type Config struct {
	// Permissions maps a permission name to the relations that satisfy it
	// directly, e.g. "view" -> ["viewer"].
	Permissions map[string][]string `mapstructure:"permissions"`

	// Implications maps a relation to the relations it grants, e.g.
	// "owner" -> ["editor"], "editor" -> ["viewer"]. Holding the key relation
	// counts as holding every implied relation.
	Implications map[string][]string `mapstructure:"implications"`
}

// PermissionMap is a compiled permission mapping. The implication closure is
// computed once at load, so check-time resolution is a single lookup and
// traversal depth stays bounded by the static rewrite graph, not by data.
type PermissionMap struct {
	// relations satisfying each permission, closed over implications.
	satisfying map[string][]string

	// per relation: the relations whose holders also hold it (the relation
	// itself plus everything upstream in the implication graph).
	satisfiedBy map[string][]string

	// per relation: the relations its holders are granted (the relation
	// itself plus everything downstream).
	grants map[string][]string
}

// New compiles a Config into a PermissionMap. The implication graph is
// expected to be acyclic by convention, but a cycle must not hang the load:
// closure computation carries a visited set.
func New(cfg Config) (*PermissionMap, error) {
	if len(cfg.Permissions) == 0 {
		return nil, fmt.Errorf("%w: no permissions defined", ErrInvalidSchema)
	}

	for relation, grants := range cfg.Implications {
		if !tuple.IsValidRelation(relation) {
			return nil, fmt.Errorf("%w: relation %q", ErrInvalidSchema, relation)
		}
		for _, granted := range grants {
			if !tuple.IsValidRelation(granted) {
				return nil, fmt.Errorf("%w: relation %q implied by %q", ErrInvalidSchema, granted, relation)
			}
		}
	}

	// Reverse the implication edges: if owner grants editor, then any
	// permission satisfied by editor is also satisfied by owner.
	impliedBy := make(map[string][]string, len(cfg.Implications))
	relationSet := make(map[string]struct{})
	for relation, grants := range cfg.Implications {
		relationSet[relation] = struct{}{}
		for _, granted := range grants {
			relationSet[granted] = struct{}{}
			impliedBy[granted] = append(impliedBy[granted], relation)
		}
	}
	for _, direct := range cfg.Permissions {
		for _, relation := range direct {
			relationSet[relation] = struct{}{}
		}
	}

	satisfying := make(map[string][]string, len(cfg.Permissions))
	for permission, direct := range cfg.Permissions {
		if permission == "" {
			return nil, fmt.Errorf("%w: empty permission name", ErrInvalidSchema)
		}

		seen := make(map[string]struct{}, len(direct))
		frontier := make([]string, 0, len(direct))
		for _, relation := range direct {
			if !tuple.IsValidRelation(relation) {
				return nil, fmt.Errorf("%w: relation %q for permission %q", ErrInvalidSchema, relation, permission)
			}
			if _, ok := seen[relation]; !ok {
				seen[relation] = struct{}{}
				frontier = append(frontier, relation)
			}
		}

		for len(frontier) > 0 {
			relation := frontier[0]
			frontier = frontier[1:]
			for _, upstream := range impliedBy[relation] {
				if _, ok := seen[upstream]; ok {
					continue
				}
				seen[upstream] = struct{}{}
				frontier = append(frontier, upstream)
			}
		}

		closed := make([]string, 0, len(seen))
		for relation := range seen {
			closed = append(closed, relation)
		}
		sort.Strings(closed)
		satisfying[permission] = closed
	}

	satisfiedBy := make(map[string][]string, len(relationSet))
	grants := make(map[string][]string, len(relationSet))
	for relation := range relationSet {
		satisfiedBy[relation] = closure(relation, impliedBy)
		grants[relation] = closure(relation, cfg.Implications)
	}

	return &PermissionMap{
		satisfying:  satisfying,
		satisfiedBy: satisfiedBy,
		grants:      grants,
	}, nil
}

// closure walks edges from start, visited-set guarded so a cyclic graph
// terminates, and returns the reachable set including start, sorted.
func closure(start string, edges map[string][]string) []string {
	seen := map[string]struct{}{start: {}}
	frontier := []string{start}
	for len(frontier) > 0 {
		relation := frontier[0]
		frontier = frontier[1:]
		for _, next := range edges[relation] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			frontier = append(frontier, next)
		}
	}

	out := make([]string, 0, len(seen))
	for relation := range seen {
		out = append(out, relation)
	}
	sort.Strings(out)
	return out
}

// MustNew is like New but panics on an invalid config. Intended for fixtures.
func MustNew(cfg Config) *PermissionMap {
	m, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return m
}

// RelationsFor returns the full set of relations that satisfy the permission,
// in stable sorted order. An unknown permission is an error.
func (m *PermissionMap) RelationsFor(permission string) ([]string, error) {
	relations, ok := m.satisfying[permission]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPermission, permission)
	}
	return relations, nil
}

// HasPermission reports whether the permission exists in the mapping.
func (m *PermissionMap) HasPermission(permission string) bool {
	_, ok := m.satisfying[permission]
	return ok
}

// SatisfyingRelations returns the relations whose holders satisfy the target
// relation: the relation itself plus every relation that implies it,
// transitively. A relation absent from the mapping satisfies only itself.
func (m *PermissionMap) SatisfyingRelations(relation string) []string {
	if closed, ok := m.satisfiedBy[relation]; ok {
		return closed
	}
	return []string{relation}
}

// ImpliedRelations returns the relations granted by holding relation: the
// relation itself plus everything downstream in the implication graph.
func (m *PermissionMap) ImpliedRelations(relation string) []string {
	if closed, ok := m.grants[relation]; ok {
		return closed
	}
	return []string{relation}
}

// Permissions returns every permission name in the mapping, sorted.
func (m *PermissionMap) Permissions() []string {
	out := make([]string, 0, len(m.satisfying))
	for permission := range m.satisfying {
		out = append(out, permission)
	}
	sort.Strings(out)
	return out
}
