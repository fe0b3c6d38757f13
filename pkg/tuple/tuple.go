// Package tuple contains the relationship tuple model and helpers to
// manipulate and validate tuples.
package tuple

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Source records the provenance of a tuple.
type Source string

const (
	// SourceSystem marks tuples written by auto-tuple hooks in response to
	// domain events.
	SourceSystem Source = "system"

	// SourceManual marks tuples granted explicitly by an administrator.
	SourceManual Source = "manual"
)

var (
	idRegex       = regexp.MustCompile(`^[^:#\s]+$`)
	relationRegex = regexp.MustCompile(`^[^:#@\s]+$`)
)

// Object identifies a resource a relation is anchored to, e.g. project:roadmap.
type Object struct {
	Type string
	ID   string
}

// NewObject returns the Object for the given type and id.
func NewObject(objectType, id string) Object {
	return Object{Type: objectType, ID: id}
}

// Key returns the canonical key of the object, in the form 'type:id'.
func (o Object) Key() string {
	return o.Type + ":" + o.ID
}

func (o Object) String() string {
	return o.Key()
}

// IsZero reports whether the object is entirely unset.
func (o Object) IsZero() bool {
	return o.Type == "" && o.ID == ""
}

// Valid reports whether both the type and id are well formed.
func (o Object) Valid() bool {
	return idRegex.MatchString(o.Type) && idRegex.MatchString(o.ID)
}

// ParseObject parses a 'type:id' key into an Object.
func ParseObject(key string) (Object, error) {
	i := strings.IndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return Object{}, fmt.Errorf("invalid object key %q", key)
	}
	obj := Object{Type: key[:i], ID: key[i+1:]}
	if !obj.Valid() {
		return Object{}, fmt.Errorf("invalid object key %q", key)
	}
	return obj, nil
}

// SubjectKind discriminates the two subject variants.
type SubjectKind int

const (
	// SubjectDirect is a concrete principal, e.g. user:anne.
	SubjectDirect SubjectKind = iota

	// SubjectUserset refers to every subject holding a relation on another
	// object, e.g. team:eng#member.
	SubjectUserset
)

// Subject is either a concrete principal or a userset reference. The zero
// value is an invalid direct subject.
type Subject struct {
	kind     SubjectKind
	object   Object
	relation string
}

// NewDirectSubject returns a Subject for a concrete principal.
func NewDirectSubject(subjectType, id string) Subject {
	return Subject{kind: SubjectDirect, object: Object{Type: subjectType, ID: id}}
}

// NewUsersetSubject returns a Subject meaning "every holder of relation on object".
func NewUsersetSubject(object Object, relation string) Subject {
	return Subject{kind: SubjectUserset, object: object, relation: relation}
}

// Kind returns the subject variant.
func (s Subject) Kind() SubjectKind {
	return s.kind
}

// Object returns the subject's object: the principal itself for a direct
// subject, the referenced object for a userset.
func (s Subject) Object() Object {
	return s.object
}

// Relation returns the userset relation. It is empty for direct subjects.
func (s Subject) Relation() string {
	return s.relation
}

// IsUserset reports whether the subject is a userset reference.
func (s Subject) IsUserset() bool {
	return s.kind == SubjectUserset
}

// Key returns the canonical key of the subject: 'type:id' for direct
// subjects, 'type:id#relation' for usersets.
func (s Subject) Key() string {
	if s.kind == SubjectUserset {
		return s.object.Key() + "#" + s.relation
	}
	return s.object.Key()
}

func (s Subject) String() string {
	return s.Key()
}

// Valid reports whether the subject's components are well formed.
func (s Subject) Valid() bool {
	if !s.object.Valid() {
		return false
	}
	if s.kind == SubjectUserset {
		return relationRegex.MatchString(s.relation)
	}
	return s.relation == ""
}

// ParseSubject parses a subject key. A key containing '#' yields a userset
// subject, otherwise a direct one.
func ParseSubject(key string) (Subject, error) {
	if i := strings.LastIndexByte(key, '#'); i >= 0 {
		obj, err := ParseObject(key[:i])
		if err != nil {
			return Subject{}, fmt.Errorf("invalid subject key %q", key)
		}
		sub := NewUsersetSubject(obj, key[i+1:])
		if !sub.Valid() {
			return Subject{}, fmt.Errorf("invalid subject key %q", key)
		}
		return sub, nil
	}

	obj, err := ParseObject(key)
	if err != nil {
		return Subject{}, fmt.Errorf("invalid subject key %q", key)
	}
	return Subject{kind: SubjectDirect, object: obj}, nil
}

// IsValidRelation reports whether s is a well-formed relation name: no ':',
// '#', '@' or whitespace.
func IsValidRelation(s string) bool {
	return relationRegex.MatchString(s)
}

// RelationTuple is a stored relationship fact: subject has relation to object
// within a tenant.
type RelationTuple struct {
	TenantID string
	Subject  Subject
	Relation string
	Object   Object

	Source   Source
	Metadata Metadata

	// Condition optionally narrows when the tuple is active. It is evaluated
	// at check time.
	Condition *Condition

	CreatedAt time.Time
	CreatedBy string

	// ExpiresAt bounds the lifetime of the fact itself, independent of any
	// cache TTL. Nil means the tuple never expires.
	ExpiresAt *time.Time
}

// Key returns the uniqueness key of the tuple within its tenant, in the form
// 'object#relation@subject'.
func (t *RelationTuple) Key() string {
	return ToTupleKey(t.Object, t.Relation, t.Subject)
}

// Expired reports whether the tuple's own TTL has passed at the given time.
func (t *RelationTuple) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// Validate checks the tuple's shape before it touches storage.
func (t *RelationTuple) Validate() error {
	if t.TenantID == "" {
		return ErrMissingTenant
	}
	if !t.Subject.Valid() {
		return fmt.Errorf("%w: subject %q", ErrInvalidTuple, t.Subject.Key())
	}
	if !IsValidRelation(t.Relation) {
		return fmt.Errorf("%w: relation %q", ErrInvalidTuple, t.Relation)
	}
	if !t.Object.Valid() {
		return fmt.Errorf("%w: object %q", ErrInvalidTuple, t.Object.Key())
	}
	return nil
}

// ToTupleKey formats a tuple uniqueness key in a stable way.
func ToTupleKey(object Object, relation string, subject Subject) string {
	return fmt.Sprintf("%s#%s@%s", object.Key(), relation, subject.Key())
}

// Condition is an attribute-based predicate attached to a tuple. Expression
// is a CEL expression over the tuple's stored context merged with the
// caller-provided request context.
type Condition struct {
	Expression string
	Context    Metadata
}
