// Package storage contains the tuple store contract and its implementations.
package storage

import (
	"context"
	"time"

	"github.com/planhub/rebac/pkg/tuple"
)

// DefaultChangePageSize bounds ReadChanges when the caller passes no limit.
const DefaultChangePageSize = 50

// ReadFilter constrains a ReadDirect call. Any subset of fields may be set;
// unset fields match everything. The tenant is carried separately and is
// mandatory.
type ReadFilter struct {
	Subject  *tuple.Subject
	Relation string
	Object   *tuple.Object
}

// ReverseFilter constrains a ReadStartingWithSubject call: tuples whose
// subject key is in SubjectKeys, whose relation is in Relations (empty means
// any), anchored to objects of ObjectType.
type ReverseFilter struct {
	SubjectKeys []string
	Relations   []string
	ObjectType  string
}

// ChangeOp discriminates changelog entries.
type ChangeOp string

const (
	ChangeWrite  ChangeOp = "write"
	ChangeDelete ChangeOp = "delete"
)

// Change is one changelog entry: a tuple write or delete within a tenant.
// Entries are ordered by ULID.
type Change struct {
	ULID      string
	Op        ChangeOp
	Tuple     tuple.RelationTuple
	Timestamp time.Time
}

// TupleStore is the durable, tenant-partitioned store of relationship facts.
// It holds no policy logic. Every call requires a tenant id; implementations
// must reject a missing tenant rather than defaulting to global scope.
type TupleStore interface {
	// Write upserts a tuple. The uniqueness key is
	// (tenant, subject, relation, object); writing the same key again
	// replaces metadata, condition and expiry rather than duplicating the
	// fact. actor is recorded as the tuple's CreatedBy when set.
	Write(ctx context.Context, t *tuple.RelationTuple, actor string) error

	// Delete removes a tuple by its uniqueness key, reporting whether a
	// tuple existed.
	Delete(ctx context.Context, tenantID string, subject tuple.Subject, relation string, object tuple.Object) (bool, error)

	// ReadDirect returns the tuples matching the filter. Expired tuples are
	// never returned.
	ReadDirect(ctx context.Context, tenantID string, filter ReadFilter) ([]*tuple.RelationTuple, error)

	// ReadReverse returns the tuples anchored to object, optionally
	// restricted to one relation. This is the object-side index used for
	// userset resolution and invalidation.
	ReadReverse(ctx context.Context, tenantID string, object tuple.Object, relation string) ([]*tuple.RelationTuple, error)

	// ReadStartingWithSubject is the subject-side reverse read used by
	// expand: tuples whose subject is one of the given keys, filtered by
	// relation set and object type.
	ReadStartingWithSubject(ctx context.Context, tenantID string, filter ReverseFilter) ([]*tuple.RelationTuple, error)

	// ReadChanges returns up to limit changelog entries for the tenant,
	// newest last, optionally restricted to an object type. A non-positive
	// limit uses DefaultChangePageSize.
	ReadChanges(ctx context.Context, tenantID string, objectType string, limit int) ([]Change, error)

	// SweepExpired removes tuples whose own TTL has passed, returning how
	// many were removed.
	SweepExpired(ctx context.Context) (int, error)

	// IsReady reports whether the store can accept traffic.
	IsReady(ctx context.Context) (bool, error)

	// Close releases any resources held by the store.
	Close()
}
