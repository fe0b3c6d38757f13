// Package memory provides an ephemeral, memory-backed tuple store. Instances
// may be safely shared by multiple goroutines.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/planhub/rebac/pkg/storage"
	"github.com/planhub/rebac/pkg/tuple"
)

var tracer = otel.Tracer("rebac/pkg/storage/memory")

const defaultMaxChangesPerTenant = 1000

// StorageOption configures a TupleStore instance.
type StorageOption func(*TupleStore)

// WithMaxChangesPerTenant bounds the per-tenant changelog ring.
func WithMaxChangesPerTenant(n int) StorageOption {
	return func(s *TupleStore) { s.maxChanges = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StorageOption {
	return func(s *TupleStore) { s.now = now }
}

// TupleStore is a tenant-partitioned in-memory implementation of
// [storage.TupleStore].
type TupleStore struct {
	maxChanges int
	now        func() time.Time

	// map: tenant id => tuples, insertion ordered. GUARDED_BY(mu).
	tuples map[string][]*tuple.RelationTuple

	// map: tenant id => changelog ring. GUARDED_BY(mu).
	changes map[string][]storage.Change

	mu sync.RWMutex
}

var _ storage.TupleStore = (*TupleStore)(nil)

// New creates an empty in-memory tuple store.
func New(opts ...StorageOption) *TupleStore {
	s := &TupleStore{
		maxChanges: defaultMaxChangesPerTenant,
		now:        time.Now,
		tuples:     make(map[string][]*tuple.RelationTuple),
		changes:    make(map[string][]storage.Change),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Write see [storage.TupleStore].Write.
func (s *TupleStore) Write(ctx context.Context, t *tuple.RelationTuple, actor string) error {
	_, span := tracer.Start(ctx, "memory.Write")
	defer span.End()

	if err := t.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	stored := *t
	stored.Metadata = t.Metadata.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if actor != "" {
		stored.CreatedBy = actor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := stored.Key()
	existing := s.tuples[stored.TenantID]
	idx := slices.IndexFunc(existing, func(cur *tuple.RelationTuple) bool {
		return cur.Key() == key
	})
	if idx >= 0 {
		// Upsert: keep the original creation stamp and author, replace the
		// rest.
		stored.CreatedAt = existing[idx].CreatedAt
		stored.CreatedBy = existing[idx].CreatedBy
		existing[idx] = &stored
	} else {
		s.tuples[stored.TenantID] = append(existing, &stored)
	}

	s.appendChangeLocked(stored.TenantID, storage.ChangeWrite, stored, now)
	return nil
}

// Delete see [storage.TupleStore].Delete.
func (s *TupleStore) Delete(ctx context.Context, tenantID string, subject tuple.Subject, relation string, object tuple.Object) (bool, error) {
	_, span := tracer.Start(ctx, "memory.Delete")
	defer span.End()

	if tenantID == "" {
		return false, tuple.ErrMissingTenant
	}

	key := tuple.ToTupleKey(object, relation, subject)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.tuples[tenantID]
	idx := slices.IndexFunc(existing, func(cur *tuple.RelationTuple) bool {
		return cur.Key() == key
	})
	if idx < 0 {
		return false, nil
	}

	deleted := *existing[idx]
	s.tuples[tenantID] = slices.Delete(existing, idx, idx+1)
	s.appendChangeLocked(tenantID, storage.ChangeDelete, deleted, s.now().UTC())
	return true, nil
}

// ReadDirect see [storage.TupleStore].ReadDirect.
func (s *TupleStore) ReadDirect(ctx context.Context, tenantID string, filter storage.ReadFilter) ([]*tuple.RelationTuple, error) {
	_, span := tracer.Start(ctx, "memory.ReadDirect")
	defer span.End()

	if tenantID == "" {
		return nil, tuple.ErrMissingTenant
	}

	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tuple.RelationTuple
	for _, cur := range s.tuples[tenantID] {
		if cur.Expired(now) {
			continue
		}
		if !matchDirect(cur, filter) {
			continue
		}
		cp := *cur
		out = append(out, &cp)
	}
	return out, nil
}

// ReadReverse see [storage.TupleStore].ReadReverse.
func (s *TupleStore) ReadReverse(ctx context.Context, tenantID string, object tuple.Object, relation string) ([]*tuple.RelationTuple, error) {
	_, span := tracer.Start(ctx, "memory.ReadReverse")
	defer span.End()

	obj := object
	return s.ReadDirect(ctx, tenantID, storage.ReadFilter{Object: &obj, Relation: relation})
}

// ReadStartingWithSubject see [storage.TupleStore].ReadStartingWithSubject.
func (s *TupleStore) ReadStartingWithSubject(ctx context.Context, tenantID string, filter storage.ReverseFilter) ([]*tuple.RelationTuple, error) {
	_, span := tracer.Start(ctx, "memory.ReadStartingWithSubject")
	defer span.End()

	if tenantID == "" {
		return nil, tuple.ErrMissingTenant
	}

	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tuple.RelationTuple
	for _, cur := range s.tuples[tenantID] {
		if cur.Expired(now) {
			continue
		}
		if filter.ObjectType != "" && cur.Object.Type != filter.ObjectType {
			continue
		}
		if len(filter.Relations) > 0 && !slices.Contains(filter.Relations, cur.Relation) {
			continue
		}
		if len(filter.SubjectKeys) > 0 && !slices.Contains(filter.SubjectKeys, cur.Subject.Key()) {
			continue
		}
		cp := *cur
		out = append(out, &cp)
	}
	return out, nil
}

// ReadChanges see [storage.TupleStore].ReadChanges.
func (s *TupleStore) ReadChanges(ctx context.Context, tenantID string, objectType string, limit int) ([]storage.Change, error) {
	_, span := tracer.Start(ctx, "memory.ReadChanges")
	defer span.End()

	if tenantID == "" {
		return nil, tuple.ErrMissingTenant
	}
	if limit <= 0 {
		limit = storage.DefaultChangePageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.Change
	for _, change := range s.changes[tenantID] {
		if objectType != "" && change.Tuple.Object.Type != objectType {
			continue
		}
		out = append(out, change)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SweepExpired see [storage.TupleStore].SweepExpired.
func (s *TupleStore) SweepExpired(ctx context.Context) (int, error) {
	_, span := tracer.Start(ctx, "memory.SweepExpired")
	defer span.End()

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for tenantID, tuples := range s.tuples {
		kept := tuples[:0]
		for _, cur := range tuples {
			if cur.Expired(now) {
				removed++
				s.appendChangeLocked(tenantID, storage.ChangeDelete, *cur, now.UTC())
				continue
			}
			kept = append(kept, cur)
		}
		s.tuples[tenantID] = kept
	}
	return removed, nil
}

// IsReady see [storage.TupleStore].IsReady.
func (s *TupleStore) IsReady(context.Context) (bool, error) {
	return true, nil
}

// Close does not do anything for the in-memory store.
func (s *TupleStore) Close() {}

func (s *TupleStore) appendChangeLocked(tenantID string, op storage.ChangeOp, t tuple.RelationTuple, now time.Time) {
	ring := append(s.changes[tenantID], storage.Change{
		ULID:      ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Op:        op,
		Tuple:     t,
		Timestamp: now,
	})
	if len(ring) > s.maxChanges {
		ring = ring[len(ring)-s.maxChanges:]
	}
	s.changes[tenantID] = ring
}

// matchDirect returns true if all set fields in the filter equal the same
// field of the tuple. Unset fields are ignored.
func matchDirect(t *tuple.RelationTuple, filter storage.ReadFilter) bool {
	if filter.Subject != nil && t.Subject.Key() != filter.Subject.Key() {
		return false
	}
	if filter.Relation != "" && t.Relation != filter.Relation {
		return false
	}
	if filter.Object != nil {
		if filter.Object.ID == "" {
			if t.Object.Type != filter.Object.Type {
				return false
			}
		} else if t.Object != *filter.Object {
			return false
		}
	}
	return true
}
