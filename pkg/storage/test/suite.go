// Package test contains a conformance suite that every TupleStore
// implementation must pass.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/planhub/rebac/pkg/storage"
	"github.com/planhub/rebac/pkg/tuple"
)

// RunAllTests runs the TupleStore conformance suite against the given store.
// The store must start empty.
func RunAllTests(t *testing.T, ds storage.TupleStore) {
	t.Run("WriteAndReadDirect", func(t *testing.T) { testWriteAndReadDirect(t, ds) })
	t.Run("UpsertIsIdempotent", func(t *testing.T) { testUpsertIsIdempotent(t, ds) })
	t.Run("TenantRequired", func(t *testing.T) { testTenantRequired(t, ds) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, ds) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, ds) })
	t.Run("ReadReverse", func(t *testing.T) { testReadReverse(t, ds) })
	t.Run("ReadStartingWithSubject", func(t *testing.T) { testReadStartingWithSubject(t, ds) })
	t.Run("ExpiredTuplesAreInvisible", func(t *testing.T) { testExpiredTuplesAreInvisible(t, ds) })
	t.Run("Changelog", func(t *testing.T) { testChangelog(t, ds) })
}

func newTuple(tenant, subjectKey, relation, objectKey string) *tuple.RelationTuple {
	sub, err := tuple.ParseSubject(subjectKey)
	if err != nil {
		panic(err)
	}
	obj, err := tuple.ParseObject(objectKey)
	if err != nil {
		panic(err)
	}
	return &tuple.RelationTuple{
		TenantID: tenant,
		Subject:  sub,
		Relation: relation,
		Object:   obj,
		Source:   tuple.SourceManual,
	}
}

func testWriteAndReadDirect(t *testing.T, ds storage.TupleStore) {
	ctx := context.Background()

	tup := newTuple("tenant-rw", "user:anne", "owner", "org:acme")
	tup.Metadata = tuple.Metadata{"role": tuple.String("admin")}
	require.NoError(t, ds.Write(ctx, tup, "user:root"))

	sub := tup.Subject
	obj := tup.Object
	got, err := ds.ReadDirect(ctx, "tenant-rw", storage.ReadFilter{
		Subject:  &sub,
		Relation: "owner",
		Object:   &obj,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "owner", got[0].Relation)
	require.Equal(t, "user:root", got[0].CreatedBy)
	require.False(t, got[0].CreatedAt.IsZero())

	role, ok := got[0].Metadata["role"].StringVal()
	require.True(t, ok)
	require.Equal(t, "admin", role)

	// partial filters
	got, err = ds.ReadDirect(ctx, "tenant-rw", storage.ReadFilter{Relation: "owner"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = ds.ReadDirect(ctx, "tenant-rw", storage.ReadFilter{Relation: "viewer"})
	require.NoError(t, err)
	require.Empty(t, got)

	// malformed tuple is rejected before persistence
	bad := newTuple("tenant-rw", "user:anne", "owner", "org:acme")
	bad.Relation = "ow ner"
	require.ErrorIs(t, ds.Write(ctx, bad, ""), tuple.ErrInvalidTuple)
}

func testUpsertIsIdempotent(t *testing.T, ds storage.TupleStore) {
	ctx := context.Background()

	first := newTuple("tenant-upsert", "user:bob", "member", "org:acme")
	first.Metadata = tuple.Metadata{"role": tuple.String("member")}
	require.NoError(t, ds.Write(ctx, first, "user:root"))

	second := newTuple("tenant-upsert", "user:bob", "member", "org:acme")
	second.Metadata = tuple.Metadata{"role": tuple.String("admin")}
	require.NoError(t, ds.Write(ctx, second, "user:intruder"))

	got, err := ds.ReadDirect(ctx, "tenant-upsert", storage.ReadFilter{Relation: "member"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	role, _ := got[0].Metadata["role"].StringVal()
	require.Equal(t, "admin", role)

	// the original author survives an upsert by someone else
	require.Equal(t, "user:root", got[0].CreatedBy)
}

func testTenantRequired(t *testing.T, ds storage.TupleStore) {
	ctx := context.Background()

	tup := newTuple("", "user:anne", "owner", "org:acme")
	require.ErrorIs(t, ds.Write(ctx, tup, ""), tuple.ErrMissingTenant)

	_, err := ds.ReadDirect(ctx, "", storage.ReadFilter{})
	require.ErrorIs(t, err, tuple.ErrMissingTenant)

	_, err = ds.ReadReverse(ctx, "", tuple.NewObject("org", "acme"), "")
	require.ErrorIs(t, err, tuple.ErrMissingTenant)

	_, err = ds.ReadStartingWithSubject(ctx, "", storage.ReverseFilter{})
	require.ErrorIs(t, err, tuple.ErrMissingTenant)

	_, err = ds.Delete(ctx, "", tup.Subject, "owner", tup.Object)
	require.ErrorIs(t, err, tuple.ErrMissingTenant)

	_, err = ds.ReadChanges(ctx, "", "", 0)
	require.ErrorIs(t, err, tuple.ErrMissingTenant)
}

func testTenantIsolation(t *testing.T, ds storage.TupleStore) {
	ctx := context.Background()

	require.NoError(t, ds.Write(ctx, newTuple("tenant-a", "user:anne", "owner", "org:acme"), ""))

	got, err := ds.ReadDirect(ctx, "tenant-b", storage.ReadFilter{})
	require.NoError(t, err)
	require.Empty(t, got)
}

func testDelete(t *testing.T, ds storage.TupleStore) {
	ctx := context.Background()

	tup := newTuple("tenant-del", "user:anne", "viewer", "project:p1")
	require.NoError(t, ds.Write(ctx, tup, ""))

	existed, err := ds.Delete(ctx, "tenant-del", tup.Subject, "viewer", tup.Object)
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = ds.Delete(ctx, "tenant-del", tup.Subject, "viewer", tup.Object)
	require.NoError(t, err)
	require.False(t, existed)

	got, err := ds.ReadDirect(ctx, "tenant-del", storage.ReadFilter{})
	require.NoError(t, err)
	require.Empty(t, got)
}

func testReadReverse(t *testing.T, ds storage.TupleStore) {
	ctx := context.Background()

	require.NoError(t, ds.Write(ctx, newTuple("tenant-rev", "user:anne", "viewer", "doc:d1"), ""))
	require.NoError(t, ds.Write(ctx, newTuple("tenant-rev", "team:eng#member", "viewer", "doc:d1"), ""))
	require.NoError(t, ds.Write(ctx, newTuple("tenant-rev", "user:bob", "editor", "doc:d1"), ""))
	require.NoError(t, ds.Write(ctx, newTuple("tenant-rev", "user:bob", "viewer", "doc:d2"), ""))

	got, err := ds.ReadReverse(ctx, "tenant-rev", tuple.NewObject("doc", "d1"), "")
	require.NoError(t, err)
	require.Len(t, got, 3)

	got, err = ds.ReadReverse(ctx, "tenant-rev", tuple.NewObject("doc", "d1"), "viewer")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func testReadStartingWithSubject(t *testing.T, ds storage.TupleStore) {
	ctx := context.Background()

	require.NoError(t, ds.Write(ctx, newTuple("tenant-sws", "user:anne", "viewer", "doc:d1"), ""))
	require.NoError(t, ds.Write(ctx, newTuple("tenant-sws", "user:anne", "editor", "doc:d2"), ""))
	require.NoError(t, ds.Write(ctx, newTuple("tenant-sws", "team:eng#member", "viewer", "doc:d3"), ""))
	require.NoError(t, ds.Write(ctx, newTuple("tenant-sws", "user:anne", "viewer", "folder:f1"), ""))

	got, err := ds.ReadStartingWithSubject(ctx, "tenant-sws", storage.ReverseFilter{
		SubjectKeys: []string{"user:anne", "team:eng#member"},
		Relations:   []string{"viewer"},
		ObjectType:  "doc",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = ds.ReadStartingWithSubject(ctx, "tenant-sws", storage.ReverseFilter{
		SubjectKeys: []string{"user:anne"},
		ObjectType:  "doc",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func testExpiredTuplesAreInvisible(t *testing.T, ds storage.TupleStore) {
	ctx := context.Background()

	expired := newTuple("tenant-exp", "user:anne", "viewer", "doc:gone")
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, ds.Write(ctx, expired, ""))

	live := newTuple("tenant-exp", "user:anne", "viewer", "doc:kept")
	future := time.Now().Add(time.Hour)
	live.ExpiresAt = &future
	require.NoError(t, ds.Write(ctx, live, ""))

	got, err := ds.ReadDirect(ctx, "tenant-exp", storage.ReadFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "doc:kept", got[0].Object.Key())

	removed, err := ds.SweepExpired(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, removed, 1)
}

func testChangelog(t *testing.T, ds storage.TupleStore) {
	ctx := context.Background()

	tup := newTuple("tenant-log", "user:anne", "owner", "org:acme")
	require.NoError(t, ds.Write(ctx, tup, ""))

	existed, err := ds.Delete(ctx, "tenant-log", tup.Subject, "owner", tup.Object)
	require.NoError(t, err)
	require.True(t, existed)

	changes, err := ds.ReadChanges(ctx, "tenant-log", "", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, storage.ChangeWrite, changes[0].Op)
	require.Equal(t, storage.ChangeDelete, changes[1].Op)
	require.NotEmpty(t, changes[0].ULID)

	changes, err = ds.ReadChanges(ctx, "tenant-log", "project", 0)
	require.NoError(t, err)
	require.Empty(t, changes)

	changes, err = ds.ReadChanges(ctx, "tenant-log", "", 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, storage.ChangeDelete, changes[0].Op)
}
