package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/planhub/rebac/pkg/storage"
	"github.com/planhub/rebac/pkg/storage/test"
	"github.com/planhub/rebac/pkg/tuple"
)

func TestMemoryTupleStore(t *testing.T) {
	ds := New()
	defer ds.Close()
	test.RunAllTests(t, ds)
}

func TestChangelogRingIsBounded(t *testing.T) {
	ds := New(WithMaxChangesPerTenant(3))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tup := &tuple.RelationTuple{
			TenantID: "acme",
			Subject:  tuple.NewDirectSubject("user", id),
			Relation: "viewer",
			Object:   tuple.NewObject("doc", id),
		}
		require.NoError(t, ds.Write(ctx, tup, ""))
	}

	changes, err := ds.ReadChanges(ctx, "acme", "", 100)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	require.Equal(t, "doc:e", changes[2].Tuple.Object.Key())
}

func TestSweepExpiredUsesClock(t *testing.T) {
	now := time.Now()
	ds := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	expiry := now.Add(time.Minute)
	tup := &tuple.RelationTuple{
		TenantID:  "acme",
		Subject:   tuple.NewDirectSubject("user", "anne"),
		Relation:  "viewer",
		Object:    tuple.NewObject("doc", "d1"),
		ExpiresAt: &expiry,
	}
	require.NoError(t, ds.Write(ctx, tup, ""))

	removed, err := ds.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	now = now.Add(2 * time.Minute)

	got, err := ds.ReadDirect(ctx, "acme", storage.ReadFilter{})
	require.NoError(t, err)
	require.Empty(t, got)

	removed, err = ds.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestConcurrentWritesAndReads(t *testing.T) {
	ds := New()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			tup := &tuple.RelationTuple{
				TenantID: "acme",
				Subject:  tuple.NewDirectSubject("user", "anne"),
				Relation: "viewer",
				Object:   tuple.NewObject("doc", "d1"),
			}
			require.NoError(t, ds.Write(ctx, tup, ""))
		}
	}()

	for i := 0; i < 100; i++ {
		_, err := ds.ReadDirect(ctx, "acme", storage.ReadFilter{})
		require.NoError(t, err)
	}
	<-done

	got, err := ds.ReadDirect(ctx, "acme", storage.ReadFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}
