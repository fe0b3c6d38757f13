package cache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/planhub/rebac/pkg/tuple"
)

func checkCtx(tenant, subjectKey, permission, objectKey string) CheckContext {
	sub, err := tuple.ParseSubject(subjectKey)
	if err != nil {
		panic(err)
	}
	obj, err := tuple.ParseObject(objectKey)
	if err != nil {
		panic(err)
	}
	return CheckContext{TenantID: tenant, Subject: sub, Permission: permission, Object: obj}
}

func expandCtx(tenant, subjectKey, permission, objectType string) ExpandContext {
	sub, err := tuple.ParseSubject(subjectKey)
	if err != nil {
		panic(err)
	}
	return ExpandContext{TenantID: tenant, Subject: sub, Permission: permission, ObjectType: objectType}
}

func TestLocalCacheCheckRoundTrip(t *testing.T) {
	c := NewLocalCache()
	defer c.Stop()
	ctx := context.Background()

	key := checkCtx("acme", "user:anne", "view", "doc:d1")

	_, ok := c.GetCheckResult(ctx, key)
	require.False(t, ok)

	c.SetCheckResult(ctx, key, true)
	allowed, ok := c.GetCheckResult(ctx, key)
	require.True(t, ok)
	require.True(t, allowed)

	// a denied decision is a cacheable value, distinct from a miss
	denied := checkCtx("acme", "user:bob", "view", "doc:d1")
	c.SetCheckResult(ctx, denied, false)
	allowed, ok = c.GetCheckResult(ctx, denied)
	require.True(t, ok)
	require.False(t, allowed)
}

func TestLocalCacheInvalidationScope(t *testing.T) {
	c := NewLocalCache()
	defer c.Stop()
	ctx := context.Background()

	affected := checkCtx("acme", "user:anne", "view", "doc:d1")
	otherPermission := checkCtx("acme", "user:anne", "edit", "doc:d1")
	otherObject := checkCtx("acme", "user:anne", "view", "doc:d2")
	otherTenant := checkCtx("globex", "user:anne", "view", "doc:d1")

	for _, key := range []CheckContext{affected, otherPermission, otherObject, otherTenant} {
		c.SetCheckResult(ctx, key, true)
	}

	expAffected := expandCtx("acme", "user:anne", "view", "doc")
	expOtherSubject := expandCtx("acme", "user:bob", "view", "doc")
	c.SetExpandResult(ctx, expAffected, []tuple.Object{tuple.NewObject("doc", "d1")})
	c.SetExpandResult(ctx, expOtherSubject, []tuple.Object{tuple.NewObject("doc", "d1")})

	written := &tuple.RelationTuple{
		TenantID: "acme",
		Subject:  tuple.NewDirectSubject("user", "anne"),
		Relation: "viewer",
		Object:   tuple.NewObject("doc", "d1"),
	}
	c.InvalidateForTuple(ctx, written)

	// every check entry for the touched (tenant, object) is gone,
	// regardless of subject or permission
	_, ok := c.GetCheckResult(ctx, affected)
	require.False(t, ok)
	_, ok = c.GetCheckResult(ctx, otherPermission)
	require.False(t, ok)

	// unrelated scopes survive
	_, ok = c.GetCheckResult(ctx, otherObject)
	require.True(t, ok)
	_, ok = c.GetCheckResult(ctx, otherTenant)
	require.True(t, ok)

	// expand entries for the tuple's (tenant, subject, object type) are gone
	_, ok = c.GetExpandResult(ctx, expAffected)
	require.False(t, ok)
	_, ok = c.GetExpandResult(ctx, expOtherSubject)
	require.True(t, ok)
}

func TestLocalCacheExpandRoundTrip(t *testing.T) {
	c := NewLocalCache()
	defer c.Stop()
	ctx := context.Background()

	key := expandCtx("acme", "user:anne", "view", "doc")
	objects := []tuple.Object{
		tuple.NewObject("doc", "d1"),
		tuple.NewObject("doc", "d2"),
	}

	c.SetExpandResult(ctx, key, objects)
	got, ok := c.GetExpandResult(ctx, key)
	require.True(t, ok)
	require.Equal(t, objects, got)
}

func TestLocalCacheStats(t *testing.T) {
	c := NewLocalCache()
	defer c.Stop()
	ctx := context.Background()

	key := checkCtx("acme", "user:anne", "view", "doc:d1")
	c.GetCheckResult(ctx, key)
	c.SetCheckResult(ctx, key, true)
	c.GetCheckResult(ctx, key)

	stats := c.Stats()
	require.EqualValues(t, 1, stats.LocalHits)
	require.EqualValues(t, 1, stats.LocalMisses)
}

// fakeRemote is an in-memory RemoteClient.
type fakeRemote struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: make(map[string]string)}
}

func (f *fakeRemote) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	value, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRemote) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRemote) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRemote) Scan(ctx context.Context, cursor uint64, match string, _ int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewScanCmdResult(nil, 0, f.err)
	}
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for key := range f.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func TestTwoTierPromotesRemoteHits(t *testing.T) {
	remote := newFakeRemote()
	writer := NewTwoTierCache(NewLocalCache(), remote)
	defer writer.Stop()

	reader := NewTwoTierCache(NewLocalCache(), remote)
	defer reader.Stop()

	ctx := context.Background()
	key := checkCtx("acme", "user:anne", "view", "doc:d1")

	// a decision cached on one node is visible on another via the shared tier
	writer.SetCheckResult(ctx, key, true)

	allowed, ok := reader.GetCheckResult(ctx, key)
	require.True(t, ok)
	require.True(t, allowed)
	require.EqualValues(t, 1, reader.Stats().RemoteHits)

	// and is now promoted into the reader's local tier
	allowed, ok = reader.GetCheckResult(ctx, key)
	require.True(t, ok)
	require.True(t, allowed)
	require.EqualValues(t, 1, reader.Stats().RemoteHits)
}

func TestTwoTierExpandThroughRemote(t *testing.T) {
	remote := newFakeRemote()
	writer := NewTwoTierCache(NewLocalCache(), remote)
	defer writer.Stop()
	reader := NewTwoTierCache(NewLocalCache(), remote)
	defer reader.Stop()

	ctx := context.Background()
	key := expandCtx("acme", "user:anne", "view", "doc")
	objects := []tuple.Object{tuple.NewObject("doc", "d1"), tuple.NewObject("doc", "d2")}

	writer.SetExpandResult(ctx, key, objects)

	got, ok := reader.GetExpandResult(ctx, key)
	require.True(t, ok)
	require.Equal(t, objects, got)
}

func TestTwoTierRemoteFailureIsAMiss(t *testing.T) {
	remote := newFakeRemote()
	remote.err = context.DeadlineExceeded

	c := NewTwoTierCache(NewLocalCache(), remote)
	defer c.Stop()

	ctx := context.Background()
	key := checkCtx("acme", "user:anne", "view", "doc:d1")

	_, ok := c.GetCheckResult(ctx, key)
	require.False(t, ok)

	// writes still land in the local tier
	c.SetCheckResult(ctx, key, true)
	allowed, ok := c.GetCheckResult(ctx, key)
	require.True(t, ok)
	require.True(t, allowed)
}

func TestTwoTierInvalidationClearsBothTiers(t *testing.T) {
	remote := newFakeRemote()
	c := NewTwoTierCache(NewLocalCache(), remote)
	defer c.Stop()

	ctx := context.Background()
	key := checkCtx("acme", "user:anne", "view", "doc:d1")
	c.SetCheckResult(ctx, key, true)

	written := &tuple.RelationTuple{
		TenantID: "acme",
		Subject:  tuple.NewDirectSubject("user", "anne"),
		Relation: "viewer",
		Object:   tuple.NewObject("doc", "d1"),
	}
	c.InvalidateForTuple(ctx, written)

	_, ok := c.GetCheckResult(ctx, key)
	require.False(t, ok)
	require.Empty(t, remote.data)
}
