// Package cache holds derived, disposable check and expand results. It is
// never a source of truth: everything in it must be reconstructible from the
// tuple store.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/planhub/rebac/pkg/tuple"
)

// CheckContext is the fingerprint of one check decision.
type CheckContext struct {
	TenantID   string
	Subject    tuple.Subject
	Permission string
	Object     tuple.Object

	// RequestContext participates in the fingerprint so decisions evaluated
	// under different condition inputs never share an entry.
	RequestContext map[string]any
}

// ExpandContext is the fingerprint of one expand result.
type ExpandContext struct {
	TenantID   string
	Subject    tuple.Subject
	Permission string
	ObjectType string

	RequestContext map[string]any
}

// DecisionCache is the engine-facing cache contract. Implementations must
// serialize updates to a given key without serializing unrelated keys, and
// must never surface tier failures to the caller: a failing tier behaves as
// a miss.
type DecisionCache interface {
	// GetCheckResult returns the cached decision and whether one was found.
	GetCheckResult(ctx context.Context, key CheckContext) (allowed bool, ok bool)

	// SetCheckResult stores a decision.
	SetCheckResult(ctx context.Context, key CheckContext, allowed bool)

	// GetExpandResult returns the cached object list and whether one was
	// found. The list is the full, unpaginated result.
	GetExpandResult(ctx context.Context, key ExpandContext) ([]tuple.Object, bool)

	// SetExpandResult stores an expand result.
	SetExpandResult(ctx context.Context, key ExpandContext, objects []tuple.Object)

	// InvalidateForTuple drops every entry whose fingerprint could have been
	// affected by a write or delete of t: all check entries for the tuple's
	// (tenant, object) and all expand entries for the tuple's
	// (tenant, subject, object type). Over-invalidation is always safe;
	// under-invalidation is a correctness bug.
	InvalidateForTuple(ctx context.Context, t *tuple.RelationTuple)

	// Stats returns hit/miss counters per tier, for observability only.
	Stats() Stats

	// Stop releases cache resources.
	Stop()
}

// Stats carries per-tier hit/miss counts. Decision logic must never read it.
type Stats struct {
	LocalHits    uint64
	LocalMisses  uint64
	RemoteHits   uint64
	RemoteMisses uint64
}

// Key layout: a structural prefix carrying the invalidation scope, then a
// stable hash of the remaining fingerprint fields. Prefix deletion over the
// structural part implements the over-invalidation contract.

func checkKey(key CheckContext) string {
	h := xxhash.New()
	_, _ = h.WriteString(key.Subject.Key())
	_, _ = h.WriteString("#")
	_, _ = h.WriteString(key.Permission)
	_, _ = h.WriteString(contextFingerprint(key.RequestContext))
	return checkPrefix(key.TenantID, key.Object) + strconv.FormatUint(h.Sum64(), 10)
}

func checkPrefix(tenantID string, object tuple.Object) string {
	return "chk/" + tenantID + "/" + object.Key() + "/"
}

func expandKey(key ExpandContext) string {
	h := xxhash.New()
	_, _ = h.WriteString(key.Permission)
	_, _ = h.WriteString(contextFingerprint(key.RequestContext))
	return expandPrefix(key.TenantID, key.Subject, key.ObjectType) + strconv.FormatUint(h.Sum64(), 10)
}

// contextFingerprint serializes condition inputs deterministically. Map
// iteration order must not leak into the key.
func contextFingerprint(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString("|")
		sb.WriteString(k)
		sb.WriteString("=")
		fmt.Fprintf(&sb, "%v", m[k])
	}
	return sb.String()
}

func expandPrefix(tenantID string, subject tuple.Subject, objectType string) string {
	return "exp/" + tenantID + "/" + subject.Key() + "/" + objectType + "/"
}
