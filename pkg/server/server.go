// Package server exposes the authorization service surface: tuple writes,
// permission checks, expansion, hook events and shadow statistics behind one
// facade.
package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/planhub/rebac/internal/graph"
	"github.com/planhub/rebac/internal/hooks"
	"github.com/planhub/rebac/internal/shadow"
	"github.com/planhub/rebac/pkg/cache"
	"github.com/planhub/rebac/pkg/logger"
	"github.com/planhub/rebac/pkg/schema"
	"github.com/planhub/rebac/pkg/storage"
	"github.com/planhub/rebac/pkg/tuple"
)

var tracer = otel.Tracer("rebac/pkg/server")

var requestDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "rebac_request_duration_ms",
	Help:    "Duration of authorization requests in milliseconds.",
	Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
}, []string{"method"})

// CheckRequest and ExpandRequest are the engine request types, re-exported
// so callers outside this module can construct them.
type (
	CheckRequest  = graph.CheckRequest
	ExpandRequest = graph.ExpandRequest

	// LegacyCheckFunc adapts an existing authorization system for shadow
	// mode.
	LegacyCheckFunc = shadow.LegacyCheckFunc

	// ShadowRecord is one recorded legacy-versus-engine comparison.
	ShadowRecord = shadow.Record
)

// NewShadowRecorder returns an in-memory recorder for shadow mode, retaining
// up to max records.
func NewShadowRecorder(max int) shadow.Recorder {
	return shadow.NewRingRecorder(max)
}

// Authorizer is the service entry point. All tuple mutations flow through it
// so that cache invalidation always happens in the same request, before the
// mutation is acknowledged.
type Authorizer struct {
	ds            storage.TupleStore
	decisionCache cache.DecisionCache
	permissions   *schema.PermissionMap

	checker  *graph.CheckEngine
	expander *graph.ExpandEngine
	hooks    *hooks.Hooks
	harness  *shadow.Harness

	logger logger.Logger

	checkOpts  []graph.CheckEngineOpt
	expandOpts []graph.ExpandEngineOpt
	hookOpts   []hooks.HooksOpt

	shadowLegacy   shadow.LegacyCheckFunc
	shadowRecorder shadow.Recorder
	shadowOpts     []shadow.HarnessOpt
}

// AuthorizerOpt configures an Authorizer.
type AuthorizerOpt func(*Authorizer)

// WithLogger sets the logger for the authorizer and its engines.
func WithLogger(log logger.Logger) AuthorizerOpt {
	return func(a *Authorizer) {
		a.logger = log
		a.checkOpts = append(a.checkOpts, graph.WithCheckLogger(log))
		a.expandOpts = append(a.expandOpts, graph.WithExpandLogger(log))
		a.hookOpts = append(a.hookOpts, hooks.WithLogger(log))
	}
}

// WithCheckEngineOpts forwards options to the check engine.
func WithCheckEngineOpts(opts ...graph.CheckEngineOpt) AuthorizerOpt {
	return func(a *Authorizer) {
		a.checkOpts = append(a.checkOpts, opts...)
	}
}

// WithExpandEngineOpts forwards options to the expand engine.
func WithExpandEngineOpts(opts ...graph.ExpandEngineOpt) AuthorizerOpt {
	return func(a *Authorizer) {
		a.expandOpts = append(a.expandOpts, opts...)
	}
}

// WithShadowMode routes Check through a parallel-run harness. The legacy
// checker stays authoritative; engine results are only recorded.
func WithShadowMode(legacy shadow.LegacyCheckFunc, recorder shadow.Recorder, opts ...shadow.HarnessOpt) AuthorizerOpt {
	return func(a *Authorizer) {
		a.shadowLegacy = legacy
		a.shadowRecorder = recorder
		a.shadowOpts = opts
	}
}

// New wires an Authorizer from a tuple store, decision cache and permission
// map.
func New(ds storage.TupleStore, decisionCache cache.DecisionCache, permissions *schema.PermissionMap, opts ...AuthorizerOpt) *Authorizer {
	a := &Authorizer{
		ds:            ds,
		decisionCache: decisionCache,
		permissions:   permissions,
		logger:        logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.checker = graph.NewCheckEngine(ds, decisionCache, permissions, a.checkOpts...)
	a.expander = graph.NewExpandEngine(ds, decisionCache, permissions, a.expandOpts...)
	a.hooks = hooks.New(ds, decisionCache, a.hookOpts...)
	if a.shadowLegacy != nil {
		a.harness = shadow.NewHarness(a.shadowLegacy, a.checker, a.shadowRecorder, a.shadowOpts...)
	}

	return a
}

// WriteTuple validates and upserts a relation tuple, then invalidates the
// cached decisions the tuple can affect before returning. actor is recorded
// as CreatedBy.
func (a *Authorizer) WriteTuple(ctx context.Context, t *tuple.RelationTuple, actor string) error {
	ctx, span := tracer.Start(ctx, "WriteTuple")
	defer span.End()
	defer a.observe("write", time.Now())

	if err := t.Validate(); err != nil {
		return err
	}

	if err := a.ds.Write(ctx, t, actor); err != nil {
		return err
	}

	a.decisionCache.InvalidateForTuple(ctx, t)
	a.logger.Debug("tuple written",
		zap.String("tenant_id", t.TenantID),
		zap.String("tuple", t.Key()),
		zap.String("actor", actor),
	)
	return nil
}

// DeleteTuple removes a tuple by its uniqueness key, reporting whether a
// tuple existed. Cached decisions are invalidated only when something was
// deleted.
func (a *Authorizer) DeleteTuple(ctx context.Context, tenantID string, subject tuple.Subject, relation string, object tuple.Object) (bool, error) {
	ctx, span := tracer.Start(ctx, "DeleteTuple")
	defer span.End()
	defer a.observe("delete", time.Now())

	deleted, err := a.ds.Delete(ctx, tenantID, subject, relation, object)
	if err != nil {
		return false, err
	}
	if deleted {
		a.decisionCache.InvalidateForTuple(ctx, &tuple.RelationTuple{
			TenantID: tenantID,
			Subject:  subject,
			Relation: relation,
			Object:   object,
		})
		a.logger.Debug("tuple deleted",
			zap.String("tenant_id", tenantID),
			zap.String("tuple", tuple.ToTupleKey(object, relation, subject)),
		)
	}
	return deleted, nil
}

// Check answers whether the subject may exercise the permission on the
// object. In shadow mode the legacy decision is returned and the engine's
// decision is recorded for comparison.
func (a *Authorizer) Check(ctx context.Context, req graph.CheckRequest) (bool, error) {
	ctx, span := tracer.Start(ctx, "Check")
	defer span.End()
	span.SetAttributes(attribute.String("permission", req.Permission))
	defer a.observe("check", time.Now())

	if a.harness != nil {
		return a.harness.Check(ctx, req)
	}
	return a.checker.Check(ctx, req)
}

// Expand lists every object of the requested type on which the subject holds
// the permission.
func (a *Authorizer) Expand(ctx context.Context, req graph.ExpandRequest) ([]tuple.Object, error) {
	ctx, span := tracer.Start(ctx, "Expand")
	defer span.End()
	span.SetAttributes(attribute.String("permission", req.Permission))
	defer a.observe("expand", time.Now())

	return a.expander.Expand(ctx, req)
}

// Hooks exposes the auto-tuple hooks so application lifecycle events can be
// forwarded into the store.
func (a *Authorizer) Hooks() *hooks.Hooks {
	return a.hooks
}

// ShadowStats returns recent shadow records, or nil when shadow mode is off.
// Limit semantics follow the harness: non-positive means the default page,
// oversized limits are clamped.
func (a *Authorizer) ShadowStats(limit int) []shadow.Record {
	if a.harness == nil {
		return nil
	}
	return a.harness.GetStats(limit)
}

// ShadowSummary aggregates agreement over recent shadow records.
func (a *Authorizer) ShadowSummary(limit int) shadow.Summary {
	if a.harness == nil {
		return shadow.Summary{}
	}
	return a.harness.Summarize(limit)
}

// ReadChanges returns recent tuple changelog entries for a tenant.
func (a *Authorizer) ReadChanges(ctx context.Context, tenantID string, objectType string, limit int) ([]storage.Change, error) {
	return a.ds.ReadChanges(ctx, tenantID, objectType, limit)
}

// SweepExpired removes tuples whose TTL has passed.
func (a *Authorizer) SweepExpired(ctx context.Context) (int, error) {
	n, err := a.ds.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("expired tuples removed", zap.Int("count", n))
	}
	return n, nil
}

// IsReady reports whether the underlying store can serve traffic.
func (a *Authorizer) IsReady(ctx context.Context) (bool, error) {
	return a.ds.IsReady(ctx)
}

// CacheStats returns decision cache hit and miss counters.
func (a *Authorizer) CacheStats() cache.Stats {
	return a.decisionCache.Stats()
}

// Close releases the store and cache resources.
func (a *Authorizer) Close() {
	a.decisionCache.Stop()
	a.ds.Close()
}

func (a *Authorizer) observe(method string, start time.Time) {
	requestDurationHistogram.WithLabelValues(method).
		Observe(float64(time.Since(start).Milliseconds()))
}
