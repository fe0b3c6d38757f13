package graph

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/planhub/rebac/internal/condition"
	"github.com/planhub/rebac/pkg/cache"
	"github.com/planhub/rebac/pkg/logger"
	"github.com/planhub/rebac/pkg/schema"
	"github.com/planhub/rebac/pkg/storage"
	"github.com/planhub/rebac/pkg/tuple"
)

// relationSubCheckPrefix namespaces cached relation-level sub-checks away
// from permission-level entries, since both share the check fingerprint.
const relationSubCheckPrefix = "relation:"

// CheckEngine answers "can subject exercise permission on object". It holds
// no request-scoped mutable state; concurrent checks for different contexts
// proceed independently.
type CheckEngine struct {
	ds         storage.TupleStore
	cache      cache.DecisionCache
	schema     *schema.PermissionMap
	conditions *condition.Evaluator
	logger     logger.Logger
	depthLimit int

	// sf deduplicates identical in-flight top-level checks.
	sf singleflight.Group
}

// CheckEngineOpt configures a CheckEngine.
type CheckEngineOpt func(*CheckEngine)

// WithCheckLogger sets the logger.
func WithCheckLogger(log logger.Logger) CheckEngineOpt {
	return func(e *CheckEngine) { e.logger = log }
}

// WithCheckDepthLimit overrides the traversal depth guard.
func WithCheckDepthLimit(limit int) CheckEngineOpt {
	return func(e *CheckEngine) { e.depthLimit = limit }
}

// WithConditionEvaluator substitutes the condition evaluator.
func WithConditionEvaluator(ev *condition.Evaluator) CheckEngineOpt {
	return func(e *CheckEngine) { e.conditions = ev }
}

// NewCheckEngine constructs a CheckEngine. The tuple store, decision cache
// and permission mapping are explicit dependencies so tests can substitute
// in-memory fakes.
func NewCheckEngine(ds storage.TupleStore, decisionCache cache.DecisionCache, permissions *schema.PermissionMap, opts ...CheckEngineOpt) *CheckEngine {
	e := &CheckEngine{
		ds:         ds,
		cache:      decisionCache,
		schema:     permissions,
		conditions: condition.MustNewEvaluator(),
		logger:     logger.NewNoopLogger(),
		depthLimit: defaultResolveDepthLimit,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// resolveState carries the traversal guards for one resolution: a depth
// counter and the set of userset edges on the current path.
type resolveState struct {
	depth   int
	visited map[string]struct{}
}

// Check resolves the request to a boolean. No side effects. An unknown
// permission is an error, not an implicit deny. Store unavailability is
// propagated, never converted into a silent deny. Traversal guard trips fail
// closed with a data-quality warning.
func (e *CheckEngine) Check(ctx context.Context, req CheckRequest) (bool, error) {
	ctx, span := tracer.Start(ctx, "check.Check")
	defer span.End()

	if err := req.validate(); err != nil {
		return false, err
	}

	relations, err := e.schema.RelationsFor(req.Permission)
	if err != nil {
		return false, err
	}

	key := cache.CheckContext{
		TenantID:       req.TenantID,
		Subject:        req.Subject,
		Permission:     req.Permission,
		Object:         req.Object,
		RequestContext: req.Context,
	}
	if allowed, ok := e.cache.GetCheckResult(ctx, key); ok {
		return allowed, nil
	}

	sfKey := req.TenantID + "|" + req.Subject.Key() + "|" + req.Permission + "|" + req.Object.Key()
	if len(req.Context) > 0 {
		// fmt prints map keys in sorted order, so this is deterministic.
		sfKey += fmt.Sprintf("|%v", req.Context)
	}
	result, err, _ := e.sf.Do(sfKey, func() (interface{}, error) {
		state := &resolveState{visited: make(map[string]struct{})}
		allowed, _, err := e.checkRelations(ctx, &req, relations, req.Object, state)
		if err != nil {
			if errors.Is(err, errResolutionDepthExceeded) {
				e.logger.Warn("relation graph traversal guard tripped, failing closed",
					zap.String("tenant_id", req.TenantID),
					zap.String("subject", req.Subject.Key()),
					zap.String("permission", req.Permission),
					zap.String("object", req.Object.Key()),
				)
				return false, nil
			}
			return false, err
		}
		return allowed, nil
	})
	if err != nil {
		return false, err
	}

	allowed := result.(bool)
	e.cache.SetCheckResult(ctx, key, allowed)
	return allowed, nil
}

// checkRelations reports whether the request's subject holds any of the
// candidate relations on object. The candidate set is already closed over
// rewrite rules, so implication adds breadth here, never recursion depth.
//
// The second result reports whether the cycle guard pruned an edge anywhere
// in the subtree. A false computed under a prune is valid only for the path
// that triggered the prune, so it must not enter the sub-check cache. A true
// is always a complete witness and stays cacheable.
func (e *CheckEngine) checkRelations(ctx context.Context, req *CheckRequest, relations []string, object tuple.Object, state *resolveState) (bool, bool, error) {
	if state.depth >= e.depthLimit {
		return false, false, errResolutionDepthExceeded
	}

	// direct tuples first
	subject := req.Subject
	for _, relation := range relations {
		direct, err := e.ds.ReadDirect(ctx, req.TenantID, storage.ReadFilter{
			Subject:  &subject,
			Relation: relation,
			Object:   &object,
		})
		if err != nil {
			return false, false, err
		}
		for _, t := range direct {
			if e.conditionMet(req, t) {
				return true, false, nil
			}
		}
	}

	pruned := false

	// userset tuples: a subject like team:eng#member grants the relation to
	// everyone satisfying member on team:eng
	for _, relation := range relations {
		candidates, err := e.ds.ReadReverse(ctx, req.TenantID, object, relation)
		if err != nil {
			return false, false, err
		}

		for _, t := range candidates {
			if !t.Subject.IsUserset() {
				continue
			}
			if !e.conditionMet(req, t) {
				continue
			}

			edge := tuple.ToTupleKey(object, relation, t.Subject)
			if _, onPath := state.visited[edge]; onPath {
				e.logger.Warn("cycle detected in relation graph, failing edge closed",
					zap.String("tenant_id", req.TenantID),
					zap.String("edge", edge),
				)
				pruned = true
				continue
			}

			usersetObject := t.Subject.Object()
			usersetRelation := t.Subject.Relation()
			subKey := cache.CheckContext{
				TenantID:       req.TenantID,
				Subject:        req.Subject,
				Permission:     relationSubCheckPrefix + usersetRelation,
				Object:         usersetObject,
				RequestContext: req.Context,
			}
			if allowed, ok := e.cache.GetCheckResult(ctx, subKey); ok {
				if allowed {
					return true, false, nil
				}
				continue
			}

			state.visited[edge] = struct{}{}
			state.depth++
			allowed, subPruned, err := e.checkRelations(ctx, req, e.schema.SatisfyingRelations(usersetRelation), usersetObject, state)
			state.depth--
			delete(state.visited, edge)
			if err != nil {
				return false, false, err
			}

			if allowed {
				e.cache.SetCheckResult(ctx, subKey, true)
				return true, false, nil
			}
			if subPruned {
				// Path-dependent deny. Under a different root this userset
				// could still resolve to true, so it stays uncached.
				pruned = true
				continue
			}
			e.cache.SetCheckResult(ctx, subKey, false)
		}
	}

	return false, pruned, nil
}

// conditionMet evaluates a tuple's condition against the request context.
// Evaluation failures fail the tuple closed and are logged as data-quality
// warnings.
func (e *CheckEngine) conditionMet(req *CheckRequest, t *tuple.RelationTuple) bool {
	met, err := e.conditions.Evaluate(t.Condition, req.Context)
	if err != nil {
		e.logger.Warn("tuple condition evaluation failed, failing tuple closed",
			zap.String("tenant_id", t.TenantID),
			zap.String("tuple", t.Key()),
			zap.Error(err),
		)
		return false
	}
	return met
}
