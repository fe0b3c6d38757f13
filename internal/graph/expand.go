package graph

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/planhub/rebac/internal/condition"
	"github.com/planhub/rebac/pkg/cache"
	"github.com/planhub/rebac/pkg/logger"
	"github.com/planhub/rebac/pkg/schema"
	"github.com/planhub/rebac/pkg/storage"
	"github.com/planhub/rebac/pkg/tuple"
)

// ExpandEngine enumerates the objects of a type a subject can exercise a
// permission on. It walks the same relation graph as CheckEngine, in the
// reverse direction, accumulating reachable objects instead of a boolean.
type ExpandEngine struct {
	ds         storage.TupleStore
	cache      cache.DecisionCache
	schema     *schema.PermissionMap
	conditions *condition.Evaluator
	logger     logger.Logger
	depthLimit int
}

// ExpandEngineOpt configures an ExpandEngine.
type ExpandEngineOpt func(*ExpandEngine)

// WithExpandLogger sets the logger.
func WithExpandLogger(log logger.Logger) ExpandEngineOpt {
	return func(e *ExpandEngine) { e.logger = log }
}

// WithExpandDepthLimit overrides the traversal depth guard.
func WithExpandDepthLimit(limit int) ExpandEngineOpt {
	return func(e *ExpandEngine) { e.depthLimit = limit }
}

// WithExpandConditionEvaluator substitutes the condition evaluator.
func WithExpandConditionEvaluator(ev *condition.Evaluator) ExpandEngineOpt {
	return func(e *ExpandEngine) { e.conditions = ev }
}

// NewExpandEngine constructs an ExpandEngine over the same dependencies as
// the check engine.
func NewExpandEngine(ds storage.TupleStore, decisionCache cache.DecisionCache, permissions *schema.PermissionMap, opts ...ExpandEngineOpt) *ExpandEngine {
	e := &ExpandEngine{
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

// Expand returns every object of the requested type the subject can exercise
// the permission on, deduplicated by object identity and in stable (sorted)
// order. The cached value is the full list; pagination belongs to the caller.
func (e *ExpandEngine) Expand(ctx context.Context, req ExpandRequest) ([]tuple.Object, error) {
	ctx, span := tracer.Start(ctx, "expand.Expand")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	satisfying, err := e.schema.RelationsFor(req.Permission)
	if err != nil {
		return nil, err
	}

	key := cache.ExpandContext{
		TenantID:       req.TenantID,
		Subject:        req.Subject,
		Permission:     req.Permission,
		ObjectType:     req.ObjectType,
		RequestContext: req.Context,
	}
	if objects, ok := e.cache.GetExpandResult(ctx, key); ok {
		return objects, nil
	}

	// The frontier holds subject keys known to stand in for the original
	// subject: the subject itself, then every userset it reaches. Each level
	// collects target objects granted to the frontier and discovers the next
	// level of usersets.
	frontier := []string{req.Subject.Key()}
	seenSubjects := map[string]struct{}{req.Subject.Key(): {}}
	reached := make(map[string]tuple.Object)

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= e.depthLimit {
			e.logger.Warn("relation graph traversal guard tripped during expand, truncating",
				zap.String("tenant_id", req.TenantID),
				zap.String("subject", req.Subject.Key()),
				zap.String("permission", req.Permission),
			)
			break
		}

		grants, err := e.ds.ReadStartingWithSubject(ctx, req.TenantID, storage.ReverseFilter{
			SubjectKeys: frontier,
			Relations:   satisfying,
			ObjectType:  req.ObjectType,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range grants {
			if !e.conditionMet(&req, t) {
				continue
			}
			reached[t.Object.Key()] = t.Object
		}

		memberships, err := e.ds.ReadStartingWithSubject(ctx, req.TenantID, storage.ReverseFilter{
			SubjectKeys: frontier,
		})
		if err != nil {
			return nil, err
		}

		var next []string
		for _, t := range memberships {
			if !e.conditionMet(&req, t) {
				continue
			}
			// Holding relation R on X also places the subject in the
			// usersets of every relation R implies.
			for _, implied := range e.schema.ImpliedRelations(t.Relation) {
				usersetKey := tuple.NewUsersetSubject(t.Object, implied).Key()
				if _, ok := seenSubjects[usersetKey]; ok {
					continue
				}
				seenSubjects[usersetKey] = struct{}{}
				next = append(next, usersetKey)
			}
		}
		frontier = next
	}

	objects := make([]tuple.Object, 0, len(reached))
	for _, obj := range reached {
		objects = append(objects, obj)
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key() < objects[j].Key()
	})

	e.cache.SetExpandResult(ctx, key, objects)
	return objects, nil
}

func (e *ExpandEngine) conditionMet(req *ExpandRequest, t *tuple.RelationTuple) bool {
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
