// Package hooks translates domain mutations into tuple-store writes. One
// function per domain event, each producing zero or one tuple, idempotently.
package hooks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/planhub/rebac/pkg/cache"
	"github.com/planhub/rebac/pkg/logger"
	"github.com/planhub/rebac/pkg/storage"
	"github.com/planhub/rebac/pkg/tuple"
)

// Relation names produced by the dedicated hooks.
const (
	RelationOwner      = "owner"
	RelationMember     = "member"
	RelationCreator    = "creator"
	RelationAssignedTo = "assigned_to"
)

const objectTypeOrganization = "organization"

// Hooks writes system-sourced tuples in response to domain events. Cache
// invalidation is issued synchronously as part of each write.
type Hooks struct {
	ds     storage.TupleStore
	cache  cache.DecisionCache
	logger logger.Logger
}

// HooksOpt configures a Hooks instance.
type HooksOpt func(*Hooks)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) HooksOpt {
	return func(h *Hooks) { h.logger = log }
}

// New constructs the hook set over a tuple store and decision cache.
func New(ds storage.TupleStore, decisionCache cache.DecisionCache, opts ...HooksOpt) *Hooks {
	h := &Hooks{
		ds:     ds,
		cache:  decisionCache,
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// OrganizationCreatedEvent announces a new organization.
type OrganizationCreatedEvent struct {
	TenantID       string
	OrganizationID string
	CreatorID      string
	Actor          string
}

// OrganizationCreated grants the creator the owner relation on the new
// organization. Returns true when a tuple was written.
func (h *Hooks) OrganizationCreated(ctx context.Context, ev OrganizationCreatedEvent) (bool, error) {
	if ev.OrganizationID == "" || ev.CreatorID == "" {
		return false, fmt.Errorf("%w: organization and creator ids are required", tuple.ErrInvalidTuple)
	}
	return h.upsert(ctx, &tuple.RelationTuple{
		TenantID: ev.TenantID,
		Subject:  tuple.NewDirectSubject("user", ev.CreatorID),
		Relation: RelationOwner,
		Object:   tuple.NewObject(objectTypeOrganization, ev.OrganizationID),
		Source:   tuple.SourceSystem,
	}, ev.Actor)
}

// MemberAddedEvent announces a user joining an organization.
type MemberAddedEvent struct {
	TenantID       string
	OrganizationID string
	UserID         string

	// Role is stored in the tuple metadata, not as a separate relation, so
	// role changes are metadata updates rather than relation churn.
	Role  string
	Actor string
}

// MemberAdded grants the member relation on the organization.
func (h *Hooks) MemberAdded(ctx context.Context, ev MemberAddedEvent) (bool, error) {
	if ev.OrganizationID == "" || ev.UserID == "" {
		return false, fmt.Errorf("%w: organization and user ids are required", tuple.ErrInvalidTuple)
	}

	var md tuple.Metadata
	if ev.Role != "" {
		md = tuple.Metadata{"role": tuple.String(ev.Role)}
	}
	return h.upsert(ctx, &tuple.RelationTuple{
		TenantID: ev.TenantID,
		Subject:  tuple.NewDirectSubject("user", ev.UserID),
		Relation: RelationMember,
		Object:   tuple.NewObject(objectTypeOrganization, ev.OrganizationID),
		Source:   tuple.SourceSystem,
		Metadata: md,
	}, ev.Actor)
}

// OrganizationRelationEvent carries an arbitrary organization relation not
// covered by a dedicated hook.
type OrganizationRelationEvent struct {
	TenantID       string
	OrganizationID string
	UserID         string
	Relation       string
	Metadata       tuple.Metadata
	Actor          string
}

// OrganizationRelation grants an arbitrary relation on an organization.
func (h *Hooks) OrganizationRelation(ctx context.Context, ev OrganizationRelationEvent) (bool, error) {
	if ev.OrganizationID == "" || ev.UserID == "" || ev.Relation == "" {
		return false, fmt.Errorf("%w: organization id, user id and relation are required", tuple.ErrInvalidTuple)
	}
	return h.upsert(ctx, &tuple.RelationTuple{
		TenantID: ev.TenantID,
		Subject:  tuple.NewDirectSubject("user", ev.UserID),
		Relation: ev.Relation,
		Object:   tuple.NewObject(objectTypeOrganization, ev.OrganizationID),
		Source:   tuple.SourceSystem,
		Metadata: ev.Metadata,
	}, ev.Actor)
}

// ResourceCreatedEvent announces a resource (e.g. an event) created within a
// tenant. TenantID may be absent when the triggering event carries no tenant
// context.
type ResourceCreatedEvent struct {
	TenantID     string
	ResourceType string
	ResourceID   string
	CreatorID    string
	Actor        string
}

// ResourceCreated grants the creator relation on the resource. When the
// event lacks a tenant the write is skipped and false is returned; a tuple
// with a placeholder tenant is never written.
func (h *Hooks) ResourceCreated(ctx context.Context, ev ResourceCreatedEvent) (bool, error) {
	if ev.ResourceType == "" || ev.ResourceID == "" || ev.CreatorID == "" {
		return false, fmt.Errorf("%w: resource type, resource id and creator id are required", tuple.ErrInvalidTuple)
	}
	return h.upsert(ctx, &tuple.RelationTuple{
		TenantID: ev.TenantID,
		Subject:  tuple.NewDirectSubject("user", ev.CreatorID),
		Relation: RelationCreator,
		Object:   tuple.NewObject(ev.ResourceType, ev.ResourceID),
		Source:   tuple.SourceSystem,
	}, ev.Actor)
}

// AssignmentEvent announces a project or task assignment.
type AssignmentEvent struct {
	TenantID     string
	AssigneeID   string
	ResourceType string
	ResourceID   string
	Actor        string
	Metadata     tuple.Metadata
}

// AssignmentCreated links the assignee to the resource with the assigned_to
// relation.
func (h *Hooks) AssignmentCreated(ctx context.Context, ev AssignmentEvent) (bool, error) {
	if ev.AssigneeID == "" || ev.ResourceType == "" || ev.ResourceID == "" {
		return false, fmt.Errorf("%w: assignee id, resource type and resource id are required", tuple.ErrInvalidTuple)
	}
	return h.upsert(ctx, &tuple.RelationTuple{
		TenantID: ev.TenantID,
		Subject:  tuple.NewDirectSubject("user", ev.AssigneeID),
		Relation: RelationAssignedTo,
		Object:   tuple.NewObject(ev.ResourceType, ev.ResourceID),
		Source:   tuple.SourceSystem,
		Metadata: ev.Metadata,
	}, ev.Actor)
}

// upsert writes the tuple unless an identical fact already exists, reporting
// whether a write occurred. A missing tenant is an explicit, logged no-op,
// not an error.
func (h *Hooks) upsert(ctx context.Context, t *tuple.RelationTuple, actor string) (bool, error) {
	if t.TenantID == "" {
		h.logger.Info("skipping auto-tuple write: event has no tenant context",
			zap.String("relation", t.Relation),
			zap.String("object", t.Object.Key()),
		)
		return false, nil
	}

	subject := t.Subject
	object := t.Object
	existing, err := h.ds.ReadDirect(ctx, t.TenantID, storage.ReadFilter{
		Subject:  &subject,
		Relation: t.Relation,
		Object:   &object,
	})
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		h.logger.Debug("auto-tuple already exists",
			zap.String("tenant_id", t.TenantID),
			zap.String("tuple", t.Key()),
		)
		return false, nil
	}

	if err := h.ds.Write(ctx, t, actor); err != nil {
		return false, err
	}
	h.cache.InvalidateForTuple(ctx, t)

	h.logger.Debug("auto-tuple written",
		zap.String("tenant_id", t.TenantID),
		zap.String("tuple", t.Key()),
		zap.String("actor", actor),
	)
	return true, nil
}
