// Package graph resolves authorization decisions over the relationship
// graph: boolean checks and object-set expansion.
package graph

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/planhub/rebac/pkg/tuple"
)

var tracer = otel.Tracer("rebac/internal/graph")

// defaultResolveDepthLimit bounds traversal. Relation graphs are expected to
// be acyclic by convention but are never trusted to be.
const defaultResolveDepthLimit = 25

var (
	// ErrInvalidRequest is returned for malformed check/expand inputs,
	// before any store access.
	ErrInvalidRequest = errors.New("invalid request")

	// errResolutionDepthExceeded is internal: the guard tripping fails the
	// decision closed, it is not surfaced to callers.
	errResolutionDepthExceeded = errors.New("resolution depth exceeded")
)

// CheckRequest asks whether Subject may exercise Permission on Object within
// a tenant. Context feeds conditional tuples.
type CheckRequest struct {
	TenantID   string
	Subject    tuple.Subject
	Permission string
	Object     tuple.Object
	Context    map[string]any
}

func (r *CheckRequest) validate() error {
	if r.TenantID == "" {
		return tuple.ErrMissingTenant
	}
	if !r.Subject.Valid() || r.Subject.IsUserset() {
		return fmt.Errorf("%w: subject %q", ErrInvalidRequest, r.Subject.Key())
	}
	if !r.Object.Valid() {
		return fmt.Errorf("%w: object %q", ErrInvalidRequest, r.Object.Key())
	}
	return nil
}

// ExpandRequest asks for every object of ObjectType on which Subject may
// exercise Permission.
type ExpandRequest struct {
	TenantID   string
	Subject    tuple.Subject
	Permission string
	ObjectType string
	Context    map[string]any
}

func (r *ExpandRequest) validate() error {
	if r.TenantID == "" {
		return tuple.ErrMissingTenant
	}
	if !r.Subject.Valid() || r.Subject.IsUserset() {
		return fmt.Errorf("%w: subject %q", ErrInvalidRequest, r.Subject.Key())
	}
	if r.ObjectType == "" {
		return fmt.Errorf("%w: object type is required", ErrInvalidRequest)
	}
	return nil
}
