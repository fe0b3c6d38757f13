package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/planhub/rebac/internal/graph"
	"github.com/planhub/rebac/pkg/logger"
	"github.com/planhub/rebac/pkg/schema"
	"github.com/planhub/rebac/pkg/storage"
	"github.com/planhub/rebac/pkg/tuple"
)

// NewHTTPHandler exposes the authorizer over a small JSON API. The handler
// covers the service surface only; metrics and health endpoints are mounted
// by the caller.
func NewHTTPHandler(a *Authorizer, log logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	h := &httpAPI{authorizer: a, logger: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/check", h.check)
	mux.HandleFunc("POST /v1/expand", h.expand)
	mux.HandleFunc("POST /v1/tuples", h.writeTuple)
	mux.HandleFunc("DELETE /v1/tuples", h.deleteTuple)
	mux.HandleFunc("GET /v1/changes", h.changes)
	mux.HandleFunc("GET /v1/shadow/stats", h.shadowStats)
	return mux
}

type httpAPI struct {
	authorizer *Authorizer
	logger     logger.Logger
}

type checkRequestBody struct {
	TenantID   string         `json:"tenant_id"`
	Subject    string         `json:"subject"`
	Permission string         `json:"permission"`
	Object     string         `json:"object"`
	Context    map[string]any `json:"context,omitempty"`
}

type checkResponseBody struct {
	Allowed bool `json:"allowed"`
}

func (h *httpAPI) check(w http.ResponseWriter, r *http.Request) {
	var body checkRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub, err := tuple.ParseSubject(body.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	obj, err := tuple.ParseObject(body.Object)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	allowed, err := h.authorizer.Check(r.Context(), graph.CheckRequest{
		TenantID:   body.TenantID,
		Subject:    sub,
		Permission: body.Permission,
		Object:     obj,
		Context:    body.Context,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponseBody{Allowed: allowed})
}

type expandRequestBody struct {
	TenantID   string         `json:"tenant_id"`
	Subject    string         `json:"subject"`
	Permission string         `json:"permission"`
	ObjectType string         `json:"object_type"`
	Context    map[string]any `json:"context,omitempty"`
}

type expandResponseBody struct {
	Objects []string `json:"objects"`
}

func (h *httpAPI) expand(w http.ResponseWriter, r *http.Request) {
	var body expandRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub, err := tuple.ParseSubject(body.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	objects, err := h.authorizer.Expand(r.Context(), graph.ExpandRequest{
		TenantID:   body.TenantID,
		Subject:    sub,
		Permission: body.Permission,
		ObjectType: body.ObjectType,
		Context:    body.Context,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key())
	}
	writeJSON(w, http.StatusOK, expandResponseBody{Objects: keys})
}

type writeTupleBody struct {
	TenantID  string         `json:"tenant_id"`
	Subject   string         `json:"subject"`
	Relation  string         `json:"relation"`
	Object    string         `json:"object"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Condition *struct {
		Expression string         `json:"expression"`
		Context    map[string]any `json:"context,omitempty"`
	} `json:"condition,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Actor     string     `json:"actor,omitempty"`
}

func (h *httpAPI) writeTuple(w http.ResponseWriter, r *http.Request) {
	var body writeTupleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub, err := tuple.ParseSubject(body.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	obj, err := tuple.ParseObject(body.Object)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	metadata, err := tuple.MetadataFromNative(body.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	t := &tuple.RelationTuple{
		TenantID:  body.TenantID,
		Subject:   sub,
		Relation:  body.Relation,
		Object:    obj,
		Source:    tuple.SourceManual,
		Metadata:  metadata,
		ExpiresAt: body.ExpiresAt,
	}
	if body.Condition != nil {
		condCtx, err := tuple.MetadataFromNative(body.Condition.Context)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		t.Condition = &tuple.Condition{
			Expression: body.Condition.Expression,
			Context:    condCtx,
		}
	}

	if err := h.authorizer.WriteTuple(r.Context(), t, body.Actor); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"tuple": t.Key()})
}

type deleteTupleBody struct {
	TenantID string `json:"tenant_id"`
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

func (h *httpAPI) deleteTuple(w http.ResponseWriter, r *http.Request) {
	var body deleteTupleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub, err := tuple.ParseSubject(body.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	obj, err := tuple.ParseObject(body.Object)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	deleted, err := h.authorizer.DeleteTuple(r.Context(), body.TenantID, sub, body.Relation, obj)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpAPI) changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit = n
	}

	changes, err := h.authorizer.ReadChanges(r.Context(), q.Get("tenant_id"), q.Get("object_type"), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	type changeBody struct {
		ULID      string    `json:"ulid"`
		Op        string    `json:"op"`
		Tuple     string    `json:"tuple"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := make([]changeBody, 0, len(changes))
	for _, c := range changes {
		out = append(out, changeBody{
			ULID:      c.ULID,
			Op:        string(c.Op),
			Tuple:     c.Tuple.Key(),
			Timestamp: c.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": out})
}

func (h *httpAPI) shadowStats(w http.ResponseWriter, r *http.Request) {
	// An unparsable limit falls through as zero and takes the recorder's
	// default, same as an absent one.
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records := h.authorizer.ShadowStats(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": h.authorizer.ShadowSummary(limit),
		"records": records,
	})
}

// writeDomainError maps engine and store errors onto HTTP statuses. Unknown
// errors stay opaque.
func (h *httpAPI) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tuple.ErrMissingTenant),
		errors.Is(err, tuple.ErrInvalidTuple),
		errors.Is(err, graph.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, schema.ErrUnknownPermission):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
