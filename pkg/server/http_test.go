package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTPWriteCheckDelete(t *testing.T) {
	a := newAuthorizer(t)
	handler := NewHTTPHandler(a, nil)

	rec := doJSON(t, handler, http.MethodPost, "/v1/tuples",
		`{"tenant_id":"acme","subject":"user:anne","relation":"owner","object":"doc:d1","actor":"admin"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/v1/check",
		`{"tenant_id":"acme","subject":"user:anne","permission":"edit","object":"doc:d1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var check checkResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	require.True(t, check.Allowed)

	rec = doJSON(t, handler, http.MethodDelete, "/v1/tuples",
		`{"tenant_id":"acme","subject":"user:anne","relation":"owner","object":"doc:d1"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, "/v1/tuples",
		`{"tenant_id":"acme","subject":"user:anne","relation":"owner","object":"doc:d1"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPExpand(t *testing.T) {
	a := newAuthorizer(t)
	handler := NewHTTPHandler(a, nil)

	for _, doc := range []string{"doc:d1", "doc:d2"} {
		rec := doJSON(t, handler, http.MethodPost, "/v1/tuples",
			`{"tenant_id":"acme","subject":"user:anne","relation":"viewer","object":"`+doc+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, handler, http.MethodPost, "/v1/expand",
		`{"tenant_id":"acme","subject":"user:anne","permission":"view","object_type":"doc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var expand expandResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &expand))
	require.Equal(t, []string{"doc:d1", "doc:d2"}, expand.Objects)
}

func TestHTTPErrorMapping(t *testing.T) {
	a := newAuthorizer(t)
	handler := NewHTTPHandler(a, nil)

	// malformed subject
	rec := doJSON(t, handler, http.MethodPost, "/v1/check",
		`{"tenant_id":"acme","subject":"nonsense","permission":"view","object":"doc:d1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// missing tenant
	rec = doJSON(t, handler, http.MethodPost, "/v1/check",
		`{"subject":"user:anne","permission":"view","object":"doc:d1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// unknown permission
	rec = doJSON(t, handler, http.MethodPost, "/v1/check",
		`{"tenant_id":"acme","subject":"user:anne","permission":"fly","object":"doc:d1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// invalid body
	rec = doJSON(t, handler, http.MethodPost, "/v1/check", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPConditionalWrite(t *testing.T) {
	a := newAuthorizer(t)
	handler := NewHTTPHandler(a, nil)

	rec := doJSON(t, handler, http.MethodPost, "/v1/tuples",
		`{"tenant_id":"acme","subject":"user:anne","relation":"viewer","object":"doc:d1",
		  "condition":{"expression":"region == \"eu\"","context":{"region":"eu"}}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/v1/check",
		`{"tenant_id":"acme","subject":"user:anne","permission":"view","object":"doc:d1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var check checkResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	require.True(t, check.Allowed)

	rec = doJSON(t, handler, http.MethodPost, "/v1/check",
		`{"tenant_id":"acme","subject":"user:anne","permission":"view","object":"doc:d1",
		  "context":{"region":"us"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	require.False(t, check.Allowed)
}

func TestHTTPChanges(t *testing.T) {
	a := newAuthorizer(t)
	handler := NewHTTPHandler(a, nil)

	rec := doJSON(t, handler, http.MethodPost, "/v1/tuples",
		`{"tenant_id":"acme","subject":"user:anne","relation":"viewer","object":"doc:d1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/v1/changes?tenant_id=acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Changes []struct {
			Op    string `json:"op"`
			Tuple string `json:"tuple"`
		} `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Changes, 1)
	require.Equal(t, "write", body.Changes[0].Op)
	require.Equal(t, "doc:d1#viewer@user:anne", body.Changes[0].Tuple)
}

func TestHTTPShadowStatsWithoutShadowMode(t *testing.T) {
	a := newAuthorizer(t)
	handler := NewHTTPHandler(a, nil)

	rec := doJSON(t, handler, http.MethodGet, "/v1/shadow/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPShadowStatsLimitNormalization(t *testing.T) {
	a := newAuthorizer(t)
	handler := NewHTTPHandler(a, nil)

	// any unusable limit takes the default instead of failing the request
	for _, limit := range []string{"abc", "-3", "0", "9999"} {
		rec := doJSON(t, handler, http.MethodGet, "/v1/shadow/stats?limit="+limit, "")
		require.Equal(t, http.StatusOK, rec.Code, "limit %q", limit)
	}
}
