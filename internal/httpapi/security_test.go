package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpiboard/backend/internal/access"
	"kpiboard/backend/internal/blob"
	"kpiboard/backend/internal/calendar"
	"kpiboard/backend/internal/domain"
	"kpiboard/backend/internal/ledger"
	"kpiboard/backend/internal/service"
	"kpiboard/backend/internal/store"
)

func fetchCSRFToken(t *testing.T, api *API) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code, "csrf token")

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.NotEmpty(t, body["csrf_token"])
	return body["csrf_token"]
}

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	assert.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", res.Header().Get("X-Frame-Options"))
	assert.Contains(t, res.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestPreflightShortCircuits(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/orgs", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestLoginRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	body, _ := json.Marshal(domain.LoginRequest{Email: "nobody@example.com", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		api.Handler().ServeHTTP(res, req)

		want := http.StatusUnauthorized
		if i == 5 {
			want = http.StatusTooManyRequests
		}
		require.Equal(t, want, res.Code, "attempt %d", i+1)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"email":"%s@example.com","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestUnknownJSONFieldsRejected(t *testing.T) {
	api := newTestAPI(t)
	s := register(t, api, "strict@example.com", "Strict")

	res := s.do(t, api, http.MethodPost, "/api/v1/orgs", map[string]string{"name": "Shop", "color": "red"})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestMutationsRequireCSRFToken(t *testing.T) {
	api := newTestAPI(t)
	s := register(t, api, "csrf@example.com", "Cee")
	orgID := firstOrgID(t, api, s)

	noCSRF := session{token: s.token}
	for _, tc := range []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/api/v1/orgs/" + orgID + "/stores", domain.NamedCreateRequest{Name: "Downtown"}},
		{http.MethodDelete, "/api/v1/orgs/" + orgID + "/stores/store_x", nil},
		{http.MethodPatch, "/api/v1/orgs/" + orgID + "/members/mem_x", domain.MemberRoleUpdateRequest{Role: domain.RoleAdmin}},
	} {
		res := noCSRF.do(t, api, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusForbidden, res.Code, "%s %s without csrf", tc.method, tc.path)
	}

	forged := session{token: s.token, csrf: "0:deadbeef"}
	res := forged.do(t, api, http.MethodPost, "/api/v1/orgs/"+orgID+"/stores", domain.NamedCreateRequest{Name: "Downtown"})
	assert.Equal(t, http.StatusForbidden, res.Code, "forged csrf")

	res = s.do(t, api, http.MethodPost, "/api/v1/orgs/"+orgID+"/stores", domain.NamedCreateRequest{Name: "Downtown"})
	assert.Equal(t, http.StatusCreated, res.Code, res.Body.String())
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	res := httptest.NewRecorder()
	writeServiceError(res, errors.New("pq: connection refused on 10.0.0.5"))

	assert.Equal(t, http.StatusInternalServerError, res.Code)
	assert.NotContains(t, res.Body.String(), "10.0.0.5")
}

func TestStatusForMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("wrap: %w", access.ErrUnauthorized), http.StatusForbidden},
		{access.ErrForbidden, http.StatusForbidden},
		{store.ErrNotFound, http.StatusNotFound},
		{blob.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: slug taken", store.ErrConflict), http.StatusConflict},
		{store.ErrInvalid, http.StatusBadRequest},
		{ledger.ErrInvalidEntry, http.StatusBadRequest},
		{calendar.ErrInvalidKey, http.StatusBadRequest},
		{service.ErrLastOwner, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), "statusFor(%v)", tc.err)
	}
}
