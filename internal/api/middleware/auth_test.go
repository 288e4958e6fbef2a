package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestMapGroupsToRole проверяет маппинг групп IdP в роли.
func TestMapGroupsToRole(t *testing.T) {
	adminGroups := []string{"/artstore-admins"}
	readonlyGroups := []string{"/artstore-viewers"}

	tests := []struct {
		name   string
		groups []string
		want   string
	}{
		{"админская группа", []string{"/artstore-admins"}, RoleAdmin},
		{"readonly группа", []string{"/artstore-viewers"}, RoleReadonly},
		{"обе группы — максимальная роль", []string{"/artstore-viewers", "/artstore-admins"}, RoleAdmin},
		{"неизвестная группа", []string{"/other"}, ""},
		{"без групп", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapGroupsToRole(tt.groups, adminGroups, readonlyGroups)
			if got != tt.want {
				t.Errorf("mapGroupsToRole(%v) = %q, ожидалось %q", tt.groups, got, tt.want)
			}
		})
	}
}

// TestHasAnyScope проверяет поиск scope у Service Account.
func TestHasAnyScope(t *testing.T) {
	claims := &AuthClaims{
		SubjectType: SubjectTypeSA,
		Scopes:      []string{"openid", ScopeIngestWrite},
	}

	if !claims.HasAnyScope(ScopeIngestWrite) {
		t.Error("ожидался найденный scope ingest:write")
	}
	if !claims.HasAnyScope(ScopeIngestRead, ScopeIngestWrite) {
		t.Error("ожидался найденный scope из набора")
	}
	if claims.HasAnyScope(ScopeIngestRead) {
		t.Error("scope ingest:read не должен находиться")
	}
}

// requestWithClaims создаёт запрос с claims в контексте.
func requestWithClaims(claims *AuthClaims) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ingest/queue", nil)
	ctx := context.WithValue(req.Context(), ContextKeyClaims, claims)
	return req.WithContext(ctx)
}

// TestRequireRoleOrScope проверяет авторизацию по ролям и scopes.
func TestRequireRoleOrScope(t *testing.T) {
	mw := RequireRoleOrScope(
		[]string{RoleAdmin},
		[]string{ScopeIngestWrite},
	)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		claims *AuthClaims
		want   int
	}{
		{
			"user с ролью admin",
			&AuthClaims{SubjectType: SubjectTypeUser, EffectiveRole: RoleAdmin},
			http.StatusOK,
		},
		{
			"user с ролью readonly — отказ",
			&AuthClaims{SubjectType: SubjectTypeUser, EffectiveRole: RoleReadonly},
			http.StatusForbidden,
		},
		{
			"SA со scope ingest:write",
			&AuthClaims{SubjectType: SubjectTypeSA, Scopes: []string{ScopeIngestWrite}},
			http.StatusOK,
		},
		{
			"SA без нужного scope — отказ",
			&AuthClaims{SubjectType: SubjectTypeSA, Scopes: []string{ScopeIngestRead}},
			http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, requestWithClaims(tt.claims))
			if rr.Code != tt.want {
				t.Errorf("status = %d, ожидался %d", rr.Code, tt.want)
			}
		})
	}
}

// TestRequireRoleOrScope_NoClaims проверяет отказ без claims в контексте.
func TestRequireRoleOrScope_NoClaims(t *testing.T) {
	mw := RequireRoleOrScope([]string{RoleAdmin}, []string{ScopeIngestWrite})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/ingest/queue", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, ожидался 401", rr.Code)
	}
}

// TestNormalizePath проверяет нормализацию динамических сегментов.
func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/metrics", "/metrics"},
		{"/api/v1/uploads", "/api/v1/uploads"},
		{"/api/v1/uploads/t1-123/parts/4", "/api/v1/uploads/{id}/parts/{n}"},
		{"/api/v1/uploads/t1-123/complete", "/api/v1/uploads/{id}/complete"},
		{"/api/v1/uploads/t1-123/progress", "/api/v1/uploads/{id}/progress"},
		{"/api/v1/uploads/t1-123", "/api/v1/uploads/{id}"},
		{"/api/v1/ingest/files/abc/status", "/api/v1/ingest/files/{key}/status"},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, ожидалось %q", tt.path, got, tt.want)
		}
	}
}
