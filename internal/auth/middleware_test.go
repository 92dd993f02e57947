package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsignedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return s
}

func TestExtractRoleFromMapClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{
			name:   "supabase app_metadata",
			claims: jwt.MapClaims{"app_metadata": map[string]interface{}{"role": "supervisor"}},
			want:   RoleSupervisor,
		},
		{
			name:   "custom claim",
			claims: jwt.MapClaims{"user_role": "agent"},
			want:   RoleAgent,
		},
		{
			name: "keycloak picks highest",
			claims: jwt.MapClaims{"realm_access": map[string]interface{}{
				"roles": []interface{}{"offline_access", "agent", "admin"},
			}},
			want: RoleAdmin,
		},
		{
			name:   "unknown role falls through",
			claims: jwt.MapClaims{"app_metadata": map[string]interface{}{"role": "root"}},
			want:   RoleViewer,
		},
		{
			name:   "nothing",
			claims: jwt.MapClaims{},
			want:   RoleViewer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractRoleFromMapClaims(tt.claims))
		})
	}
}

func TestExtractSectors(t *testing.T) {
	claims := jwt.MapClaims{"app_metadata": map[string]interface{}{
		"sectors": []interface{}{"billing", "", 7, "support"},
	}}
	assert.Equal(t, []string{"billing", "support"}, extractSectorsFromMapClaims(claims))
	assert.Empty(t, extractSectorsFromMapClaims(jwt.MapClaims{}))
}

func TestResolveJWKSURL(t *testing.T) {
	t.Setenv("JWKS_URL", "")
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("OIDC_ISSUER", "https://sso.example.com/realms/helpdesk/")
	assert.Equal(t, "https://sso.example.com/realms/helpdesk/protocol/openid-connect/certs", ResolveJWKSURL())

	t.Setenv("SUPABASE_URL", "https://proj.supabase.co")
	assert.Equal(t, "https://proj.supabase.co/auth/v1/.well-known/jwks.json", ResolveJWKSURL())

	t.Setenv("JWKS_URL", "https://keys.example.com/jwks")
	assert.Equal(t, "https://keys.example.com/jwks", ResolveJWKSURL())
}

func TestMiddleware(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("VERIFY_JWT_SIGNATURE", "false")
	t.Setenv("SKIP_AUTH", "false")

	var seen *Claims
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		tok := unsignedToken(t, jwt.MapClaims{"sub": "u1", "exp": float64(time.Now().Add(-time.Hour).Unix())})
		req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid header token", func(t *testing.T) {
		tok := unsignedToken(t, jwt.MapClaims{
			"sub":          "u1",
			"email":        "sup@example.com",
			"exp":          float64(time.Now().Add(time.Hour).Unix()),
			"app_metadata": map[string]interface{}{"role": "supervisor", "sectors": []interface{}{"s1"}},
		})
		req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "u1", seen.Subject)
		assert.Equal(t, RoleSupervisor, seen.Role)
		assert.Equal(t, []string{"s1"}, seen.Sectors)
	})

	t.Run("query token", func(t *testing.T) {
		tok := unsignedToken(t, jwt.MapClaims{"sub": "agent-7", "user_role": "agent"})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/agent?token="+tok, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "agent-7", seen.Subject)
	})

	t.Run("health bypass", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMiddleware_SkipAuth(t *testing.T) {
	t.Setenv("SKIP_AUTH", "true")

	var seen *Claims
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetUserFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/x", nil))

	require.NotNil(t, seen)
	assert.Equal(t, RoleAdmin, seen.Role)
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	guarded := RequireRole(RoleAdmin, RoleSupervisor)(ok)

	tests := []struct {
		name   string
		claims *Claims
		want   int
	}{
		{"no user", nil, http.StatusUnauthorized},
		{"agent", &Claims{Role: RoleAgent}, http.StatusForbidden},
		{"supervisor", &Claims{Role: RoleSupervisor}, http.StatusNoContent},
		{"admin", &Claims{Role: RoleAdmin}, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.claims != nil {
				req = req.WithContext(WithUser(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			guarded.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestClaimsPermissions(t *testing.T) {
	admin := &Claims{Role: RoleAdmin}
	sup := &Claims{Role: RoleSupervisor, Sectors: []string{"s1"}}
	agent := &Claims{Role: RoleAgent, RegisteredClaims: jwt.RegisteredClaims{Subject: "a1"}}
	viewer := &Claims{Role: RoleViewer}

	assert.True(t, admin.CanManageSector("anything"))
	assert.True(t, sup.CanManageSector("s1"))
	assert.False(t, sup.CanManageSector("s2"))
	assert.False(t, agent.CanManageSector("s1"))

	assert.True(t, sup.CanActAsAgent("a1"))
	assert.True(t, agent.CanActAsAgent("a1"))
	assert.False(t, agent.CanActAsAgent("a2"))
	assert.False(t, viewer.CanActAsAgent("a1"))
}
