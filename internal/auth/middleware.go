package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Roles in descending order of privilege
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
	RoleViewer     = "viewer"
)

var rolePriority = []string{RoleAdmin, RoleSupervisor, RoleAgent, RoleViewer}

type Claims struct {
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	Sectors []string `json:"sectors"` // Sectors a supervisor manages; admins manage all
	jwt.RegisteredClaims
}

type contextKey string

const UserContextKey contextKey = "user"

// JWKSManager handles JWKS fetching and caching
type JWKSManager struct {
	jwks       keyfunc.Keyfunc
	jwksURL    string
	mu         sync.RWMutex
	lastUpdate time.Time
}

var (
	jwksManager *JWKSManager
	jwksOnce    sync.Once
)

// InitJWKS initializes the JWKS manager for token verification.
// Call this on server startup in production mode.
func InitJWKS(jwksURL string) error {
	var initErr error
	jwksOnce.Do(func() {
		jwksManager = &JWKSManager{jwksURL: jwksURL}
		initErr = jwksManager.refresh()
	})
	return initErr
}

// ResolveJWKSURL picks the key set location from the environment:
// JWKS_URL, then the Supabase project URL, then a Keycloak issuer
func ResolveJWKSURL() string {
	if url := os.Getenv("JWKS_URL"); url != "" {
		return url
	}
	if supabase := os.Getenv("SUPABASE_URL"); supabase != "" {
		return strings.TrimSuffix(supabase, "/") + "/auth/v1/.well-known/jwks.json"
	}
	if issuer := os.Getenv("OIDC_ISSUER"); issuer != "" {
		return strings.TrimSuffix(issuer, "/") + "/protocol/openid-connect/certs"
	}
	return ""
}

// refresh fetches the JWKS
func (m *JWKSManager) refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Info().Str("jwks_url", m.jwksURL).Msg("fetching JWKS")

	k, err := keyfunc.NewDefault([]string{m.jwksURL})
	if err != nil {
		return fmt.Errorf("failed to create keyfunc: %w", err)
	}

	m.jwks = k
	m.lastUpdate = time.Now()
	log.Info().Msg("JWKS loaded")
	return nil
}

// getKeyfunc returns the JWT keyfunc for token verification
func (m *JWKSManager) getKeyfunc() jwt.Keyfunc {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.jwks == nil {
		return nil
	}
	return m.jwks.Keyfunc
}

// Middleware validates bearer tokens and stores the claims in the request context
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health check
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		if os.Getenv("SKIP_AUTH") == "true" {
			log.Debug().Msg("SKIP_AUTH enabled, bypassing authentication")
			ctx := WithUser(r.Context(), &Claims{
				Email: "dev@handoff.local",
				Name:  "Dev User",
				Role:  RoleAdmin,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		claims, err := validateToken(tokenString)
		if err != nil {
			log.Warn().Err(err).Msg("token validation failed")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		log.Debug().
			Str("user", claims.Email).
			Str("role", claims.Role).
			Msg("user authenticated")

		ctx := WithUser(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose user holds none of the given roles
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden")
		})
	}
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// Query parameter for WebSocket connections
	return r.URL.Query().Get("token")
}

// validateToken validates the JWT token with optional signature verification
func validateToken(tokenString string) (*Claims, error) {
	env := os.Getenv("ENV")
	verifySignature := os.Getenv("VERIFY_JWT_SIGNATURE") == "true"

	// Outside development, always verify
	if env != "development" && env != "" {
		verifySignature = true
	}

	var (
		token *jwt.Token
		err   error
	)
	if verifySignature {
		token, err = parseAndVerifyToken(tokenString)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn().Msg("JWT signature verification disabled (development mode)")
		token, _, err = new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := claimsFromMap(mapClaims)

	// Verified tokens have exp checked by the parser
	if !verifySignature {
		if exp, ok := mapClaims["exp"].(float64); ok {
			expTime := time.Unix(int64(exp), 0)
			claims.ExpiresAt = jwt.NewNumericDate(expTime)
			if expTime.Before(time.Now()) {
				return nil, fmt.Errorf("token expired")
			}
		}
	}

	return claims, nil
}

func claimsFromMap(mapClaims jwt.MapClaims) *Claims {
	claims := &Claims{}

	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}

	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferredUsername, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferredUsername
	} else if meta, ok := mapClaims["user_metadata"].(map[string]interface{}); ok {
		if fullName, ok := meta["full_name"].(string); ok {
			claims.Name = fullName
		}
	}

	claims.Role = extractRoleFromMapClaims(mapClaims)
	claims.Sectors = extractSectorsFromMapClaims(mapClaims)

	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	return claims
}

// parseAndVerifyToken verifies the JWT signature using JWKS
func parseAndVerifyToken(tokenString string) (*jwt.Token, error) {
	if jwksManager == nil {
		jwksURL := ResolveJWKSURL()
		if jwksURL == "" {
			return nil, fmt.Errorf("no JWKS_URL, SUPABASE_URL or OIDC_ISSUER configured for JWT verification")
		}
		if err := InitJWKS(jwksURL); err != nil {
			return nil, fmt.Errorf("failed to initialize JWKS: %w", err)
		}
	}

	kf := jwksManager.getKeyfunc()
	if kf == nil {
		return nil, fmt.Errorf("JWKS not available")
	}

	token, err := jwt.Parse(tokenString, kf, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

// extractRoleFromMapClaims extracts the role from Supabase app_metadata,
// a user_role custom claim, or Keycloak realm_access.roles
func extractRoleFromMapClaims(mapClaims jwt.MapClaims) string {
	if appMeta, ok := mapClaims["app_metadata"].(map[string]interface{}); ok {
		if role, ok := appMeta["role"].(string); ok && isKnownRole(role) {
			return role
		}
	}

	if role, ok := mapClaims["user_role"].(string); ok && isKnownRole(role) {
		return role
	}

	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			for _, priority := range rolePriority {
				for _, role := range roles {
					if roleStr, ok := role.(string); ok && roleStr == priority {
						return roleStr
					}
				}
			}
		}
	}

	return RoleViewer
}

// extractSectorsFromMapClaims reads app_metadata.sectors
func extractSectorsFromMapClaims(mapClaims jwt.MapClaims) []string {
	var sectors []string

	appMeta, ok := mapClaims["app_metadata"].(map[string]interface{})
	if !ok {
		return sectors
	}
	raw, ok := appMeta["sectors"].([]interface{})
	if !ok {
		return sectors
	}
	for _, s := range raw {
		if sector, ok := s.(string); ok && sector != "" {
			sectors = append(sectors, sector)
		}
	}
	return sectors
}

func isKnownRole(role string) bool {
	for _, r := range rolePriority {
		if r == role {
			return true
		}
	}
	return false
}

// WithUser stores claims in ctx
func WithUser(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, UserContextKey, claims)
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// HasRole checks if user has specific role
func HasRole(claims *Claims, role string) bool {
	return claims.Role == role
}

// CanManageSector reports whether the user may change a sector's policy or roster.
// Supervisors without sectors manage nothing.
func (c *Claims) CanManageSector(sectorID string) bool {
	switch c.Role {
	case RoleAdmin:
		return true
	case RoleSupervisor:
		for _, s := range c.Sectors {
			if s == sectorID {
				return true
			}
		}
	}
	return false
}

// CanActAsAgent reports whether the user may change the given agent's presence
func (c *Claims) CanActAsAgent(agentID string) bool {
	if c.Role == RoleAdmin || c.Role == RoleSupervisor {
		return true
	}
	return c.Role == RoleAgent && c.Subject == agentID
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
