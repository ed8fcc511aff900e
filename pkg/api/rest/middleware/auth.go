package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the issuer of tokens minted by GenerateToken. Tokens from any
// other issuer are rejected.
const Issuer = "synthmetrics"

// ScopeAllResults grants read access to every metric's results and to whole
// runs. A token otherwise needs MetricScope(name) for each metric it reads.
const ScopeAllResults = "results:*"

// MetricScope is the read grant for one metric's results.
func MetricScope(metric string) string {
	return "results:" + strings.ToLower(metric)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string
	Enabled     bool
	PublicPaths []string
	// Scope names the grant a request needs; "" admits any valid token.
	// Nil uses ResultsScope.
	Scope func(r *http.Request) string
}

// Claims are the claims of a results API token. Subject identifies the
// caller for rate limiting and access logs.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims carry scope.
func (c *Claims) Allows(scope string) bool {
	if scope == "" {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope || (s == ScopeAllResults && strings.HasPrefix(scope, "results:")) {
			return true
		}
	}
	return false
}

// ResultsScope maps a results API request to the grant it needs: the metric's
// scope for /v1/results/{metric} or ?metric=, ScopeAllResults for unfiltered
// listings and /v1/runs/{id}, and nothing for the metric catalogue.
func ResultsScope(r *http.Request) string {
	p := r.URL.Path
	switch {
	case p == "/v1/results" || p == "/v1/results/":
		if m := r.URL.Query().Get("metric"); m != "" {
			return MetricScope(m)
		}
		return ScopeAllResults
	case strings.HasPrefix(p, "/v1/results/"):
		return MetricScope(strings.Trim(strings.TrimPrefix(p, "/v1/results/"), "/"))
	case strings.HasPrefix(p, "/v1/runs/"):
		return ScopeAllResults
	}
	return ""
}

type contextKey string

// ClaimsContextKey is the key for token claims in the request context
const ClaimsContextKey contextKey = "claims"

// AuthMiddleware checks the bearer token of every non-public request and the
// scope it needs. Missing or invalid tokens get 401, missing scopes 403.
func AuthMiddleware(config AuthConfig) func(http.Handler) http.Handler {
	scopeOf := config.Scope
	if scopeOf == nil {
		scopeOf = ResultsScope
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
	)
	key := func(*jwt.Token) (interface{}, error) { return []byte(config.JWTSecret), nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			for _, path := range config.PublicPaths {
				if strings.HasPrefix(r.URL.Path, path) {
					next.ServeHTTP(w, r)
					return
				}
			}

			raw, ok := bearerToken(r)
			if !ok {
				writeJSONError(w, "Missing bearer token", http.StatusUnauthorized)
				return
			}
			claims := &Claims{}
			if _, err := parser.ParseWithClaims(raw, claims, key); err != nil {
				writeJSONError(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}

			if scope := scopeOf(r); !claims.Allows(scope) {
				writeJSONError(w, "Token lacks scope "+scope, http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ClaimsFromContext returns the claims of an authenticated request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	return claims, ok
}

// GenerateToken mints an HS256 token for subject carrying scopes, valid for
// ttl; ttl <= 0 never expires.
func GenerateToken(subject string, scopes []string, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   Issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
