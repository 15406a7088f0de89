package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// Role is a homenavi account role. Roles are ordered; see AtLeast.
type Role string

const (
	RolePublic   Role = "public"
	RoleUser     Role = "user"
	RoleResident Role = "resident"
	RoleAdmin    Role = "admin"
	RoleService  Role = "service"
)

var roleRank = map[Role]int{
	RolePublic:   0,
	RoleUser:     1,
	RoleResident: 2,
	RoleAdmin:    3,
	RoleService:  4,
}

// AtLeast reports whether r ranks at or above required. Unknown roles rank
// below everything.
func (r Role) AtLeast(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	want, ok := roleRank[required]
	return ok && have >= want
}

type Claims struct {
	Role Role   `json:"role"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

type claimsKeyType struct{}

var claimsKey claimsKeyType

func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key %s: %w", path, err)
	}
	return key, nil
}

// Verifier checks RS256 access tokens minted by the homenavi auth service.
type Verifier struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

func NewVerifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{
		key: key,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

// Middleware rejects requests without a valid token and stores the claims
// on the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			deny(w, r, http.StatusUnauthorized, "missing token")
			return
		}
		claims, err := v.Verify(raw)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			deny(w, r, http.StatusUnauthorized, "token expired")
			return
		case err != nil:
			deny(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// RequireRole admits callers whose role is at least required. It must run
// behind Verifier.Middleware.
func RequireRole(required Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			if claims == nil {
				deny(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !claims.Role.AtLeast(required) {
				deny(w, r, http.StatusForbidden, fmt.Sprintf("role %s required", required))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClaimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

// deny writes the gateway's error envelope, tagged with the request's
// correlation id so rejected calls can be traced in the logs.
func deny(w http.ResponseWriter, r *http.Request, status int, message string) {
	corrID := GetCorrelationID(r.Context())
	slog.Debug("request denied", "path", r.URL.Path, "status", status, "reason", message, "correlation_id", corrID)

	body := map[string]any{"success": false, "error": message}
	if corrID != "" {
		body["correlation_id"] = corrID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func bearerToken(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if cookie, err := r.Cookie("auth_token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	// Browsers cannot set headers on websocket upgrades.
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("access_token")
	}
	return ""
}
