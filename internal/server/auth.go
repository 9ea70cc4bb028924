package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"campustasks/internal/config"
	"campustasks/internal/domain"
	"campustasks/internal/engine"
	"campustasks/internal/repo"
)

type AuthConfig struct {
	// JWTSecret verifies campus identity tokens (HS256). Dev login mints
	// tokens with the same secret.
	JWTSecret     string
	EnableDevAuth bool
	Logger        *log.Logger
}

type Principal struct {
	ProfileID string
	Email     string
	Source    string
	SessionID string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ProfileID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func profileIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	return p.ProfileID, nil
}

type identityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// authenticateIdentity verifies a campus identity token. The email claim
// is re-checked against the configured campus domain on every request, so
// a token minted for a non-campus address never passes.
func authenticateIdentity(token, secret string, cfg *config.Config) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &identityClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" {
		return Principal{}, errors.New("email claim required")
	}
	if !cfg.AllowedEmail(email) {
		return Principal{}, errors.New("email outside campus domain")
	}
	return Principal{ProfileID: claims.Subject, Email: email, Source: "jwt"}, nil
}

// authenticateSession resolves a stored session token.
func authenticateSession(ctx context.Context, r repo.Repo, token string, now time.Time) (Principal, error) {
	if strings.TrimSpace(token) == "" {
		return Principal{}, errors.New("token required")
	}
	hash := repo.HashSessionToken(token)
	s, err := r.GetSessionByHash(ctx, hash)
	if err != nil {
		return Principal{}, err
	}
	expires, err := time.Parse(time.RFC3339, s.ExpiresAt)
	if err != nil || !expires.After(now) {
		return Principal{}, errors.New("session expired")
	}
	p, err := r.GetProfile(ctx, s.ProfileID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ProfileID: p.ID, Email: p.Email, Source: "session", SessionID: s.ID}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

const sessionTokenPrefix = "ct_"

// mintSessionToken creates the raw bearer token handed to clients.
func mintSessionToken() string {
	return sessionTokenPrefix + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// createSession persists a hashed session for the profile and returns the
// raw token with its expiry.
func createSession(ctx context.Context, e engine.Engine, profileID string) (string, string, error) {
	token := mintSessionToken()
	ttl := time.Duration(e.Config.Auth.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	now := time.Now().UTC()
	s := domain.Session{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		TokenHash: repo.HashSessionToken(token),
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(ttl).Format(time.RFC3339),
	}
	if err := e.Repo.InsertSession(ctx, s); err != nil {
		return "", "", err
	}
	return token, s.ExpiresAt, nil
}

func signDevToken(secret, profileID, email string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   profileID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
		Email: email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/login"):     true,
		path.Join(basePath, "auth/dev/login"): true,
		path.Join(basePath, "openapi.json"):   true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
				return
			}

			var principal Principal
			var err error
			if strings.HasPrefix(token, sessionTokenPrefix) {
				principal, err = authenticateSession(req.Context(), e.Repo, token, time.Now().UTC())
			} else {
				principal, err = authenticateIdentity(token, cfg.JWTSecret, e.Config)
				if err == nil {
					// First contact with a valid identity creates the profile.
					_, err = e.EnsureProfile(req.Context(), principal.ProfileID, principal.Email)
				}
			}
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
				return
			}
			ctx := withPrincipal(req.Context(), principal)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
