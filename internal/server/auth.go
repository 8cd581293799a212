package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"jobforge/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// AllowAnonymous maps unauthenticated requests to a local principal.
	// Used for single-operator deployments and in-process tests; it only
	// takes effect when no JWT secret is configured.
	AllowAnonymous bool
}

type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// newAuthMiddleware resolves a Principal for every API request. Resolution
// order: bearer JWT, then X-Api-Key, then the anonymous local principal
// when permitted. The health endpoint and non-API paths pass through.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			principal, authErr := resolvePrincipal(req, cfg, r)
			if authErr != nil {
				respondStatusError(w, authErr)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func resolvePrincipal(req *http.Request, cfg AuthConfig, r repo.Repo) (Principal, huma.StatusError) {
	badCredentials := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)

	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return Principal{}, badCredentials
		}
		p, err := verifyJWT(strings.TrimSpace(token), cfg.JWTSecret)
		if err != nil {
			return Principal{}, badCredentials
		}
		return p, nil
	}

	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		record, err := r.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(key))
		if err != nil || record.ActorID == "" {
			return Principal{}, badCredentials
		}
		return Principal{ActorID: record.ActorID, Source: "api_key"}, nil
	}

	if cfg.AllowAnonymous && strings.TrimSpace(cfg.JWTSecret) == "" {
		return Principal{ActorID: "local-user", Source: "anonymous"}, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func verifyJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, errors.New("invalid token")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
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
