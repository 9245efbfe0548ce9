package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"panopticon/internal/repo"
)

const (
	defaultDevTokenTTL = 12 * time.Hour
	tokenAudience      = "panopticon"
	tokenLeeway        = 30 * time.Second
)

// AuthConfig selects which credentials the API accepts. Bearer tokens
// win over API keys, which win over the X-Actor-Id header.
type AuthConfig struct {
	JWTSecret string
	// AllowLegacyActorHeader trusts X-Actor-Id without verification.
	AllowLegacyActorHeader bool
	DevLogin               bool
	Logger                 *slog.Logger
}

// Principal is the authenticated caller. Source is "jwt", "api_key" or
// "actor_header".
type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

var errNoCredentials = errors.New("authentication required")

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", errNoCredentials.Error(), nil)
}

func verifyToken(raw, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("bearer tokens are not enabled")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
	)
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

// signDevToken mints an HS256 token for actorID valid for ttl.
func signDevToken(secret, actorID string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = defaultDevTokenTTL
	}
	expires := now.Add(ttl)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   actorID,
		Issuer:    "panopticon-dev",
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

type authenticator struct {
	cfg        AuthConfig
	repo       repo.Repo
	logger     *slog.Logger
	headerWarn sync.Once
}

// authenticate resolves the caller from the first credential present.
func (a *authenticator) authenticate(req *http.Request) (Principal, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return Principal{}, errors.New("malformed authorization header")
		}
		return verifyToken(strings.TrimSpace(token), a.cfg.JWTSecret)
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		stored, err := a.repo.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(key))
		if err != nil {
			return Principal{}, err
		}
		if err := a.repo.TouchAPIKey(req.Context(), stored.ID, time.Now()); err != nil {
			a.logger.Warn("record api key use failed", "key_id", stored.ID, "err", err)
		}
		return Principal{ActorID: stored.ActorID, Source: "api_key"}, nil
	}
	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && a.cfg.AllowLegacyActorHeader {
		a.headerWarn.Do(func() {
			a.logger.Warn("accepting unverified X-Actor-Id headers; turn off auth.allow_actor_header outside local use")
		})
		return Principal{ActorID: actor, Source: "actor_header"}, nil
	}
	return Principal{}, errNoCredentials
}

// newAuthMiddleware guards everything under basePath except openPaths,
// the OpenAPI document and replay files (fetched by <img> tags).
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	open := map[string]bool{path.Join(basePath, "openapi.json"): true}
	for _, p := range openPaths {
		open[path.Join(basePath, p)] = true
	}
	filesPrefix := path.Join(basePath, "replays/files") + "/"
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &authenticator{cfg: cfg, repo: r, logger: logger}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p := req.URL.Path
			if !strings.HasPrefix(p, basePath) || open[p] || strings.HasPrefix(p, filesPrefix) {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := a.authenticate(req)
			switch {
			case errors.Is(err, errNoCredentials):
				writeAPIError(w, newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil))
				return
			case err != nil:
				logger.Debug("credentials rejected", "path", p, "err", err)
				writeAPIError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func writeAPIError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
