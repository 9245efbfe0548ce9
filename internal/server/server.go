package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"panopticon/internal/app"
	"panopticon/internal/domain"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

// Version is reported by /health and the OpenAPI document.
const Version = "0.3.0"

type bodyBytesKey struct{}

// New returns an HTTP handler exposing the Panopticon API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.App.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	useErrorEnvelope()

	router := chi.NewRouter()
	router.Use(captureBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	hcfg := huma.DefaultConfig("Panopticon API", Version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.Info.Description = "Prompt decomposition, approval and live supervision of parallel browser agents."
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.App)
	registerSessions(group, cfg.App)
	registerStream(group, cfg.App, logger)
	registerLog(group, cfg.App)
	registerReplays(group, cfg.App)
	registerReplayFiles(router, basePath, cfg.App.Config.ReplayRoot(cfg.App.Workspace), logger)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	mountOpenAPI(router, api, basePath)

	return router, nil
}

// captureBody buffers non-GET request bodies so handlers can tell an
// absent body from an empty JSON object.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if r.Body != nil && r.Method != http.MethodGet {
			buf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(buf))
			ctx = context.WithValue(ctx, bodyBytesKey{}, buf)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type healthOutput struct {
	Body struct {
		Status       string `json:"status" example:"ok"`
		Version      string `json:"version"`
		LiveSessions int    `json:"live_sessions"`
	}
}

func registerHealth(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness and live session count",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		out.Body.Version = Version
		for _, s := range a.Store.List() {
			if !s.Status.Terminal() {
				out.Body.LiveSessions++
			}
		}
		return out, nil
	})
}

const maxDevTokenTTL = 7 * 24 * time.Hour

type devLoginInput struct {
	Body DevLoginRequest `json:"body"`
}

type devLoginOutput struct {
	Body DevLoginResponse `json:"body"`
}

// registerDevAuth mounts a token mint for local use. It is only mounted
// when a JWT secret is configured.
func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development JWT for an actor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *devLoginInput) (*devLoginOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		var ttl time.Duration
		if raw := input.Body.TTL; raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 || d > maxDevTokenTTL {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "ttl must be a positive duration up to 168h", map[string]any{"ttl": raw})
			}
			ttl = d
		}
		token, expires, err := signDevToken(authCfg.JWTSecret, actor, ttl, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &devLoginOutput{Body: DevLoginResponse{Token: token, ActorID: actor, ExpiresAt: expires.UTC().Format(time.RFC3339)}}, nil
	})
}

// bodyBytes returns the request body buffered by captureBody.
func bodyBytes(ctx context.Context) []byte {
	buf, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return buf
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func normalizeLimit(n int) int {
	switch {
	case n <= 0:
		return defaultPageSize
	case n > maxPageSize:
		return maxPageSize
	}
	return n
}

// Session list cursors are "created_at|id" of the last row returned.

func parseCompositeCursor(cursor string) (ts, id string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	ts, id, ok := strings.Cut(cursor, "|")
	if !ok || ts == "" || id == "" {
		return "", "", fmt.Errorf("%w: malformed cursor %q", domain.ErrInvalidInput, cursor)
	}
	return ts, id, nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
