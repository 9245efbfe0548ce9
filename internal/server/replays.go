package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"panopticon/internal/app"
	"panopticon/internal/auth"
	"panopticon/internal/domain"
)

func registerReplays(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-session-replays",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/replays",
		Summary:     "List recorded replays of a session",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body ReplaysResponse `json:"body"`
	}, error) {
		// Replays may outlive the session record, so an unknown session is
		// not an error.
		if _, err := authorizeSession(ctx, a, input.SessionID, auth.ActionView); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, handleError(err)
		}
		items, err := a.Replays.Lookup(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ReplayResponse, 0, len(items))
		for _, rp := range items {
			out = append(out, replayResponse(rp))
		}
		return &struct {
			Body ReplaysResponse `json:"body"`
		}{Body: ReplaysResponse{SessionID: input.SessionID, Replays: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-upload-urls",
		Method:      http.MethodPost,
		Path:        "/replays/upload-urls",
		Summary:     "Presign frame and manifest uploads for one agent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body UploadURLsRequest `json:"body"`
	}) (*struct {
		Body UploadURLsResponse `json:"body"`
	}, error) {
		if a.Presigner == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "replay storage is not configured", nil)
		}
		if _, err := authorizeSession(ctx, a, input.Body.SessionID, auth.ActionUpload); err != nil {
			return nil, handleError(err)
		}
		s, err := a.Coordinator.Snapshot(input.Body.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, ok := s.Agent(input.Body.AgentID); !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "agent not found", map[string]any{"agent_id": input.Body.AgentID})
		}
		out, err := a.Presigner.UploadURLs(ctx, input.Body.SessionID, input.Body.AgentID, input.Body.FrameCount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UploadURLsResponse `json:"body"`
		}{Body: out}, nil
	})
}

// registerReplayFiles serves frames and manifests written under the replay
// root. The route is public so viewers can load frames into <img> tags.
func registerReplayFiles(r chi.Router, basePath, root string, logger *slog.Logger) {
	r.Get(path.Join("/", basePath, "replays/files")+"/*", func(w http.ResponseWriter, req *http.Request) {
		rel := chi.URLParam(req, "*")
		for _, seg := range strings.Split(rel, "/") {
			if seg == ".." {
				writeAPIError(w, newAPIError(http.StatusForbidden, "forbidden", "invalid path", nil))
				return
			}
		}
		clean := path.Clean("/" + rel)
		if clean == "/" {
			writeAPIError(w, newAPIError(http.StatusNotFound, "not_found", "file not found", nil))
			return
		}
		full := filepath.Join(root, filepath.FromSlash(clean))
		f, err := os.Open(full)
		if err != nil {
			writeAPIError(w, newAPIError(http.StatusNotFound, "not_found", "file not found", nil))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			writeAPIError(w, newAPIError(http.StatusNotFound, "not_found", "file not found", nil))
			return
		}
		w.Header().Set("Content-Type", replayContentType(clean))
		w.Header().Set("Cache-Control", "public, max-age=3600, immutable")
		logger.Debug("serving replay file", "path", clean, "bytes", info.Size())
		http.ServeContent(w, req, info.Name(), info.ModTime(), f)
	})
}

func replayContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
