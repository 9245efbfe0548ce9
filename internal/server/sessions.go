package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"panopticon/internal/app"
	"panopticon/internal/auth"
	"panopticon/internal/coordinator"
	"panopticon/internal/domain"
	"panopticon/internal/repo"
)

type sessionPath struct {
	SessionID string `path:"session_id"`
}

type sessionBody struct {
	Body SessionResponse `json:"body"`
}

// sessionOwner resolves the owner of a live or historical session.
func sessionOwner(ctx context.Context, a *app.App, id string) (string, error) {
	if s, err := a.Coordinator.Snapshot(id); err == nil {
		return s.OwnerID, nil
	}
	sum, err := a.Repo.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return sum.OwnerID, nil
}

// authorizeSession returns the caller's actor ID once it may act on the
// session.
func authorizeSession(ctx context.Context, a *app.App, id, action string) (string, error) {
	actor, serr := actorIDFromContext(ctx)
	if serr != nil {
		return "", serr
	}
	owner, err := sessionOwner(ctx, a, id)
	if err != nil {
		return "", err
	}
	if err := auth.RequireOwner(id, owner, actor, action); err != nil {
		return "", err
	}
	return actor, nil
}

func registerSessions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create a session and decompose its prompt",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*sessionBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		s, err := a.Coordinator.Create(ctx, coordinator.CreateOptions{
			Prompt:     input.Body.Prompt,
			AgentCount: input.Body.AgentCount,
			OwnerID:    actor,
		})
		if err != nil {
			if errors.Is(err, domain.ErrDecomposition) && s.ID != "" {
				return nil, newAPIError(http.StatusBadGateway, "decomposition_failed", err.Error(), map[string]any{"session_id": s.ID})
			}
			return nil, handleError(err)
		}
		return &sessionBody{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List the caller's sessions, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"decomposing, pending_approval, running, completed or failed"`
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedSessions `json:"body"`
	}, error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		if !validStatus(input.Status) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := a.Repo.ListSessions(ctx, repo.SessionFilters{
			OwnerID:         actor,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(items) > limit {
			last := items[limit-1]
			next = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		out := make([]SessionResponse, 0, len(items))
		for _, it := range items {
			res := summaryResponse(it)
			if live, err := a.Coordinator.Snapshot(it.ID); err == nil {
				res = sessionResponse(live)
			}
			out = append(out, res)
		}
		return &struct {
			Body paginatedSessions `json:"body"`
		}{Body: paginatedSessions{Items: out, NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session snapshot",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*sessionBody, error) {
		if _, err := authorizeSession(ctx, a, input.SessionID, auth.ActionView); err != nil {
			return nil, handleError(err)
		}
		if s, err := a.Coordinator.Snapshot(input.SessionID); err == nil {
			return &sessionBody{Body: sessionResponse(s)}, nil
		}
		sum, err := a.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: summaryResponse(sum)}, nil
	})

	transitionErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusBadGateway,
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/approve",
		Summary:     "Approve the reviewed task list and launch workers",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		Body      ApproveRequest `json:"body"`
	}) (*sessionBody, error) {
		actor, err := authorizeSession(ctx, a, input.SessionID, auth.ActionApprove)
		if err != nil {
			return nil, handleError(err)
		}
		opts := coordinator.ApproveOptions{AgentCount: input.Body.AgentCount, ActorID: actor}
		if input.Body.Tasks != nil {
			opts.Tasks = make([]coordinator.TaskEdit, 0, len(input.Body.Tasks))
			for _, t := range input.Body.Tasks {
				opts.Tasks = append(opts.Tasks, coordinator.TaskEdit{ID: t.ID, Description: t.Description})
			}
		}
		s, err := a.Coordinator.Approve(ctx, input.SessionID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refine-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/refine",
		Summary:     "Re-decompose the pending task list with an instruction",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string        `path:"session_id"`
		Body      RefineRequest `json:"body"`
	}) (*sessionBody, error) {
		actor, err := authorizeSession(ctx, a, input.SessionID, auth.ActionRefine)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := a.Coordinator.Refine(ctx, input.SessionID, coordinator.RefineOptions{
			Instruction:  input.Body.Instruction,
			CurrentTasks: input.Body.CurrentTasks,
			ActorID:      actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "followup-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/followup",
		Summary:     "Add follow-up work to a running session",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		Body      FollowUpRequest `json:"body"`
	}) (*sessionBody, error) {
		actor, err := authorizeSession(ctx, a, input.SessionID, auth.ActionFollowUp)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := a.Coordinator.FollowUp(ctx, input.SessionID, input.Body.Instruction, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/finish",
		Summary:     "Complete a running session now",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionBody, error) {
		actor, err := authorizeSession(ctx, a, input.SessionID, auth.ActionFinish)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := a.Coordinator.Finish(ctx, input.SessionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/stop",
		Summary:     "Abort a session and kill its workers",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionBody, error) {
		actor, err := authorizeSession(ctx, a, input.SessionID, auth.ActionStop)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := a.Coordinator.Stop(ctx, input.SessionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-whiteboard",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/whiteboard",
		Summary:     "Read the shared whiteboard",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body WhiteboardResponse `json:"body"`
	}, error) {
		if _, err := authorizeSession(ctx, a, input.SessionID, auth.ActionView); err != nil {
			return nil, handleError(err)
		}
		content, err := a.Store.GetWhiteboard(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhiteboardResponse `json:"body"`
		}{Body: WhiteboardResponse{SessionID: input.SessionID, Content: content}}, nil
	})
}

func validStatus(status string) bool {
	switch domain.SessionStatus(status) {
	case "", domain.SessionDecomposing, domain.SessionPendingApproval, domain.SessionRunning,
		domain.SessionCompleted, domain.SessionFailed:
		return true
	}
	return false
}
