package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"panopticon/internal/app"
	"panopticon/internal/auth"
	"panopticon/internal/events"
)

const streamBuffer = 256

// streamEventTypes maps SSE event names to their payload types.
var streamEventTypes = map[string]any{
	"session:snapshot":               SessionSnapshotEvent{},
	"error":                          StreamErrorEvent{},
	string(events.TaskCreated):       events.TaskCreatedEvent{},
	string(events.TaskAssigned):      events.TaskAssignedEvent{},
	string(events.TaskCompleted):     events.TaskCompletedEvent{},
	string(events.AgentJoin):         events.AgentJoinEvent{},
	string(events.AgentStreamReady):  events.AgentStreamReadyEvent{},
	string(events.AgentThinking):     events.AgentThinkingEvent{},
	string(events.AgentReasoning):    events.AgentReasoningEvent{},
	string(events.AgentError):        events.AgentErrorEvent{},
	string(events.AgentTerminated):   events.AgentTerminatedEvent{},
	string(events.WhiteboardUpdated): events.WhiteboardUpdatedEvent{},
	string(events.ReplayReady):       events.ReplayReadyEvent{},
	string(events.SessionComplete):   events.SessionCompleteEvent{},
	string(events.SessionTasksDone):  events.SessionTasksDoneEvent{},
	string(events.SessionStatus):     events.SessionStatusEvent{},
}

func registerStream(api huma.API, a *app.App, logger *slog.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "Stream live session events",
		Description: "Opens with a session:snapshot, then relays every event of the session room. The stream ends after the session reaches a terminal status.",
	}, streamEventTypes, func(ctx context.Context, input *sessionPath, send sse.Sender) {
		sendError := func(err error) {
			se := handleError(err)
			code := "error"
			if ae, ok := se.(*apiError); ok {
				code = ae.Body.Code
			}
			_ = send.Data(StreamErrorEvent{Code: code, Message: se.Error()})
		}
		if _, err := authorizeSession(ctx, a, input.SessionID, auth.ActionView); err != nil {
			sendError(err)
			return
		}

		// Subscribe before the snapshot so nothing published in between is lost.
		sub := a.Hub.Subscribe(input.SessionID, streamBuffer)
		defer a.Hub.Unsubscribe(sub)

		s, err := a.Coordinator.Snapshot(input.SessionID)
		if err != nil {
			sum, herr := a.Repo.GetSession(ctx, input.SessionID)
			if herr != nil {
				sendError(herr)
				return
			}
			_ = send.Data(SessionSnapshotEvent{Session: summaryResponse(sum)})
			return
		}
		if err := send.Data(SessionSnapshotEvent{Session: sessionResponse(s)}); err != nil {
			return
		}
		if s.Status.Terminal() {
			return
		}

		log := logger.With("session_id", input.SessionID)
		log.Debug("event stream opened")
		defer func() { log.Debug("event stream closed", "dropped", sub.Dropped()) }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				if msg.Name.Directive() {
					continue
				}
				if err := send(sse.Message{ID: int(msg.Seq), Data: msg.Payload}); err != nil {
					return
				}
				if st, ok := msg.Payload.(events.SessionStatusEvent); ok && st.Status.Terminal() {
					return
				}
			}
		}
	})
}

func registerLog(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-session-log",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/log",
		Summary:     "List journaled lifecycle events of a session, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := authorizeSession(ctx, a, input.SessionID, auth.ActionView); err != nil {
			return nil, handleError(err)
		}
		var cursor int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || v <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = v
		}
		limit := normalizeLimit(input.Limit)
		items, err := a.Repo.LatestEventsFrom(ctx, limit+1, cursor, input.SessionID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(items) > limit {
			next = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		out := make([]EventResponse, 0, len(items))
		for _, e := range items {
			out = append(out, eventResponse(e))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: out, NextCursor: next}}, nil
	})
}
