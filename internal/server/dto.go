package server

import (
	"encoding/json"
	"time"

	"panopticon/internal/domain"
	"panopticon/internal/objstore"
)

// Request DTOs

type CreateSessionRequest struct {
	Prompt     string `json:"prompt" minLength:"1" example:"Find the cheapest flight from NYC to London next Friday"`
	AgentCount int    `json:"agent_count" minimum:"1" example:"2"`
}

type TaskEditRequest struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
}

type ApproveRequest struct {
	// Tasks replaces the decomposed list when present.
	Tasks      []TaskEditRequest `json:"tasks,omitempty"`
	AgentCount int               `json:"agent_count,omitempty" minimum:"0"`
}

type RefineRequest struct {
	Instruction  string   `json:"instruction" minLength:"1" example:"Also compare hotel prices"`
	CurrentTasks []string `json:"current_tasks,omitempty"`
}

type FollowUpRequest struct {
	Instruction string `json:"instruction" minLength:"1"`
}

type UploadURLsRequest struct {
	SessionID  string `json:"session_id" minLength:"1"`
	AgentID    string `json:"agent_id" minLength:"1"`
	FrameCount int    `json:"frame_count" minimum:"1"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	TTL     string `json:"ttl,omitempty" example:"12h"`
}

// Response DTOs

type TaskResponse struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"pending,assigned,completed"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	Result      string `json:"result,omitempty"`
	Retries     int    `json:"retries,omitempty"`
}

type AgentResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status" enum:"booting,idle,active,error,terminated"`
	CurrentTaskID  string `json:"current_task_id,omitempty"`
	SandboxID      string `json:"sandbox_id,omitempty"`
	StreamURL      string `json:"stream_url,omitempty"`
	TasksCompleted int    `json:"tasks_completed"`
}

type SessionResponse struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Prompt      string          `json:"prompt"`
	AgentCount  int             `json:"agent_count"`
	Status      string          `json:"status" enum:"decomposing,pending_approval,running,completed,failed"`
	EndReason   string          `json:"end_reason,omitempty"`
	TasksDone   bool            `json:"tasks_done"`
	Whiteboard  string          `json:"whiteboard,omitempty"`
	Tasks       []TaskResponse  `json:"tasks"`
	Agents      []AgentResponse `json:"agents"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	CompletedAt string          `json:"completed_at,omitempty" format:"date-time"`
	// Live is false when the session is only known from history.
	Live bool `json:"live"`
}

type paginatedSessions struct {
	Items      []SessionResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type WhiteboardResponse struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type ReplayResponse struct {
	AgentID     string `json:"agent_id"`
	ManifestURL string `json:"manifest_url"`
	FrameCount  int    `json:"frame_count"`
	CreatedAt   string `json:"created_at,omitempty" format:"date-time"`
}

type ReplaysResponse struct {
	SessionID string           `json:"session_id"`
	Replays   []ReplayResponse `json:"replays"`
}

type UploadURLsResponse = objstore.UploadURLs

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token     string `json:"token"`
	ActorID   string `json:"actor_id"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// SessionSnapshotEvent opens every event stream so a reconnecting client
// starts from current state.
type SessionSnapshotEvent struct {
	Session SessionResponse `json:"session"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Description: t.Description,
		Status:      string(t.Status),
		AssignedTo:  stringOrEmpty(t.AssignedTo),
		Result:      t.Result,
		Retries:     t.Retries,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func sessionResponse(s domain.Session) SessionResponse {
	res := SessionResponse{
		ID:         s.ID,
		OwnerID:    s.OwnerID,
		Prompt:     s.Prompt,
		AgentCount: s.AgentCount,
		Status:     string(s.Status),
		EndReason:  string(s.EndReason),
		TasksDone:  s.TasksDone,
		Whiteboard: s.Whiteboard,
		Tasks:      mapTasks(s.Tasks),
		Agents:     make([]AgentResponse, 0, len(s.Agents)),
		CreatedAt:  s.CreatedAt.UTC().Format(time.RFC3339),
		Live:       true,
	}
	if s.CompletedAt != nil {
		res.CompletedAt = s.CompletedAt.UTC().Format(time.RFC3339)
	}
	for _, a := range s.Agents {
		res.Agents = append(res.Agents, AgentResponse{
			ID:             a.ID,
			Status:         string(a.Status),
			CurrentTaskID:  stringOrEmpty(a.CurrentTaskID),
			SandboxID:      a.SandboxID,
			StreamURL:      a.StreamURL,
			TasksCompleted: a.TasksCompleted,
		})
	}
	return res
}

func summaryResponse(s domain.SessionSummary) SessionResponse {
	return SessionResponse{
		ID:          s.ID,
		OwnerID:     s.OwnerID,
		Prompt:      s.Prompt,
		AgentCount:  s.AgentCount,
		Status:      string(s.Status),
		EndReason:   string(s.EndReason),
		Tasks:       mapTasks(s.Tasks),
		Agents:      []AgentResponse{},
		CreatedAt:   s.CreatedAt,
		CompletedAt: stringOrEmpty(s.CompletedAt),
	}
}

func replayResponse(rp domain.Replay) ReplayResponse {
	res := ReplayResponse{
		AgentID:     rp.AgentID,
		ManifestURL: rp.ManifestURL,
		FrameCount:  rp.FrameCount,
	}
	if !rp.CreatedAt.IsZero() {
		res.CreatedAt = rp.CreatedAt.UTC().Format(time.RFC3339)
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// StreamErrorEvent ends an event stream that could not be opened.
type StreamErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
