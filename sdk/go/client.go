package panopticonsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Panopticon HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no other credential is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	Result      string `json:"result,omitempty"`
	Retries     int    `json:"retries,omitempty"`
}

type Agent struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CurrentTaskID  string `json:"current_task_id,omitempty"`
	SandboxID      string `json:"sandbox_id,omitempty"`
	StreamURL      string `json:"stream_url,omitempty"`
	TasksCompleted int    `json:"tasks_completed"`
}

type Session struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id,omitempty"`
	Prompt      string  `json:"prompt"`
	AgentCount  int     `json:"agent_count"`
	Status      string  `json:"status"`
	EndReason   string  `json:"end_reason,omitempty"`
	TasksDone   bool    `json:"tasks_done"`
	Whiteboard  string  `json:"whiteboard,omitempty"`
	Tasks       []Task  `json:"tasks"`
	Agents      []Agent `json:"agents"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt string  `json:"completed_at,omitempty"`
	Live        bool    `json:"live"`
}

// Terminal reports whether the session can no longer change.
func (s Session) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

type PaginatedSessions struct {
	Items      []Session `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// TaskEdit is one entry of a reviewed task list. An empty ID adds a task.
type TaskEdit struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
}

type Replay struct {
	AgentID     string `json:"agent_id"`
	ManifestURL string `json:"manifest_url"`
	FrameCount  int    `json:"frame_count"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type UploadURLs struct {
	FrameURLs         []string `json:"frame_urls"`
	ManifestURL       string   `json:"manifest_url"`
	PublicManifestURL string   `json:"public_manifest_url,omitempty"`
	ExpiresAt         string   `json:"expires_at"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StreamEvent is one server-sent event of a session stream.
type StreamEvent struct {
	ID   int64
	Name string
	Data json.RawMessage
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSession submits a prompt for decomposition.
func (c *Client) CreateSession(ctx context.Context, prompt string, agentCount int) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions", map[string]any{
		"prompt":      prompt,
		"agent_count": agentCount,
	}, &resp)
	return resp, err
}

// ListSessions returns one page of the caller's sessions.
func (c *Client) ListSessions(ctx context.Context, status string, limit int, cursor string) (PaginatedSessions, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedSessions
	err := c.do(ctx, http.MethodGet, withQuery("sessions", q), nil, &resp)
	return resp, err
}

func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, &resp)
	return resp, err
}

// Approve launches the session. A nil tasks keeps the decomposed list and a
// zero agentCount keeps the requested count.
func (c *Client) Approve(ctx context.Context, id string, tasks []TaskEdit, agentCount int) (Session, error) {
	body := map[string]any{}
	if tasks != nil {
		body["tasks"] = tasks
	}
	if agentCount > 0 {
		body["agent_count"] = agentCount
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "approve"), body, &resp)
	return resp, err
}

func (c *Client) Refine(ctx context.Context, id, instruction string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "refine"), map[string]any{"instruction": instruction}, &resp)
	return resp, err
}

func (c *Client) FollowUp(ctx context.Context, id, instruction string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "followup"), map[string]any{"instruction": instruction}, &resp)
	return resp, err
}

func (c *Client) Finish(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "finish"), nil, &resp)
	return resp, err
}

func (c *Client) Stop(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "stop"), nil, &resp)
	return resp, err
}

func (c *Client) Whiteboard(ctx context.Context, id string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	err := c.do(ctx, http.MethodGet, sessionPath(id, "whiteboard"), nil, &resp)
	return resp.Content, err
}

func (c *Client) Replays(ctx context.Context, id string) ([]Replay, error) {
	var resp struct {
		Replays []Replay `json:"replays"`
	}
	err := c.do(ctx, http.MethodGet, sessionPath(id, "replays"), nil, &resp)
	return resp.Replays, err
}

// UploadURLs requests presigned PUT URLs for an agent's replay.
func (c *Client) UploadURLs(ctx context.Context, sessionID, agentID string, frameCount int) (UploadURLs, error) {
	var resp UploadURLs
	err := c.do(ctx, http.MethodPost, "replays/upload-urls", map[string]any{
		"session_id":  sessionID,
		"agent_id":    agentID,
		"frame_count": frameCount,
	}, &resp)
	return resp, err
}

// LogPage returns journaled events of a session, newest first.
func (c *Client) LogPage(ctx context.Context, id, evtType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(sessionPath(id, "log"), q), nil, &resp)
	return resp, err
}

// Watch streams session events to fn until the server ends the stream, ctx
// is done, or fn returns an error.
func (c *Client) Watch(ctx context.Context, id string, fn func(StreamEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, sessionPath(id, "events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// the stream outlives any request timeout
	httpClient := &http.Client{Transport: c.httpClient().Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}

	var cur StreamEvent
	var data []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				cur.Data = json.RawMessage(strings.Join(data, "\n"))
				if cur.Name == "" {
					cur.Name = "message"
				}
				if err := fn(cur); err != nil {
					return err
				}
			}
			cur, data = StreamEvent{}, nil
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			cur.ID, _ = strconv.ParseInt(value, 10, 64)
		case "event":
			cur.Name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	e := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		e.Code, e.Message = env.Error.Code, env.Error.Message
	}
	return e
}

func sessionPath(id, action string) string {
	p := "sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath == "" {
		return base
	}
	return base + "/" + strings.Trim(c.BasePath, "/")
}
