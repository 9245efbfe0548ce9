package panopticonsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/s%201/approve", r.URL.EscapedPath())
		assert.Equal(t, "alice", r.Header.Get("X-Actor-Id"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(3), body["agent_count"])
		assert.NotContains(t, body, "tasks")
		json.NewEncoder(w).Encode(Session{ID: "s 1", Status: "running"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "alice"
	s, err := c.Approve(context.Background(), "s 1", nil, 3)
	require.NoError(t, err)
	assert.Equal(t, "running", s.Status)
	assert.False(t, s.Terminal())
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"code":"invalid_transition","message":"session is completed"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Finish(context.Background(), "s1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)
}

func TestWatchParsesEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/s1/events", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: session:snapshot\ndata: {\"session\":{\"id\":\"s1\"}}\n\n")
		fmt.Fprint(w, "id: 4\nevent: task:assigned\ndata: {\"task_id\":\"t1\",\"agent_id\":\"a1\"}\n\n")
		fmt.Fprint(w, "id: 5\nevent: session:status\ndata: {\"status\":\"completed\"}\n\n")
	}))
	defer srv.Close()

	var got []StreamEvent
	err := New(srv.URL).Watch(context.Background(), "s1", func(ev StreamEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "session:snapshot", got[0].Name)
	assert.Equal(t, int64(4), got[1].ID)
	assert.JSONEq(t, `{"task_id":"t1","agent_id":"a1"}`, string(got[1].Data))
	assert.Equal(t, "session:status", got[2].Name)
}
