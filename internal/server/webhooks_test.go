package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"panopticon/internal/config"
	"panopticon/internal/repo"
)

type delivery struct {
	header http.Header
	body   []byte
}

func TestWebhookDispatcherDeliversSignedMatchingEvents(t *testing.T) {
	srv, closeFn := newTestServer(t)
	defer closeFn()

	var mu sync.Mutex
	var got []delivery
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	d := NewWebhookDispatcher(srv.App.Repo, []config.Webhook{{
		URL:    receiver.URL,
		Events: []string{"session.pending_approval"},
		Secret: "hook-secret",
	}}, nil)
	d.interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Fix the starting cursor before anything is journaled.
	d.cursorFor(ctx, 0)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	created := createSession(t, srv, "alice", "find flights, compare hotels", 2)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no webhook delivered")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(got))
	}
	first := got[0]
	if ev := first.header.Get("X-Panopticon-Event"); ev != "session.pending_approval" {
		t.Fatalf("unexpected event header %q", ev)
	}
	if sid := first.header.Get("X-Panopticon-Session"); sid != created.ID {
		t.Fatalf("unexpected session header %q", sid)
	}
	if sig := first.header.Get("X-Panopticon-Signature"); sig != signature("hook-secret", first.body) {
		t.Fatalf("bad signature %q", sig)
	}
	var evt webhookEvent
	if err := json.Unmarshal(first.body, &evt); err != nil {
		t.Fatalf("decode delivery: %v", err)
	}
	if evt.SessionID != created.ID || evt.ActorID != "alice" {
		t.Fatalf("unexpected delivery %+v", evt)
	}
}

func TestWebhookDispatcherWithoutHooksReturns(t *testing.T) {
	disabled := false
	d := NewWebhookDispatcher(repo.Repo{}, []config.Webhook{{URL: "http://127.0.0.1:1", Enabled: &disabled}, {URL: " "}}, nil)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestEventFilterWildcards(t *testing.T) {
	f := newEventFilter([]string{"session.*", " replay.recorded "})
	for evt, want := range map[string]bool{
		"session.created":  true,
		"session.failed":   true,
		"replay.recorded":  true,
		"agent.error":      false,
		"sessionx.created": false,
	} {
		if f.match(evt) != want {
			t.Fatalf("match(%q) = %v, want %v", evt, !want, want)
		}
	}
	if !newEventFilter(nil).match("anything") || !newEventFilter([]string{""}).match("anything") {
		t.Fatalf("empty filter should match everything")
	}
}
