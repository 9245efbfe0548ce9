package events

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 64

// Message is one event delivered to a session room.
type Message struct {
	SessionID string
	Name      Name
	Payload   any
	Seq       uint64
	At        time.Time
}

// Subscription is one observer of a session room. Receive from C until it
// is closed by Unsubscribe.
type Subscription struct {
	C <-chan Message

	ch      chan Message
	room    string
	dropped atomic.Uint64
}

// Room returns the session the subscription listens to.
func (s *Subscription) Room() string { return s.room }

// Dropped counts messages discarded because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Hub fans events out to the subscribers of each session room. Publishing
// holds the hub lock, so a room sees messages in publish order; a slow
// subscriber loses messages instead of stalling the room.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[*Subscription]struct{}
	seq    map[string]uint64
	logger *slog.Logger
	now    func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  map[string]map[*Subscription]struct{}{},
		seq:    map[string]uint64{},
		logger: logger.With("component", "hub"),
		now:    time.Now,
	}
}

// Subscribe joins a session room. buffer <= 0 uses the default size.
func (h *Hub) Subscribe(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{C: ch, ch: ch, room: sessionID}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = map[*Subscription]struct{}{}
		h.rooms[sessionID] = room
	}
	room[sub] = struct{}{}
	return sub
}

// Unsubscribe leaves the room and closes the subscription channel. Calling
// it more than once is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sub.room]
	if !ok {
		return
	}
	if _, ok := room[sub]; !ok {
		return
	}
	delete(room, sub)
	close(sub.ch)
	if len(room) == 0 {
		delete(h.rooms, sub.room)
	}
}

// Publish delivers payload to every current subscriber of the room.
func (h *Hub) Publish(sessionID string, name Name, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq[sessionID]++
	msg := Message{SessionID: sessionID, Name: name, Payload: payload, Seq: h.seq[sessionID], At: h.now()}
	for sub := range h.rooms[sessionID] {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			h.logger.Warn("subscriber buffer full, dropping event", "session_id", sessionID, "event", string(name), "seq", msg.Seq)
		}
	}
}

// Subscribers returns the number of observers in a room.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[sessionID])
}

// Close drops a room's sequence counter and unsubscribes everyone in it.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.rooms[sessionID] {
		close(sub.ch)
	}
	delete(h.rooms, sessionID)
	delete(h.seq, sessionID)
}

var ErrHubNotConfigured = errors.New("event hub not configured")

var errHubConfigured = errors.New("event hub already configured")

var process struct {
	mu  sync.Mutex
	hub *Hub
}

// Configure installs the process-wide hub. It may be called once.
func Configure(h *Hub) error {
	if h == nil {
		return errors.New("event hub is nil")
	}
	process.mu.Lock()
	defer process.mu.Unlock()
	if process.hub != nil {
		return errHubConfigured
	}
	process.hub = h
	return nil
}

// Default returns the process-wide hub, or ErrHubNotConfigured before
// Configure has run.
func Default() (*Hub, error) {
	process.mu.Lock()
	defer process.mu.Unlock()
	if process.hub == nil {
		return nil, ErrHubNotConfigured
	}
	return process.hub, nil
}
