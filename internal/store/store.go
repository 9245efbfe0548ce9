// Package store holds the authoritative in-memory state of live sessions.
//
// Every mutator runs under the owning session's lock, so no reader ever sees
// a half-updated task/agent pair. Values handed out are deep copies.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"panopticon/internal/domain"
)

type record struct {
	mu sync.Mutex
	s  domain.Session
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*record
	newID    func() string
}

func New() *Store {
	return &Store{
		sessions: map[string]*record{},
		newID:    func() string { return uuid.NewString() },
	}
}

var transitions = map[domain.SessionStatus][]domain.SessionStatus{
	domain.SessionDecomposing:     {domain.SessionPendingApproval, domain.SessionFailed},
	domain.SessionPendingApproval: {domain.SessionRunning, domain.SessionFailed},
	domain.SessionRunning:         {domain.SessionCompleted, domain.SessionFailed},
}

// CanTransition reports whether from → to is a legal session transition.
func CanTransition(from, to domain.SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

func (st *Store) get(id string) (*record, error) {
	st.mu.RLock()
	rec, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, notFound("session", id)
	}
	return rec, nil
}

// with runs fn under the session lock.
func (st *Store) with(id string, fn func(s *domain.Session) error) error {
	rec, err := st.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return fn(&rec.s)
}

// CreateSession inserts a new session in decomposing state.
func (st *Store) CreateSession(id, prompt string, agentCount int, ownerID string, now time.Time) (domain.Session, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Session{}, fmt.Errorf("session id required: %w", domain.ErrInvalidInput)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; ok {
		return domain.Session{}, fmt.Errorf("session %s: %w", id, domain.ErrAlreadyExists)
	}
	rec := &record{s: domain.Session{
		ID:         id,
		Prompt:     prompt,
		AgentCount: agentCount,
		Status:     domain.SessionDecomposing,
		OwnerID:    ownerID,
		CreatedAt:  now,
		Tasks:      []domain.Task{},
		Agents:     []domain.Agent{},
	}}
	st.sessions[id] = rec
	return clone(rec.s), nil
}

// Get returns a snapshot of the session.
func (st *Store) Get(id string) (domain.Session, error) {
	var out domain.Session
	err := st.with(id, func(s *domain.Session) error {
		out = clone(*s)
		return nil
	})
	return out, err
}

// Evict drops a session that has reached a terminal status. Live sessions
// are kept; the result reports whether the record was removed.
func (st *Store) Evict(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.sessions[id]
	if !ok {
		return false
	}
	rec.mu.Lock()
	terminal := rec.s.Status.Terminal()
	rec.mu.Unlock()
	if !terminal {
		return false
	}
	delete(st.sessions, id)
	return true
}

// List returns snapshots of every session, newest first.
func (st *Store) List() []domain.Session {
	st.mu.RLock()
	recs := make([]*record, 0, len(st.sessions))
	for _, rec := range st.sessions {
		recs = append(recs, rec)
	}
	st.mu.RUnlock()
	out := make([]domain.Session, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, clone(rec.s))
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// AddTasks appends one pending task per description.
func (st *Store) AddTasks(id string, descriptions []string) ([]domain.Task, error) {
	var added []domain.Task
	err := st.with(id, func(s *domain.Session) error {
		for _, d := range descriptions {
			t := domain.Task{ID: st.newID(), Description: d, Status: domain.TaskPending}
			s.Tasks = append(s.Tasks, t)
			added = append(added, t)
		}
		return nil
	})
	return added, err
}

// ReplaceTasks swaps the whole task list. Tasks without an ID get a fresh
// one; every task is reset to pending.
func (st *Store) ReplaceTasks(id string, tasks []domain.Task) ([]domain.Task, error) {
	var out []domain.Task
	err := st.with(id, func(s *domain.Session) error {
		seen := map[string]bool{}
		next := make([]domain.Task, 0, len(tasks))
		for _, t := range tasks {
			if t.ID == "" || seen[t.ID] {
				t.ID = st.newID()
			}
			seen[t.ID] = true
			next = append(next, domain.Task{ID: t.ID, Description: t.Description, Status: domain.TaskPending})
		}
		s.Tasks = next
		out = cloneTasks(next)
		return nil
	})
	return out, err
}

func taskIndex(s *domain.Session, taskID string) int {
	for i := range s.Tasks {
		if s.Tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

func agentIndex(s *domain.Session, agentID string) int {
	for i := range s.Agents {
		if s.Agents[i].ID == agentID {
			return i
		}
	}
	return -1
}

// AssignTask hands a pending task to an idle agent.
func (st *Store) AssignTask(id, taskID, agentID string) (domain.Task, error) {
	var out domain.Task
	err := st.with(id, func(s *domain.Session) error {
		ti := taskIndex(s, taskID)
		if ti < 0 {
			return notFound("task", taskID)
		}
		ai := agentIndex(s, agentID)
		if ai < 0 {
			return notFound("agent", agentID)
		}
		t := &s.Tasks[ti]
		a := &s.Agents[ai]
		if t.Status != domain.TaskPending {
			return fmt.Errorf("task %s is %s: %w", taskID, t.Status, domain.ErrInvalidTransition)
		}
		if a.Status != domain.AgentIdle || a.CurrentTaskID != nil {
			return fmt.Errorf("agent %s is %s: %w", agentID, a.Status, domain.ErrInvalidTransition)
		}
		t.Status = domain.TaskAssigned
		t.AssignedTo = strPtr(agentID)
		a.Status = domain.AgentActive
		a.CurrentTaskID = strPtr(taskID)
		out = cloneTask(*t)
		return nil
	})
	return out, err
}

// CompleteTask marks an assigned task done and returns its agent to idle.
// Session status is left alone.
func (st *Store) CompleteTask(id, taskID, result string) (domain.Task, error) {
	var out domain.Task
	err := st.with(id, func(s *domain.Session) error {
		ti := taskIndex(s, taskID)
		if ti < 0 {
			return notFound("task", taskID)
		}
		t := &s.Tasks[ti]
		if t.Status != domain.TaskAssigned || t.AssignedTo == nil {
			return fmt.Errorf("task %s is %s: %w", taskID, t.Status, domain.ErrInvalidTransition)
		}
		t.Status = domain.TaskCompleted
		t.Result = result
		if ai := agentIndex(s, *t.AssignedTo); ai >= 0 {
			a := &s.Agents[ai]
			if a.CurrentTaskID != nil && *a.CurrentTaskID == taskID {
				a.CurrentTaskID = nil
				a.TasksCompleted++
				if a.Status == domain.AgentActive {
					a.Status = domain.AgentIdle
				}
			}
		}
		out = cloneTask(*t)
		return nil
	})
	return out, err
}

// RequeueTask returns an assigned task to the pending queue and bumps its
// retry counter. The holding agent, if still holding it, is released.
func (st *Store) RequeueTask(id, taskID string) (domain.Task, error) {
	var out domain.Task
	err := st.with(id, func(s *domain.Session) error {
		ti := taskIndex(s, taskID)
		if ti < 0 {
			return notFound("task", taskID)
		}
		t := &s.Tasks[ti]
		if t.Status != domain.TaskAssigned {
			return fmt.Errorf("task %s is %s: %w", taskID, t.Status, domain.ErrInvalidTransition)
		}
		if t.AssignedTo != nil {
			if ai := agentIndex(s, *t.AssignedTo); ai >= 0 {
				a := &s.Agents[ai]
				if a.CurrentTaskID != nil && *a.CurrentTaskID == taskID {
					a.CurrentTaskID = nil
					if a.Status == domain.AgentActive {
						a.Status = domain.AgentIdle
					}
				}
			}
		}
		t.Status = domain.TaskPending
		t.AssignedTo = nil
		t.Retries++
		out = cloneTask(*t)
		return nil
	})
	return out, err
}

// NextPendingTask returns the first pending task in insertion order.
func (st *Store) NextPendingTask(id string) (domain.Task, bool, error) {
	var (
		out   domain.Task
		found bool
	)
	err := st.with(id, func(s *domain.Session) error {
		for _, t := range s.Tasks {
			if t.Status == domain.TaskPending {
				out, found = cloneTask(t), true
				return nil
			}
		}
		return nil
	})
	return out, found, err
}

// AddAgent registers an agent slot. Unknown sessions are an error.
func (st *Store) AddAgent(id string, agent domain.Agent) error {
	return st.with(id, func(s *domain.Session) error {
		if agent.ID == "" {
			return fmt.Errorf("agent id required: %w", domain.ErrInvalidInput)
		}
		if agentIndex(s, agent.ID) >= 0 {
			return fmt.Errorf("agent %s: %w", agent.ID, domain.ErrAlreadyExists)
		}
		agent.SessionID = id
		if agent.Status == "" {
			agent.Status = domain.AgentBooting
		}
		agent.CurrentTaskID = nil
		s.Agents = append(s.Agents, agent)
		return nil
	})
}

// UpdateAgentStatus moves an agent to a non-working status and drops any
// task it held. Unknown sessions are ignored so that late worker messages
// after cleanup are harmless. Terminated agents stay terminated.
func (st *Store) UpdateAgentStatus(id, agentID string, status domain.AgentStatus) error {
	if status == domain.AgentActive {
		return fmt.Errorf("agent becomes active only through assignment: %w", domain.ErrInvalidTransition)
	}
	rec, err := st.get(id)
	if err != nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	ai := agentIndex(&rec.s, agentID)
	if ai < 0 {
		return notFound("agent", agentID)
	}
	a := &rec.s.Agents[ai]
	if a.Status == domain.AgentTerminated {
		return nil
	}
	a.Status = status
	a.CurrentTaskID = nil
	return nil
}

// UpdateAgentStream records the sandbox and stream handle of an agent.
func (st *Store) UpdateAgentStream(id, agentID, sandboxID, streamURL string) error {
	return st.with(id, func(s *domain.Session) error {
		ai := agentIndex(s, agentID)
		if ai < 0 {
			return notFound("agent", agentID)
		}
		s.Agents[ai].SandboxID = sandboxID
		s.Agents[ai].StreamURL = streamURL
		return nil
	})
}

func (st *Store) GetWhiteboard(id string) (string, error) {
	var out string
	err := st.with(id, func(s *domain.Session) error {
		out = s.Whiteboard
		return nil
	})
	return out, err
}

// AppendWhiteboard concatenates chunk and returns the full text.
func (st *Store) AppendWhiteboard(id, chunk string) (string, error) {
	var out string
	err := st.with(id, func(s *domain.Session) error {
		s.Whiteboard += chunk
		out = s.Whiteboard
		return nil
	})
	return out, err
}

// SetStatus applies a session transition. Terminal statuses stamp
// CompletedAt and record the end reason.
func (st *Store) SetStatus(id string, status domain.SessionStatus, reason domain.EndReason, now time.Time) (domain.Session, error) {
	var out domain.Session
	err := st.with(id, func(s *domain.Session) error {
		if !CanTransition(s.Status, status) {
			return fmt.Errorf("session %s: %s -> %s: %w", id, s.Status, status, domain.ErrInvalidTransition)
		}
		s.Status = status
		if status.Terminal() {
			t := now
			s.CompletedAt = &t
			s.EndReason = reason
		}
		out = clone(*s)
		return nil
	})
	return out, err
}

func (st *Store) SetAgentCount(id string, n int) error {
	return st.with(id, func(s *domain.Session) error {
		s.AgentCount = n
		return nil
	})
}

func (st *Store) SetTasksDone(id string, done bool) error {
	return st.with(id, func(s *domain.Session) error {
		s.TasksDone = done
		return nil
	})
}

func strPtr(s string) *string { return &s }

func cloneTask(t domain.Task) domain.Task {
	if t.AssignedTo != nil {
		t.AssignedTo = strPtr(*t.AssignedTo)
	}
	return t
}

func cloneTasks(in []domain.Task) []domain.Task {
	out := make([]domain.Task, len(in))
	for i, t := range in {
		out[i] = cloneTask(t)
	}
	return out
}

func clone(s domain.Session) domain.Session {
	s.Tasks = cloneTasks(s.Tasks)
	agents := make([]domain.Agent, len(s.Agents))
	for i, a := range s.Agents {
		if a.CurrentTaskID != nil {
			a.CurrentTaskID = strPtr(*a.CurrentTaskID)
		}
		agents[i] = a
	}
	s.Agents = agents
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	return s
}
