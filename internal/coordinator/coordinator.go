// Package coordinator drives the session lifecycle: decomposition, approval,
// task assignment, idle-timeout finalization, follow-ups and stop.
//
// All transitions of one session run under that session's lock; different
// sessions never contend. Decomposer calls run without the lock and durable
// writes are queued to a background persister.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"panopticon/internal/decompose"
	"panopticon/internal/domain"
	"panopticon/internal/events"
	"panopticon/internal/store"
	"panopticon/internal/worker"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultMaxAgents   = 4
	// DefaultRetention is how long an ended session stays in memory once a
	// durable copy is being written.
	DefaultRetention = 30 * time.Minute
)

// Workers provisions worker processes, delivers their directives and tears
// them down. Send with an empty agentID addresses every worker of the
// session.
type Workers interface {
	Spawn(ctx context.Context, sessionID string, count int) ([]domain.Agent, error)
	Send(sessionID, agentID string, d worker.Directive) error
	KillAll(sessionID string) []string
}

// ReplayRecorder stores the replay manifest of one agent's run.
type ReplayRecorder interface {
	Record(ctx context.Context, sessionID, agentID, manifestURL string, frameCount int) (domain.Replay, error)
}

type Options struct {
	Store      *store.Store
	Hub        *events.Hub
	Workers    Workers
	Decomposer decompose.Decomposer
	// Optional durable side.
	Sessions SessionSaver
	Journal  Journal
	Replays  ReplayRecorder

	IdleTimeout time.Duration
	MaxAgents   int
	// Retention applies only with a Sessions saver; without one the store
	// keeps ended sessions.
	Retention time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// sessionState is the serialization point of one session.
type sessionState struct {
	mu       sync.Mutex
	timer    *time.Timer
	timerGen uint64
	errored  map[string]bool
}

type Coordinator struct {
	store      *store.Store
	hub        *events.Hub
	workers    Workers
	decomposer decompose.Decomposer
	sessions   SessionSaver
	journal    Journal
	replays    ReplayRecorder

	idleTimeout time.Duration
	maxAgents   int
	retention   time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	states map[string]*sessionState

	persist *persister
}

func New(opts Options) *Coordinator {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = DefaultMaxAgents
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.With("component", "coordinator")
	return &Coordinator{
		store:       opts.Store,
		hub:         opts.Hub,
		workers:     opts.Workers,
		decomposer:  opts.Decomposer,
		sessions:    opts.Sessions,
		journal:     opts.Journal,
		replays:     opts.Replays,
		idleTimeout: opts.IdleTimeout,
		maxAgents:   opts.MaxAgents,
		retention:   opts.Retention,
		logger:      logger,
		now:         opts.Now,
		states:      map[string]*sessionState{},
		persist:     newPersister(logger, 0),
	}
}

// Close cancels idle timers and flushes queued durable writes.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	states := make([]*sessionState, 0, len(c.states))
	for _, st := range c.states {
		states = append(states, st)
	}
	c.mu.Unlock()
	for _, st := range states {
		st.mu.Lock()
		c.cancelIdle(st)
		st.mu.Unlock()
	}
	return c.persist.close(ctx)
}

// MaxAgents is the upper bound for a session's agent count.
func (c *Coordinator) MaxAgents() int { return c.maxAgents }

// state returns the session's serialization point. Ended sessions get a
// throwaway one: nothing mutates them except late replay reports.
func (c *Coordinator) state(id string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[id]; ok {
		return st
	}
	st := &sessionState{errored: map[string]bool{}}
	if s, err := c.store.Get(id); err == nil && s.Status.Terminal() {
		return st
	}
	c.states[id] = st
	return st
}

// tracked reports whether the coordinator still holds state for a session.
func (c *Coordinator) tracked(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[id]
	return ok
}

// release drops everything held for an ended session: its lock entry and
// hub room now, its store record after the retention window. Caller holds
// st.mu.
func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.states, id)
	c.mu.Unlock()
	c.hub.Close(id)
	if c.sessions == nil {
		return
	}
	time.AfterFunc(c.retention, func() {
		if c.store.Evict(id) {
			c.logger.Debug("ended session evicted from memory", "session_id", id)
		}
	})
}

// lock serializes work on a known session.
func (c *Coordinator) lock(id string) (*sessionState, error) {
	if _, err := c.store.Get(id); err != nil {
		return nil, err
	}
	st := c.state(id)
	st.mu.Lock()
	return st, nil
}

func (c *Coordinator) validateAgentCount(n int) error {
	if n < 1 || n > c.maxAgents {
		return fmt.Errorf("agent count must be between 1 and %d: %w", c.maxAgents, domain.ErrInvalidInput)
	}
	return nil
}

// CreateOptions are parameters for starting a session.
type CreateOptions struct {
	Prompt     string
	AgentCount int
	OwnerID    string
}

// Create registers a session and decomposes its prompt. On decomposition
// failure the session ends failed and the error wraps
// domain.ErrDecomposition; the returned snapshot still carries the ID.
func (c *Coordinator) Create(ctx context.Context, opts CreateOptions) (domain.Session, error) {
	prompt := strings.TrimSpace(opts.Prompt)
	if prompt == "" {
		return domain.Session{}, fmt.Errorf("prompt is required: %w", domain.ErrInvalidInput)
	}
	if err := c.validateAgentCount(opts.AgentCount); err != nil {
		return domain.Session{}, err
	}
	id := uuid.NewString()
	s, err := c.store.CreateSession(id, prompt, opts.AgentCount, opts.OwnerID, c.now())
	if err != nil {
		return domain.Session{}, err
	}
	c.logger.Info("session created", "session_id", id, "agent_count", opts.AgentCount)
	c.saveSnapshot(s)
	c.record(events.JournalSessionCreated, id, opts.OwnerID, events.EventPayload{"prompt": prompt, "agent_count": opts.AgentCount})

	descs, derr := c.decomposer.Decompose(ctx, prompt, opts.AgentCount)
	if derr == nil && len(descs) == 0 {
		derr = fmt.Errorf("no tasks returned: %w", domain.ErrDecomposition)
	}

	st := c.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	if derr != nil {
		if !errors.Is(derr, domain.ErrDecomposition) {
			derr = fmt.Errorf("%v: %w", derr, domain.ErrDecomposition)
		}
		c.logger.Error("decomposition failed", "session_id", id, "err", derr)
		failed, err := c.store.SetStatus(id, domain.SessionFailed, domain.EndDecompositionFailed, c.now())
		if err != nil {
			return s, errors.Join(derr, err)
		}
		c.saveSnapshot(failed)
		c.record(events.JournalSessionFailed, id, opts.OwnerID, events.EventPayload{"end_reason": string(domain.EndDecompositionFailed), "error": derr.Error()})
		c.release(id)
		return failed, derr
	}
	if cur, err := c.store.Get(id); err != nil || cur.Status != domain.SessionDecomposing {
		// stopped while decomposing
		return cur, fmt.Errorf("session %s is %s: %w", id, cur.Status, domain.ErrInvalidTransition)
	}
	if _, err := c.store.AddTasks(id, descs); err != nil {
		return s, err
	}
	s, err = c.store.SetStatus(id, domain.SessionPendingApproval, domain.EndNone, c.now())
	if err != nil {
		return s, err
	}
	c.publishStatus(s)
	c.saveSnapshot(s)
	c.record(events.JournalSessionPendingApproval, id, opts.OwnerID, events.EventPayload{"tasks": len(descs)})
	return s, nil
}

// TaskEdit is one entry of the reviewed task list.
type TaskEdit struct {
	ID          string
	Description string
}

// ApproveOptions carry the final task list and agent count. A nil Tasks
// keeps the decomposed list; a zero AgentCount keeps the requested count.
type ApproveOptions struct {
	Tasks      []TaskEdit
	AgentCount int
	ActorID    string
}

// Approve launches a session awaiting approval.
func (c *Coordinator) Approve(ctx context.Context, id string, opts ApproveOptions) (domain.Session, error) {
	st, err := c.lock(id)
	if err != nil {
		return domain.Session{}, err
	}
	defer st.mu.Unlock()
	s, err := c.store.Get(id)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Status != domain.SessionPendingApproval {
		return s, fmt.Errorf("session %s is %s, not pending_approval: %w", id, s.Status, domain.ErrInvalidTransition)
	}
	count := opts.AgentCount
	if count == 0 {
		count = s.AgentCount
	}
	if err := c.validateAgentCount(count); err != nil {
		return s, err
	}

	known := map[string]bool{}
	for _, t := range s.Tasks {
		known[t.ID] = true
	}
	var final []domain.Task
	if opts.Tasks == nil {
		final = s.Tasks
	} else {
		for _, e := range opts.Tasks {
			desc := strings.TrimSpace(e.Description)
			if desc == "" {
				continue
			}
			taskID := e.ID
			if !known[taskID] {
				taskID = ""
			}
			final = append(final, domain.Task{ID: taskID, Description: desc})
		}
	}
	if len(final) == 0 {
		return s, fmt.Errorf("at least one task is required: %w", domain.ErrInvalidInput)
	}

	tasks, err := c.store.ReplaceTasks(id, final)
	if err != nil {
		return s, err
	}
	if err := c.store.SetAgentCount(id, count); err != nil {
		return s, err
	}
	s, err = c.store.SetStatus(id, domain.SessionRunning, domain.EndNone, c.now())
	if err != nil {
		return s, err
	}
	c.publishStatus(s)
	for _, t := range tasks {
		c.hub.Publish(id, events.TaskCreated, events.TaskCreatedEvent{Task: t})
	}
	c.record(events.JournalSessionApproved, id, opts.ActorID, events.EventPayload{"tasks": len(tasks), "agent_count": count})

	agents, spawnErr := c.workers.Spawn(ctx, id, count)
	if spawnErr != nil {
		c.logger.Error("worker provisioning failed", "session_id", id, "spawned", len(agents), "err", spawnErr)
	}
	s, err = c.store.Get(id)
	if err != nil {
		return s, err
	}
	if spawnErr != nil && !anyAgentAlive(s) {
		if failed, ferr := c.fail(id, st, domain.EndNoLiveAgents, ""); ferr == nil {
			s = failed
		}
		return s, spawnErr
	}
	c.saveSnapshot(s)
	return s, nil
}

func anyAgentAlive(s domain.Session) bool {
	for _, a := range s.Agents {
		if a.Status != domain.AgentError && a.Status != domain.AgentTerminated {
			return true
		}
	}
	return false
}

// RefineOptions carry the reviewer's instruction. CurrentTasks defaults to
// the session's task descriptions.
type RefineOptions struct {
	Instruction  string
	CurrentTasks []string
	ActorID      string
}

// Refine re-decomposes the pending task list. A decomposition failure leaves
// the session untouched.
func (c *Coordinator) Refine(ctx context.Context, id string, opts RefineOptions) (domain.Session, error) {
	instruction := strings.TrimSpace(opts.Instruction)
	if instruction == "" {
		return domain.Session{}, fmt.Errorf("refinement is required: %w", domain.ErrInvalidInput)
	}
	s, err := c.store.Get(id)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Status != domain.SessionPendingApproval {
		return s, fmt.Errorf("session %s is %s, not pending_approval: %w", id, s.Status, domain.ErrInvalidTransition)
	}
	current := opts.CurrentTasks
	if current == nil {
		for _, t := range s.Tasks {
			current = append(current, t.Description)
		}
	}

	descs, err := c.decomposer.Refine(ctx, s.Prompt, current, instruction)
	if err == nil && len(descs) == 0 {
		err = fmt.Errorf("no tasks returned: %w", domain.ErrDecomposition)
	}
	if err != nil {
		c.logger.Warn("refinement failed", "session_id", id, "err", err)
		return s, err
	}

	st, err := c.lock(id)
	if err != nil {
		return domain.Session{}, err
	}
	defer st.mu.Unlock()
	s, err = c.store.Get(id)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionPendingApproval {
		return s, fmt.Errorf("session %s is %s, not pending_approval: %w", id, s.Status, domain.ErrInvalidTransition)
	}
	next := make([]domain.Task, len(descs))
	for i, d := range descs {
		next[i] = domain.Task{Description: d}
	}
	if _, err := c.store.ReplaceTasks(id, next); err != nil {
		return s, err
	}
	s, err = c.store.Get(id)
	if err != nil {
		return s, err
	}
	c.saveSnapshot(s)
	c.record(events.JournalSessionRefined, id, opts.ActorID, events.EventPayload{"instruction": instruction, "tasks": len(descs)})
	return s, nil
}

// FollowUp adds work to a running session using its idle agents. It cancels
// a pending idle timer; if decomposition fails the timer is re-armed when
// the session is still done.
func (c *Coordinator) FollowUp(ctx context.Context, id, instruction, actorID string) (domain.Session, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return domain.Session{}, fmt.Errorf("instruction is required: %w", domain.ErrInvalidInput)
	}
	st, err := c.lock(id)
	if err != nil {
		return domain.Session{}, err
	}
	s, err := c.store.Get(id)
	if err != nil {
		st.mu.Unlock()
		return s, err
	}
	if s.Status != domain.SessionRunning {
		st.mu.Unlock()
		return s, fmt.Errorf("session %s is %s, not running: %w", id, s.Status, domain.ErrInvalidTransition)
	}
	c.cancelIdle(st)
	target := len(s.IdleAgents())
	if target < 1 {
		target = 1
	}
	st.mu.Unlock()

	descs, derr := c.decomposer.Decompose(ctx, followUpPrompt(s.Prompt, instruction), target)
	if derr == nil && len(descs) == 0 {
		derr = fmt.Errorf("no tasks returned: %w", domain.ErrDecomposition)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s, err = c.store.Get(id)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionRunning {
		return s, fmt.Errorf("session %s is %s, not running: %w", id, s.Status, domain.ErrInvalidTransition)
	}
	if derr != nil {
		c.logger.Warn("follow-up decomposition failed", "session_id", id, "err", derr)
		if s.TasksDone {
			c.armIdle(id, st)
		}
		return s, derr
	}
	// the last task may have completed while the lock was released
	c.cancelIdle(st)
	added, err := c.store.AddTasks(id, descs)
	if err != nil {
		return s, err
	}
	if err := c.store.SetTasksDone(id, false); err != nil {
		return s, err
	}
	for _, t := range added {
		c.hub.Publish(id, events.TaskCreated, events.TaskCreatedEvent{Task: t})
	}
	c.record(events.JournalSessionFollowUp, id, actorID, events.EventPayload{"instruction": instruction, "tasks": len(added)})
	c.assignIdle(id)
	s, err = c.store.Get(id)
	if err != nil {
		return s, err
	}
	c.saveSnapshot(s)
	return s, nil
}

func followUpPrompt(original, instruction string) string {
	return fmt.Sprintf("Original request: %s\n\nFollow-up request: %s", original, instruction)
}

// Finish ends a running session now instead of waiting for the idle timer.
func (c *Coordinator) Finish(ctx context.Context, id, actorID string) (domain.Session, error) {
	st, err := c.lock(id)
	if err != nil {
		return domain.Session{}, err
	}
	defer st.mu.Unlock()
	s, err := c.store.Get(id)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionRunning {
		return s, fmt.Errorf("session %s is %s, not running: %w", id, s.Status, domain.ErrInvalidTransition)
	}
	return c.finalize(id, st, domain.EndFinished, actorID)
}

// Stop ends a session before natural completion. Every agent is terminated
// and the session becomes failed with end reason "stopped".
func (c *Coordinator) Stop(ctx context.Context, id, actorID string) (domain.Session, error) {
	st, err := c.lock(id)
	if err != nil {
		return domain.Session{}, err
	}
	defer st.mu.Unlock()
	s, err := c.store.Get(id)
	if err != nil {
		return s, err
	}
	if s.Status.Terminal() {
		return s, fmt.Errorf("session %s is already %s: %w", id, s.Status, domain.ErrInvalidTransition)
	}
	c.logger.Info("stopping session", "session_id", id, "actor_id", actorID)
	return c.fail(id, st, domain.EndStopped, actorID)
}

// fail ends a session as failed and tears its workers down. Caller holds
// st.mu.
func (c *Coordinator) fail(id string, st *sessionState, reason domain.EndReason, actorID string) (domain.Session, error) {
	c.cancelIdle(st)
	c.teardown(id)
	s, err := c.store.SetStatus(id, domain.SessionFailed, reason, c.now())
	if err != nil {
		return s, err
	}
	c.logger.Info("session failed", "session_id", id, "end_reason", string(reason))
	c.publishStatus(s)
	c.saveSnapshot(s)
	c.record(events.JournalSessionFailed, id, actorID, events.EventPayload{"end_reason": string(reason)})
	c.release(id)
	return s, nil
}

// Snapshot returns the current state for clients that (re)connect.
func (c *Coordinator) Snapshot(id string) (domain.Session, error) {
	return c.store.Get(id)
}

// IdleTimerArmed reports whether the session is waiting out its idle window.
func (c *Coordinator) IdleTimerArmed(id string) bool {
	c.mu.Lock()
	st, ok := c.states[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.timer != nil
}

// finalize completes a running session. Caller holds st.mu.
func (c *Coordinator) finalize(id string, st *sessionState, reason domain.EndReason, actorID string) (domain.Session, error) {
	c.cancelIdle(st)
	c.teardown(id)
	s, err := c.store.SetStatus(id, domain.SessionCompleted, reason, c.now())
	if err != nil {
		return s, err
	}
	c.logger.Info("session completed", "session_id", id, "end_reason", string(reason))
	c.hub.Publish(id, events.SessionComplete, events.SessionCompleteEvent{SessionID: id, EndReason: reason})
	c.publishStatus(s)
	c.saveSnapshot(s)
	c.record(events.JournalSessionCompleted, id, actorID, events.EventPayload{"end_reason": string(reason)})
	c.release(id)
	return s, nil
}

// teardown tells workers to stop and kills them.
func (c *Coordinator) teardown(id string) {
	c.hub.Publish(id, events.AgentStop, events.AgentStopDirective{})
	if err := c.workers.Send(id, "", worker.Directive{Type: worker.DirectiveStop}); err != nil {
		c.logger.Debug("stop directive not queued", "session_id", id, "err", err)
	}
	for _, agentID := range c.workers.KillAll(id) {
		c.hub.Publish(id, events.AgentTerminated, events.AgentTerminatedEvent{AgentID: agentID})
	}
}

// armIdle starts the idle window, replacing any running timer. Caller holds st.mu.
func (c *Coordinator) armIdle(id string, st *sessionState) {
	c.cancelIdle(st)
	st.timerGen++
	gen := st.timerGen
	st.timer = time.AfterFunc(c.idleTimeout, func() { c.idleFired(id, gen) })
	c.logger.Debug("idle timer armed", "session_id", id, "timeout", c.idleTimeout)
}

// cancelIdle stops the timer. A callback already in flight sees the bumped
// generation and does nothing. Caller holds st.mu.
func (c *Coordinator) cancelIdle(st *sessionState) {
	if st.timer == nil {
		return
	}
	st.timer.Stop()
	st.timer = nil
	st.timerGen++
}

func (c *Coordinator) idleFired(id string, gen uint64) {
	c.mu.Lock()
	st, ok := c.states[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.timer == nil || st.timerGen != gen {
		return
	}
	st.timer = nil
	s, err := c.store.Get(id)
	if err != nil || s.Status != domain.SessionRunning {
		return
	}
	if _, err := c.finalize(id, st, domain.EndIdleTimeout, ""); err != nil {
		c.logger.Error("idle finalization failed", "session_id", id, "err", err)
	}
}

func (c *Coordinator) publishStatus(s domain.Session) {
	c.hub.Publish(s.ID, events.SessionStatus, events.SessionStatusEvent{SessionID: s.ID, Status: s.Status, EndReason: s.EndReason})
}

func (c *Coordinator) saveSnapshot(s domain.Session) {
	if c.sessions == nil {
		return
	}
	c.persist.submit("save session "+s.ID, func(ctx context.Context) error {
		return c.sessions.SaveSession(ctx, s)
	})
}

func (c *Coordinator) record(evtType, sessionID, actorID string, payload events.EventPayload) {
	if c.journal == nil {
		return
	}
	c.persist.submit(evtType+" "+sessionID, func(ctx context.Context) error {
		return c.journal.Append(ctx, nil, evtType, sessionID, "session", sessionID, actorID, payload)
	})
}
