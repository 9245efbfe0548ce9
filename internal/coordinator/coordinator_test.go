package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panopticon/internal/domain"
	"panopticon/internal/events"
	"panopticon/internal/store"
	"panopticon/internal/worker"
)

type sentDirective struct {
	sessionID, agentID string
	d                  worker.Directive
}

type fakeWorkers struct {
	st          *store.Store
	mu          sync.Mutex
	spawned     map[string]int
	kills       int
	err         error
	sent        []sentDirective
	unreachable map[string]bool
}

func (f *fakeWorkers) Send(sessionID, agentID string, d worker.Directive) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[agentID] {
		return worker.ErrNoWorker
	}
	f.sent = append(f.sent, sentDirective{sessionID: sessionID, agentID: agentID, d: d})
	return nil
}

// directives returns the directive types queued for agentID, in order.
func (f *fakeWorkers) directives(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.agentID == agentID {
			out = append(out, s.d.Type)
		}
	}
	return out
}

func (f *fakeWorkers) Spawn(ctx context.Context, sessionID string, count int) ([]domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Agent
	for i := 0; i < count; i++ {
		a := domain.Agent{ID: fmt.Sprintf("agent-%d", f.spawned[sessionID]+i+1), Status: domain.AgentBooting}
		if err := f.st.AddAgent(sessionID, a); err != nil {
			return out, err
		}
		out = append(out, a)
	}
	f.spawned[sessionID] += count
	return out, nil
}

func (f *fakeWorkers) KillAll(sessionID string) []string {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	s, err := f.st.Get(sessionID)
	if err != nil {
		return nil
	}
	var changed []string
	for _, a := range s.Agents {
		if a.Status != domain.AgentTerminated {
			_ = f.st.UpdateAgentStatus(sessionID, a.ID, domain.AgentTerminated)
			changed = append(changed, a.ID)
		}
	}
	return changed
}

type scripted struct {
	mu        sync.Mutex
	decompose func(prompt string, n int) ([]string, error)
	refine    func(prompt string, current []string, instruction string) ([]string, error)
	targets   []int
}

func (d *scripted) Decompose(ctx context.Context, prompt string, n int) ([]string, error) {
	d.mu.Lock()
	d.targets = append(d.targets, n)
	fn := d.decompose
	d.mu.Unlock()
	return fn(prompt, n)
}

func (d *scripted) Refine(ctx context.Context, prompt string, current []string, instruction string) ([]string, error) {
	return d.refine(prompt, current, instruction)
}

type fakeSaver struct {
	mu    sync.Mutex
	saved map[string]domain.Session
}

func (f *fakeSaver) SaveSession(ctx context.Context, s domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[s.ID] = s
	return nil
}

type fakeReplays struct {
	mu       sync.Mutex
	recorded []domain.Replay
}

func (f *fakeReplays) Record(ctx context.Context, sessionID, agentID, manifestURL string, frameCount int) (domain.Replay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rp := domain.Replay{SessionID: sessionID, AgentID: agentID, ManifestURL: manifestURL, FrameCount: frameCount}
	f.recorded = append(f.recorded, rp)
	return rp, nil
}

type testEnv struct {
	c       *Coordinator
	st      *store.Store
	hub     *events.Hub
	workers *fakeWorkers
	dec     *scripted
	saver   *fakeSaver
	replays *fakeReplays
}

func newTestEnv(t *testing.T, idle time.Duration) *testEnv {
	t.Helper()
	st := store.New()
	hub := events.NewHub(nil)
	env := &testEnv{
		st:      st,
		hub:     hub,
		workers: &fakeWorkers{st: st, spawned: map[string]int{}, unreachable: map[string]bool{}},
		dec: &scripted{
			decompose: func(prompt string, n int) ([]string, error) {
				out := make([]string, n)
				for i := range out {
					out[i] = fmt.Sprintf("task%d", i+1)
				}
				return out, nil
			},
			refine: func(prompt string, current []string, instruction string) ([]string, error) {
				return append(append([]string{}, current...), instruction), nil
			},
		},
		saver:   &fakeSaver{saved: map[string]domain.Session{}},
		replays: &fakeReplays{},
	}
	env.c = New(Options{
		Store:       st,
		Hub:         hub,
		Workers:     env.workers,
		Decomposer:  env.dec,
		Sessions:    env.saver,
		Replays:     env.replays,
		IdleTimeout: idle,
		Now:         func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.c.Close(ctx)
	})
	return env
}

func drain(sub *events.Subscription) []events.Message {
	var out []events.Message
	for {
		select {
		case m, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func count(msgs []events.Message, name events.Name) int {
	n := 0
	for _, m := range msgs {
		if m.Name == name {
			n++
		}
	}
	return n
}

func (e *testEnv) report(sessionID, agentID string, msg worker.Message) {
	e.c.HandleMessage(context.Background(), sessionID, agentID, msg)
}

// launch runs scenarios A and B: create with two tasks, then approve.
func (e *testEnv) launch(t *testing.T, agents int) domain.Session {
	t.Helper()
	ctx := context.Background()
	s, err := e.c.Create(ctx, CreateOptions{Prompt: "X", AgentCount: agents, OwnerID: "alice"})
	require.NoError(t, err)
	s, err = e.c.Approve(ctx, s.ID, ApproveOptions{ActorID: "alice"})
	require.NoError(t, err)
	return s
}

func (e *testEnv) readyAll(t *testing.T, s domain.Session) {
	t.Helper()
	for _, a := range s.Agents {
		e.report(s.ID, a.ID, worker.Message{Type: "sandbox_ready", SandboxID: "sb-" + a.ID, StreamURL: "https://stream/" + a.ID})
	}
}

func TestCreateDecomposesIntoPendingApproval(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.dec.decompose = func(prompt string, n int) ([]string, error) {
		return []string{"task1", "task2"}, nil
	}
	s, err := env.c.Create(context.Background(), CreateOptions{Prompt: "X", AgentCount: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPendingApproval, s.Status)
	require.Len(t, s.Tasks, 2)
	for _, task := range s.Tasks {
		assert.Equal(t, domain.TaskPending, task.Status)
		assert.Nil(t, task.AssignedTo)
	}
	assert.Empty(t, s.Agents)
	assert.Equal(t, []int{2}, env.dec.targets)
}

func TestCreateValidatesInput(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	_, err := env.c.Create(context.Background(), CreateOptions{Prompt: "  ", AgentCount: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = env.c.Create(context.Background(), CreateOptions{Prompt: "X", AgentCount: 5})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = env.c.Create(context.Background(), CreateOptions{Prompt: "X", AgentCount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCreateDecompositionFailureFailsSession(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.dec.decompose = func(string, int) ([]string, error) { return nil, errors.New("model unavailable") }

	s, err := env.c.Create(context.Background(), CreateOptions{Prompt: "X", AgentCount: 2})
	require.ErrorIs(t, err, domain.ErrDecomposition)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, domain.SessionFailed, s.Status)
	assert.Equal(t, domain.EndDecompositionFailed, s.EndReason)
	assert.Empty(t, s.Tasks)
	assert.Zero(t, env.workers.spawned[s.ID])
}

func TestApproveLaunchesWorkers(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s, err := env.c.Create(context.Background(), CreateOptions{Prompt: "X", AgentCount: 2})
	require.NoError(t, err)
	sub := env.hub.Subscribe(s.ID, 64)

	s, err = env.c.Approve(context.Background(), s.ID, ApproveOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, s.Status)
	require.Len(t, s.Agents, 2)
	for _, a := range s.Agents {
		assert.Equal(t, domain.AgentBooting, a.Status)
	}
	assert.Equal(t, 2, count(drain(sub), events.TaskCreated))

	_, err = env.c.Approve(context.Background(), s.ID, ApproveOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApproveEditsKeepIdentityOfKnownTasks(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s, err := env.c.Create(context.Background(), CreateOptions{Prompt: "X", AgentCount: 2})
	require.NoError(t, err)
	original := s.Tasks[1].ID

	s, err = env.c.Approve(context.Background(), s.ID, ApproveOptions{
		AgentCount: 3,
		Tasks: []TaskEdit{
			{ID: original, Description: "task2 edited"},
			{ID: "new-1", Description: "brand new"},
			{ID: "whatever", Description: "   "},
		},
	})
	require.NoError(t, err)
	require.Len(t, s.Tasks, 2)
	assert.Equal(t, original, s.Tasks[0].ID)
	assert.Equal(t, "task2 edited", s.Tasks[0].Description)
	assert.NotEqual(t, "new-1", s.Tasks[1].ID)
	assert.Equal(t, 3, s.AgentCount)
	assert.Len(t, s.Agents, 3)
}

func TestApproveRejectsEmptyTaskList(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s, err := env.c.Create(context.Background(), CreateOptions{Prompt: "X", AgentCount: 1})
	require.NoError(t, err)
	_, err = env.c.Approve(context.Background(), s.ID, ApproveOptions{Tasks: []TaskEdit{}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	got, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPendingApproval, got.Status)
}

func TestApproveUnknownSession(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	_, err := env.c.Approve(context.Background(), "nope", ApproveOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApproveFailsWhenNoWorkerStarts(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.workers.err = fmt.Errorf("no command: %w", domain.ErrProvisioning)
	s, err := env.c.Create(context.Background(), CreateOptions{Prompt: "X", AgentCount: 1})
	require.NoError(t, err)
	got, err := env.c.Approve(context.Background(), s.ID, ApproveOptions{})
	assert.ErrorIs(t, err, domain.ErrProvisioning)
	assert.Equal(t, domain.SessionFailed, got.Status)
	assert.Equal(t, domain.EndNoLiveAgents, got.EndReason)
}

func TestRefineReplacesPendingTasks(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s, err := env.c.Create(context.Background(), CreateOptions{Prompt: "X", AgentCount: 2})
	require.NoError(t, err)

	s, err = env.c.Refine(context.Background(), s.ID, RefineOptions{Instruction: "add a summary"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPendingApproval, s.Status)
	require.Len(t, s.Tasks, 3)
	assert.Equal(t, "add a summary", s.Tasks[2].Description)
	assert.Empty(t, s.Agents)

	_, err = env.c.Refine(context.Background(), s.ID, RefineOptions{Instruction: " "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	env.dec.refine = func(string, []string, string) ([]string, error) {
		return nil, fmt.Errorf("garbled: %w", domain.ErrDecomposition)
	}
	_, err = env.c.Refine(context.Background(), s.ID, RefineOptions{Instruction: "again"})
	assert.ErrorIs(t, err, domain.ErrDecomposition)
	got, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Tasks, 3)

	_, err = env.c.Approve(context.Background(), s.ID, ApproveOptions{})
	require.NoError(t, err)
	_, err = env.c.Refine(context.Background(), s.ID, RefineOptions{Instruction: "late"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAssignmentCompletionAndIdleFinalization(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	s := env.launch(t, 2)
	sub := env.hub.Subscribe(s.ID, 256)

	env.readyAll(t, s)
	s, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	for i, a := range s.Agents {
		assert.Equal(t, domain.AgentActive, a.Status)
		require.NotNil(t, a.CurrentTaskID)
		assert.Equal(t, s.Tasks[i].ID, *a.CurrentTaskID, "FIFO assignment")
		assert.Equal(t, "https://stream/"+a.ID, a.StreamURL)
	}

	env.report(s.ID, s.Agents[0].ID, worker.Message{Type: "complete", TodoID: s.Tasks[0].ID, Result: "r1"})
	assert.Equal(t, 0, count(drain(sub), events.SessionTasksDone))
	assert.False(t, env.c.IdleTimerArmed(s.ID))

	env.report(s.ID, s.Agents[1].ID, worker.Message{Type: "task:completed", TaskID: s.Tasks[1].ID, Result: "r2"})
	msgs := drain(sub)
	assert.Equal(t, 1, count(msgs, events.SessionTasksDone))
	assert.Equal(t, 1, count(msgs, events.TaskCompleted))
	assert.True(t, env.c.IdleTimerArmed(s.ID))
	s, err = env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, s.Status)
	assert.True(t, s.TasksDone)

	require.Eventually(t, func() bool {
		got, err := env.c.Snapshot(s.ID)
		return err == nil && got.Status == domain.SessionCompleted
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	msgs = drain(sub)
	assert.Equal(t, 1, count(msgs, events.SessionComplete))
	got, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EndIdleTimeout, got.EndReason)
	for _, a := range got.Agents {
		assert.Equal(t, domain.AgentTerminated, a.Status)
		assert.Equal(t, 1, a.TasksCompleted)
	}
	assert.Equal(t, "r1", got.Tasks[0].Result)

	require.NoError(t, env.c.Close(context.Background()))
	env.saver.mu.Lock()
	defer env.saver.mu.Unlock()
	assert.Equal(t, domain.SessionCompleted, env.saver.saved[s.ID].Status)
}

func TestCompletionReassignsSameAgent(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.dec.decompose = func(string, int) ([]string, error) { return []string{"T1", "T2", "T3"}, nil }
	s := env.launch(t, 1)
	agentID := s.Agents[0].ID
	env.readyAll(t, s)

	for i := 0; i < 3; i++ {
		cur, err := env.c.Snapshot(s.ID)
		require.NoError(t, err)
		require.NotNil(t, cur.Agents[0].CurrentTaskID)
		assert.Equal(t, cur.Tasks[i].ID, *cur.Agents[0].CurrentTaskID)
		env.report(s.ID, agentID, worker.Message{Type: "complete", TodoID: cur.Tasks[i].ID})
	}
	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.True(t, cur.AllTasksCompleted())
	assert.Equal(t, domain.AgentIdle, cur.Agents[0].Status)
	assert.Equal(t, 3, cur.Agents[0].TasksCompleted)
}

func TestCompletionFromWrongAgentIsIgnored(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s := env.launch(t, 2)
	env.readyAll(t, s)
	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)

	env.report(s.ID, cur.Agents[1].ID, worker.Message{Type: "complete", TodoID: cur.Tasks[0].ID})
	after, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, after.Tasks[0].Status)
}

func TestFollowUpCancelsIdleTimer(t *testing.T) {
	env := newTestEnv(t, 150*time.Millisecond)
	s := env.launch(t, 2)
	sub := env.hub.Subscribe(s.ID, 256)
	env.readyAll(t, s)
	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	for i, a := range cur.Agents {
		env.report(s.ID, a.ID, worker.Message{Type: "complete", TodoID: cur.Tasks[i].ID})
	}
	require.True(t, env.c.IdleTimerArmed(s.ID))

	env.dec.decompose = func(prompt string, n int) ([]string, error) {
		return []string{"follow-up work"}, nil
	}
	cur, err = env.c.FollowUp(context.Background(), s.ID, "now check hotels", "alice")
	require.NoError(t, err)
	assert.False(t, env.c.IdleTimerArmed(s.ID))
	assert.Equal(t, 2, env.dec.targets[len(env.dec.targets)-1], "targets the idle agent count")
	require.Len(t, cur.Tasks, 3)
	assert.Equal(t, domain.TaskAssigned, cur.Tasks[2].Status)
	assert.False(t, cur.TasksDone)
	assert.Equal(t, 2, env.workers.spawned[s.ID], "no new workers")

	time.Sleep(400 * time.Millisecond)
	msgs := drain(sub)
	assert.Equal(t, 0, count(msgs, events.SessionComplete))
	cur, err = env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, cur.Status)

	env.report(s.ID, *cur.Tasks[2].AssignedTo, worker.Message{Type: "complete", TodoID: cur.Tasks[2].ID})
	assert.True(t, env.c.IdleTimerArmed(s.ID))
	assert.Equal(t, 1, count(drain(sub), events.SessionTasksDone))
}

func TestFollowUpSurvivesCompletionDuringDecomposition(t *testing.T) {
	env := newTestEnv(t, 100*time.Millisecond)
	s := env.launch(t, 2)
	env.readyAll(t, s)
	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	env.report(s.ID, cur.Agents[0].ID, worker.Message{Type: "complete", TodoID: cur.Tasks[0].ID})
	require.False(t, env.c.IdleTimerArmed(s.ID))

	entered := make(chan struct{})
	release := make(chan struct{})
	env.dec.decompose = func(prompt string, n int) ([]string, error) {
		close(entered)
		<-release
		return []string{"follow-up work"}, nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := env.c.FollowUp(context.Background(), s.ID, "compare prices", "alice")
		done <- err
	}()
	<-entered

	// the last original task finishes while the follow-up is being decomposed
	env.report(s.ID, cur.Agents[1].ID, worker.Message{Type: "complete", TodoID: cur.Tasks[1].ID})
	require.True(t, env.c.IdleTimerArmed(s.ID))
	close(release)
	require.NoError(t, <-done)
	assert.False(t, env.c.IdleTimerArmed(s.ID))

	time.Sleep(300 * time.Millisecond)
	got, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, got.Status)
	require.Len(t, got.Tasks, 3)
	assert.Equal(t, domain.TaskAssigned, got.Tasks[2].Status)
	assert.False(t, got.TasksDone)
}

func TestFollowUpFailureRearmsTimer(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s := env.launch(t, 1)
	env.readyAll(t, s)
	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	env.report(s.ID, cur.Agents[0].ID, worker.Message{Type: "complete", TodoID: cur.Tasks[0].ID})
	require.True(t, env.c.IdleTimerArmed(s.ID))

	env.dec.decompose = func(string, int) ([]string, error) { return nil, fmt.Errorf("x: %w", domain.ErrDecomposition) }
	_, err = env.c.FollowUp(context.Background(), s.ID, "more", "")
	assert.ErrorIs(t, err, domain.ErrDecomposition)
	assert.True(t, env.c.IdleTimerArmed(s.ID))
}

func TestFollowUpRequiresRunning(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s, err := env.c.Create(context.Background(), CreateOptions{Prompt: "X", AgentCount: 1})
	require.NoError(t, err)
	_, err = env.c.FollowUp(context.Background(), s.ID, "more", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFinishCompletesImmediately(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s := env.launch(t, 1)
	sub := env.hub.Subscribe(s.ID, 64)

	s, err := env.c.Finish(context.Background(), s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)
	assert.Equal(t, domain.EndFinished, s.EndReason)
	msgs := drain(sub)
	assert.Equal(t, 1, count(msgs, events.SessionComplete))
	assert.Equal(t, 1, count(msgs, events.AgentStop))

	_, err = env.c.Finish(context.Background(), s.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStopMidRun(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s := env.launch(t, 2)
	env.readyAll(t, s)
	sub := env.hub.Subscribe(s.ID, 64)
	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)

	stopped, err := env.c.Stop(context.Background(), s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, stopped.Status)
	assert.Equal(t, domain.EndStopped, stopped.EndReason)
	for _, a := range stopped.Agents {
		assert.Equal(t, domain.AgentTerminated, a.Status)
	}
	msgs := drain(sub)
	assert.Equal(t, 2, count(msgs, events.AgentTerminated))
	assert.Equal(t, 1, count(msgs, events.AgentStop))

	// a late completion report changes nothing
	env.report(s.ID, cur.Agents[0].ID, worker.Message{Type: "complete", TodoID: cur.Tasks[0].ID})
	after, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, after.Tasks[0].Status)
	assert.Equal(t, 0, count(drain(sub), events.TaskAssigned))

	_, err = env.c.Stop(context.Background(), s.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStopCancelsIdleTimer(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	s := env.launch(t, 1)
	sub := env.hub.Subscribe(s.ID, 64)
	env.readyAll(t, s)
	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	env.report(s.ID, cur.Agents[0].ID, worker.Message{Type: "complete", TodoID: cur.Tasks[0].ID})
	require.True(t, env.c.IdleTimerArmed(s.ID))

	_, err = env.c.Stop(context.Background(), s.ID, "")
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, count(drain(sub), events.SessionComplete))
	got, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, got.Status)
}

func TestWorkerDeathRequeuesTask(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.dec.decompose = func(string, int) ([]string, error) { return []string{"T1", "T2"}, nil }
	s := env.launch(t, 2)
	sub := env.hub.Subscribe(s.ID, 64)
	env.readyAll(t, s)
	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	a1, a2 := cur.Agents[0].ID, cur.Agents[1].ID

	env.report(s.ID, a2, worker.Message{Type: "complete", TodoID: cur.Tasks[1].ID})
	// a1 dies holding T1; the supervisor marks it error before reporting the exit
	require.NoError(t, env.st.UpdateAgentStatus(s.ID, a1, domain.AgentError))
	env.c.HandleExit(context.Background(), s.ID, a1, worker.ExitResult{Code: 1, Ready: true})

	after, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	t1 := after.Tasks[0]
	assert.Equal(t, domain.TaskAssigned, t1.Status)
	require.NotNil(t, t1.AssignedTo)
	assert.Equal(t, a2, *t1.AssignedTo)
	assert.Equal(t, 1, t1.Retries)
	msgs := drain(sub)
	assert.Equal(t, 1, count(msgs, events.AgentError))

	// a late error report for the same agent is not broadcast twice
	env.report(s.ID, a1, worker.Message{Type: "agent:error", Error: "boom"})
	assert.Equal(t, 0, count(drain(sub), events.AgentError))
}

func TestAssignmentGoesToWorkerAndUndeliveredTaskIsRequeued(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.dec.decompose = func(string, int) ([]string, error) { return []string{"T1", "T2"}, nil }
	s := env.launch(t, 2)
	a1, a2 := s.Agents[0].ID, s.Agents[1].ID
	env.workers.mu.Lock()
	env.workers.unreachable[a1] = true
	env.workers.mu.Unlock()

	env.report(s.ID, a1, worker.Message{Type: "sandbox_ready", StreamURL: "u1"})
	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, cur.Tasks[0].Status, "handed back when the worker cannot be reached")
	assert.Nil(t, cur.Agents[0].CurrentTaskID)
	assert.Equal(t, 1, cur.Tasks[0].Retries)

	env.report(s.ID, a2, worker.Message{Type: "sandbox_ready", StreamURL: "u2"})
	cur, err = env.c.Snapshot(s.ID)
	require.NoError(t, err)
	require.NotNil(t, cur.Tasks[0].AssignedTo)
	assert.Equal(t, a2, *cur.Tasks[0].AssignedTo)
	assert.Equal(t, []string{worker.DirectiveTaskAssign}, env.workers.directives(a2))

	env.report(s.ID, a2, worker.Message{Type: "complete", TodoID: cur.Tasks[0].ID})
	env.report(s.ID, a2, worker.Message{Type: "complete", TodoID: cur.Tasks[1].ID})
	assert.Equal(t, []string{worker.DirectiveTaskAssign, worker.DirectiveTaskAssign, worker.DirectiveTaskNone}, env.workers.directives(a2))
}

func TestLosingEveryAgentFailsSession(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.dec.decompose = func(string, int) ([]string, error) { return []string{"T1", "T2", "T3"}, nil }
	s := env.launch(t, 2)
	env.readyAll(t, s)
	sub := env.hub.Subscribe(s.ID, 64)
	a1, a2 := s.Agents[0].ID, s.Agents[1].ID

	require.NoError(t, env.st.UpdateAgentStatus(s.ID, a1, domain.AgentError))
	env.c.HandleExit(context.Background(), s.ID, a1, worker.ExitResult{Code: 1, Ready: true})
	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, cur.Status, "one agent is still alive")

	env.report(s.ID, a2, worker.Message{Type: "agent:terminated"})
	cur, err = env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, cur.Status)
	assert.Equal(t, domain.EndNoLiveAgents, cur.EndReason)
	assert.False(t, env.c.IdleTimerArmed(s.ID))

	var ended bool
	for _, m := range drain(sub) {
		if st, ok := m.Payload.(events.SessionStatusEvent); ok && st.Status == domain.SessionFailed {
			ended = st.EndReason == domain.EndNoLiveAgents
		}
	}
	assert.True(t, ended)
}

func TestEndedSessionReleasesState(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.c.retention = 500 * time.Millisecond

	s := env.launch(t, 1)
	sub := env.hub.Subscribe(s.ID, 64)
	require.True(t, env.c.tracked(s.ID))

	_, err := env.c.Stop(context.Background(), s.ID, "alice")
	require.NoError(t, err)
	assert.False(t, env.c.tracked(s.ID))
	assert.Equal(t, 0, env.hub.Subscribers(s.ID))
	msgs := drain(sub)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1].Payload.(events.SessionStatusEvent)
	assert.Equal(t, domain.SessionFailed, last.Status)
	_, open := <-sub.C
	assert.False(t, open, "subscription closed with the room")

	// late reports neither resurrect the session nor its lock entry
	env.report(s.ID, s.Agents[0].ID, worker.Message{Type: "replay:complete", ManifestURL: "https://cdn/m.json", FrameCount: 3})
	assert.False(t, env.c.tracked(s.ID))
	_, err = env.c.Stop(context.Background(), s.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.False(t, env.c.tracked(s.ID))

	require.Eventually(t, func() bool {
		_, err := env.c.Snapshot(s.ID)
		return errors.Is(err, domain.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProvisioningFailureDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s := env.launch(t, 2)
	a1, a2 := s.Agents[0].ID, s.Agents[1].ID
	require.NoError(t, env.st.UpdateAgentStatus(s.ID, a1, domain.AgentError))
	env.c.HandleExit(context.Background(), s.ID, a1, worker.ExitResult{Code: 2})
	env.report(s.ID, a1, worker.Message{Type: "sandbox_ready", StreamURL: "late"})
	env.report(s.ID, a2, worker.Message{Type: "sandbox_ready", StreamURL: "u2"})

	cur, err := env.c.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentError, cur.Agents[0].Status)
	assert.Nil(t, cur.Agents[0].CurrentTaskID)
	assert.Equal(t, domain.AgentActive, cur.Agents[1].Status)
}

func TestKilledExitIsIgnored(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s := env.launch(t, 1)
	sub := env.hub.Subscribe(s.ID, 16)
	env.c.HandleExit(context.Background(), s.ID, s.Agents[0].ID, worker.ExitResult{Code: -1, Killed: true})
	assert.Empty(t, drain(sub))
}

func TestWhiteboardAppendsAndRebroadcasts(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s := env.launch(t, 1)
	sub := env.hub.Subscribe(s.ID, 16)
	env.report(s.ID, s.Agents[0].ID, worker.Message{Type: "whiteboard:updated", Content: "flight A $300\n"})
	env.report(s.ID, s.Agents[0].ID, worker.Message{Type: "whiteboard:updated", Content: "flight B $250\n"})

	msgs := drain(sub)
	require.Len(t, msgs, 2)
	assert.Equal(t, "flight A $300\nflight B $250\n", msgs[1].Payload.(events.WhiteboardUpdatedEvent).Content)
	wb, err := env.st.GetWhiteboard(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "flight A $300\nflight B $250\n", wb)
}

func TestReplayRecordedAfterStop(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s := env.launch(t, 1)
	_, err := env.c.Stop(context.Background(), s.ID, "")
	require.NoError(t, err)
	sub := env.hub.Subscribe(s.ID, 16)

	env.report(s.ID, s.Agents[0].ID, worker.Message{Type: "replay:complete", ManifestURL: "https://cdn/replays/m.json", FrameCount: 12})
	msgs := drain(sub)
	require.Len(t, msgs, 1)
	assert.Equal(t, events.ReplayReady, msgs[0].Name)

	require.NoError(t, env.c.Close(context.Background()))
	env.replays.mu.Lock()
	defer env.replays.mu.Unlock()
	require.Len(t, env.replays.recorded, 1)
	assert.Equal(t, 12, env.replays.recorded[0].FrameCount)
}

func TestThinkingAndReasoningAreForwarded(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	s := env.launch(t, 1)
	sub := env.hub.Subscribe(s.ID, 16)
	env.report(s.ID, s.Agents[0].ID, worker.Message{Type: "log", Action: "click search"})
	env.report(s.ID, s.Agents[0].ID, worker.Message{Type: "agent:reasoning", Reasoning: "the cheapest is B", ActionID: "x1"})
	msgs := drain(sub)
	require.Len(t, msgs, 2)
	assert.Equal(t, "click search", msgs[0].Payload.(events.AgentThinkingEvent).Action)
	assert.Equal(t, "x1", msgs[1].Payload.(events.AgentReasoningEvent).ActionID)
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	env.dec.decompose = func(prompt string, n int) ([]string, error) {
		if prompt == "slow" {
			started <- struct{}{}
			<-release
		}
		return []string{"t"}, nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := env.c.Create(context.Background(), CreateOptions{Prompt: "slow", AgentCount: 1})
		done <- err
	}()
	<-started

	s, err := env.c.Create(context.Background(), CreateOptions{Prompt: "fast", AgentCount: 1})
	require.NoError(t, err)
	_, err = env.c.Approve(context.Background(), s.ID, ApproveOptions{})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}
