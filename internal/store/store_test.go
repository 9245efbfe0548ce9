package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panopticon/internal/domain"
)

var testNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func newSession(t *testing.T, st *Store, agents ...string) {
	t.Helper()
	_, err := st.CreateSession("s1", "research flights", len(agents), "alice", testNow)
	require.NoError(t, err)
	for _, id := range agents {
		require.NoError(t, st.AddAgent("s1", domain.Agent{ID: id}))
		require.NoError(t, st.UpdateAgentStatus("s1", id, domain.AgentIdle))
	}
}

// checkInvariants asserts the task/agent pairing rules on a snapshot.
func checkInvariants(t *testing.T, s domain.Session) {
	t.Helper()
	for _, task := range s.Tasks {
		switch task.Status {
		case domain.TaskPending:
			assert.Nil(t, task.AssignedTo, "pending task %s has assignee", task.ID)
		default:
			require.NotNil(t, task.AssignedTo, "task %s missing assignee", task.ID)
			_, ok := s.Agent(*task.AssignedTo)
			assert.True(t, ok, "task %s assigned to unknown agent", task.ID)
		}
	}
	for _, a := range s.Agents {
		assert.Equal(t, a.Status == domain.AgentActive, a.CurrentTaskID != nil, "agent %s", a.ID)
	}
}

func TestCreateSessionRejectsDuplicate(t *testing.T) {
	st := New()
	s, err := st.CreateSession("s1", "p", 2, "", testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionDecomposing, s.Status)
	assert.Empty(t, s.Tasks)
	assert.Empty(t, s.Agents)

	_, err = st.CreateSession("s1", "p", 2, "", testNow)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	st := New()
	_, err := st.AddTasks("nope", []string{"a"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = st.Get("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, st.AddAgent("nope", domain.Agent{ID: "a1"}), domain.ErrNotFound)
	// late worker messages after cleanup are tolerated
	assert.NoError(t, st.UpdateAgentStatus("nope", "a1", domain.AgentTerminated))
}

func TestNextPendingTaskIsFIFO(t *testing.T) {
	st := New()
	newSession(t, st, "a1")
	added, err := st.AddTasks("s1", []string{"T1", "T2", "T3"})
	require.NoError(t, err)
	require.Len(t, added, 3)

	var order []string
	for range added {
		next, ok, err := st.NextPendingTask("s1")
		require.NoError(t, err)
		require.True(t, ok)
		_, err = st.AssignTask("s1", next.ID, "a1")
		require.NoError(t, err)
		_, err = st.CompleteTask("s1", next.ID, "")
		require.NoError(t, err)
		order = append(order, next.Description)
	}
	assert.Equal(t, []string{"T1", "T2", "T3"}, order)

	_, ok, err := st.NextPendingTask("s1")
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := st.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Agents[0].TasksCompleted)
	assert.True(t, s.AllTasksCompleted())
	// completion never flips the session itself
	assert.Equal(t, domain.SessionDecomposing, s.Status)
	checkInvariants(t, s)
}

func TestAssignTaskEnforcesSingleHolder(t *testing.T) {
	st := New()
	newSession(t, st, "a1", "a2")
	tasks, err := st.AddTasks("s1", []string{"T1", "T2"})
	require.NoError(t, err)

	_, err = st.AssignTask("s1", tasks[0].ID, "a1")
	require.NoError(t, err)
	_, err = st.AssignTask("s1", tasks[0].ID, "a2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = st.AssignTask("s1", tasks[1].ID, "a1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = st.AssignTask("s1", "missing", "a2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = st.AssignTask("s1", tasks[1].ID, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	s, err := st.Get("s1")
	require.NoError(t, err)
	checkInvariants(t, s)
}

func TestRequeueTaskReleasesAgent(t *testing.T) {
	st := New()
	newSession(t, st, "a1")
	tasks, err := st.AddTasks("s1", []string{"T1"})
	require.NoError(t, err)
	_, err = st.AssignTask("s1", tasks[0].ID, "a1")
	require.NoError(t, err)

	task, err := st.RequeueTask("s1", tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Nil(t, task.AssignedTo)
	assert.Equal(t, 1, task.Retries)

	s, err := st.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, s.Agents[0].Status)
	checkInvariants(t, s)
}

func TestUpdateAgentStatusDropsCurrentTask(t *testing.T) {
	st := New()
	newSession(t, st, "a1")
	tasks, err := st.AddTasks("s1", []string{"T1"})
	require.NoError(t, err)
	_, err = st.AssignTask("s1", tasks[0].ID, "a1")
	require.NoError(t, err)

	assert.ErrorIs(t, st.UpdateAgentStatus("s1", "a1", domain.AgentActive), domain.ErrInvalidTransition)
	require.NoError(t, st.UpdateAgentStatus("s1", "a1", domain.AgentTerminated))
	require.NoError(t, st.UpdateAgentStatus("s1", "a1", domain.AgentIdle))

	s, err := st.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentTerminated, s.Agents[0].Status)
	assert.Nil(t, s.Agents[0].CurrentTaskID)
	checkInvariants(t, s)
}

func TestReplaceTasksKeepsKnownIDs(t *testing.T) {
	st := New()
	newSession(t, st)
	tasks, err := st.AddTasks("s1", []string{"T1", "T2"})
	require.NoError(t, err)

	out, err := st.ReplaceTasks("s1", []domain.Task{
		{ID: tasks[1].ID, Description: "T2 edited"},
		{Description: "T3"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, tasks[1].ID, out[0].ID)
	assert.Equal(t, "T2 edited", out[0].Description)
	assert.NotEmpty(t, out[1].ID)
	assert.Equal(t, domain.TaskPending, out[1].Status)
}

func TestSetStatusFollowsLifecycle(t *testing.T) {
	st := New()
	newSession(t, st)
	_, err := st.SetStatus("s1", domain.SessionRunning, domain.EndNone, testNow)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = st.SetStatus("s1", domain.SessionPendingApproval, domain.EndNone, testNow)
	require.NoError(t, err)
	_, err = st.SetStatus("s1", domain.SessionRunning, domain.EndNone, testNow)
	require.NoError(t, err)
	done := testNow.Add(time.Minute)
	s, err := st.SetStatus("s1", domain.SessionCompleted, domain.EndIdleTimeout, done)
	require.NoError(t, err)
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, done, *s.CompletedAt)
	assert.Equal(t, domain.EndIdleTimeout, s.EndReason)

	_, err = st.SetStatus("s1", domain.SessionFailed, domain.EndStopped, done)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestEvictOnlyDropsEndedSessions(t *testing.T) {
	st := New()
	newSession(t, st)
	assert.False(t, st.Evict("s1"), "live session is kept")
	assert.False(t, st.Evict("nope"))

	_, err := st.SetStatus("s1", domain.SessionFailed, domain.EndStopped, testNow)
	require.NoError(t, err)
	assert.True(t, st.Evict("s1"))
	_, err = st.Get("s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, st.List())
}

func TestWhiteboardAppends(t *testing.T) {
	st := New()
	newSession(t, st)
	full, err := st.AppendWhiteboard("s1", "one\n")
	require.NoError(t, err)
	assert.Equal(t, "one\n", full)
	full, err = st.AppendWhiteboard("s1", "two\n")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", full)
	wb, err := st.GetWhiteboard("s1")
	require.NoError(t, err)
	assert.Equal(t, full, wb)
}

func TestSnapshotsAreCopies(t *testing.T) {
	st := New()
	newSession(t, st, "a1")
	tasks, err := st.AddTasks("s1", []string{"T1"})
	require.NoError(t, err)
	_, err = st.AssignTask("s1", tasks[0].ID, "a1")
	require.NoError(t, err)

	s, err := st.Get("s1")
	require.NoError(t, err)
	*s.Tasks[0].AssignedTo = "mutated"
	s.Agents[0].Status = domain.AgentError

	again, err := st.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "a1", *again.Tasks[0].AssignedTo)
	assert.Equal(t, domain.AgentActive, again.Agents[0].Status)
}

func TestConcurrentCompletionsKeepInvariants(t *testing.T) {
	st := New()
	agents := []string{"a1", "a2", "a3", "a4"}
	newSession(t, st, agents...)
	descs := make([]string, 40)
	for i := range descs {
		descs[i] = "task"
	}
	_, err := st.AddTasks("s1", descs)
	require.NoError(t, err)

	var mu sync.Mutex // stands in for the per-session serialization point
	var wg sync.WaitGroup
	for _, id := range agents {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			for {
				mu.Lock()
				next, ok, err := st.NextPendingTask("s1")
				if err != nil || !ok {
					mu.Unlock()
					return
				}
				_, err = st.AssignTask("s1", next.ID, agentID)
				mu.Unlock()
				if err != nil {
					t.Errorf("assign: %v", err)
					return
				}
				if _, err := st.CompleteTask("s1", next.ID, "done"); err != nil {
					t.Errorf("complete: %v", err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	s, err := st.Get("s1")
	require.NoError(t, err)
	assert.True(t, s.AllTasksCompleted())
	total := 0
	for _, a := range s.Agents {
		total += a.TasksCompleted
	}
	assert.Equal(t, 40, total)
	checkInvariants(t, s)
}
