package domain

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionDecomposing     SessionStatus = "decomposing"
	SessionPendingApproval SessionStatus = "pending_approval"
	SessionRunning         SessionStatus = "running"
	SessionCompleted       SessionStatus = "completed"
	SessionFailed          SessionStatus = "failed"
)

func (s SessionStatus) String() string { return string(s) }

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// EndReason distinguishes why a session reached a terminal status.
type EndReason string

const (
	EndNone                EndReason = ""
	EndDecompositionFailed EndReason = "decomposition_failed"
	EndStopped             EndReason = "stopped"
	EndFinished            EndReason = "finished"
	EndIdleTimeout         EndReason = "idle_timeout"
	EndNoLiveAgents        EndReason = "no_live_agents"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
)

// AgentStatus is the state of a worker slot. AgentActive is the working
// variant: an agent holds a current task exactly when it is active.
type AgentStatus string

const (
	AgentBooting    AgentStatus = "booting"
	AgentIdle       AgentStatus = "idle"
	AgentActive     AgentStatus = "active"
	AgentError      AgentStatus = "error"
	AgentTerminated AgentStatus = "terminated"
)

type Session struct {
	ID          string        `json:"id"`
	Prompt      string        `json:"prompt"`
	AgentCount  int           `json:"agent_count"`
	Status      SessionStatus `json:"status" enum:"decomposing,pending_approval,running,completed,failed"`
	EndReason   EndReason     `json:"end_reason,omitempty"`
	TasksDone   bool          `json:"tasks_done"`
	OwnerID     string        `json:"owner_id,omitempty"`
	Whiteboard  string        `json:"whiteboard"`
	Tasks       []Task        `json:"tasks"`
	Agents      []Agent       `json:"agents"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Task returns the task with the given ID.
func (s Session) Task(id string) (Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Agent returns the agent with the given ID.
func (s Session) Agent(id string) (Agent, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// AllTasksCompleted is false for a session without tasks.
func (s Session) AllTasksCompleted() bool {
	if len(s.Tasks) == 0 {
		return false
	}
	for _, t := range s.Tasks {
		if t.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// IdleAgents returns the agents that are alive and hold no task.
func (s Session) IdleAgents() []Agent {
	var out []Agent
	for _, a := range s.Agents {
		if a.Status == AgentIdle {
			out = append(out, a)
		}
	}
	return out
}

type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status" enum:"pending,assigned,completed"`
	AssignedTo  *string    `json:"assigned_to,omitempty"`
	Result      string     `json:"result,omitempty"`
	Retries     int        `json:"retries,omitempty"`
}

type Agent struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	Status         AgentStatus `json:"status" enum:"booting,idle,active,error,terminated"`
	CurrentTaskID  *string     `json:"current_task_id,omitempty"`
	SandboxID      string      `json:"sandbox_id,omitempty"`
	StreamURL      string      `json:"stream_url,omitempty"`
	TasksCompleted int         `json:"tasks_completed"`
}

// Replay points at the frame manifest captured for one agent's run.
type Replay struct {
	SessionID   string    `json:"session_id"`
	AgentID     string    `json:"agent_id"`
	ManifestURL string    `json:"manifest_url"`
	FrameCount  int       `json:"frame_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionSummary is the durable view of a past session.
type SessionSummary struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id,omitempty"`
	Prompt      string        `json:"prompt"`
	AgentCount  int           `json:"agent_count"`
	Status      SessionStatus `json:"status"`
	EndReason   EndReason     `json:"end_reason,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	CompletedAt *string       `json:"completed_at,omitempty" format:"date-time"`
	Tasks       []Task        `json:"tasks"`
}

// Event is a journaled lifecycle event.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Prefix is the leading part of the plaintext key, kept for display.
	Prefix     string `json:"prefix"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
}
