package events

import "panopticon/internal/domain"

// Name identifies an event on a session room.
type Name string

// Events broadcast to observers.
const (
	TaskCreated       Name = "task:created"
	TaskAssigned      Name = "task:assigned"
	TaskCompleted     Name = "task:completed"
	AgentJoin         Name = "agent:join"
	AgentStreamReady  Name = "agent:stream_ready"
	AgentThinking     Name = "agent:thinking"
	AgentReasoning    Name = "agent:reasoning"
	AgentError        Name = "agent:error"
	AgentTerminated   Name = "agent:terminated"
	WhiteboardUpdated Name = "whiteboard:updated"
	ReplayReady       Name = "replay:ready"
	SessionComplete   Name = "session:complete"
	SessionTasksDone  Name = "session:tasks_done"
	SessionStatus     Name = "session:status"
)

// Directives addressed to workers. Workers receive them from the
// supervisor's per-process queue; the room carries a copy for observers.
const (
	TaskAssign Name = "task:assign"
	TaskNone   Name = "task:none"
	AgentStop  Name = "agent:stop"
)

// Directive reports whether the event is meant for workers.
func (n Name) Directive() bool {
	return n == TaskAssign || n == TaskNone || n == AgentStop
}

// Journal event types, written through Writer and dispatched to webhooks.
const (
	JournalSessionCreated         = "session.created"
	JournalSessionPendingApproval = "session.pending_approval"
	JournalSessionRefined         = "session.refined"
	JournalSessionApproved        = "session.approved"
	JournalSessionTasksDone       = "session.tasks_done"
	JournalSessionFollowUp        = "session.followup"
	JournalSessionCompleted       = "session.completed"
	JournalSessionFailed          = "session.failed"
	JournalAgentError             = "agent.error"
	JournalReplayRecorded         = "replay.recorded"
)

type TaskCreatedEvent struct {
	Task domain.Task `json:"task"`
}

type TaskAssignedEvent struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	Description string `json:"description"`
}

type TaskCompletedEvent struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Result  string `json:"result,omitempty"`
}

type AgentJoinEvent struct {
	AgentID string `json:"agent_id"`
}

type AgentStreamReadyEvent struct {
	AgentID   string `json:"agent_id"`
	SandboxID string `json:"sandbox_id,omitempty"`
	StreamURL string `json:"stream_url"`
}

type AgentThinkingEvent struct {
	AgentID   string `json:"agent_id"`
	Action    string `json:"action"`
	Reasoning string `json:"reasoning,omitempty"`
}

type AgentReasoningEvent struct {
	AgentID   string `json:"agent_id"`
	Reasoning string `json:"reasoning"`
	ActionID  string `json:"action_id,omitempty"`
}

type AgentErrorEvent struct {
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

type AgentTerminatedEvent struct {
	AgentID string `json:"agent_id"`
}

type WhiteboardUpdatedEvent struct {
	Content string `json:"content"`
}

type ReplayReadyEvent struct {
	AgentID     string `json:"agent_id"`
	ManifestURL string `json:"manifest_url"`
	FrameCount  int    `json:"frame_count"`
}

type SessionCompleteEvent struct {
	SessionID string           `json:"session_id"`
	EndReason domain.EndReason `json:"end_reason"`
}

type SessionTasksDoneEvent struct {
	SessionID      string `json:"session_id"`
	TasksCompleted int    `json:"tasks_completed"`
}

type SessionStatusEvent struct {
	SessionID string               `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
	EndReason domain.EndReason     `json:"end_reason,omitempty"`
}

// TaskAssignDirective tells one worker to start a task.
type TaskAssignDirective struct {
	AgentID     string `json:"agent_id"`
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
}

// TaskNoneDirective tells one worker there is no work right now.
type TaskNoneDirective struct {
	AgentID string `json:"agent_id"`
}

// AgentStopDirective tells a worker to shut down. An empty AgentID
// addresses every worker of the session.
type AgentStopDirective struct {
	AgentID string `json:"agent_id,omitempty"`
}
