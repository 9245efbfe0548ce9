package coordinator

import (
	"context"
	"errors"
	"fmt"

	"panopticon/internal/domain"
	"panopticon/internal/events"
	"panopticon/internal/worker"
)

var _ worker.Handler = (*Coordinator)(nil)

// HandleMessage applies one worker report. Reports for sessions that are no
// longer running are dropped, except replay manifests which arrive after a
// run ends.
func (c *Coordinator) HandleMessage(ctx context.Context, sessionID, agentID string, msg worker.Message) {
	st, err := c.lock(sessionID)
	if err != nil {
		c.logger.Debug("report for unknown session", "session_id", sessionID, "agent_id", agentID, "type", msg.Type)
		return
	}
	defer st.mu.Unlock()
	s, err := c.store.Get(sessionID)
	if err != nil {
		return
	}
	kind := msg.Kind()
	if kind == worker.KindReplay {
		c.recordReplay(ctx, sessionID, agentID, msg)
		return
	}
	if s.Status != domain.SessionRunning {
		c.logger.Debug("ignoring report", "session_id", sessionID, "agent_id", agentID, "type", msg.Type, "status", string(s.Status))
		return
	}
	agent, ok := s.Agent(agentID)
	if !ok {
		c.logger.Warn("report from unknown agent", "session_id", sessionID, "agent_id", agentID)
		return
	}
	log := c.logger.With("session_id", sessionID, "agent_id", agentID)

	switch kind {
	case worker.KindJoin:
		log.Debug("worker joined")
	case worker.KindReady:
		if agent.Status != domain.AgentBooting {
			log.Debug("duplicate ready report", "status", string(agent.Status))
			return
		}
		if err := c.store.UpdateAgentStream(sessionID, agentID, msg.SandboxID, msg.StreamURL); err != nil {
			log.Error("record stream failed", "err", err)
			return
		}
		if err := c.store.UpdateAgentStatus(sessionID, agentID, domain.AgentIdle); err != nil {
			log.Error("mark agent idle failed", "err", err)
			return
		}
		c.hub.Publish(sessionID, events.AgentStreamReady, events.AgentStreamReadyEvent{AgentID: agentID, SandboxID: msg.SandboxID, StreamURL: msg.StreamURL})
		c.assignNext(sessionID, st, agentID)
	case worker.KindThinking:
		c.hub.Publish(sessionID, events.AgentThinking, events.AgentThinkingEvent{AgentID: agentID, Action: msg.Action, Reasoning: msg.Reasoning})
	case worker.KindReasoning:
		c.hub.Publish(sessionID, events.AgentReasoning, events.AgentReasoningEvent{AgentID: agentID, Reasoning: msg.Reasoning, ActionID: msg.ActionID})
	case worker.KindCompleted:
		taskID := msg.Task()
		if taskID == "" && agent.CurrentTaskID != nil {
			taskID = *agent.CurrentTaskID
		}
		task, ok := s.Task(taskID)
		if !ok || task.Status != domain.TaskAssigned || task.AssignedTo == nil || *task.AssignedTo != agentID {
			log.Warn("completion for a task the agent does not hold", "task_id", taskID)
			return
		}
		if _, err := c.store.CompleteTask(sessionID, taskID, msg.Result); err != nil {
			log.Error("complete task failed", "task_id", taskID, "err", err)
			return
		}
		c.hub.Publish(sessionID, events.TaskCompleted, events.TaskCompletedEvent{TaskID: taskID, AgentID: agentID, Result: msg.Result})
		c.assignNext(sessionID, st, agentID)
		c.saveCurrent(sessionID)
	case worker.KindError:
		text := msg.Error
		if text == "" {
			text = "worker reported an error"
		}
		c.agentFailed(sessionID, st, agentID, text)
	case worker.KindTerminated:
		if err := c.store.UpdateAgentStatus(sessionID, agentID, domain.AgentTerminated); err != nil {
			log.Error("mark agent terminated failed", "err", err)
		}
		c.hub.Publish(sessionID, events.AgentTerminated, events.AgentTerminatedEvent{AgentID: agentID})
		c.requeueHeld(sessionID, st, agentID)
	case worker.KindWhiteboard:
		full, err := c.store.AppendWhiteboard(sessionID, msg.Content)
		if err != nil {
			log.Error("append whiteboard failed", "err", err)
			return
		}
		c.hub.Publish(sessionID, events.WhiteboardUpdated, events.WhiteboardUpdatedEvent{Content: full})
	default:
		log.Debug("unhandled worker report", "type", msg.Type)
	}
}

// HandleExit reacts to a worker process ending. Exits caused by KillAll are
// already accounted for.
func (c *Coordinator) HandleExit(ctx context.Context, sessionID, agentID string, res worker.ExitResult) {
	st, err := c.lock(sessionID)
	if err != nil {
		return
	}
	defer st.mu.Unlock()
	if res.Killed {
		return
	}
	s, err := c.store.Get(sessionID)
	if err != nil || s.Status != domain.SessionRunning {
		return
	}
	log := c.logger.With("session_id", sessionID, "agent_id", agentID, "code", res.Code)
	switch {
	case res.Abnormal() && !res.Ready:
		log.Warn("worker died before its sandbox was ready")
		c.agentFailed(sessionID, st, agentID, fmt.Sprintf("provisioning failed: worker exited with code %d before its sandbox was ready", res.Code))
	case res.Abnormal():
		log.Warn("worker died")
		c.agentFailed(sessionID, st, agentID, fmt.Sprintf("worker exited with code %d", res.Code))
	default:
		log.Info("worker exited")
		c.hub.Publish(sessionID, events.AgentTerminated, events.AgentTerminatedEvent{AgentID: agentID})
		c.requeueHeld(sessionID, st, agentID)
	}
}

// agentFailed marks the agent error, reports it once and hands its task back
// to the queue. Caller holds st.mu.
func (c *Coordinator) agentFailed(sessionID string, st *sessionState, agentID, reason string) {
	if err := c.store.UpdateAgentStatus(sessionID, agentID, domain.AgentError); err != nil {
		c.logger.Error("mark agent error failed", "session_id", sessionID, "agent_id", agentID, "err", err)
	}
	if !st.errored[agentID] {
		st.errored[agentID] = true
		c.hub.Publish(sessionID, events.AgentError, events.AgentErrorEvent{AgentID: agentID, Error: reason})
		if c.journal != nil {
			c.persist.submit(events.JournalAgentError+" "+sessionID, func(ctx context.Context) error {
				return c.journal.Append(ctx, nil, events.JournalAgentError, sessionID, "agent", agentID, "", events.EventPayload{"error": reason})
			})
		}
	}
	c.requeueHeld(sessionID, st, agentID)
}

// requeueHeld returns tasks still assigned to a dead agent to the queue and
// offers them to idle agents. A session left with work but no live agent
// fails. Caller holds st.mu.
func (c *Coordinator) requeueHeld(sessionID string, st *sessionState, agentID string) {
	defer c.failIfStranded(sessionID, st)
	s, err := c.store.Get(sessionID)
	if err != nil {
		return
	}
	requeued := 0
	for _, t := range s.Tasks {
		if t.Status != domain.TaskAssigned || t.AssignedTo == nil || *t.AssignedTo != agentID {
			continue
		}
		if _, err := c.store.RequeueTask(sessionID, t.ID); err != nil {
			c.logger.Error("requeue task failed", "session_id", sessionID, "task_id", t.ID, "err", err)
			continue
		}
		requeued++
		c.logger.Info("task requeued", "session_id", sessionID, "task_id", t.ID, "from_agent", agentID, "retries", t.Retries+1)
	}
	if requeued == 0 {
		return
	}
	c.assignIdle(sessionID)
	c.saveCurrent(sessionID)
}

// failIfStranded ends a running session whose remaining tasks no agent can
// take. Caller holds st.mu.
func (c *Coordinator) failIfStranded(sessionID string, st *sessionState) {
	s, err := c.store.Get(sessionID)
	if err != nil || s.Status != domain.SessionRunning || s.AllTasksCompleted() || anyAgentAlive(s) {
		return
	}
	c.logger.Warn("tasks remain but every agent is gone", "session_id", sessionID)
	if _, err := c.fail(sessionID, st, domain.EndNoLiveAgents, ""); err != nil {
		c.logger.Error("fail stranded session", "session_id", sessionID, "err", err)
	}
}

// assignNext gives the agent the next pending task, or tells it there is
// none and checks whether the session is done. Caller holds st.mu.
func (c *Coordinator) assignNext(sessionID string, st *sessionState, agentID string) {
	ok, err := c.tryAssign(sessionID, agentID)
	if err != nil {
		c.logger.Error("assign task failed", "session_id", sessionID, "agent_id", agentID, "err", err)
		return
	}
	if ok {
		return
	}
	c.hub.Publish(sessionID, events.TaskNone, events.TaskNoneDirective{AgentID: agentID})
	if err := c.workers.Send(sessionID, agentID, worker.Directive{Type: worker.DirectiveTaskNone}); err != nil {
		c.logger.Debug("task:none not queued", "session_id", sessionID, "agent_id", agentID, "err", err)
	}
	c.checkDone(sessionID, st)
}

// tryAssign hands the next pending task to agentID. When the directive
// cannot be queued for the agent's worker the task goes back to the queue
// and the result is errUndelivered.
func (c *Coordinator) tryAssign(sessionID, agentID string) (bool, error) {
	next, ok, err := c.store.NextPendingTask(sessionID)
	if err != nil || !ok {
		return false, err
	}
	task, err := c.store.AssignTask(sessionID, next.ID, agentID)
	if err != nil {
		return false, err
	}
	d := worker.Directive{Type: worker.DirectiveTaskAssign, TaskID: task.ID, Description: task.Description}
	if err := c.workers.Send(sessionID, agentID, d); err != nil {
		if _, rerr := c.store.RequeueTask(sessionID, task.ID); rerr != nil {
			return false, errors.Join(err, rerr)
		}
		c.logger.Warn("task handed back, worker unreachable", "session_id", sessionID, "agent_id", agentID, "task_id", task.ID, "err", err)
		return false, fmt.Errorf("%w: %v", errUndelivered, err)
	}
	c.hub.Publish(sessionID, events.TaskAssigned, events.TaskAssignedEvent{TaskID: task.ID, AgentID: agentID, Description: task.Description})
	c.hub.Publish(sessionID, events.TaskAssign, events.TaskAssignDirective{AgentID: agentID, TaskID: task.ID, Description: task.Description})
	return true, nil
}

var errUndelivered = errors.New("directive not delivered")

// assignIdle hands pending tasks to idle agents in agent order.
func (c *Coordinator) assignIdle(sessionID string) {
	s, err := c.store.Get(sessionID)
	if err != nil {
		return
	}
	for _, a := range s.IdleAgents() {
		ok, err := c.tryAssign(sessionID, a.ID)
		if err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, errUndelivered) {
				c.logger.Error("assign task failed", "session_id", sessionID, "agent_id", a.ID, "err", err)
			}
			continue
		}
		if !ok {
			return
		}
	}
}

// checkDone broadcasts tasks_done and arms the idle timer the first time
// every task is complete. Caller holds st.mu.
func (c *Coordinator) checkDone(sessionID string, st *sessionState) {
	s, err := c.store.Get(sessionID)
	if err != nil || s.TasksDone || !s.AllTasksCompleted() {
		return
	}
	if err := c.store.SetTasksDone(sessionID, true); err != nil {
		return
	}
	c.logger.Info("all tasks completed", "session_id", sessionID, "tasks", len(s.Tasks))
	c.hub.Publish(sessionID, events.SessionTasksDone, events.SessionTasksDoneEvent{SessionID: sessionID, TasksCompleted: len(s.Tasks)})
	c.record(events.JournalSessionTasksDone, sessionID, "", events.EventPayload{"tasks": len(s.Tasks)})
	c.armIdle(sessionID, st)
}

func (c *Coordinator) recordReplay(ctx context.Context, sessionID, agentID string, msg worker.Message) {
	if msg.ManifestURL == "" {
		c.logger.Warn("replay report without manifest", "session_id", sessionID, "agent_id", agentID)
		return
	}
	c.hub.Publish(sessionID, events.ReplayReady, events.ReplayReadyEvent{AgentID: agentID, ManifestURL: msg.ManifestURL, FrameCount: msg.FrameCount})
	if c.replays == nil {
		return
	}
	manifestURL, frames := msg.ManifestURL, msg.FrameCount
	c.persist.submit("record replay "+sessionID+"/"+agentID, func(ctx context.Context) error {
		_, err := c.replays.Record(ctx, sessionID, agentID, manifestURL, frames)
		return err
	})
}

func (c *Coordinator) saveCurrent(sessionID string) {
	if s, err := c.store.Get(sessionID); err == nil {
		c.saveSnapshot(s)
	}
}
