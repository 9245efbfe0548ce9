// Package worker launches and supervises one OS process per agent slot.
//
// Workers report on stdout with newline-delimited JSON and receive
// directives on stdin. Each process has its own directive queue drained by
// a dedicated writer, so a worker that stops reading stdin only stalls
// itself.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"panopticon/internal/domain"
	"panopticon/internal/events"
	"panopticon/internal/store"
)

// Handler receives worker reports and process exits. Calls for one worker
// arrive in order on a single goroutine.
type Handler interface {
	HandleMessage(ctx context.Context, sessionID, agentID string, msg Message)
	HandleExit(ctx context.Context, sessionID, agentID string, res ExitResult)
}

// ExitResult describes how a worker process ended.
type ExitResult struct {
	Code int
	// Ready is set once the worker reported its sandbox stream.
	Ready bool
	// Killed is set when the exit followed KillAll or Shutdown.
	Killed bool
	Err    error
}

// Abnormal reports whether the worker died on its own with a failure.
func (r ExitResult) Abnormal() bool {
	return !r.Killed && (r.Code != 0 || r.Err != nil)
}

type Config struct {
	Command string
	Args    []string
	// Env entries are KEY=VALUE pairs added to the service environment.
	Env []string
	Dir string
	// PublicURL is handed to workers as PANOPTICON_URL.
	PublicURL string
	// KillGrace is how long a terminated worker gets before SIGKILL.
	KillGrace time.Duration
}

// ErrNoWorker is returned by Send when no addressed process is running.
var ErrNoWorker = errors.New("no running worker")

type proc struct {
	sessionID string
	agentID   string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	ready     atomic.Bool
	killed    atomic.Bool
	done      chan struct{}

	queueMu sync.Mutex
	queue   []Directive
	wake    chan struct{}
}

// enqueue appends d to the unbounded directive queue.
func (p *proc) enqueue(d Directive) {
	p.queueMu.Lock()
	p.queue = append(p.queue, d)
	p.queueMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *proc) take() []Directive {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	q := p.queue
	p.queue = nil
	return q
}

func (p *proc) write(d Directive) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

func (p *proc) terminate(grace time.Duration) {
	if p.killed.Swap(true) {
		return
	}
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-p.done:
		case <-time.After(grace):
			_ = p.cmd.Process.Kill()
		}
	}()
}

type Supervisor struct {
	cfg    Config
	store  *store.Store
	hub    *events.Hub
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	handlerMu sync.RWMutex
	handler   Handler

	mu    sync.Mutex
	procs map[string]map[string]*proc
	wg    sync.WaitGroup
}

func NewSupervisor(cfg Config, st *store.Store, hub *events.Hub, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		store:   st,
		hub:     hub,
		logger:  logger.With("component", "supervisor"),
		baseCtx: ctx,
		cancel:  cancel,
		procs:   map[string]map[string]*proc{},
	}
}

// Bind sets the handler for worker reports. It must be called before Spawn.
func (s *Supervisor) Bind(h Handler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

func (s *Supervisor) getHandler() Handler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handler
}

// Spawn registers count booting agents and launches a worker for each.
// A slot whose process cannot start is marked error and reported in the
// returned error; the other slots are unaffected.
func (s *Supervisor) Spawn(ctx context.Context, sessionID string, count int) ([]domain.Agent, error) {
	if s.cfg.Command == "" {
		return nil, fmt.Errorf("worker command not configured: %w", domain.ErrProvisioning)
	}
	if s.getHandler() == nil {
		return nil, errors.New("supervisor has no handler bound")
	}
	var (
		agents []domain.Agent
		errs   []error
	)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		agent := domain.Agent{ID: uuid.NewString(), SessionID: sessionID, Status: domain.AgentBooting}
		if err := s.store.AddAgent(sessionID, agent); err != nil {
			return agents, err
		}
		agents = append(agents, agent)
		s.hub.Publish(sessionID, events.AgentJoin, events.AgentJoinEvent{AgentID: agent.ID})
		if err := s.start(sessionID, agent.ID); err != nil {
			s.logger.Error("worker start failed", "session_id", sessionID, "agent_id", agent.ID, "err", err)
			_ = s.store.UpdateAgentStatus(sessionID, agent.ID, domain.AgentError)
			s.hub.Publish(sessionID, events.AgentError, events.AgentErrorEvent{AgentID: agent.ID, Error: err.Error()})
			errs = append(errs, fmt.Errorf("agent %s: %v: %w", agent.ID, err, domain.ErrProvisioning))
		}
	}
	return agents, errors.Join(errs...)
}

func (s *Supervisor) start(sessionID, agentID string) error {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"SESSION_ID="+sessionID,
		"AGENT_ID="+agentID,
		"PANOPTICON_URL="+s.cfg.PublicURL,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	p := &proc{sessionID: sessionID, agentID: agentID, cmd: cmd, stdin: stdin, done: make(chan struct{}), wake: make(chan struct{}, 1)}
	s.mu.Lock()
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("start process: %w", err)
	}
	if s.procs[sessionID] == nil {
		s.procs[sessionID] = map[string]*proc{}
	}
	s.procs[sessionID][agentID] = p
	s.wg.Add(2)
	s.mu.Unlock()

	s.logger.Info("worker started", "session_id", sessionID, "agent_id", agentID, "pid", cmd.Process.Pid)
	go s.supervise(p, stdout, stderr)
	go s.writeLoop(p)
	return nil
}

// writeLoop delivers queued directives in order until the process exits.
// A write failure on a live worker kills it, so its exit hands any held
// task back to the queue.
func (s *Supervisor) writeLoop(p *proc) {
	defer s.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for _, d := range p.take() {
			if err := p.write(d); err != nil {
				if p.killed.Load() {
					return
				}
				s.logger.Warn("directive not delivered, killing worker", "session_id", p.sessionID, "agent_id", p.agentID, "directive", d.Type, "err", err)
				if p.cmd.Process != nil {
					_ = p.cmd.Process.Kill()
				}
				return
			}
		}
	}
}

func (s *Supervisor) supervise(p *proc, stdout, stderr io.Reader) {
	defer s.wg.Done()
	log := s.logger.With("session_id", p.sessionID, "agent_id", p.agentID)

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 16*1024), 256*1024)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				log.Info("worker stderr", "line", line)
			}
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			log.Debug("worker stdout", "line", string(line))
			continue
		}
		if msg.Kind() == KindReady {
			p.ready.Store(true)
		}
		if h := s.getHandler(); h != nil {
			h.HandleMessage(s.baseCtx, p.sessionID, p.agentID, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("worker stdout read failed", "err", err)
	}
	readers.Wait()

	waitErr := p.cmd.Wait()
	close(p.done)
	res := ExitResult{Ready: p.ready.Load(), Killed: p.killed.Load()}
	if p.cmd.ProcessState != nil {
		res.Code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		res.Err = waitErr
	}
	log.Info("worker exited", "code", res.Code, "ready", res.Ready, "killed", res.Killed)

	s.release(p)
	status := domain.AgentTerminated
	if res.Abnormal() {
		status = domain.AgentError
	}
	_ = s.store.UpdateAgentStatus(p.sessionID, p.agentID, status)
	if h := s.getHandler(); h != nil {
		h.HandleExit(s.baseCtx, p.sessionID, p.agentID, res)
	}
}

func (s *Supervisor) release(p *proc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.procs[p.sessionID]
	if room[p.agentID] == p {
		delete(room, p.agentID)
	}
	if len(room) == 0 {
		delete(s.procs, p.sessionID)
	}
}

// Send queues d for the agent's worker, or for every worker of the session
// when agentID is empty. It never blocks on a slow worker and fails with
// ErrNoWorker when nothing addressed is running.
func (s *Supervisor) Send(sessionID, agentID string, d Directive) error {
	procs := s.live(sessionID, agentID)
	if len(procs) == 0 {
		return fmt.Errorf("session %s agent %q: %w", sessionID, agentID, ErrNoWorker)
	}
	for _, p := range procs {
		p.enqueue(d)
	}
	return nil
}

// live returns the running processes of a session, or only the one for
// agentID when it is set.
func (s *Supervisor) live(sessionID, agentID string) []*proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*proc
	for id, p := range s.procs[sessionID] {
		if agentID == "" || id == agentID {
			out = append(out, p)
		}
	}
	return out
}

// Running returns the number of live worker processes for a session.
func (s *Supervisor) Running(sessionID string) int {
	return len(s.live(sessionID, ""))
}

// KillAll terminates every live worker of the session and marks every agent
// terminated. It returns the agents that changed state; a second call
// returns nothing.
func (s *Supervisor) KillAll(sessionID string) []string {
	for _, p := range s.live(sessionID, "") {
		p.terminate(s.cfg.KillGrace)
	}
	snap, err := s.store.Get(sessionID)
	if err != nil {
		return nil
	}
	var changed []string
	for _, a := range snap.Agents {
		if a.Status == domain.AgentTerminated {
			continue
		}
		if err := s.store.UpdateAgentStatus(sessionID, a.ID, domain.AgentTerminated); err == nil {
			changed = append(changed, a.ID)
		}
	}
	return changed
}

// Shutdown terminates every worker and waits for supervision goroutines.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var sessions []string
	for id := range s.procs {
		sessions = append(sessions, id)
	}
	s.mu.Unlock()
	for _, id := range sessions {
		s.KillAll(id)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
