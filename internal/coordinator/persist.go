package coordinator

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"panopticon/internal/domain"
	"panopticon/internal/events"
)

// SessionSaver writes session snapshots to durable storage.
type SessionSaver interface {
	SaveSession(ctx context.Context, s domain.Session) error
}

// Journal appends lifecycle events to the durable event log.
type Journal interface {
	Append(ctx context.Context, tx *sql.Tx, evtType, sessionID, entityKind, entityID, actorID string, payload events.EventPayload) error
}

type job struct {
	name string
	run  func(ctx context.Context) error
}

// persister runs durable writes on one goroutine, in submission order, off
// the coordinator's critical path. A full queue drops the write.
type persister struct {
	jobs    chan job
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
	closed  chan struct{}
	mu      sync.RWMutex
}

func newPersister(logger *slog.Logger, size int) *persister {
	if size <= 0 {
		size = 1024
	}
	p := &persister{
		jobs:    make(chan job, size),
		logger:  logger,
		timeout: 10 * time.Second,
		closed:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *persister) loop() {
	defer p.wg.Done()
	for j := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := j.run(ctx); err != nil {
			p.logger.Error("persistence write failed", "job", j.name, "err", err)
		}
		cancel()
	}
}

func (p *persister) submit(name string, run func(ctx context.Context) error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	select {
	case <-p.closed:
		p.logger.Warn("persister closed, dropping write", "job", name)
		return
	default:
	}
	select {
	case p.jobs <- job{name: name, run: run}:
	default:
		p.logger.Error("persistence queue full, dropping write", "job", name)
	}
}

// close stops accepting writes and waits for queued ones.
func (p *persister) close(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		close(p.closed)
		close(p.jobs)
		p.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
