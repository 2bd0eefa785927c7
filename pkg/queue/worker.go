package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/models"
)

// Handler executes one job and returns its result reference (a report
// pointer or inline JSON). A nil error marks the job succeeded.
type Handler func(ctx context.Context, job *models.Job) (json.RawMessage, error)

// Pool runs worker goroutines that lease, heartbeat, and execute jobs.
type Pool struct {
	queue    *Queue
	cfg      config.QueueConfig
	logger   *slog.Logger
	handlers map[models.JobType]Handler

	mu      sync.Mutex
	running map[string]context.CancelFunc // job id -> local cancel
	wg      sync.WaitGroup
}

// NewPool builds a worker pool over the queue.
func NewPool(q *Queue, cfg config.QueueConfig, logger *slog.Logger) *Pool {
	return &Pool{
		queue:    q,
		cfg:      cfg,
		logger:   logger.With("component", "worker"),
		handlers: make(map[models.JobType]Handler),
		running:  make(map[string]context.CancelFunc),
	}
}

// Register installs the handler for a job type. Must be called before Run.
func (p *Pool) Register(t models.JobType, h Handler) {
	p.handlers[t] = h
}

// registeredTypes lists the job types this pool can execute; leases are
// restricted to them.
func (p *Pool) registeredTypes() []models.JobType {
	types := make([]models.JobType, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	return types
}

// Run starts the worker goroutines and the lease-recovery loop, then blocks
// until ctx is cancelled and all in-flight jobs have drained (bounded by the
// graceful shutdown timeout).
func (p *Pool) Run(ctx context.Context) {
	host, _ := os.Hostname()

	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		owner := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.workLoop(ctx, owner)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.recoveryLoop(ctx)
	}()

	<-ctx.Done()
	p.drain()
}

// drain waits for in-flight jobs up to the configured shutdown budget, then
// cancels whatever is left. Cancelled jobs keep their leases and are re-run
// elsewhere once those expire.
func (p *Pool) drain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		p.logger.Warn("shutdown timeout reached, abandoning in-flight jobs")
		p.mu.Lock()
		for _, cancel := range p.running {
			cancel()
		}
		p.mu.Unlock()
		<-done
	}
}

func (p *Pool) workLoop(ctx context.Context, owner string) {
	types := p.registeredTypes()
	for {
		job, err := p.queue.Lease(ctx, owner, types...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("lease failed", "error", err)
		}
		if job != nil {
			p.runJob(ctx, owner, job)
			continue // immediately look for more work
		}

		jitter := time.Duration(0)
		if p.cfg.PollJitter > 0 {
			jitter = time.Duration(rand.Int63n(int64(2*p.cfg.PollJitter))) - p.cfg.PollJitter
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval + jitter):
		}
	}
}

// runJob executes one leased job with a heartbeat goroutine alongside. The
// job context is cancelled when the lease is lost, the deadline passes, or
// the pool shuts down hard.
func (p *Pool) runJob(ctx context.Context, owner string, job *models.Job) {
	logger := p.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempt)

	handler, ok := p.handlers[job.Type]
	if !ok {
		logger.Error("no handler registered")
		_ = p.queue.Fail(ctx, job.ID, owner,
			apperr.Ef(apperr.KindInternal, "no handler for job type %s", job.Type))
		return
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if job.Deadline != nil {
		var dcancel context.CancelFunc
		jobCtx, dcancel = context.WithDeadline(jobCtx, *job.Deadline)
		defer dcancel()
	} else if p.cfg.DefaultJobTimeout > 0 {
		var tcancel context.CancelFunc
		jobCtx, tcancel = context.WithTimeout(jobCtx, p.cfg.DefaultJobTimeout)
		defer tcancel()
	}
	defer cancel()

	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
	}()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeatLoop(jobCtx, owner, job.ID, cancel, logger)
	}()

	logger.Info("job started")
	start := time.Now()
	result, err := handler(jobCtx, job)
	cancel()
	<-hbDone

	// Terminal transitions run on the parent context; the job context is
	// already cancelled by now.
	finishCtx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer fcancel()

	if err != nil {
		logger.Warn("job failed", "error", err, "kind", apperr.KindOf(err), "duration", time.Since(start))
		if ferr := p.queue.Fail(finishCtx, job.ID, owner, err); ferr != nil && !errors.Is(ferr, ErrLeaseLost) {
			logger.Error("recording failure failed", "error", ferr)
		}
		return
	}
	logger.Info("job succeeded", "duration", time.Since(start))
	if cerr := p.queue.Complete(finishCtx, job.ID, owner, result); cerr != nil && !errors.Is(cerr, ErrLeaseLost) {
		logger.Error("recording completion failed", "error", cerr)
	}
}

// heartbeatLoop refreshes the lease until the job context ends. A lost lease
// cancels the job so the handler stops promptly.
func (p *Pool) heartbeatLoop(ctx context.Context, owner, jobID string, cancel context.CancelFunc, logger *slog.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, jobID, owner); err != nil {
				if errors.Is(err, ErrLeaseLost) {
					logger.Warn("lease lost, abandoning job")
					cancel()
					return
				}
				logger.Error("heartbeat failed", "error", err)
			}
		}
	}
}

func (p *Pool) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Recover(ctx)
			if err != nil {
				p.logger.Error("lease recovery failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("failed orphaned jobs with exhausted attempts", "count", n)
			}
			_, _ = p.queue.Depth(ctx)
		}
	}
}
