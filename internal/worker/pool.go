package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitenvats16/jasper/internal/worker/domain"
)

// ErrPoolClosed is returned by Submit once shutdown has begun.
var ErrPoolClosed = errors.New("worker pool closed")

// TaskFunc runs one job against a slot's resource context and returns its
// terminal outcome.
type TaskFunc func(ctx context.Context, msg *domain.JobMessage, rc *ResourceContext) Outcome

// Pool runs tasks on a fixed set of slots. Each slot is one goroutine bound
// 1:1 to a lazily constructed resource context; the unbuffered task channel
// makes Submit block while every slot is busy, which is the backpressure the
// dispatcher relies on. Every accepted task produces exactly one Completion.
type Pool struct {
	size   int
	cache  *ResourceCache
	run    TaskFunc
	logger *slog.Logger

	tasks       chan *domain.JobMessage
	completions chan Completion
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	// taskCtx is handed to task bodies instead of the start context, so
	// canceling Start's ctx stops intake without aborting in-flight work.
	taskCtx context.Context

	mu     sync.Mutex
	active map[int]string
}

// NewPool creates a pool of size slots. The completion channel is buffered
// to size so a finishing slot never blocks handing off its result.
func NewPool(size int, cache *ResourceCache, run TaskFunc, logger *slog.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	return &Pool{
		size:        size,
		cache:       cache,
		run:         run,
		logger:      logger,
		tasks:       make(chan *domain.JobMessage),
		completions: make(chan Completion, size),
		closed:      make(chan struct{}),
		active:      make(map[int]string),
	}, nil
}

// Completions returns the channel completed tasks are reported on.
func (p *Pool) Completions() <-chan Completion {
	return p.completions
}

// Size returns the configured slot count.
func (p *Pool) Size() int {
	return p.size
}

// Start launches one goroutine per slot. Cancellation of ctx does not reach
// running tasks: jobs are bounded by their own timeout, and Shutdown is the
// only way to stop the slots.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool",
		slog.Int("slots", p.size),
	)

	p.taskCtx = context.WithoutCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.slotLoop(i)
	}
}

// Submit hands a message to any available slot, blocking until one is free.
// It fails once the pool is shut down or ctx is canceled.
func (p *Pool) Submit(ctx context.Context, msg *domain.JobMessage) error {
	select {
	case <-p.closed:
		return ErrPoolClosed
	default:
	}

	select {
	case <-p.closed:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- msg:
		return nil
	}
}

// slotLoop processes tasks sequentially on one slot. The slot's resource
// context is acquired on the first task; if construction fails the task in
// hand is completed as retryable (another slot or instance will pick it up)
// and the slot goes out of service for the rest of the process lifetime.
func (p *Pool) slotLoop(slotID int) {
	defer p.wg.Done()

	p.logger.Info("Worker slot started",
		slog.Int("slot", slotID),
	)

	for {
		select {
		case <-p.closed:
			p.logger.Info("Worker slot stopping - pool shut down",
				slog.Int("slot", slotID),
			)
			return

		case msg := <-p.tasks:
			rc, err := p.cache.Acquire(slotID)
			if err != nil {
				p.completions <- Completion{
					Msg: msg,
					Outcome: Outcome{
						Kind: OutcomeFailed,
						Err:  domain.NewRetryableError(fmt.Errorf("slot %d: %w", slotID, err)),
					},
				}
				p.logger.Error("Worker slot out of service - pool running at reduced capacity",
					slog.Int("slot", slotID),
					slog.Int("remaining_slots", len(p.cache.ConstructedSlots())),
				)
				return
			}

			p.runTask(slotID, msg, rc)
		}
	}
}

func (p *Pool) runTask(slotID int, msg *domain.JobMessage, rc *ResourceContext) {
	if !rc.BeginUse() {
		// Two tasks on one slot would corrupt the extractor's internal
		// state; this must be impossible by construction.
		p.logger.Error("Consistency violation: resource context already in use",
			slog.Int("slot", slotID),
			slog.String("job_id", msg.JobID),
		)
	}

	p.setActive(slotID, msg.JobID)

	outcome := p.run(p.taskCtx, msg, rc)

	p.clearActive(slotID)

	if !rc.EndUse() {
		p.logger.Error("Consistency violation: resource context released twice",
			slog.Int("slot", slotID),
			slog.String("job_id", msg.JobID),
		)
	}

	p.completions <- Completion{Msg: msg, Outcome: outcome}
}

// Shutdown stops intake and waits up to drainTimeout for in-flight tasks.
// Jobs still running past the deadline are logged so an operator can
// reconcile them; their unacked deliveries are redelivered by the broker.
func (p *Pool) Shutdown(drainTimeout time.Duration) {
	// The task channel stays open: closing it would race a concurrent Submit
	// into a send on a closed channel. Slots exit by observing p.closed.
	p.closeOnce.Do(func() {
		close(p.closed)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool drained")
	case <-time.After(drainTimeout):
		p.logger.Warn("Worker pool drain timeout exceeded",
			slog.Duration("drain_timeout", drainTimeout),
		)
		for slot, jobID := range p.snapshotActive() {
			p.logger.Warn("Job still processing at shutdown - reconcile on restart",
				slog.Int("slot", slot),
				slog.String("job_id", jobID),
			)
		}
	}
}

func (p *Pool) setActive(slotID int, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[slotID] = jobID
}

func (p *Pool) clearActive(slotID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, slotID)
}

func (p *Pool) snapshotActive() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := make(map[int]string, len(p.active))
	for k, v := range p.active {
		snap[k] = v
	}
	return snap
}
