package concrete

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
	"github.com/butter-bot-machines/scribe/pkg/timing"
	"github.com/butter-bot-machines/scribe/pkg/timing/real"
	"github.com/butter-bot-machines/scribe/pkg/worker"
)

// ErrStopped is returned by Submit once the pool is stopping
var ErrStopped = stderrors.New("worker pool stopped")

// workerImpl owns one shard queue
type workerImpl struct {
	id     int
	queue  chan worker.Job
	pool   *poolImpl
	logger logging.Logger
}

func (w *workerImpl) start() {
	defer w.pool.wg.Done()
	w.logger.Debug("Worker started")

	for j := range w.queue {
		w.run(j)
	}
	w.logger.Debug("Worker stopped")
}

func (w *workerImpl) run(j worker.Job) {
	p := w.pool
	ctx, cancel := context.WithTimeout(p.ctx, p.limits.JobTimeout)
	start := p.clock.Now()

	p.inFlight.Add(1)
	err := p.panics.Guard(func() error { return j.Process(ctx) })
	ctxErr := ctx.Err()
	cancel()
	p.inFlight.Add(-1)

	outcome := worker.Processed
	switch {
	case err == nil:
	case stderrors.Is(ctxErr, context.DeadlineExceeded):
		outcome = worker.TimedOut
	case p.ctx.Err() != nil:
		outcome = worker.Cancelled
	default:
		outcome = worker.Failed
	}

	p.total.Add(1)
	telemetry.RecordWorkerEvent(string(outcome))
	if outcome == worker.Processed {
		p.processed.Add(1)
		w.logger.Debug("Job completed", "job_id", j.ID(), "duration", p.clock.Since(start))
		return
	}

	p.failed.Add(1)
	w.logger.Error("Job failed",
		"job_id", j.ID(),
		"key", j.Key(),
		"outcome", outcome,
		"duration", p.clock.Since(start),
		"error", err)
	j.OnFailure(err)
}

// poolImpl implements worker.Pool. Jobs are sharded by key so that jobs
// sharing a key never run concurrently and keep their submission order.
type poolImpl struct {
	workers []*workerImpl
	limits  worker.Limits
	logger  logging.Logger
	clock   timing.Clock
	panics  *errors.PanicHandler

	// ctx is cancelled when Stop runs out of time
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	stopping   bool
	done       chan struct{}
	submitters sync.WaitGroup
	wg         sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	total     atomic.Uint64
	rejected  atomic.Uint64
	inFlight  atomic.Int64
}

// NewPool creates a new worker pool and starts its workers
func NewPool(opts worker.Options) (worker.Pool, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if opts.Clock == nil {
		opts.Clock = real.New()
	}
	limits := opts.Limits.Normalize()
	logger := opts.Logger.WithGroup("worker")

	ctx, cancel := context.WithCancel(context.Background())
	p := &poolImpl{
		limits: limits,
		logger: logger,
		clock:  opts.Clock,
		panics: errors.NewPanicHandler(errors.UnexpectedSystem, logger),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.workers = make([]*workerImpl, limits.Workers)
	for i := range p.workers {
		w := &workerImpl{
			id:     i,
			queue:  make(chan worker.Job, limits.QueueSize),
			pool:   p,
			logger: logger.With("worker_id", i),
		}
		p.workers[i] = w
		p.wg.Add(1)
		go w.start()
	}

	p.logger.Info("Worker pool started",
		"workers", limits.Workers,
		"queue_size", limits.QueueSize,
		"job_timeout", limits.JobTimeout)

	return p, nil
}

// Submit implements worker.Pool
func (p *poolImpl) Submit(ctx context.Context, j worker.Job) error {
	p.mu.RLock()
	if p.stopping {
		p.mu.RUnlock()
		p.rejected.Add(1)
		return ErrStopped
	}
	p.submitters.Add(1)
	p.mu.RUnlock()
	defer p.submitters.Done()

	w := p.workers[worker.Shard(j.Key(), len(p.workers))]
	select {
	case w.queue <- j:
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case <-p.done:
		p.rejected.Add(1)
		return ErrStopped
	}
}

// Stats implements worker.Pool
func (p *poolImpl) Stats() worker.Stats {
	processed := p.processed.Load()
	total := p.total.Load()
	depth := make([]int, len(p.workers))
	for i, w := range p.workers {
		depth[i] = len(w.queue)
	}
	return worker.Stats{
		EventsProcessed: processed,
		EventsFailed:    p.failed.Load(),
		TotalEvents:     total,
		SuccessRate:     worker.SuccessRate(processed, total),
		Rejected:        p.rejected.Load(),
		InFlight:        p.inFlight.Load(),
		ShardDepth:      depth,
		ShardCapacity:   p.limits.QueueSize,
	}
}

// Stop implements worker.Pool. Queued jobs still run; once ctx is done the
// remaining ones run with a cancelled context so they finish promptly.
func (p *poolImpl) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	close(p.done)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.submitters.Wait()
	for _, w := range p.workers {
		close(w.queue)
	}

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
		p.logger.Warn("Worker pool grace period expired, cancelling jobs", "in_flight", p.inFlight.Load())
		p.cancel()
		<-finished
	}
	p.cancel()
	p.logger.Info("Worker pool stopped",
		"processed", p.processed.Load(),
		"failed", p.failed.Load())
	return err
}
