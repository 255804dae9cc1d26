package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tessra/internal/domain"
)

// Processor handles one job. It may be invoked more than once for the same job,
// so its side effects must be idempotent.
type Processor func(ctx context.Context, job *domain.Job) error

// PoolConfig sizes the worker pool. Timeout bounds a single processor call;
// zero disables it.
type PoolConfig struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	Timeout      time.Duration
}

var ErrPoolStarted = errors.New("job pool already started")

const (
	releaseTimeout = 5 * time.Second
	abortGrace     = 5 * time.Second
)

// Pool runs Concurrency workers against one queue. Processors are registered
// before Start; the table is read-only afterwards.
type Pool struct {
	queue     *Queue
	repo      domain.JobRepository
	cfg       PoolConfig
	observers []Observer
	now       func() time.Time
	grace     time.Duration

	// abortCtx is the parent of every processor context. Shutdown cancels it
	// once its own deadline has passed.
	abortCtx context.Context
	abort    context.CancelFunc

	mu         sync.Mutex
	processors map[string]Processor
	inflight   map[int64]struct{}
	started    bool
	stopped    bool
	cancel     context.CancelFunc

	obsMu     sync.RWMutex
	obsClosed bool

	wg sync.WaitGroup
}

func NewPool(queue *Queue, cfg PoolConfig, observers ...Observer) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	abortCtx, abort := context.WithCancel(context.Background())
	return &Pool{
		queue:      queue,
		repo:       queue.repo,
		cfg:        cfg,
		observers:  observers,
		now:        time.Now,
		grace:      abortGrace,
		abortCtx:   abortCtx,
		abort:      abort,
		processors: make(map[string]Processor),
		inflight:   make(map[int64]struct{}),
	}
}

// Register adds the processor for a job name. It fails once the pool has
// started or when the name is taken.
func (p *Pool) Register(name string, fn Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		slog.Warn("rejected processor registration after start", slog.String("name", name))
		return fmt.Errorf("%w: cannot register %q", ErrPoolStarted, name)
	}
	if _, ok := p.processors[name]; ok {
		return fmt.Errorf("processor %q already registered", name)
	}
	p.processors[name] = fn

	slog.Info("registered job processor", slog.String("name", name))
	return nil
}

// Start launches the workers. They stop dequeuing when ctx is cancelled or
// Shutdown is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := range p.cfg.Concurrency {
		p.wg.Add(1)
		go p.work(ctx, i)
	}

	slog.Info("job worker started",
		slog.String("queue", p.queue.name),
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Int("processors", len(p.processors)))
	return nil
}

func (p *Pool) work(ctx context.Context, worker int) {
	defer p.wg.Done()

	for ctx.Err() == nil {
		now := p.now()
		job, err := p.repo.Dequeue(ctx, p.queue.name, now, p.cfg.Lease)
		if err != nil {
			if !errors.Is(err, domain.ErrJobNotFound) && ctx.Err() == nil {
				slog.Error("failed to dequeue job",
					slog.Int("worker", worker),
					slog.String("error", err.Error()))
			}
			p.idle(ctx)
			continue
		}
		p.run(ctx, job, now.Add(p.cfg.Lease))
	}
}

func (p *Pool) idle(ctx context.Context) {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-p.queue.wake:
	case <-t.C:
	}
}

// run processes a claimed job to its next state. The processor context is
// detached from ctx and only cancelled by a lost lease, the job timeout or an
// aborted shutdown. State writes carry the claim, so a worker that lost its
// lease cannot overwrite the new owner.
func (p *Pool) run(ctx context.Context, job *domain.Job, leaseEnd time.Time) {
	p.track(job.ID, true)
	defer p.track(job.ID, false)

	ctx = context.WithoutCancel(ctx)
	ev := Event{
		JobID:       job.ID,
		Name:        job.Name,
		Attempt:     job.AttemptsMade,
		MaxAttempts: job.MaxAttempts,
	}

	fn, ok := p.processors[job.Name]
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrUnregisteredProcessor, job.Name)
		if p.record("fail", job, p.repo.Fail(ctx, job.ID, job.AttemptsMade, err.Error())) {
			ev.Kind, ev.Final, ev.Error = EventFailed, true, err.Error()
			p.emit(ctx, ev)
		}
		return
	}

	pctx, cancel := context.WithCancel(p.abortCtx)
	defer cancel()
	if p.cfg.Timeout > 0 {
		var tcancel context.CancelFunc
		pctx, tcancel = context.WithTimeout(pctx, p.cfg.Timeout)
		defer tcancel()
	}

	var lost atomic.Bool
	stop := make(chan struct{})
	beat := make(chan struct{})
	go func() {
		defer close(beat)
		p.heartbeat(job, leaseEnd, stop, func() {
			lost.Store(true)
			cancel()
		})
	}()

	start := time.Now()
	err := invoke(pctx, fn, job)
	ev.Duration = time.Since(start)
	close(stop)
	<-beat

	if lost.Load() {
		slog.Warn("job lease lost, discarding result",
			slog.Int64("job_id", job.ID),
			slog.String("name", job.Name),
			slog.Int("attempt", job.AttemptsMade))
		return
	}
	if err != nil && p.abortCtx.Err() != nil {
		p.release(ctx, job)
		return
	}

	var op string
	var serr error
	switch {
	case err == nil:
		op, serr = "complete", p.repo.Complete(ctx, job.ID, job.AttemptsMade)
		ev.Kind = EventCompleted
	case job.Exhausted():
		op, serr = "fail", p.repo.Fail(ctx, job.ID, job.AttemptsMade, err.Error())
		ev.Kind, ev.Final, ev.Error = EventFailed, true, err.Error()
	default:
		runAt := p.now().Add(job.Backoff.Next(job.AttemptsMade))
		op, serr = "retry", p.repo.Retry(ctx, job.ID, job.AttemptsMade, runAt, err.Error())
		ev.Kind, ev.Error = EventFailed, err.Error()
	}
	if p.record(op, job, serr) {
		p.emit(ctx, ev)
	}
}

// heartbeat renews the lease every third of its length until stop is closed.
// onLost runs when the claim is gone or the lease would run out before the
// next renewal. An aborted shutdown stops renewing and leaves the job to
// lease expiry.
func (p *Pool) heartbeat(job *domain.Job, leaseEnd time.Time, stop <-chan struct{}, onLost func()) {
	interval := max(p.cfg.Lease/3, time.Millisecond)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-p.abortCtx.Done():
			return
		case <-t.C:
		}

		now := p.now()
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := p.repo.Extend(ctx, job.ID, job.AttemptsMade, now.Add(p.cfg.Lease))
		cancel()

		switch {
		case err == nil:
			leaseEnd = now.Add(p.cfg.Lease)
		case errors.Is(err, domain.ErrLeaseLost):
			onLost()
			return
		default:
			slog.Warn("failed to renew job lease",
				slog.Int64("job_id", job.ID),
				slog.String("error", err.Error()))
			if !p.now().Add(interval).Before(leaseEnd) {
				onLost()
				return
			}
		}
	}
}

func (p *Pool) release(ctx context.Context, job *domain.Job) {
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()
	if p.record("release", job, p.repo.Release(ctx, job.ID, job.AttemptsMade)) {
		slog.Warn("released aborted job back to queue", slog.Int64("job_id", job.ID))
	}
}

// record logs a failed state write and reports whether it succeeded.
func (p *Pool) record(op string, job *domain.Job, err error) bool {
	if err == nil {
		return true
	}
	slog.Error("failed to record job state",
		slog.String("op", op),
		slog.Int64("job_id", job.ID),
		slog.String("name", job.Name),
		slog.Int("attempt", job.AttemptsMade),
		slog.String("error", err.Error()))
	return false
}

func invoke(ctx context.Context, fn Processor, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return fn(ctx, job)
}

// emit is a no-op once the observers are closed.
func (p *Pool) emit(ctx context.Context, ev Event) {
	p.obsMu.RLock()
	defer p.obsMu.RUnlock()
	if p.obsClosed {
		return
	}

	ev.At = p.now()
	for _, o := range p.observers {
		if err := o.Observe(ctx, ev); err != nil {
			slog.Warn("job observer failed",
				slog.Int64("job_id", ev.JobID),
				slog.String("error", err.Error()))
		}
	}
}

func (p *Pool) closeObservers() []error {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.obsClosed = true

	var errs []error
	for _, o := range p.observers {
		if err := o.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close job observer: %w", err))
		}
	}
	return errs
}

func (p *Pool) track(id int64, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if active {
		p.inflight[id] = struct{}{}
	} else {
		delete(p.inflight, id)
	}
}

func (p *Pool) inflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Shutdown stops dequeuing and waits for in-flight jobs until ctx is done.
// After that it cancels the running processors and gives them a grace period;
// each job whose processor stops with an error is released back to the queue
// without spending an attempt. Jobs still running after the grace period are
// left to lease expiry. Observers are closed last and receive no events
// afterwards; every failure is joined into the returned error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
		slog.Info("job worker stopped")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("job pool shutdown: %w", ctx.Err()))
		slog.Warn("aborting in-flight jobs", slog.Int("count", p.inflightCount()))
		p.abort()

		t := time.NewTimer(p.grace)
		select {
		case <-done:
		case <-t.C:
			slog.Warn("in-flight jobs did not stop, leaving them to lease expiry",
				slog.Int("count", p.inflightCount()))
		}
		t.Stop()
	}

	errs = append(errs, p.closeObservers()...)
	p.abort()
	return errors.Join(errs...)
}
