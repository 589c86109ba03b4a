// Package processor runs the polling loop that drives leased jobs through
// their step executors. One Processor per process; concurrency is bounded by
// a fixed worker budget and backpressure comes from leasing at most
// (concurrency - active) jobs per tick.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pixelpipe.3jms.dev/common"
	"pixelpipe.3jms.dev/executor"
	"pixelpipe.3jms.dev/jobs"
	"pixelpipe.3jms.dev/store"
	"pixelpipe.3jms.dev/version"
)

// Config tunes the processing loop.
type Config struct {
	// PollInterval is the period between runnable-job scans (default: 5s).
	PollInterval time.Duration

	// Concurrency bounds in-flight jobs (default: 4).
	Concurrency int

	// MaxRetries is the per-job retry budget (default: 3).
	MaxRetries int

	// LeaseTTL is the exclusive-processing window per leased job. It must
	// exceed the longest expected provider timeout (default: 10m).
	LeaseTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	return c
}

// Status is the observability snapshot served by the control plane.
type Status struct {
	IsRunning   bool         `json:"isRunning"`
	Version     string       `json:"version"`
	Config      StatusConfig `json:"config"`
	CurrentJobs []string     `json:"currentJobs"`
}

// StatusConfig echoes the effective loop tuning.
type StatusConfig struct {
	PollIntervalMS int64 `json:"pollInterval"`
	Concurrency    int   `json:"concurrency"`
	MaxRetries     int   `json:"maxRetries"`
}

// Processor owns the poll/dispatch/retry loops.
type Processor struct {
	store *store.Store
	exec  *executor.Executor
	cfg   Config
	owner string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	active  map[string]jobs.Status
	backoff map[string]time.Time

	wg sync.WaitGroup
}

// New creates a stopped Processor. The lease owner identity is unique per
// process so stale leases from a crashed predecessor are distinguishable.
func New(s *store.Store, exec *executor.Executor, cfg Config) *Processor {
	host, _ := os.Hostname()
	return &Processor{
		store:   s,
		exec:    exec,
		cfg:     cfg.withDefaults(),
		owner:   fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		active:  make(map[string]jobs.Status),
		backoff: make(map[string]time.Time),
	}
}

// Owner returns the lease-owner identity of this processor.
func (p *Processor) Owner() string { return p.owner }

// Start launches the polling loop. Starting a running processor is an error.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("processor already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.loop(ctx)

	common.Logger.WithField("owner", p.owner).Info("processor started")
	return nil
}

// Stop halts leasing, signals in-flight executors to abort at their next
// suspension point, and waits until ctx expires. Jobs still in flight after
// the grace period are safe: their leases expire and another worker (or a
// restart) re-leases them.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		common.Logger.Info("processor stopped")
		return nil
	case <-ctx.Done():
		common.Logger.Warn("processor stop timed out with jobs in flight")
		return ctx.Err()
	}
}

// Running reports whether the loop is active.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Status returns the observability snapshot.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := make([]string, 0, len(p.active))
	for id := range p.active {
		current = append(current, id)
	}
	sort.Strings(current)
	return Status{
		IsRunning: p.running,
		Version:   version.Version(),
		Config: StatusConfig{
			PollIntervalMS: p.cfg.PollInterval.Milliseconds(),
			Concurrency:    p.cfg.Concurrency,
			MaxRetries:     p.cfg.MaxRetries,
		},
		CurrentJobs: current,
	}
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// An immediate first tick avoids waiting a full interval at startup.
	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick leases up to (concurrency - active) runnable jobs and dispatches them.
func (p *Processor) tick(ctx context.Context) {
	p.mu.Lock()
	capacity := p.cfg.Concurrency - len(p.active)
	p.mu.Unlock()
	if capacity <= 0 {
		return
	}

	leased, err := p.store.LeaseRunnable(ctx, capacity, p.owner, p.cfg.LeaseTTL)
	if err != nil {
		if ctx.Err() == nil {
			common.Logger.Error("lease scan failed: ", err)
		}
		return
	}

	now := time.Now()
	for i := range leased {
		job := leased[i]

		p.mu.Lock()
		if until, held := p.backoff[job.ID]; held && now.Before(until) {
			p.mu.Unlock()
			// Leased too early after a failure; give it back.
			_ = p.store.ReleaseLease(ctx, job.ID, p.owner)
			continue
		}
		delete(p.backoff, job.ID)
		p.active[job.ID] = job.Status
		p.mu.Unlock()

		p.wg.Add(1)
		go p.runJob(ctx, &job)
	}
}

func (p *Processor) runJob(ctx context.Context, job *jobs.Job) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.active, job.ID)
		p.mu.Unlock()
	}()

	logger := common.Logger.WithField("jobId", job.ID)
	updated, err := p.exec.Execute(ctx, job, p.owner)
	if err == nil {
		logger.Infof("job advanced to %s", updated.Status)
		return
	}
	if ctx.Err() != nil {
		logger.Info("job aborted by shutdown; lease will expire")
		return
	}
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		logger.Warn("lost lease mid-step: ", err)
		return
	}

	p.scheduleRetry(ctx, job.ID)
}

// scheduleRetry consults the retry policy on the failed record and defers a
// re-queue by the exponential backoff. Exhausted retryable failures get
// MaxRetriesExceeded stamped; non-retryable ones stay for human action.
func (p *Processor) scheduleRetry(ctx context.Context, id string) {
	logger := common.Logger.WithField("jobId", id)

	job, err := p.store.Get(ctx, id)
	if err != nil {
		logger.Error("could not load failed job: ", err)
		return
	}
	if job.Status != jobs.StatusFailed {
		return
	}

	if !jobs.CanRetry(job, p.cfg.MaxRetries) {
		if job.ErrorCode.Retryable() && job.Attempt >= p.cfg.MaxRetries {
			if err := p.store.MarkRetriesExhausted(ctx, id); err != nil {
				logger.Error("could not mark retries exhausted: ", err)
			} else {
				logger.Warnf("retries exhausted after %d attempts", job.Attempt)
			}
		} else {
			logger.Warnf("job not retryable (%s); awaiting admin action", job.ErrorCode)
		}
		return
	}

	delay := jobs.RetryDelay(job.Attempt)
	p.mu.Lock()
	p.backoff[id] = time.Now().Add(delay)
	p.mu.Unlock()
	logger.Infof("retrying in %s (attempt %d)", delay, job.Attempt+1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		retried, err := p.store.Retry(ctx, id, p.cfg.MaxRetries)
		if err != nil {
			// An admin may have retried or failed it meanwhile.
			logger.Warn("deferred retry skipped: ", err)
			return
		}
		logger.Infof("re-queued at %s", retried.Status)
	}()
}
