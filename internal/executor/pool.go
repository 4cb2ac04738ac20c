// Package executor runs due tasks: a pool of workers claims tasks from the
// store, dispatches them by kind, and records the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"math/rand"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/cmdsched/internal/task"
)

// Store is the subset of the task store the pool claims from and reports to.
type Store interface {
	ClaimDue(ctx context.Context, now time.Time) (*task.Record, error)
	CompleteTask(ctx context.Context, id, token string, result map[string]any, now time.Time) error
	RetryTask(ctx context.Context, id, token, errMsg string, next, now time.Time) error
	FailTask(ctx context.Context, id, token, errMsg string, now time.Time) error
}

// Dispatcher runs one attempt of a claimed task.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec task.Record) (map[string]any, error)
}

// Config holds pool limits. Zero values take defaults.
type Config struct {
	Workers      int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 60 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
}

// Pool is a fixed set of workers polling the store for due tasks.
type Pool struct {
	store    Store
	dispatch Dispatcher
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

func NewPool(store Store, d Dispatcher, cfg Config) *Pool {
	cfg.applyDefaults()
	return &Pool{store: store, dispatch: d, cfg: cfg, now: time.Now, logger: slog.Default()}
}

// WithClock replaces the time source used for claims and backoff.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

func (p *Pool) WithLogger(l *slog.Logger) *Pool {
	p.logger = l
	return p
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current task.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("executor started", "workers", p.cfg.Workers, "poll_interval", p.cfg.PollInterval)
	var g errgroup.Group
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			p.worker(ctx, i)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("executor stopped")
	return err
}

func (p *Pool) worker(ctx context.Context, idx int) {
	// Per-worker RNG: no lock contention on jitter.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.runOnce(ctx, rng)
		if err != nil {
			p.logger.Error("worker iteration failed", "worker", idx, "error", err)
		}
		if processed {
			continue
		}

		wait := p.cfg.PollInterval + time.Duration(rng.Int63n(int64(p.cfg.PollInterval)/2+1))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// RunOnce claims and executes at most one due task. It reports whether a
// task was claimed, regardless of the attempt's outcome.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	return p.runOnce(ctx, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func (p *Pool) runOnce(ctx context.Context, rng *rand.Rand) (bool, error) {
	rec, err := p.store.ClaimDue(ctx, p.now())
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if rec == nil {
		return false, nil
	}

	log := p.logger.With("task_id", rec.ID, "kind", rec.Kind, "attempt", rec.Attempts+1)
	log.Debug("task claimed")

	start := time.Now()
	result, runErr := p.execute(ctx, *rec)

	// The outcome is recorded even when shutdown cancelled the attempt, so
	// the claim does not linger until the liveness sweep.
	writeCtx := context.WithoutCancel(ctx)
	now := p.now()

	if runErr == nil {
		err := p.store.CompleteTask(writeCtx, rec.ID, rec.ClaimToken, result, now)
		if lostClaim(err) {
			log.Warn("claim lost before completion was recorded", "error", err)
			return true, nil
		}
		if err != nil {
			return true, fmt.Errorf("completing task %s: %w", rec.ID, err)
		}
		log.Info("task completed", "duration", time.Since(start))
		return true, nil
	}

	execErr := &task.ExecutionError{
		TaskID:    rec.ID,
		Kind:      rec.Kind,
		Attempt:   rec.Attempts + 1,
		Permanent: IsPermanent(runErr),
		Err:       runErr,
	}

	if execErr.Permanent || rec.Attempts >= rec.MaxRetries {
		err = p.store.FailTask(writeCtx, rec.ID, rec.ClaimToken, runErr.Error(), now)
		if err == nil {
			log.Warn("task failed", "error", execErr)
		}
	} else {
		delay := p.backoff(rec.Attempts, runErr, rng)
		err = p.store.RetryTask(writeCtx, rec.ID, rec.ClaimToken, runErr.Error(), now.Add(delay), now)
		if err == nil {
			log.Info("task will retry", "delay", delay, "error", execErr)
		}
	}
	if lostClaim(err) {
		log.Warn("claim lost before failure was recorded", "error", err)
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("recording failure of task %s: %w", rec.ID, err)
	}
	return true, nil
}

// lostClaim reports a fenced write rejected because the claim moved on,
// such as after the liveness sweep reclaimed the task.
func lostClaim(err error) bool {
	var terr *task.TransitionError
	return errors.As(err, &terr)
}

// execute runs one attempt under the task timeout. A panic becomes a
// recoverable error.
func (p *Pool) execute(ctx context.Context, rec task.Record) (result map[string]any, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panic", "task_id", rec.ID, "kind", rec.Kind, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.dispatch.Dispatch(ctx, rec)
}

// backoff returns the delay before the next attempt after a failure with
// attempts prior retries: min(base*2^attempts, max) plus up to base of
// jitter. A RetryAfter hint replaces the computed delay.
func (p *Pool) backoff(attempts int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return min(ra.RetryAfter(), p.cfg.BackoffMax)
	}

	// base<<attempts stays within max, and so cannot overflow, while
	// attempts is below the bit length of max/base.
	d := p.cfg.BackoffMax
	if base := p.cfg.BackoffBase; base > 0 && attempts < bits.Len64(uint64(p.cfg.BackoffMax/base)) {
		d = base << attempts
	}
	if rng != nil {
		d += time.Duration(rng.Int63n(int64(p.cfg.BackoffBase)))
	}
	return d
}
