// Package maintenance implements the Maintenance Orchestrator (spec.md
// §4.7): three independently-scheduled recurring task classes (decay,
// consolidate, quality-sweep), each with a jittered target period, an
// execution-time budget, and adaptive back-off. Generalized from the
// teacher's enrichment worker pool (internal/engine/enrichment_worker.go's
// startWorkerPool/stopWorkerPool, enrichment_queue.go's back-pressure
// idiom) from a single job-queue pool into per-class scheduled loops.
package maintenance

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cortexmem/engine/internal/metrics"
)

// Kind names a maintenance task class.
type Kind string

const (
	KindDecay        Kind = "decay"
	KindConsolidate  Kind = "consolidate"
	KindQualitySweep Kind = "quality_sweep"
)

// CycleStats summarizes one task run, published as per-cycle metrics.
type CycleStats struct {
	Touched   int
	Promoted  int
	Forgotten int
	Errors    int
}

// RunFunc performs one cycle of a task. manual is true when invoked via
// an operator's maintenance_now() call, which the decay task uses to
// apply the manual-decay multiplier.
type RunFunc func(ctx context.Context, manual bool) (CycleStats, error)

// Schedule tunes one task's period, jitter, budget, and back-off.
type Schedule struct {
	Target        time.Duration
	JitterFrac    float64 // e.g. 0.2 for ±20%
	Budget        time.Duration
	MinDelay      time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func (s Schedule) normalized() Schedule {
	if s.JitterFrac <= 0 {
		s.JitterFrac = 0.2
	}
	if s.BackoffFactor <= 1 {
		s.BackoffFactor = 1.5
	}
	if s.MinDelay <= 0 {
		s.MinDelay = s.Target
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = s.Target
	}
	return s
}

// Task is one scheduled maintenance job: a class, a key identifying which
// (class, tier) pair it guards for the non-overlap rule, and the work
// itself.
type Task struct {
	Kind     Kind
	Key      string // e.g. "decay:mtm" — unique per (class, tier)
	Run      RunFunc
	Schedule Schedule

	mu    sync.Mutex
	delay time.Duration
}

// Orchestrator runs a fixed set of Tasks as independent scheduled loops.
// Cross-class overlap is permitted; within one Task's Key, the task's own
// mutex prevents a scheduled cycle and a manual RunNow from overlapping.
type Orchestrator struct {
	tasks   []*Task
	metrics *metrics.Metrics
	logger  *zap.Logger
	limiter *rate.Limiter

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an Orchestrator over tasks. limiterPerSecond paces how
// many task cycles may start per second across the whole orchestrator,
// smoothing bursts when several tasks' jittered periods happen to align.
func New(tasks []*Task, m *metrics.Metrics, logger *zap.Logger, limiterPerSecond float64) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiterPerSecond <= 0 {
		limiterPerSecond = 10
	}
	for _, t := range tasks {
		t.Schedule = t.Schedule.normalized()
		t.delay = t.Schedule.Target
	}
	return &Orchestrator{
		tasks:   tasks,
		metrics: m,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(limiterPerSecond), 1),
	}
}

// Start launches one scheduling loop per task. Stop (via the context
// passed to Start, or Shutdown) cancels pending waits and the context of
// an in-flight cycle; the tasks check that context between items and
// return early, so a running cycle can end part-way.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for _, t := range o.tasks {
		o.wg.Add(1)
		go o.loop(runCtx, t)
	}
}

// Shutdown cancels all scheduling loops and waits (up to timeout) for any
// in-flight cycle to finish.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	if o.cancel != nil {
		o.cancel()
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.logger.Warn("maintenance: shutdown timeout reached, a cycle may still be in flight")
	}
}

// RunNow triggers one synchronous cycle of the task matching key, for the
// manager's maintenance_now(task) operator operation. manual enables the
// decay task's manual-decay multiplier.
func (o *Orchestrator) RunNow(ctx context.Context, key string, manual bool) (CycleStats, error) {
	for _, t := range o.tasks {
		if t.Key == key {
			return o.runOnce(ctx, t, manual)
		}
	}
	return CycleStats{}, nil
}

func (o *Orchestrator) loop(ctx context.Context, t *Task) {
	defer o.wg.Done()

	for {
		t.mu.Lock()
		delay := t.delay
		t.mu.Unlock()

		wait := jitter(delay, t.Schedule.JitterFrac)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := o.limiter.Wait(ctx); err != nil {
			return
		}

		if _, err := o.runOnce(ctx, t, false); err != nil && ctx.Err() != nil {
			return
		}
	}
}

// runOnce runs one cycle of t, guarded by t's own mutex so a scheduled
// cycle and a manual RunNow never overlap, then adjusts t's delay per the
// adaptive back-off rule: an overrun or error multiplies the delay by
// BackoffFactor (capped at MaxDelay); a clean cycle moves the delay a
// quarter of the remaining gap back toward Target (never below Target), so
// the step shrinks with the gap rather than being a fixed amount.
func (o *Orchestrator) runOnce(ctx context.Context, t *Task, manual bool) (CycleStats, error) {
	if !t.mu.TryLock() {
		return CycleStats{}, nil
	}
	defer t.mu.Unlock()

	start := time.Now()
	stats, err := t.Run(ctx, manual)
	elapsed := time.Since(start)

	overrun := elapsed > t.Schedule.Budget && t.Schedule.Budget > 0
	if err != nil || overrun {
		if o.metrics != nil {
			o.metrics.RecordMaintenanceOverrun(string(t.Kind))
		}
		t.delay = minDuration(t.delay*time.Duration(t.Schedule.BackoffFactor*1000)/1000, t.Schedule.MaxDelay)
		if err != nil {
			o.logger.Error("maintenance: cycle failed", zap.String("key", t.Key), zap.Error(err))
		} else {
			o.logger.Warn("maintenance: cycle exceeded budget", zap.String("key", t.Key),
				zap.Duration("elapsed", elapsed), zap.Duration("budget", t.Schedule.Budget))
		}
	} else {
		step := (t.delay - t.Schedule.Target) / 4
		if step < 0 {
			step = -step
		}
		if t.delay > t.Schedule.Target {
			t.delay -= step
			if t.delay < t.Schedule.Target {
				t.delay = t.Schedule.Target
			}
		}
	}

	o.logger.Info("maintenance: cycle complete",
		zap.String("key", t.Key), zap.Duration("elapsed", elapsed),
		zap.Int("touched", stats.Touched), zap.Int("promoted", stats.Promoted),
		zap.Int("forgotten", stats.Forgotten), zap.Int("errors", stats.Errors))

	return stats, err
}

func jitter(base time.Duration, frac float64) time.Duration {
	if base <= 0 {
		return 0
	}
	delta := time.Duration(float64(base) * frac * (2*rand.Float64() - 1))
	result := base + delta
	if result < 0 {
		result = base
	}
	return result
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
