// Package sweep runs the six background passes that drive time-based nodes
// and recover crashed or stalled executions. Every replica runs the same
// sweeps; duplicate passes are throttled through the sweep_runs audit table
// and are harmless anyway because Advance is idempotent.
package sweep

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/engine"
	"github.com/trellisengine/trellis/pkg/logger"
	"github.com/trellisengine/trellis/pkg/metrics"
	"github.com/trellisengine/trellis/pkg/storage"
)

// Sweep is one background pass. Run returns the number of executions it
// advanced.
type Sweep interface {
	Type() execution.SweepType
	Run(ctx context.Context) (int, error)
}

// Settings tune one sweep.
type Settings struct {
	Enabled     bool
	Period      time.Duration
	MinInterval time.Duration
}

// Options tune the whole sweep subsystem.
type Options struct {
	Abandoned           Settings
	ScheduleNodes       Settings
	UnblockedBySchedule Settings
	RegenerateRecurring Settings
	MissedCatchall      Settings
	Stalled             Settings

	// CatchallLookback bounds how far back the daily catch-all looks for
	// due pulses.
	CatchallLookback time.Duration
	// CatchallUTCHour is the preferred UTC hour of the daily catch-all.
	CatchallUTCHour int
	// StalledIdle and StalledWindow bound the stalled-execution heuristic:
	// untouched for at least StalledIdle but within StalledWindow.
	StalledIdle   time.Duration
	StalledWindow time.Duration
}

// DefaultOptions returns the production cadence.
func DefaultOptions() Options {
	std := Settings{Enabled: true, Period: 60 * time.Second, MinInterval: 59 * time.Second}
	return Options{
		Abandoned:           std,
		ScheduleNodes:       std,
		UnblockedBySchedule: std,
		RegenerateRecurring: std,
		MissedCatchall:      Settings{Enabled: true, Period: 24 * time.Hour, MinInterval: time.Hour},
		Stalled:             Settings{Enabled: true, Period: 2 * time.Minute, MinInterval: 119 * time.Second},
		CatchallLookback:    7 * 24 * time.Hour,
		CatchallUTCHour:     7,
		StalledIdle:         10 * time.Minute,
		StalledWindow:       72 * time.Hour,
	}
}

// Runner owns the sweep schedules. Start and Stop are exposed so tests can
// drive sweeps deterministically with RunSweep instead.
type Runner struct {
	engine *engine.Engine
	store  storage.Store
	log    *logger.Logger
	opts   Options

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewRunner creates a sweep runner.
func NewRunner(eng *engine.Engine, store storage.Store, log *logger.Logger, opts Options) *Runner {
	if log == nil {
		log = logger.NewDefault("sweep")
	}
	return &Runner{engine: eng, store: store, log: log, opts: opts}
}

// Sweeps returns the configured sweeps in a stable order.
func (r *Runner) Sweeps() []Sweep {
	return []Sweep{
		&abandonedSweep{runner: r},
		&scheduleNodesSweep{runner: r},
		&unblockedByScheduleSweep{runner: r},
		&regenerateRecurringSweep{runner: r},
		&missedCatchallSweep{runner: r},
		&stalledExecutionsSweep{runner: r},
	}
}

// Start launches the cron schedules after a randomized startup delay so
// replicas starting together do not sweep in lockstep.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	c := cron.New(cron.WithLocation(time.UTC))
	for _, s := range r.Sweeps() {
		settings := r.settingsFor(s.Type())
		if !settings.Enabled {
			continue
		}
		sweep := s
		var spec string
		if sweep.Type() == execution.SweepMissedSchedulesCatchall {
			spec = fmt.Sprintf("0 %d * * *", r.opts.CatchallUTCHour)
		} else {
			spec = fmt.Sprintf("@every %ds", int(settings.Period.Seconds()))
		}
		if _, err := c.AddFunc(spec, func() { r.runOnce(runCtx, sweep) }); err != nil {
			cancel()
			return fmt.Errorf("schedule sweep %s: %w", sweep.Type(), err)
		}
	}

	jitter := 5*time.Second + time.Duration(rand.Int63n(int64(20*time.Second)))
	go func() {
		timer := time.NewTimer(jitter)
		defer timer.Stop()
		select {
		case <-runCtx.Done():
			return
		case <-timer.C:
		}
		c.Start()
	}()

	r.cron = c
	r.running = true
	r.log.WithField("startup_jitter", jitter.String()).Info("sweep runner started")
	return nil
}

// Stop halts the schedules and waits for in-flight sweeps.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	cancel := r.cancel
	r.cron = nil
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		stopped := c.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.log.Info("sweep runner stopped")
	return nil
}

func (r *Runner) settingsFor(t execution.SweepType) Settings {
	switch t {
	case execution.SweepAbandoned:
		return r.opts.Abandoned
	case execution.SweepScheduleNodes:
		return r.opts.ScheduleNodes
	case execution.SweepUnblockedBySchedule:
		return r.opts.UnblockedBySchedule
	case execution.SweepRegenerateScheduleRecurring:
		return r.opts.RegenerateRecurring
	case execution.SweepMissedSchedulesCatchall:
		return r.opts.MissedCatchall
	case execution.SweepStalledExecutions:
		return r.opts.Stalled
	}
	return Settings{}
}

func (r *Runner) runOnce(ctx context.Context, s Sweep) {
	if _, err := r.RunSweep(ctx, s); err != nil {
		r.log.WithError(err).WithField("sweep", string(s.Type())).Warn("sweep failed")
	}
}

// RunSweep executes one gated, audited pass of the sweep. It is the test
// harness entry point for deterministic sweep control.
func (r *Runner) RunSweep(ctx context.Context, s Sweep) (int, error) {
	settings := r.settingsFor(s.Type())

	last, err := r.store.LastCompletedSweep(ctx, s.Type())
	if err != nil {
		return 0, err
	}
	if last != nil && time.Since(*last.CompletedAt) < settings.MinInterval {
		return 0, nil
	}

	run, err := r.store.RecordSweepStart(ctx, s.Type())
	if err != nil {
		return 0, err
	}

	started := time.Now()
	processed, runErr := s.Run(ctx)
	if err := r.store.CompleteSweepRun(ctx, run.ID, processed); err != nil {
		r.log.WithError(err).WithField("sweep", string(s.Type())).Warn("complete sweep run failed")
	}
	metrics.SweepCompleted(string(s.Type()), time.Since(started), processed)
	return processed, runErr
}

// advanceAll advances each execution, logging per-execution failures so one
// bad execution cannot stop the sweep.
func (r *Runner) advanceAll(ctx context.Context, sweepType execution.SweepType, ids []string) int {
	processed := 0
	for _, id := range ids {
		if err := r.engine.AdvanceByID(ctx, id); err != nil {
			r.log.WithError(err).
				WithField("sweep", string(sweepType)).
				WithField("execution_id", id).
				Warn("advance failed")
			continue
		}
		processed++
	}
	return processed
}
