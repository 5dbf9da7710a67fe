package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/trellisengine/trellis/domain/execution"
)

// abandonedSweep reclaims computations whose hard deadline or heartbeat
// window elapsed: crashed workers, dead replicas, functions that never
// returned.
type abandonedSweep struct {
	runner *Runner
}

func (s *abandonedSweep) Type() execution.SweepType { return execution.SweepAbandoned }

func (s *abandonedSweep) Run(ctx context.Context) (int, error) {
	expired, err := s.runner.store.ExpiredComputations(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, comp := range expired {
		reason := "heartbeat deadline elapsed"
		if comp.Deadline != nil && comp.Deadline.Before(time.Now()) {
			reason = "hard deadline elapsed"
		}
		reclaimed, err := s.runner.engine.ReclaimComputation(ctx, comp, reason)
		if err != nil {
			s.runner.log.WithError(err).
				WithField("execution_id", comp.ExecutionID).
				WithField("node", comp.NodeName).
				Warn("reclaim failed")
			continue
		}
		if reclaimed {
			processed++
		}
	}
	return processed, nil
}

// scheduleNodesSweep advances executions holding unstarted schedule-type
// computations whose gates may now be met.
type scheduleNodesSweep struct {
	runner *Runner
}

func (s *scheduleNodesSweep) Type() execution.SweepType { return execution.SweepScheduleNodes }

func (s *scheduleNodesSweep) Run(ctx context.Context) (int, error) {
	ids, err := s.runner.store.ExecutionIDsWithUnstartedSchedules(ctx)
	if err != nil {
		return 0, err
	}
	return s.runner.advanceAll(ctx, s.Type(), ids), nil
}

// unblockedByScheduleSweep advances executions whose schedule pulse has
// passed, unblocking downstream nodes gated on it.
type unblockedByScheduleSweep struct {
	runner *Runner
}

func (s *unblockedByScheduleSweep) Type() execution.SweepType {
	return execution.SweepUnblockedBySchedule
}

func (s *unblockedByScheduleSweep) Run(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	// The recency cutoff filters on the pulse value itself. Filtering on
	// set_time instead collapses the detection window to nothing once the
	// tick period exceeds a few sweep periods.
	lookback := 5 * s.runner.opts.UnblockedBySchedule.Period
	if lookback < time.Minute {
		lookback = time.Minute
	}
	ids, err := s.runner.store.ExecutionIDsUnblockedBySchedule(ctx, now.Add(-lookback).Unix(), now.Unix())
	if err != nil {
		return 0, err
	}
	return s.runner.advanceAll(ctx, s.Type(), ids), nil
}

// regenerateRecurringSweep materializes the next attempt for recurring
// schedule nodes whose pulse has fired.
type regenerateRecurringSweep struct {
	runner *Runner
}

func (s *regenerateRecurringSweep) Type() execution.SweepType {
	return execution.SweepRegenerateScheduleRecurring
}

func (s *regenerateRecurringSweep) Run(ctx context.Context) (int, error) {
	candidates, err := s.runner.store.RecurringDueForRegeneration(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, c := range candidates {
		if err := s.runner.engine.RegenerateRecurring(ctx, c.ExecutionID, c.NodeName); err != nil {
			s.runner.log.WithError(err).
				WithField("execution_id", c.ExecutionID).
				WithField("node", c.NodeName).
				Warn("regenerate recurring failed")
			continue
		}
		processed++
	}
	return processed, nil
}

// missedCatchallSweep is the daily wide-window net behind the short-window
// schedule sweeps: any due pulse within the lookback gets its execution
// advanced.
type missedCatchallSweep struct {
	runner *Runner
}

func (s *missedCatchallSweep) Type() execution.SweepType {
	return execution.SweepMissedSchedulesCatchall
}

func (s *missedCatchallSweep) Run(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	lookback := s.runner.opts.CatchallLookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	ids, err := s.runner.store.ExecutionIDsUnblockedBySchedule(ctx, now.Add(-lookback).Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("find due pulses: %w", err)
	}
	return s.runner.advanceAll(ctx, s.Type(), ids), nil
}

// stalledExecutionsSweep re-advances executions untouched for a while that
// still hold unstarted computations, recovering from bugs and missed
// signals.
type stalledExecutionsSweep struct {
	runner *Runner
}

func (s *stalledExecutionsSweep) Type() execution.SweepType {
	return execution.SweepStalledExecutions
}

func (s *stalledExecutionsSweep) Run(ctx context.Context) (int, error) {
	ids, err := s.runner.store.StalledExecutionIDs(ctx, s.runner.opts.StalledIdle, s.runner.opts.StalledWindow)
	if err != nil {
		return 0, err
	}
	return s.runner.advanceAll(ctx, s.Type(), ids), nil
}
