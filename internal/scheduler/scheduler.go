// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/lock"
	"github.com/spinehq/spine/internal/log"
	spineerrors "github.com/spinehq/spine/pkg/errors"
	"github.com/spinehq/spine/pkg/work"
)

// DefaultTickInterval is the poll cadence when the config does not say.
const DefaultTickInterval = 10 * time.Second

// cronParser accepts the standard five-field format plus descriptors
// (@hourly, @every 5m).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Health aggregates backend health with lock state.
type Health struct {
	Healthy     bool      `json:"healthy"`
	TickCount   int64     `json:"tick_count"`
	LastTick    time.Time `json:"last_tick"`
	DriftMS     int64     `json:"drift_ms"`
	ActiveLocks int64     `json:"active_locks"`
}

// Service fires due schedules. Each due schedule is dispatched at most once
// per tick across all instances; the schedule lock arbitrates.
type Service struct {
	schedules  *ledger.ScheduleRepository
	locks      *lock.Manager
	dispatcher *dispatch.Dispatcher
	backend    Backend
	interval   time.Duration
	logger     *slog.Logger
}

// New creates a Service. A nil backend gets a TickerBackend.
func New(schedules *ledger.ScheduleRepository, locks *lock.Manager, dispatcher *dispatch.Dispatcher, backend Backend, interval time.Duration) *Service {
	if backend == nil {
		backend = NewTickerBackend()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Service{
		schedules:  schedules,
		locks:      locks,
		dispatcher: dispatcher,
		backend:    backend,
		interval:   interval,
		logger:     log.WithComponent(slog.Default(), "scheduler"),
	}
}

// Start begins ticking.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("scheduler starting", slog.Duration("interval", s.interval))
	return s.backend.Start(ctx, s.Tick, s.interval)
}

// Stop halts ticking and waits for the in-flight tick.
func (s *Service) Stop() {
	s.backend.Stop()
	s.logger.Info("scheduler stopped")
}

// Tick fires every due schedule this instance can lock. Exported so a
// manual poke (CLI, test) can share the backend's path.
func (s *Service) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.schedules.GetDue(ctx, now)
	if err != nil {
		s.logger.Error("failed to query due schedules", log.Error(err))
		return
	}

	for _, sched := range due {
		if err := ctx.Err(); err != nil {
			return
		}
		s.fire(ctx, sched, now)
	}
}

// fire dispatches one due schedule under its lock.
func (s *Service) fire(ctx context.Context, sched *ledger.Schedule, now time.Time) {
	logger := s.logger.With(slog.String(log.ScheduleKey, sched.Name))

	ok, err := s.locks.Acquire(ctx, sched.ScheduleID)
	if err != nil {
		logger.Error("failed to acquire schedule lock", log.Error(err))
		return
	}
	if !ok {
		logger.Debug("schedule locked by another instance, skipping")
		return
	}
	defer func() {
		released, err := s.locks.Release(ctx, sched.ScheduleID)
		if err != nil {
			logger.Warn("failed to release schedule lock", log.Error(err))
			return
		}
		if !released {
			logger.Warn("schedule lock expired before release")
		}
	}()

	// The due list was read before the lock. Re-check under it so an
	// instance that lost the race does not dispatch a second time.
	fresh, err := s.schedules.Get(ctx, sched.ScheduleID)
	if err != nil {
		logger.Error("failed to re-read schedule under lock", log.Error(err))
		return
	}
	if !fresh.Enabled || fresh.NextRunAt == nil || fresh.NextRunAt.After(now) {
		logger.Debug("schedule already advanced by another instance, skipping")
		return
	}

	runID, err := s.dispatch(ctx, fresh, nil)
	if err != nil {
		logger.Error("schedule dispatch failed", log.Error(err))
		// next_run_at stays put; the schedule fires again next tick.
		return
	}

	next, err := s.NextRun(fresh, now)
	if err != nil {
		logger.Error("failed to compute next run", log.Error(err))
		return
	}
	if err := s.schedules.UpdateAfterDispatch(ctx, sched.ScheduleID, now, next); err != nil {
		logger.Error("failed to advance schedule", log.Error(err))
		return
	}
	logger.Info("schedule fired",
		slog.String(log.RunIDKey, runID),
		slog.Time("next_run_at", derefTime(next)))
}

// dispatch submits the schedule's target with the schedule trigger source.
func (s *Service) dispatch(ctx context.Context, sched *ledger.Schedule, override map[string]any) (string, error) {
	params := sched.Params
	if len(override) > 0 {
		merged := make(map[string]any, len(params)+len(override))
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range override {
			merged[k] = v
		}
		params = merged
	}

	opts := []dispatch.SpecOption{dispatch.WithTriggerSource(work.TriggerSchedule)}
	switch work.Kind(sched.TargetType) {
	case work.KindTask:
		return s.dispatcher.SubmitTask(ctx, sched.TargetName, params, opts...)
	case work.KindPipeline:
		return s.dispatcher.SubmitPipeline(ctx, sched.TargetName, params, opts...)
	case work.KindWorkflow, "":
		return s.dispatcher.SubmitWorkflow(ctx, sched.TargetName, params, opts...)
	default:
		return "", &spineerrors.ValidationError{Field: "target_type", Message: fmt.Sprintf("unknown schedule target type %q", sched.TargetType)}
	}
}

// NextRun computes the fire time after from.
func (s *Service) NextRun(sched *ledger.Schedule, from time.Time) (*time.Time, error) {
	switch sched.Type {
	case ledger.ScheduleCron:
		spec, err := cronParser.Parse(sched.CronExpression)
		if err != nil {
			return nil, &spineerrors.ValidationError{Field: "cron_expression", Message: fmt.Sprintf("invalid cron expression %q: %v", sched.CronExpression, err)}
		}
		next := spec.Next(from)
		return &next, nil
	case ledger.ScheduleInterval:
		next := from.Add(time.Duration(sched.IntervalSeconds) * time.Second)
		return &next, nil
	default:
		return nil, &spineerrors.ValidationError{Field: "schedule_type", Message: fmt.Sprintf("unknown schedule type %q", sched.Type)}
	}
}

// CreateSchedule validates, computes the first fire time and persists.
func (s *Service) CreateSchedule(ctx context.Context, sched *ledger.Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	if sched.NextRunAt == nil {
		next, err := s.NextRun(sched, time.Now().UTC())
		if err != nil {
			return err
		}
		sched.NextRunAt = next
	}
	return s.schedules.Create(ctx, sched)
}

// Pause disables a schedule by name. Idempotent.
func (s *Service) Pause(ctx context.Context, name string) error {
	sched, err := s.schedules.GetByName(ctx, name)
	if err != nil {
		return err
	}
	return s.schedules.SetEnabled(ctx, sched.ScheduleID, false)
}

// Resume re-enables a schedule and recomputes next_run_at from now, so a
// long pause does not cause a burst of catch-up fires.
func (s *Service) Resume(ctx context.Context, name string) error {
	sched, err := s.schedules.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if err := s.schedules.SetEnabled(ctx, sched.ScheduleID, true); err != nil {
		return err
	}
	now := time.Now().UTC()
	next, err := s.NextRun(sched, now)
	if err != nil {
		return err
	}
	last := sched.LastRunAt
	if last == nil {
		last = &now
	}
	return s.schedules.UpdateAfterDispatch(ctx, sched.ScheduleID, *last, next)
}

// Trigger fires a schedule immediately, outside its cadence. next_run_at is
// left untouched.
func (s *Service) Trigger(ctx context.Context, name string, paramsOverride map[string]any) (string, error) {
	sched, err := s.schedules.GetByName(ctx, name)
	if err != nil {
		return "", err
	}
	return s.dispatch(ctx, sched, paramsOverride)
}

// Health aggregates backend and lock state.
func (s *Service) Health() Health {
	bh := s.backend.Health()
	return Health{
		Healthy:     bh.Healthy,
		TickCount:   bh.TickCount,
		LastTick:    bh.LastTick,
		DriftMS:     bh.DriftMS,
		ActiveLocks: s.locks.ActiveLocks(),
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
