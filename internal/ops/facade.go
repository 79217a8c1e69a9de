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

package ops

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/internal/scheduler"
	"github.com/spinehq/spine/pkg/work"
)

// Caller identifies who invoked an operation and how.
type Caller struct {
	// ID is the caller identity recorded in result metadata and DLQ
	// resolutions. Empty means anonymous.
	ID string
	// DryRun makes mutating operations validate and report without
	// touching state.
	DryRun bool
}

// defaultListLimit caps unbounded listings.
const defaultListLimit = 50

// Facade exposes the orchestrator's operations as typed request/result
// pairs. External surfaces (API, CLI) go through it, never the
// repositories.
type Facade struct {
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Service
	store      *ledger.Store
	analytics  *ledger.ExecutionRepository
	schedules  *ledger.ScheduleRepository
	dlq        *ledger.DeadLetterRepository
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// New creates a Facade. ratePerSecond <= 0 disables rate limiting;
// scheduler and dlq may be nil, their operations then report UNAVAILABLE.
func New(d *dispatch.Dispatcher, sched *scheduler.Service, store *ledger.Store, analytics *ledger.ExecutionRepository, schedules *ledger.ScheduleRepository, dlq *ledger.DeadLetterRepository, ratePerSecond float64) *Facade {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1)
	}
	return &Facade{
		dispatcher: d,
		scheduler:  sched,
		store:      store,
		analytics:  analytics,
		schedules:  schedules,
		dlq:        dlq,
		limiter:    limiter,
		logger:     log.WithComponent(slog.Default(), "ops"),
	}
}

// finish stamps the envelope with elapsed time and caller metadata.
func finish[T any](r Result[T], started time.Time, caller Caller) Result[T] {
	r.ElapsedMS = time.Since(started).Milliseconds()
	if caller.ID != "" {
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		r.Metadata["caller"] = caller.ID
	}
	return r
}

func (f *Facade) allow() bool {
	return f.limiter == nil || f.limiter.Allow()
}

// SubmitRun submits a run of any kind.
func (f *Facade) SubmitRun(ctx context.Context, caller Caller, spec work.Spec) Result[string] {
	started := time.Now()
	if !f.allow() {
		return finish(fail[string](CodeRateLimited, "submission rate limit exceeded"), started, caller)
	}
	if err := spec.Validate(); err != nil {
		return finish(failFrom[string](err), started, caller)
	}
	if caller.DryRun {
		r := ok("")
		r.Warnings = append(r.Warnings, "dry run: run not submitted")
		return finish(r, started, caller)
	}

	runID, err := f.dispatcher.Submit(ctx, spec)
	if err != nil {
		return finish(failFrom[string](err), started, caller)
	}
	return finish(ok(runID), started, caller)
}

// GetRun fetches a run record.
func (f *Facade) GetRun(ctx context.Context, caller Caller, runID string) Result[*work.Record] {
	started := time.Now()
	rec, err := f.dispatcher.GetRun(ctx, runID)
	if err != nil {
		return finish(failFrom[*work.Record](err), started, caller)
	}
	return finish(ok(rec), started, caller)
}

// ListRuns returns a page of run records.
func (f *Facade) ListRuns(ctx context.Context, caller Caller, filter ledger.Filter) Result[Page[*work.Record]] {
	started := time.Now()
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}

	total, err := f.store.CountExecutions(ctx, filter)
	if err != nil {
		return finish(failFrom[Page[*work.Record]](err), started, caller)
	}
	records, err := f.store.ListExecutions(ctx, filter)
	if err != nil {
		return finish(failFrom[Page[*work.Record]](err), started, caller)
	}

	return finish(ok(Page[*work.Record]{
		Items:   records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: filter.Offset+len(records) < total,
	}), started, caller)
}

// GetRunEvents returns a run's lifecycle events, oldest first.
func (f *Facade) GetRunEvents(ctx context.Context, caller Caller, runID string) Result[[]work.Event] {
	started := time.Now()
	events, err := f.dispatcher.GetEvents(ctx, runID)
	if err != nil {
		return finish(failFrom[[]work.Event](err), started, caller)
	}
	return finish(ok(events), started, caller)
}

// CancelRun cancels a non-terminal run. Terminal runs are classified:
// completed reports ALREADY_COMPLETE, other terminal states NOT_CANCELLABLE.
func (f *Facade) CancelRun(ctx context.Context, caller Caller, runID string) Result[bool] {
	started := time.Now()
	rec, err := f.dispatcher.GetRun(ctx, runID)
	if err != nil {
		return finish(failFrom[bool](err), started, caller)
	}
	if rec.Status == work.StatusCompleted {
		return finish(fail[bool](CodeAlreadyComplete, fmt.Sprintf("run %s already completed", runID)), started, caller)
	}
	if rec.Status.Terminal() {
		return finish(fail[bool](CodeNotCancellable, fmt.Sprintf("run %s is %s", runID, rec.Status)), started, caller)
	}
	if caller.DryRun {
		r := ok(false)
		r.Warnings = append(r.Warnings, "dry run: run not cancelled")
		return finish(r, started, caller)
	}

	if err := f.dispatcher.Cancel(ctx, runID); err != nil {
		return finish(failFrom[bool](err), started, caller)
	}
	return finish(ok(true), started, caller)
}

// RetryRun creates a fresh run for a failed one and returns the new run id.
func (f *Facade) RetryRun(ctx context.Context, caller Caller, runID string) Result[string] {
	started := time.Now()
	if !f.allow() {
		return finish(fail[string](CodeRateLimited, "submission rate limit exceeded"), started, caller)
	}
	if caller.DryRun {
		rec, err := f.dispatcher.GetRun(ctx, runID)
		if err != nil {
			return finish(failFrom[string](err), started, caller)
		}
		r := ok("")
		if rec.Status != work.StatusFailed && rec.Status != work.StatusTimedOut {
			return finish(fail[string](CodeConflict, fmt.Sprintf("run %s is %s, not retryable", runID, rec.Status)), started, caller)
		}
		r.Warnings = append(r.Warnings, "dry run: retry not submitted")
		return finish(r, started, caller)
	}

	newID, err := f.dispatcher.Retry(ctx, runID)
	if err != nil {
		return finish(failFrom[string](err), started, caller)
	}
	return finish(ok(newID), started, caller)
}

// ListSchedules returns every schedule.
func (f *Facade) ListSchedules(ctx context.Context, caller Caller) Result[[]*ledger.Schedule] {
	started := time.Now()
	if f.schedules == nil {
		return finish(fail[[]*ledger.Schedule](CodeUnavailable, "schedules are not configured"), started, caller)
	}
	list, err := f.schedules.List(ctx)
	if err != nil {
		return finish(failFrom[[]*ledger.Schedule](err), started, caller)
	}
	return finish(ok(list), started, caller)
}

// PauseSchedule disables a schedule by name.
func (f *Facade) PauseSchedule(ctx context.Context, caller Caller, name string) Result[bool] {
	started := time.Now()
	if f.scheduler == nil {
		return finish(fail[bool](CodeUnavailable, "scheduler is not configured"), started, caller)
	}
	if caller.DryRun {
		r := ok(false)
		r.Warnings = append(r.Warnings, "dry run: schedule not paused")
		return finish(r, started, caller)
	}
	if err := f.scheduler.Pause(ctx, name); err != nil {
		return finish(failFrom[bool](err), started, caller)
	}
	return finish(ok(true), started, caller)
}

// ResumeSchedule re-enables a schedule by name.
func (f *Facade) ResumeSchedule(ctx context.Context, caller Caller, name string) Result[bool] {
	started := time.Now()
	if f.scheduler == nil {
		return finish(fail[bool](CodeUnavailable, "scheduler is not configured"), started, caller)
	}
	if caller.DryRun {
		r := ok(false)
		r.Warnings = append(r.Warnings, "dry run: schedule not resumed")
		return finish(r, started, caller)
	}
	if err := f.scheduler.Resume(ctx, name); err != nil {
		return finish(failFrom[bool](err), started, caller)
	}
	return finish(ok(true), started, caller)
}

// TriggerSchedule fires a schedule immediately and returns the run id.
func (f *Facade) TriggerSchedule(ctx context.Context, caller Caller, name string, paramsOverride map[string]any) Result[string] {
	started := time.Now()
	if f.scheduler == nil {
		return finish(fail[string](CodeUnavailable, "scheduler is not configured"), started, caller)
	}
	if !f.allow() {
		return finish(fail[string](CodeRateLimited, "submission rate limit exceeded"), started, caller)
	}
	if caller.DryRun {
		r := ok("")
		r.Warnings = append(r.Warnings, "dry run: schedule not triggered")
		return finish(r, started, caller)
	}
	runID, err := f.scheduler.Trigger(ctx, name, paramsOverride)
	if err != nil {
		return finish(failFrom[string](err), started, caller)
	}
	return finish(ok(runID), started, caller)
}

// ListDeadLetters returns DLQ entries, newest first.
func (f *Facade) ListDeadLetters(ctx context.Context, caller Caller, includeResolved bool, limit int) Result[[]*ledger.DeadLetter] {
	started := time.Now()
	if f.dlq == nil {
		return finish(fail[[]*ledger.DeadLetter](CodeUnavailable, "dead letter queue is not configured"), started, caller)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	entries, err := f.dlq.List(ctx, includeResolved, limit)
	if err != nil {
		return finish(failFrom[[]*ledger.DeadLetter](err), started, caller)
	}
	return finish(ok(entries), started, caller)
}

// ReplayDeadLetter resubmits a parked workflow and returns the new run id.
func (f *Facade) ReplayDeadLetter(ctx context.Context, caller Caller, dlqID string) Result[string] {
	started := time.Now()
	if !f.allow() {
		return finish(fail[string](CodeRateLimited, "submission rate limit exceeded"), started, caller)
	}
	if caller.DryRun {
		r := ok("")
		r.Warnings = append(r.Warnings, "dry run: dead letter not replayed")
		return finish(r, started, caller)
	}
	runID, err := f.dispatcher.ReplayDeadLetter(ctx, dlqID)
	if err != nil {
		return finish(failFrom[string](err), started, caller)
	}
	return finish(ok(runID), started, caller)
}

// ResolveDeadLetter marks a DLQ entry handled by the caller.
func (f *Facade) ResolveDeadLetter(ctx context.Context, caller Caller, dlqID string) Result[bool] {
	started := time.Now()
	if f.dlq == nil {
		return finish(fail[bool](CodeUnavailable, "dead letter queue is not configured"), started, caller)
	}
	if caller.DryRun {
		r := ok(false)
		r.Warnings = append(r.Warnings, "dry run: dead letter not resolved")
		return finish(r, started, caller)
	}
	resolvedBy := caller.ID
	if resolvedBy == "" {
		resolvedBy = "anonymous"
	}
	if err := f.dlq.Resolve(ctx, dlqID, resolvedBy); err != nil {
		return finish(failFrom[bool](err), started, caller)
	}
	return finish(ok(true), started, caller)
}

// Stats aggregates run counts over a trailing window.
func (f *Facade) Stats(ctx context.Context, caller Caller, hours int) Result[*ledger.Stats] {
	started := time.Now()
	stats, err := f.analytics.Stats(ctx, hours)
	if err != nil {
		return finish(failFrom[*ledger.Stats](err), started, caller)
	}
	return finish(ok(stats), started, caller)
}

// StaleRuns lists runs stuck in running beyond the threshold.
func (f *Facade) StaleRuns(ctx context.Context, caller Caller, threshold time.Duration) Result[[]*work.Record] {
	started := time.Now()
	records, err := f.analytics.StaleExecutions(ctx, threshold)
	if err != nil {
		return finish(failFrom[[]*work.Record](err), started, caller)
	}
	return finish(ok(records), started, caller)
}

// RecentFailures lists the latest failed runs in a trailing window.
func (f *Facade) RecentFailures(ctx context.Context, caller Caller, hours, limit int) Result[[]*work.Record] {
	started := time.Now()
	if limit <= 0 {
		limit = defaultListLimit
	}
	records, err := f.analytics.RecentFailures(ctx, hours, limit)
	if err != nil {
		return finish(failFrom[[]*work.Record](err), started, caller)
	}
	return finish(ok(records), started, caller)
}

// SchedulerHealth reports the scheduler's aggregate health.
func (f *Facade) SchedulerHealth(caller Caller) Result[scheduler.Health] {
	started := time.Now()
	if f.scheduler == nil {
		return finish(fail[scheduler.Health](CodeUnavailable, "scheduler is not configured"), started, caller)
	}
	return finish(ok(f.scheduler.Health()), started, caller)
}
