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

// Package scheduler fires due schedules through the dispatcher. A pluggable
// backend provides the ticks; schedule locks keep multiple instances from
// double-firing.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// TickFunc is invoked by a backend on every tick.
type TickFunc func(ctx context.Context)

// BackendHealth is a backend's self-report.
type BackendHealth struct {
	Healthy   bool      `json:"healthy"`
	TickCount int64     `json:"tick_count"`
	LastTick  time.Time `json:"last_tick"`
	DriftMS   int64     `json:"drift_ms"`
}

// Backend produces the tick stream that drives the scheduler.
type Backend interface {
	// Start begins ticking at the given interval. Returns once the tick
	// loop is running.
	Start(ctx context.Context, fn TickFunc, interval time.Duration) error
	// Stop halts ticking and waits for an in-flight tick to finish.
	Stop()
	// Health reports tick progress and drift.
	Health() BackendHealth
}

// TickerBackend drives ticks from a time.Ticker. Drift is the distance
// between the observed tick time and the ideal schedule; time.Ticker
// self-corrects, so drift reflects a busy process rather than accumulation.
type TickerBackend struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
	tickCount int64
	lastTick  time.Time
	driftMS   int64
}

// NewTickerBackend creates a TickerBackend.
func NewTickerBackend() *TickerBackend {
	return &TickerBackend{}
}

// Start launches the tick loop. Starting an already-started backend is an
// error-free no-op.
func (b *TickerBackend) Start(ctx context.Context, fn TickFunc, interval time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true

	go b.loop(ctx, fn, interval)
	return nil
}

func (b *TickerBackend) loop(ctx context.Context, fn TickFunc, interval time.Duration) {
	defer close(b.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.mu.Lock()
			b.tickCount++
			ideal := start.Add(time.Duration(b.tickCount) * interval)
			b.lastTick = now
			b.driftMS = now.Sub(ideal).Milliseconds()
			b.mu.Unlock()

			fn(ctx)
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (b *TickerBackend) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	cancel, done := b.cancel, b.done
	b.started = false
	b.mu.Unlock()

	cancel()
	<-done
}

// Health reports tick progress. Healthy means the loop is running.
func (b *TickerBackend) Health() BackendHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackendHealth{
		Healthy:   b.started,
		TickCount: b.tickCount,
		LastTick:  b.lastTick,
		DriftMS:   b.driftMS,
	}
}
