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

// Package resilience provides retry strategies, nestable deadlines, a
// circuit breaker and a database-backed concurrency guard.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	spineerrors "github.com/spinehq/spine/pkg/errors"
)

// Strategy yields the delay before a given retry. attempt is 1-based: the
// delay returned for attempt 1 precedes the first retry. ok is false when
// the budget is exhausted.
type Strategy interface {
	Delay(attempt int) (d time.Duration, ok bool)
	MaxAttempts() int
}

// NoRetry never retries.
type NoRetry struct{}

func (NoRetry) Delay(int) (time.Duration, bool) { return 0, false }
func (NoRetry) MaxAttempts() int                { return 0 }

// ConstantBackoff waits the same delay before every retry.
type ConstantBackoff struct {
	Interval time.Duration
	Max      int
}

func (c ConstantBackoff) Delay(attempt int) (time.Duration, bool) {
	if attempt > c.Max {
		return 0, false
	}
	return c.Interval, true
}

func (c ConstantBackoff) MaxAttempts() int { return c.Max }

// LinearBackoff grows the delay by a fixed increment per retry.
type LinearBackoff struct {
	Base      time.Duration
	Increment time.Duration
	Max       int
}

func (l LinearBackoff) Delay(attempt int) (time.Duration, bool) {
	if attempt > l.Max {
		return 0, false
	}
	return l.Base + time.Duration(attempt-1)*l.Increment, true
}

func (l LinearBackoff) MaxAttempts() int { return l.Max }

// ExponentialBackoff multiplies the delay per retry, capped at MaxDelay.
// With Jitter, each delay is scaled by uniform(0.5, 1.5) so parallel
// retriers desynchronize; MaxDelay caps the jittered value too.
type ExponentialBackoff struct {
	Base       time.Duration
	Multiplier float64
	Max        int
	MaxDelay   time.Duration
	Jitter     bool
}

func (e ExponentialBackoff) Delay(attempt int) (time.Duration, bool) {
	if attempt > e.Max {
		return 0, false
	}
	d := float64(e.Base)
	for i := 1; i < attempt; i++ {
		d *= e.Multiplier
		if e.MaxDelay > 0 && d > float64(e.MaxDelay) {
			d = float64(e.MaxDelay)
			break
		}
	}
	if e.MaxDelay > 0 && d > float64(e.MaxDelay) {
		d = float64(e.MaxDelay)
	}
	if e.Jitter {
		d *= 0.5 + rand.Float64()
		if e.MaxDelay > 0 && d > float64(e.MaxDelay) {
			d = float64(e.MaxDelay)
		}
	}
	return time.Duration(d), true
}

func (e ExponentialBackoff) MaxAttempts() int { return e.Max }

// RetryContext tracks the failures of one retried operation.
type RetryContext struct {
	strategy Strategy
	attempt  int
	failures []error
}

// NewRetryContext creates a RetryContext for the strategy.
func NewRetryContext(s Strategy) *RetryContext {
	return &RetryContext{strategy: s}
}

// Record notes a failure.
func (rc *RetryContext) Record(err error) {
	rc.attempt++
	rc.failures = append(rc.failures, err)
}

// ShouldRetry reports whether another attempt is allowed.
func (rc *RetryContext) ShouldRetry() bool {
	_, ok := rc.strategy.Delay(rc.attempt)
	return ok
}

// NextDelay returns the delay before the next attempt.
func (rc *RetryContext) NextDelay() time.Duration {
	d, _ := rc.strategy.Delay(rc.attempt)
	return d
}

// Attempts returns the number of failures recorded so far.
func (rc *RetryContext) Attempts() int { return rc.attempt }

// Failures returns every recorded failure, oldest first.
func (rc *RetryContext) Failures() []error { return rc.failures }

// WithRetry runs fn, retrying per the strategy. Non-retryable errors and an
// open circuit end the loop immediately; neither consumes a retry. The
// context deadline is honored between attempts.
func WithRetry(ctx context.Context, s Strategy, fn func(ctx context.Context) error) error {
	rc := NewRetryContext(s)
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if err == ErrCircuitOpen || !retryable(err) {
			return err
		}
		rc.Record(err)
		if !rc.ShouldRetry() {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rc.NextDelay()):
		}
	}
}

// retryable defaults to true for errors that carry no category. Timeouts
// are retryable; validation, config, not-found and conflict are not.
func retryable(err error) bool {
	if spineerrors.IsTimeout(err) {
		return true
	}
	if spineerrors.CategoryOf(err) == spineerrors.CategoryUnknown {
		return true
	}
	return spineerrors.IsRetryable(err)
}
