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

package resilience

import (
	"context"
	"time"

	spineerrors "github.com/spinehq/spine/pkg/errors"
)

type deadlineKey struct{}

type deadlineInfo struct {
	operation string
	duration  time.Duration
}

// WithDeadline pushes a named deadline onto the context. Nesting takes the
// shorter remaining time automatically because the derived context can only
// tighten the parent's deadline.
func WithDeadline(ctx context.Context, d time.Duration, operation string) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, deadlineKey{}, deadlineInfo{operation: operation, duration: d})
	return context.WithTimeout(ctx, d)
}

// CheckDeadline returns a TimeoutError if the innermost deadline has passed.
// Cooperative handlers call this at loop boundaries.
func CheckDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return deadlineError(ctx)
	default:
		return nil
	}
}

// RunWithTimeout runs fn under a one-shot deadline. fn observes cancellation
// through its context; an uncooperative fn keeps its goroutine until it
// returns, but the caller unblocks on expiry.
func RunWithTimeout(ctx context.Context, d time.Duration, operation string, fn func(ctx context.Context) error) error {
	ctx, cancel := WithDeadline(ctx, d, operation)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return deadlineError(ctx)
	}
}

func deadlineError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		info, _ := ctx.Value(deadlineKey{}).(deadlineInfo)
		return &spineerrors.TimeoutError{Operation: info.operation, Duration: info.duration, Cause: ctx.Err()}
	}
	return ctx.Err()
}
