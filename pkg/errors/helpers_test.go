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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"categorized", New(CategoryDatabase, "connection lost"), CategoryDatabase},
		{"wrapped categorized", fmt.Errorf("outer: %w", New(CategoryNetwork, "dial")), CategoryNetwork},
		{"validation", &ValidationError{Field: "name", Message: "empty"}, CategoryValidation},
		{"config", &ConfigError{Key: "SPINE_DATABASE_URL", Reason: "missing"}, CategoryConfig},
		{"timeout", &TimeoutError{Operation: "handler", Duration: time.Second}, CategoryOrchestration},
		{"plain", stderrors.New("boom"), CategoryUnknown},
		{"nil", nil, CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryOf(tt.err); got != tt.want {
				t.Errorf("CategoryOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Transient(CategoryNetwork, "dial timeout", 0)) {
		t.Error("transient error should be retryable")
	}
	if IsRetryable(New(CategoryValidation, "bad input")) {
		t.Error("non-retryable error reported retryable")
	}
	if IsRetryable(stderrors.New("plain")) {
		t.Error("plain error reported retryable")
	}
	wrapped := fmt.Errorf("submit: %w", Transient(CategoryDatabase, "deadlock", 0))
	if !IsRetryable(wrapped) {
		t.Error("retryability lost through wrapping")
	}
}

func TestRetryAfter(t *testing.T) {
	err := Transient(CategorySource, "rate limited", 30*time.Second)
	if got := RetryAfter(err); got != 30*time.Second {
		t.Errorf("RetryAfter = %v", got)
	}
	if got := RetryAfter(stderrors.New("plain")); got != 0 {
		t.Errorf("RetryAfter on plain error = %v", got)
	}
}

func TestPredicateHelpers(t *testing.T) {
	notFound := &NotFoundError{Resource: "run", ID: "run-1"}
	conflict := &ConflictError{Resource: "run", ID: "run-1", Reason: "already terminal"}
	validation := &ValidationError{Message: "empty spec"}
	timeout := &TimeoutError{Operation: "step", Duration: time.Minute}

	if !IsNotFound(notFound) || IsNotFound(conflict) {
		t.Error("IsNotFound misclassifies")
	}
	if !IsConflict(conflict) || IsConflict(notFound) {
		t.Error("IsConflict misclassifies")
	}
	if !IsValidation(validation) || IsValidation(timeout) {
		t.Error("IsValidation misclassifies")
	}
	if !IsTimeout(timeout) || IsTimeout(validation) {
		t.Error("IsTimeout misclassifies")
	}

	wrapped := fmt.Errorf("lookup: %w", notFound)
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should see through wrapping")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CategoryStorage, "write manifest", cause)
	if !stderrors.Is(err, cause) {
		t.Error("cause not reachable via errors.Is")
	}
	if msg := err.Error(); msg != "STORAGE: write manifest: disk full" {
		t.Errorf("Error() = %q", msg)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	withField := &ValidationError{Field: "steps", Message: "must not be empty"}
	if msg := withField.Error(); msg != "validation failed on steps: must not be empty" {
		t.Errorf("Error() = %q", msg)
	}
	bare := &ValidationError{Message: "bad document"}
	if msg := bare.Error(); msg != "validation failed: bad document" {
		t.Errorf("Error() = %q", msg)
	}
}
