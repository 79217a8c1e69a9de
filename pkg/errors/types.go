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

// Package errors defines the error taxonomy shared by the execution engine,
// the orchestration layer and the ops facade. Errors carry a category used
// for routing and alerting, plus retryability hints consumed by the retry
// wrapper.
package errors

import (
	"fmt"
	"time"
)

// Category classifies an error for routing and alerting.
type Category string

const (
	CategoryNetwork       Category = "NETWORK"
	CategoryDatabase      Category = "DATABASE"
	CategoryStorage       Category = "STORAGE"
	CategorySource        Category = "SOURCE"
	CategoryParse         Category = "PARSE"
	CategoryValidation    Category = "VALIDATION"
	CategoryConfig        Category = "CONFIG"
	CategoryAuth          Category = "AUTH"
	CategoryPipeline      Category = "PIPELINE"
	CategoryOrchestration Category = "ORCHESTRATION"
	CategoryInternal      Category = "INTERNAL"
	CategoryUnknown       Category = "UNKNOWN"
)

// Error is the categorized error type produced by the core. It wraps an
// optional cause and carries retryability information.
type Error struct {
	// Category classifies the failure for routing and alerting.
	Category Category

	// Message is the human-readable error description.
	Message string

	// Retryable indicates whether a retry may succeed.
	Retryable bool

	// RetryAfter suggests a minimum wait before retrying, when known
	// (e.g. from a rate-limit response). Zero means no suggestion.
	RetryAfter time.Duration

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ValidationError represents user input validation failures.
// Use this for invalid specs, malformed params, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "schedule", "handler")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents a state-machine or uniqueness conflict.
// A conditional UPDATE that matched zero rows raises this, as does an
// attempt to register a duplicate handler.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// ID is the identifier of the conflicting resource
	ID string

	// Reason explains the conflict
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

// ConfigError represents configuration problems.
// Never retryable; fatal at startup.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "SPINE_DATABASE_URL")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation deadline expiry.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "workflow step", "handler")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
