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
	"time"
)

// New creates a categorized, non-retryable error.
func New(category Category, message string) *Error {
	return &Error{Category: category, Message: message}
}

// Wrap creates a categorized error wrapping a cause.
func Wrap(category Category, message string, cause error) *Error {
	return &Error{Category: category, Message: message, Cause: cause}
}

// Transient creates a retryable error with an optional retry-after hint.
func Transient(category Category, message string, retryAfter time.Duration) *Error {
	return &Error{
		Category:   category,
		Message:    message,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// CategoryOf returns the category carried by err, or CategoryUnknown.
// Validation, not-found, config and timeout errors map to their natural
// categories even when not wrapped in *Error.
func CategoryOf(err error) Category {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category
	}

	var ve *ValidationError
	if stderrors.As(err, &ve) {
		return CategoryValidation
	}

	var ce *ConfigError
	if stderrors.As(err, &ce) {
		return CategoryConfig
	}

	var te *TimeoutError
	if stderrors.As(err, &te) {
		return CategoryOrchestration
	}

	return CategoryUnknown
}

// IsRetryable reports whether a retry of the failed operation may succeed.
// Validation, config, not-found and conflict errors are never retryable.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// RetryAfter returns the suggested wait before retrying, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if stderrors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return stderrors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return stderrors.As(err, &e)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return stderrors.As(err, &e)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return stderrors.As(err, &e)
}
