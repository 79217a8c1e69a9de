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

// Package ops is the facade external surfaces consume: typed requests and
// results over the repositories, never raw rows. Every operation reports
// success or a coded error, plus elapsed time.
package ops

import (
	"errors"

	spineerrors "github.com/spinehq/spine/pkg/errors"
)

// Code classifies an operation failure for API consumers.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeConflict         Code = "CONFLICT"
	CodeNotCancellable   Code = "NOT_CANCELLABLE"
	CodeAlreadyComplete  Code = "ALREADY_COMPLETE"
	CodeLocked           Code = "LOCKED"
	CodeQuotaExceeded    Code = "QUOTA_EXCEEDED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeTransient        Code = "TRANSIENT"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// OpError is a coded operation failure.
type OpError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *OpError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Result is the envelope every operation returns.
type Result[T any] struct {
	Success   bool           `json:"success"`
	Data      T              `json:"data,omitempty"`
	Error     *OpError       `json:"error,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Page wraps a paginated listing.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

func fail[T any](code Code, message string) Result[T] {
	return Result[T]{Success: false, Error: &OpError{Code: code, Message: message}}
}

// failFrom maps a domain error to a coded result.
func failFrom[T any](err error) Result[T] {
	return Result[T]{Success: false, Error: &OpError{Code: codeOf(err), Message: err.Error()}}
}

// codeOf classifies a domain error. Conflicts that carry more specific
// meaning (not cancellable, already complete) are classified by the caller
// before reaching here.
func codeOf(err error) Code {
	switch {
	case spineerrors.IsNotFound(err):
		return CodeNotFound
	case spineerrors.IsValidation(err):
		return CodeValidationFailed
	case spineerrors.IsConflict(err):
		return CodeConflict
	case spineerrors.IsTimeout(err):
		return CodeTransient
	case spineerrors.IsRetryable(err):
		return CodeTransient
	case errors.Is(err, errUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

var errUnavailable = errors.New("backend unavailable")
