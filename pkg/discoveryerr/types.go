// Copyright 2025 Tom Barlow
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

package discoveryerr

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
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
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "step", "execution")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents a write that cannot proceed because of the
// current state of a resource: deleting a workflow with non-terminal
// executions, deleting a step that is a running execution's current step.
type ConflictError struct {
	// Resource is the type of resource in conflict.
	Resource string

	// Reason explains why the write was rejected.
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

// InvariantError represents an attempt at an operation that would break
// one of the engine's state-machine invariants: advancing a terminal
// execution, calling manual-advance on an automatic execution, or
// exceeding a step's visit cap.
type InvariantError struct {
	// Code is a short, stable reason (e.g. "terminal_execution",
	// "not_manual_mode", "max_visits_exceeded").
	Code string

	// Message is the human-readable explanation.
	Message string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Code, e.Message)
}

// RemoteStepError represents a failure invoking a step on the remote
// worker: a transport-level failure, a non-2xx response, or a read
// timeout. Kind distinguishes the three for callers that want to log
// or react differently (no automatic retry happens at this layer).
type RemoteStepError struct {
	// Step is the step name that was being invoked.
	Step string

	// Kind classifies the failure: "transport", "http_status", or "timeout".
	Kind string

	// StatusCode is the HTTP status code, set when Kind is "http_status".
	StatusCode int

	// Message is a human-readable description, safe to log.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *RemoteStepError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote step %q failed (%s, status %d): %s", e.Step, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote step %q failed (%s): %s", e.Step, e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RemoteStepError) Unwrap() error {
	return e.Cause
}

// StorageError represents a failure of the persistence gateway itself:
// the store is unavailable, or a write could not be committed.
type StorageError struct {
	// Op names the gateway operation that failed (e.g. "CreateWorkflow").
	Op string

	// Message is a human-readable description.
	Message string

	// Cause is the underlying driver/SQL error.
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %s", e.Op, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "worker_base_url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
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

// APIError represents a non-2xx response from discoveryd's control API, as
// seen by discoveryctl. It implements UserVisibleError and ErrorClassifier
// so the CLI can render it without technical jargon and decide whether a
// retry is worth suggesting.
type APIError struct {
	// StatusCode is the HTTP status discoveryd returned.
	StatusCode int

	// Message is the API's "error" field, or the raw body if it wasn't
	// a JSON object with one.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("discoveryd returned %d: %s", e.StatusCode, e.Message)
}

// IsUserVisible implements UserVisibleError.
func (e *APIError) IsUserVisible() bool {
	return true
}

// UserMessage implements UserVisibleError.
func (e *APIError) UserMessage() string {
	return e.Message
}

// Suggestion implements UserVisibleError.
func (e *APIError) Suggestion() string {
	switch {
	case e.StatusCode == 404:
		return "check the ID and try again"
	case e.StatusCode == 422:
		return "the request conflicts with the execution's current state"
	case e.StatusCode >= 500:
		return "discoveryd may be unavailable; check its logs and retry"
	default:
		return ""
	}
}

// ErrorType implements ErrorClassifier.
func (e *APIError) ErrorType() string {
	switch {
	case e.StatusCode == 404:
		return "not_found"
	case e.StatusCode == 409:
		return "conflict"
	case e.StatusCode == 422:
		return "invariant"
	case e.StatusCode >= 500:
		return "server"
	default:
		return "client"
	}
}

// IsRetryable implements ErrorClassifier: server-side failures may clear up
// on their own, client errors (4xx) will not.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "remote step invoke")
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

var (
	_ UserVisibleError = (*APIError)(nil)
	_ ErrorClassifier  = (*APIError)(nil)
)
