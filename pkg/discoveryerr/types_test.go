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

package discoveryerr_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	discoveryerr "github.com/discoveryhq/discovery/pkg/discoveryerr"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *discoveryerr.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &discoveryerr.ValidationError{
				Field:      "api_key",
				Message:    "required field is missing",
				Suggestion: "Set the API key in config",
			},
			wantMsg: "validation failed on api_key: required field is missing",
		},
		{
			name: "without field",
			err: &discoveryerr.ValidationError{
				Message:    "invalid format",
				Suggestion: "Check the input format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *discoveryerr.NotFoundError
		wantMsg string
	}{
		{
			name: "workflow not found",
			err: &discoveryerr.NotFoundError{
				Resource: "workflow",
				ID:       "my-workflow",
			},
			wantMsg: "workflow not found: my-workflow",
		},
		{
			name: "tool not found",
			err: &discoveryerr.NotFoundError{
				Resource: "tool",
				ID:       "http_client",
			},
			wantMsg: "tool not found: http_client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConflictError_Error(t *testing.T) {
	err := &discoveryerr.ConflictError{
		Resource: "workflow",
		Reason:   "has running executions",
	}
	want := "conflict on workflow: has running executions"
	if got := err.Error(); got != want {
		t.Errorf("ConflictError.Error() = %q, want %q", got, want)
	}
}

func TestInvariantError_Error(t *testing.T) {
	err := &discoveryerr.InvariantError{
		Code:    "max_visits_exceeded",
		Message: "step validate_user reached its visit cap",
	}
	want := "invariant violation (max_visits_exceeded): step validate_user reached its visit cap"
	if got := err.Error(); got != want {
		t.Errorf("InvariantError.Error() = %q, want %q", got, want)
	}
}

func TestRemoteStepError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *discoveryerr.RemoteStepError
		want    []string // strings that should appear in error message
		notWant []string // strings that should not appear
	}{
		{
			name: "http status failure",
			err: &discoveryerr.RemoteStepError{
				Step:       "validate_user",
				Kind:       "http_status",
				StatusCode: 500,
				Message:    "internal server error",
			},
			want:    []string{"validate_user", "http_status", "status 500", "internal server error"},
			notWant: []string{},
		},
		{
			name: "transport failure without status code",
			err: &discoveryerr.RemoteStepError{
				Step:    "fetch_user",
				Kind:    "transport",
				Message: "connection refused",
			},
			want:    []string{"fetch_user", "transport", "connection refused"},
			notWant: []string{"status"},
		},
		{
			name: "timeout failure",
			err: &discoveryerr.RemoteStepError{
				Step:    "approve_user",
				Kind:    "timeout",
				Message: "deadline exceeded",
			},
			want:    []string{"approve_user", "timeout", "deadline exceeded"},
			notWant: []string{"status"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("RemoteStepError.Error() = %q, want to contain %q", got, want)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(got, notWant) {
					t.Errorf("RemoteStepError.Error() = %q, should not contain %q", got, notWant)
				}
			}
		})
	}
}

func TestRemoteStepError_Unwrap(t *testing.T) {
	cause := errors.New("network error")
	err := &discoveryerr.RemoteStepError{
		Step:    "fetch_user",
		Kind:    "transport",
		Message: "request failed",
		Cause:   cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("RemoteStepError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestStorageError_Error(t *testing.T) {
	err := &discoveryerr.StorageError{
		Op:      "AppendStepExecution",
		Message: "could not acquire transaction",
	}
	want := "storage error during AppendStepExecution: could not acquire transaction"
	if got := err.Error(); got != want {
		t.Errorf("StorageError.Error() = %q, want %q", got, want)
	}
}

func TestStorageError_Unwrap(t *testing.T) {
	cause := errors.New("database is locked")
	err := &discoveryerr.StorageError{
		Op:      "UpdateExecutionContext",
		Message: "commit failed",
		Cause:   cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("StorageError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *discoveryerr.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &discoveryerr.ConfigError{
				Key:    "database.host",
				Reason: "hostname is invalid",
			},
			wantMsg: "config error at database.host: hostname is invalid",
		},
		{
			name: "without key",
			err: &discoveryerr.ConfigError{
				Reason: "file not found",
			},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &discoveryerr.ConfigError{
		Key:    "config",
		Reason: "failed to load",
		Cause:  cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *discoveryerr.TimeoutError
		want    []string
		notWant []string
	}{
		{
			name: "llm timeout",
			err: &discoveryerr.TimeoutError{
				Operation: "LLM request",
				Duration:  30 * time.Second,
			},
			want:    []string{"LLM request", "30s"},
			notWant: []string{},
		},
		{
			name: "workflow step timeout",
			err: &discoveryerr.TimeoutError{
				Operation: "workflow step execution",
				Duration:  2 * time.Minute,
			},
			want:    []string{"workflow step execution", "2m0s"},
			notWant: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(got, notWant) {
					t.Errorf("TimeoutError.Error() = %q, should not contain %q", got, notWant)
				}
			}
		})
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &discoveryerr.TimeoutError{
		Operation: "test",
		Duration:  5 * time.Second,
		Cause:     cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

// Test error wrapping with fmt.Errorf
func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &discoveryerr.ValidationError{
			Field:   "email",
			Message: "invalid format",
		}
		wrapped := fmt.Errorf("user input validation: %w", original)

		var target *discoveryerr.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "email" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "email")
		}
	})

	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &discoveryerr.NotFoundError{
			Resource: "workflow",
			ID:       "test",
		}
		wrapped := fmt.Errorf("loading workflow: %w", original)

		var target *discoveryerr.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find NotFoundError in wrapped error")
		}
		if target.Resource != "workflow" {
			t.Errorf("unwrapped error Resource = %q, want %q", target.Resource, "workflow")
		}
	})

	t.Run("RemoteStepError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("network timeout")
		stepErr := &discoveryerr.RemoteStepError{
			Step:    "fetch_user",
			Kind:    "transport",
			Message: "request failed",
			Cause:   rootCause,
		}
		wrapped := fmt.Errorf("invoking remote step: %w", stepErr)

		var target *discoveryerr.RemoteStepError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find RemoteStepError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("RemoteStepError.Unwrap() should return root cause")
		}
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("file not found")
		configErr := &discoveryerr.ConfigError{
			Key:    "api_key",
			Reason: "missing required field",
			Cause:  rootCause,
		}
		wrapped := fmt.Errorf("loading config: %w", configErr)

		var target *discoveryerr.ConfigError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ConfigError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ConfigError.Unwrap() should return root cause")
		}
	})

	t.Run("TimeoutError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("context deadline exceeded")
		timeoutErr := &discoveryerr.TimeoutError{
			Operation: "test",
			Duration:  5 * time.Second,
			Cause:     rootCause,
		}
		wrapped := fmt.Errorf("operation timeout: %w", timeoutErr)

		var target *discoveryerr.TimeoutError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find TimeoutError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("TimeoutError.Unwrap() should return root cause")
		}
	})
}

// Test errors.Is behavior
func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped ValidationError", func(t *testing.T) {
		original := &discoveryerr.ValidationError{Field: "test"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		// errors.Is should find the original error
		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &discoveryerr.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
