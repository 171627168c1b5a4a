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

package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_Wrap_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	mw := NewMiddleware(logger)

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/workflows/wf-1/execute", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected handler status 201, got %d", rec.Code)
	}

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON log output: %v", err)
	}

	if logEntry["event"] != "http_request" {
		t.Errorf("expected event to be 'http_request', got: %v", logEntry["event"])
	}
	if logEntry["method"] != http.MethodPost {
		t.Errorf("expected method to be POST, got: %v", logEntry["method"])
	}
	if logEntry["path"] != "/workflows/wf-1/execute" {
		t.Errorf("expected path to be logged, got: %v", logEntry["path"])
	}
	if logEntry["status"] != float64(http.StatusCreated) {
		t.Errorf("expected status to be 201, got: %v", logEntry["status"])
	}
	if _, ok := logEntry[DurationKey]; !ok {
		t.Errorf("expected %s field to be present", DurationKey)
	}
}

func TestMiddleware_Wrap_DefaultsStatusToOK(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	mw := NewMiddleware(logger)

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON log output: %v", err)
	}

	if logEntry["status"] != float64(http.StatusOK) {
		t.Errorf("expected status to default to 200, got: %v", logEntry["status"])
	}
}

func TestNewMiddleware(t *testing.T) {
	logger := New(nil)
	mw := NewMiddleware(logger)

	if mw == nil {
		t.Fatal("expected non-nil middleware")
	}
	if mw.logger != logger {
		t.Errorf("expected middleware to use provided logger")
	}
}
