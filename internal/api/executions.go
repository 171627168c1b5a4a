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

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/discoveryhq/discovery/internal/broker"
	"github.com/discoveryhq/discovery/internal/domain"
	"github.com/discoveryhq/discovery/internal/engine"
	"github.com/discoveryhq/discovery/internal/httputil"
	"github.com/discoveryhq/discovery/internal/runner"
	"github.com/discoveryhq/discovery/internal/store"
	"github.com/discoveryhq/discovery/pkg/discoveryerr"
)

const (
	historyTailSize  = 5
	defaultListLimit = 50
	maxListLimit     = 100
)

// ExecutionsHandler serves execution launch, status, history, manual
// advance, and step-side progress reporting (spec section 6).
type ExecutionsHandler struct {
	store  store.Gateway
	engine *engine.Engine
	runner *runner.Runner
	broker *broker.Broker
}

// NewExecutionsHandler builds an ExecutionsHandler from its collaborators.
func NewExecutionsHandler(s store.Gateway, e *engine.Engine, r *runner.Runner, b *broker.Broker) *ExecutionsHandler {
	return &ExecutionsHandler{store: s, engine: e, runner: r, broker: b}
}

// RegisterRoutes registers this handler's routes on mux.
func (h *ExecutionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows/{id}/execute", h.handleExecute)
	mux.HandleFunc("POST /workflows/{id}/execute-async", h.handleExecuteAsync)
	mux.HandleFunc("GET /workflows/{id}/executions", h.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}/status", h.handleStatus)
	mux.HandleFunc("GET /executions/{id}/steps", h.handleListStepExecutions)
	mux.HandleFunc("POST /executions/{id}/next", h.handleNext)
	mux.HandleFunc("POST /executions/{id}/steps/{step_name}/progress", h.handleStepProgress)
	mux.HandleFunc("POST /executions/{id}/steps/{step_name}/complete", h.handleStepComplete)
}

// buildInitialExecution folds a synchronous/async-execute request body into
// a running Execution: the "mode" key, if present, overrides the workflow's
// default Mode for this execution only; every other top-level key becomes
// initial context, per spec section 6.
func buildInitialExecution(workflowID string, wf *domain.Workflow, body map[string]any) (*domain.Execution, error) {
	mode := wf.Mode
	if raw, ok := body["mode"]; ok {
		s, isString := raw.(string)
		if !isString {
			return nil, &discoveryerr.ValidationError{Field: "mode", Message: "must be a string"}
		}
		m := domain.Mode(s)
		if m != domain.ModeManual && m != domain.ModeAutomatic {
			return nil, &discoveryerr.ValidationError{Field: "mode", Message: "must be \"manual\" or \"automatic\""}
		}
		mode = m
		delete(body, "mode")
	}

	return &domain.Execution{
		WorkflowID: workflowID,
		Status:     domain.ExecStatusRunning,
		Mode:       mode,
		Context:    body,
	}, nil
}

func decodeExecuteBody(r *http.Request) (map[string]any, error) {
	body := make(map[string]any)
	if r.ContentLength == 0 {
		return body, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

// handleExecute runs POST /workflows/{id}/execute. Automatic-mode
// executions run to a terminal state inline before the response is
// written; manual-mode executions are only created (matching spec
// section 8 scenario S4, where the first /execute leaves current_step_id
// null). The Execution is always returned with HTTP 200, including a
// failed one, per spec section 7.
func (h *ExecutionsHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	wf, err := h.store.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	body, err := decodeExecuteBody(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	exec, err := buildInitialExecution(workflowID, wf, body)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := h.store.CreateExecution(r.Context(), exec); err != nil {
		writeStoreError(w, err)
		return
	}

	if exec.Mode == domain.ModeAutomatic {
		if _, err := h.engine.Advance(r.Context(), exec.ID); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	final, err := h.store.GetExecution(r.Context(), exec.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, final)
}

type executeAsyncResponse struct {
	ExecutionID  string    `json:"execution_id"`
	WorkflowID   string    `json:"workflow_id"`
	Status       string    `json:"status"`
	TrackingURL  string    `json:"tracking_url"`
	WebsocketURL string    `json:"websocket_url"`
	CreatedAt    time.Time `json:"created_at"`
}

// handleExecuteAsync runs POST /workflows/{id}/execute-async. It always
// returns 200 at launch time; the terminal outcome is only observable via
// the status endpoint or the progress socket.
func (h *ExecutionsHandler) handleExecuteAsync(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	wf, err := h.store.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	body, err := decodeExecuteBody(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	exec, err := buildInitialExecution(workflowID, wf, body)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := h.store.CreateExecution(r.Context(), exec); err != nil {
		writeStoreError(w, err)
		return
	}

	if exec.Mode == domain.ModeAutomatic {
		h.runner.Launch(exec.ID)
	}

	httputil.WriteJSON(w, http.StatusOK, executeAsyncResponse{
		ExecutionID:  exec.ID,
		WorkflowID:   workflowID,
		Status:       string(exec.Status),
		TrackingURL:  "/executions/" + exec.ID + "/status",
		WebsocketURL: "/ws/" + exec.ID,
		CreatedAt:    exec.CreatedAt,
	})
}

type paginationResponse struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultListLimit
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// handleListExecutions runs GET /workflows/{id}/executions.
func (h *ExecutionsHandler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if _, err := h.store.GetWorkflow(r.Context(), workflowID); err != nil {
		writeStoreError(w, err)
		return
	}

	limit, offset := parsePagination(r)
	includeContext := r.URL.Query().Get("include_context") == "true"

	page, err := h.store.ListExecutions(r.Context(), store.ExecutionQuery{WorkflowID: workflowID, Limit: limit, Offset: offset})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	executions := page.Executions
	if !includeContext {
		thinned := make([]*domain.Execution, len(executions))
		for i, e := range executions {
			cp := *e
			cp.Context = nil
			thinned[i] = &cp
		}
		executions = thinned
	} else {
		scrubbed := make([]*domain.Execution, len(executions))
		for i, e := range executions {
			cp := *e
			cp.Context = domain.ScrubBase64Map(e.Context)
			scrubbed[i] = &cp
		}
		executions = scrubbed
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"pagination": paginationResponse{Limit: limit, Offset: offset, Total: page.Total},
		"links":      listLinks(r, limit, offset, page.Total),
	})
}

func listLinks(r *http.Request, limit, offset, total int) map[string]any {
	links := map[string]any{"next": nil, "prev": nil}
	base := r.URL.Path
	if offset+limit < total {
		q := r.URL.Query()
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset+limit))
		links["next"] = base + "?" + q.Encode()
	}
	if offset > 0 {
		prevOffset := offset - limit
		if prevOffset < 0 {
			prevOffset = 0
		}
		q := r.URL.Query()
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(prevOffset))
		links["prev"] = base + "?" + q.Encode()
	}
	return links
}

type stepRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

type progressStats struct {
	TotalSteps     int     `json:"total_steps"`
	CompletedSteps int     `json:"completed_steps"`
	FailedSteps    int     `json:"failed_steps"`
	Percentage     float64 `json:"percentage"`
	IsCompleted    bool    `json:"is_completed"`
	IsFailed       bool    `json:"is_failed"`
	IsRunning      bool    `json:"is_running"`
}

type statusResponse struct {
	ID           string                  `json:"id"`
	WorkflowID   string                  `json:"workflow_id"`
	WorkflowName string                  `json:"workflow_name"`
	Status       string                  `json:"status"`
	Mode         string                  `json:"mode"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	Context      map[string]any          `json:"context"`
	CurrentStep  *stepRef                `json:"current_step"`
	Progress     progressStats           `json:"progress"`
	History      []*domain.StepExecution `json:"history"`
}

// handleStatus runs GET /executions/{id}/status. It is a pure read: it
// never mutates the execution or appends StepExecution rows.
func (h *ExecutionsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	wf, err := h.store.GetWorkflow(r.Context(), exec.WorkflowID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	steps, err := h.store.ListSteps(r.Context(), exec.WorkflowID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	stepExecs, err := h.store.ListStepExecutions(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var currentStep *stepRef
	if exec.CurrentStepID != nil {
		for _, s := range steps {
			if s.ID == *exec.CurrentStepID {
				currentStep = &stepRef{ID: s.ID, Name: s.Name, Order: s.Order}
				break
			}
		}
	}

	completed, failed := 0, 0
	for _, se := range stepExecs {
		switch se.Status {
		case domain.StepStatusSuccess:
			completed++
		case domain.StepStatusFailed:
			failed++
		}
	}
	totalSteps := len(steps)
	percentage := 0.0
	if totalSteps > 0 {
		percentage = float64(completed) / float64(totalSteps) * 100
		if percentage > 100 {
			percentage = 100
		}
	}

	history := stepExecs
	if len(history) > historyTailSize {
		history = history[len(history)-historyTailSize:]
	}

	httputil.WriteJSON(w, http.StatusOK, statusResponse{
		ID:           exec.ID,
		WorkflowID:   exec.WorkflowID,
		WorkflowName: wf.Name,
		Status:       string(exec.Status),
		Mode:         string(exec.Mode),
		CreatedAt:    exec.CreatedAt,
		UpdatedAt:    exec.UpdatedAt,
		Context:      domain.ScrubBase64Map(exec.Context),
		CurrentStep:  currentStep,
		Progress: progressStats{
			TotalSteps:     totalSteps,
			CompletedSteps: completed,
			FailedSteps:    failed,
			Percentage:     percentage,
			IsCompleted:    exec.Status == domain.ExecStatusCompleted,
			IsFailed:       exec.Status == domain.ExecStatusFailed,
			IsRunning:      exec.Status == domain.ExecStatusRunning,
		},
		History: history,
	})
}

// handleListStepExecutions runs GET /executions/{id}/steps.
func (h *ExecutionsHandler) handleListStepExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.GetExecution(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	stepExecs, err := h.store.ListStepExecutions(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stepExecs)
}

// handleNext runs POST /executions/{id}/next: a single manual-mode advance.
// Per spec section 8 scenario S4, calling it on an automatic execution or on
// an already-terminal execution is an invariant violation, not a silent
// no-op.
func (h *ExecutionsHandler) handleNext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if exec.Mode != domain.ModeManual {
		writeStoreError(w, &discoveryerr.InvariantError{Code: "not_manual_mode", Message: "execution is not in manual mode"})
		return
	}
	if exec.Status.IsTerminal() {
		writeStoreError(w, &discoveryerr.InvariantError{Code: "terminal_execution", Message: "execution has already reached a terminal status"})
		return
	}

	if _, err := h.engine.Advance(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	final, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, final)
}

// handleStepProgress runs POST /executions/{id}/steps/{step_name}/progress.
// It is a side-channel push from the worker while a step is in flight; it
// does not mutate the execution record, only broadcasts a step_progress
// event.
func (h *ExecutionsHandler) handleStepProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stepName := r.PathValue("step_name")
	if _, err := h.store.GetExecution(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	var body map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	h.broker.Publish(broker.Event{
		Type:        "step_progress",
		ExecutionID: id,
		StepName:    stepName,
		Data:        map[string]any{"progress": body},
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// handleStepComplete runs POST /executions/{id}/steps/{step_name}/complete.
// Like handleStepProgress, it is a side-channel notification: the engine
// itself records the authoritative StepExecution outcome from the
// synchronous Invoke response, not from this endpoint.
func (h *ExecutionsHandler) handleStepComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stepName := r.PathValue("step_name")
	if _, err := h.store.GetExecution(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	var body map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	h.broker.Publish(broker.Event{
		Type:        "step_completed",
		ExecutionID: id,
		StepName:    stepName,
		Data:        map[string]any{"result": body, "completed_at": time.Now().UTC()},
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
