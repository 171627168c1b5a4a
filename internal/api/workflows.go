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

	"github.com/discoveryhq/discovery/internal/domain"
	"github.com/discoveryhq/discovery/internal/httputil"
	"github.com/discoveryhq/discovery/internal/store"
	"github.com/discoveryhq/discovery/pkg/discoveryerr"
)

// WorkflowsHandler serves workflow CRUD and nested step creation/listing
// (spec section 6's /workflows routes).
type WorkflowsHandler struct {
	store store.Gateway
}

// NewWorkflowsHandler builds a WorkflowsHandler over store.
func NewWorkflowsHandler(s store.Gateway) *WorkflowsHandler {
	return &WorkflowsHandler{store: s}
}

// RegisterRoutes registers this handler's routes on mux.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows", h.handleCreate)
	mux.HandleFunc("GET /workflows", h.handleList)
	mux.HandleFunc("GET /workflows/{id}", h.handleGet)
	mux.HandleFunc("PATCH /workflows/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /workflows/{id}", h.handleDelete)
	mux.HandleFunc("POST /workflows/{id}/steps", h.handleCreateStep)
	mux.HandleFunc("GET /workflows/{id}/steps", h.handleListSteps)
}

type createStepRequest struct {
	Name        string `json:"name"`
	Order       int    `json:"order"`
	MaxVisits   int    `json:"max_visits"`
	HandlerName string `json:"handler_name,omitempty"`
	IsTerminal  bool   `json:"is_terminal,omitempty"`
}

type createWorkflowRequest struct {
	Name  string              `json:"name"`
	Mode  string              `json:"mode"`
	Steps []createStepRequest `json:"steps"`
}

func (h *WorkflowsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "name is required")
		return
	}
	mode := domain.Mode(req.Mode)
	if mode == "" {
		mode = domain.ModeAutomatic
	}
	if mode != domain.ModeManual && mode != domain.ModeAutomatic {
		httputil.WriteError(w, http.StatusBadRequest, "mode must be \"manual\" or \"automatic\"")
		return
	}

	for _, s := range req.Steps {
		if s.Name == "" {
			httputil.WriteError(w, http.StatusBadRequest, "step name is required")
			return
		}
		if s.MaxVisits < 1 {
			httputil.WriteError(w, http.StatusBadRequest, "step max_visits must be >= 1")
			return
		}
	}

	wf := &domain.Workflow{Name: req.Name, Mode: mode}
	if err := h.store.CreateWorkflow(r.Context(), wf); err != nil {
		writeStoreError(w, err)
		return
	}

	for _, s := range req.Steps {
		step := &domain.Step{
			WorkflowID:  wf.ID,
			Name:        s.Name,
			Order:       s.Order,
			MaxVisits:   s.MaxVisits,
			HandlerName: s.HandlerName,
			IsTerminal:  s.IsTerminal,
		}
		if err := h.store.CreateStep(r.Context(), step); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	httputil.WriteJSON(w, http.StatusOK, wf)
}

func (h *WorkflowsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.store.ListWorkflows(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, workflows)
}

func (h *WorkflowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wf)
}

type updateWorkflowRequest struct {
	Name *string `json:"name"`
	Mode *string `json:"mode"`
}

func (h *WorkflowsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := h.store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req updateWorkflowRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	if req.Name != nil {
		if *req.Name == "" {
			httputil.WriteError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		wf.Name = *req.Name
	}
	if req.Mode != nil {
		mode := domain.Mode(*req.Mode)
		if mode != domain.ModeManual && mode != domain.ModeAutomatic {
			httputil.WriteError(w, http.StatusBadRequest, "mode must be \"manual\" or \"automatic\"")
			return
		}
		wf.Mode = mode
	}

	if err := h.store.UpdateWorkflow(r.Context(), wf); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wf)
}

func (h *WorkflowsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WorkflowsHandler) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if _, err := h.store.GetWorkflow(r.Context(), workflowID); err != nil {
		writeStoreError(w, err)
		return
	}

	var req createStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeStoreError(w, &discoveryerr.ValidationError{Field: "name", Message: "step name is required"})
		return
	}
	if req.MaxVisits < 1 {
		writeStoreError(w, &discoveryerr.ValidationError{Field: "max_visits", Message: "must be >= 1"})
		return
	}

	step := &domain.Step{
		WorkflowID:  workflowID,
		Name:        req.Name,
		Order:       req.Order,
		MaxVisits:   req.MaxVisits,
		HandlerName: req.HandlerName,
		IsTerminal:  req.IsTerminal,
	}
	if err := h.store.CreateStep(r.Context(), step); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, step)
}

func (h *WorkflowsHandler) handleListSteps(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if _, err := h.store.GetWorkflow(r.Context(), workflowID); err != nil {
		writeStoreError(w, err)
		return
	}
	steps, err := h.store.ListSteps(r.Context(), workflowID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, steps)
}
