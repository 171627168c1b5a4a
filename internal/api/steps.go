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

	"github.com/discoveryhq/discovery/internal/httputil"
	"github.com/discoveryhq/discovery/internal/store"
)

// StepsHandler serves standalone step reads/updates/deletes addressed by
// step id (spec section 6's GET/PATCH/DELETE /steps/{id}).
type StepsHandler struct {
	store store.Gateway
}

// NewStepsHandler builds a StepsHandler over store.
func NewStepsHandler(s store.Gateway) *StepsHandler {
	return &StepsHandler{store: s}
}

// RegisterRoutes registers this handler's routes on mux.
func (h *StepsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /steps/{id}", h.handleGet)
	mux.HandleFunc("PATCH /steps/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /steps/{id}", h.handleDelete)
}

func (h *StepsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	step, err := h.store.GetStep(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, step)
}

type updateStepRequest struct {
	Name        *string `json:"name"`
	Order       *int    `json:"order"`
	MaxVisits   *int    `json:"max_visits"`
	HandlerName *string `json:"handler_name"`
	IsTerminal  *bool   `json:"is_terminal"`
}

func (h *StepsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	step, err := h.store.GetStep(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req updateStepRequest
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
		step.Name = *req.Name
	}
	if req.Order != nil {
		step.Order = *req.Order
	}
	if req.MaxVisits != nil {
		if *req.MaxVisits < 1 {
			httputil.WriteError(w, http.StatusBadRequest, "max_visits must be >= 1")
			return
		}
		step.MaxVisits = *req.MaxVisits
	}
	if req.HandlerName != nil {
		step.HandlerName = *req.HandlerName
	}
	if req.IsTerminal != nil {
		step.IsTerminal = *req.IsTerminal
	}

	if err := h.store.UpdateStep(r.Context(), step); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, step)
}

func (h *StepsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteStep(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
