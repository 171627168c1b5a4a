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
	"net/http"

	"github.com/discoveryhq/discovery/internal/httputil"
	"github.com/discoveryhq/discovery/internal/remote"
)

// AvailableStepsHandler proxies the worker's step catalog (spec section 6's
// GET /available-steps).
type AvailableStepsHandler struct {
	remote remote.AvailableStepsProvider
}

// NewAvailableStepsHandler builds an AvailableStepsHandler. remote may be
// nil if the configured remote.Client doesn't implement
// remote.AvailableStepsProvider, in which case the route reports 501.
func NewAvailableStepsHandler(remote remote.AvailableStepsProvider) *AvailableStepsHandler {
	return &AvailableStepsHandler{remote: remote}
}

// RegisterRoutes registers this handler's route on mux.
func (h *AvailableStepsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /available-steps", h.handleGet)
}

func (h *AvailableStepsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if h.remote == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "worker does not expose an available-steps catalog")
		return
	}
	result, err := h.remote.AvailableSteps(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}
