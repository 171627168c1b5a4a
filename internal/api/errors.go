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
	"errors"
	"net/http"

	"github.com/discoveryhq/discovery/internal/httputil"
	"github.com/discoveryhq/discovery/pkg/discoveryerr"
)

// writeStoreError maps the gateway/engine error taxonomy from spec section 7
// onto HTTP status codes: not-found, validation, conflict and invariant
// failures map to 4xx; storage failures and unclassified errors map to 500,
// and remote step failures to 502.
func writeStoreError(w http.ResponseWriter, err error) {
	var notFound *discoveryerr.NotFoundError
	if errors.As(err, &notFound) {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	var validation *discoveryerr.ValidationError
	if errors.As(err, &validation) {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var conflict *discoveryerr.ConflictError
	if errors.As(err, &conflict) {
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	}

	var invariant *discoveryerr.InvariantError
	if errors.As(err, &invariant) {
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var storage *discoveryerr.StorageError
	if errors.As(err, &storage) {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var remoteErr *discoveryerr.RemoteStepError
	if errors.As(err, &remoteErr) {
		httputil.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	httputil.WriteError(w, http.StatusInternalServerError, err.Error())
}
