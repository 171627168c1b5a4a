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

// Package api is Discovery's HTTP control surface (C6) and progress socket
// (C7): workflow/step CRUD, synchronous and asynchronous execution launch,
// status polling, manual step advance, step-side progress reporting, and
// the per-execution websocket feed.
package api

import (
	"log/slog"
	"net/http"

	"github.com/discoveryhq/discovery/internal/broker"
	"github.com/discoveryhq/discovery/internal/engine"
	"github.com/discoveryhq/discovery/internal/log"
	"github.com/discoveryhq/discovery/internal/remote"
	"github.com/discoveryhq/discovery/internal/runner"
	"github.com/discoveryhq/discovery/internal/store"
)

// Config bundles every collaborator the router needs to assemble Discovery's
// handlers. AvailableSteps may be nil if the remote client can't serve it.
type Config struct {
	Store          store.Gateway
	Engine         *engine.Engine
	Runner         *runner.Runner
	Broker         *broker.Broker
	AvailableSteps remote.AvailableStepsProvider
	Logger         *slog.Logger
}

// Router wraps an http.ServeMux with Discovery's access-log and metrics
// middleware, mirroring the teacher's daemon router.
type Router struct {
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewRouter builds a Router with every Discovery route registered.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", MetricsHandler())

	NewWorkflowsHandler(cfg.Store).RegisterRoutes(mux)
	NewStepsHandler(cfg.Store).RegisterRoutes(mux)
	NewExecutionsHandler(cfg.Store, cfg.Engine, cfg.Runner, cfg.Broker).RegisterRoutes(mux)
	NewAvailableStepsHandler(cfg.AvailableSteps).RegisterRoutes(mux)
	NewProgressHandler(cfg.Broker, logger).RegisterRoutes(mux)

	return &Router{mux: mux, logger: logger}
}

// Mux returns the underlying ServeMux for tests and for registering
// additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler, wrapping the mux with access logging
// and request metrics.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var handler http.Handler = r.mux
	handler = MetricsMiddleware(handler)
	handler = log.NewMiddleware(r.logger).Wrap(handler)
	handler.ServeHTTP(w, req)
}
