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

// Package runner schedules background workflow executions (C5). Launch
// returns immediately; the submitted execution advances on its own
// goroutine until it reaches a terminal state or the process exits.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/discoveryhq/discovery/internal/broker"
	"github.com/discoveryhq/discovery/internal/domain"
	"github.com/discoveryhq/discovery/internal/engine"
	"github.com/discoveryhq/discovery/internal/store"
)

// defaultMaxParallel bounds how many executions may be mid-advance at
// once; additional Launch calls queue on the semaphore rather than
// spawning unbounded goroutines.
const defaultMaxParallel = 50

// Config configures a new Runner. Store, Engine, and Broker are required.
type Config struct {
	Store       store.Gateway
	Engine      *engine.Engine
	Broker      *broker.Broker
	Logger      *slog.Logger
	MaxParallel int
}

// Runner launches and tracks background execution tasks.
type Runner struct {
	store     store.Gateway
	engine    *engine.Engine
	broker    *broker.Broker
	logger    *slog.Logger
	semaphore chan struct{}
	draining  atomic.Bool
	wg        sync.WaitGroup
}

// New builds a Runner from cfg.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return &Runner{
		store:     cfg.Store,
		engine:    cfg.Engine,
		broker:    cfg.Broker,
		logger:    logger,
		semaphore: make(chan struct{}, maxParallel),
	}
}

// Launch schedules executionID to advance in the background and returns
// immediately. The caller (an API handler) never awaits the workflow's
// completion. A Launch during drain is rejected and logged rather than
// scheduled.
func (r *Runner) Launch(executionID string) {
	if r.draining.Load() {
		r.logger.Warn("runner: rejecting launch during drain", "execution_id", executionID)
		return
	}
	r.wg.Add(1)
	go r.run(executionID)
}

func (r *Runner) run(executionID string) {
	defer r.wg.Done()

	r.semaphore <- struct{}{}
	defer func() { <-r.semaphore }()

	ctx := context.Background()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("runner: recovered panic advancing execution", "execution_id", executionID, "panic", p)
			r.handleUnhandledFailure(ctx, executionID, fmt.Sprintf("panic: %v", p))
		}
	}()

	r.broker.Publish(broker.Event{
		Type:        "workflow_started",
		ExecutionID: executionID,
		Status:      string(domain.ExecStatusRunning),
	})

	for {
		result, err := r.engine.Advance(ctx, executionID)
		if err != nil {
			r.handleUnhandledFailure(ctx, executionID, err.Error())
			return
		}
		if result.Status == engine.StatusTerminal {
			return
		}
	}
}

// handleUnhandledFailure fences an execution as failed after a Go-level
// error or panic the engine itself never got a chance to record (a
// persistence outage mid-advance, for instance). Engine-reported terminal
// outcomes (step_error, max_visits_exceeded) are already committed and
// published by the engine and never reach this path.
func (r *Runner) handleUnhandledFailure(ctx context.Context, executionID, message string) {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		r.logger.Error("runner: failed to load execution during failure handling", "error", err, "execution_id", executionID)
		return
	}
	if exec.Status.IsTerminal() {
		return
	}
	if err := r.store.SetExecutionStatus(ctx, executionID, domain.ExecStatusFailed); err != nil {
		r.logger.Error("runner: failed to mark execution failed", "error", err, "execution_id", executionID)
	}
	r.broker.Publish(broker.Event{
		Type:        "workflow_error",
		ExecutionID: executionID,
		Status:      string(domain.ExecStatusFailed),
		Context:     map[string]any{"error": message},
	})
}

// StartDraining puts the runner into drain mode: further Launch calls are
// rejected, but tasks already in flight keep running.
func (r *Runner) StartDraining() {
	r.draining.Store(true)
}

// IsDraining reports whether the runner is in drain mode.
func (r *Runner) IsDraining() bool {
	return r.draining.Load()
}

// WaitForDrain blocks until every in-flight task finishes or timeout
// elapses, whichever comes first. Per spec section 5, an execution still
// running when the timeout expires is left running in storage.
func (r *Runner) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("drain timeout after %v with in-flight executions still running", timeout)
	}
}
