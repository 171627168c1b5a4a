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

package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discoveryhq/discovery/internal/broker"
	"github.com/discoveryhq/discovery/internal/domain"
	"github.com/discoveryhq/discovery/internal/engine"
	"github.com/discoveryhq/discovery/internal/remote"
	"github.com/discoveryhq/discovery/internal/runner"
	"github.com/discoveryhq/discovery/internal/store"
)

func newTestRunner(t *testing.T) (*runner.Runner, store.Gateway, *broker.Broker, *domain.Workflow) {
	t.Helper()
	s := store.NewMemStore()
	rc := remote.NewStubClient()
	b := broker.New(nil)
	e := engine.New(engine.Config{Store: s, Remote: rc, Broker: b})
	r := runner.New(runner.Config{Store: s, Engine: e, Broker: b})

	wf := &domain.Workflow{Name: "onboarding", Mode: domain.ModeAutomatic}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	step := &domain.Step{WorkflowID: wf.ID, Name: "fetch_user", Order: 1, MaxVisits: 3, IsTerminal: true}
	require.NoError(t, s.CreateStep(context.Background(), step))

	return r, s, b, wf
}

func TestRunner_Launch_RunsExecutionToCompletion(t *testing.T) {
	r, s, b, wf := newTestRunner(t)
	exec := &domain.Execution{WorkflowID: wf.ID, Status: domain.ExecStatusRunning, Mode: domain.ModeAutomatic, Context: map[string]any{}}
	require.NoError(t, s.CreateExecution(context.Background(), exec))

	ch, unsubscribe := b.Subscribe(exec.ID)
	defer unsubscribe()

	r.Launch(exec.ID)

	require.NoError(t, r.WaitForDrain(context.Background(), time.Second))

	got, err := s.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusCompleted, got.Status)

	select {
	case msg := <-ch:
		assert.Contains(t, string(msg), "workflow_started")
	case <-time.After(time.Second):
		t.Fatal("did not receive workflow_started event")
	}
}

func TestRunner_Launch_RejectsDuringDrain(t *testing.T) {
	r, s, _, wf := newTestRunner(t)
	exec := &domain.Execution{WorkflowID: wf.ID, Status: domain.ExecStatusRunning, Mode: domain.ModeAutomatic, Context: map[string]any{}}
	require.NoError(t, s.CreateExecution(context.Background(), exec))

	r.StartDraining()
	assert.True(t, r.IsDraining())

	r.Launch(exec.ID)
	require.NoError(t, r.WaitForDrain(context.Background(), time.Second))

	got, err := s.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusRunning, got.Status)
}

func TestRunner_WaitForDrain_TimesOutWithExecutionsInFlight(t *testing.T) {
	s := store.NewMemStore()
	rc := remote.NewStubClient()
	b := broker.New(nil)
	block := make(chan struct{})
	rc.Handlers["slow_step"] = func(payload map[string]any) (*remote.StepResult, error) {
		<-block
		return &remote.StepResult{}, nil
	}
	e := engine.New(engine.Config{Store: s, Remote: rc, Broker: b})
	r := runner.New(runner.Config{Store: s, Engine: e, Broker: b})

	wf := &domain.Workflow{Name: "slow", Mode: domain.ModeAutomatic}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	step := &domain.Step{WorkflowID: wf.ID, Name: "slow_step", Order: 1, MaxVisits: 1, IsTerminal: true}
	require.NoError(t, s.CreateStep(context.Background(), step))
	exec := &domain.Execution{WorkflowID: wf.ID, Status: domain.ExecStatusRunning, Mode: domain.ModeAutomatic, Context: map[string]any{}}
	require.NoError(t, s.CreateExecution(context.Background(), exec))

	r.Launch(exec.ID)

	err := r.WaitForDrain(context.Background(), 20*time.Millisecond)
	require.Error(t, err)

	close(block)
	require.NoError(t, r.WaitForDrain(context.Background(), time.Second))
}
