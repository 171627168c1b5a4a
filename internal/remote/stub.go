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

package remote

import (
	"context"
	"sync"
)

// StubClient is an in-process Client for engine and API tests: it never
// touches the network. Invocations is captured fact-for-fact so tests can
// assert on dispatch order without standing up an httptest.Server.
type StubClient struct {
	mu          sync.Mutex
	Invocations []StubInvocation

	// Handlers overrides the default per-step behavior.
	Handlers map[string]func(payload map[string]any) (*StepResult, error)

	// Default is used for any step without a registered handler. If nil,
	// Invoke returns an empty, successful StepResult.
	Default func(stepName string, payload map[string]any) (*StepResult, error)

	// AvailableStepsResult and AvailableStepsErr back AvailableSteps, letting
	// API tests exercise the /available-steps proxy without a worker stub.
	AvailableStepsResult map[string]any
	AvailableStepsErr    error
}

// StubInvocation records one call to Invoke, in order.
type StubInvocation struct {
	StepName string
	Payload  map[string]any
	Config   map[string]any
}

// NewStubClient creates an empty StubClient.
func NewStubClient() *StubClient {
	return &StubClient{Handlers: make(map[string]func(payload map[string]any) (*StepResult, error))}
}

// Invoke implements Client. Config is recorded on the invocation log but not
// otherwise used; none of the stub's handlers need to see it.
func (c *StubClient) Invoke(ctx context.Context, stepName string, execContext, config map[string]any) (*StepResult, error) {
	c.mu.Lock()
	c.Invocations = append(c.Invocations, StubInvocation{StepName: stepName, Payload: execContext, Config: config})
	handler, ok := c.Handlers[stepName]
	c.mu.Unlock()

	if ok {
		return handler(execContext)
	}
	if c.Default != nil {
		return c.Default(stepName, execContext)
	}
	return &StepResult{}, nil
}

// AvailableSteps implements AvailableStepsProvider.
func (c *StubClient) AvailableSteps(ctx context.Context) (map[string]any, error) {
	if c.AvailableStepsErr != nil {
		return nil, c.AvailableStepsErr
	}
	return c.AvailableStepsResult, nil
}

var _ Client = (*StubClient)(nil)
var _ AvailableStepsProvider = (*StubClient)(nil)
