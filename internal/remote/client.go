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

// Package remote invokes workflow steps on the worker process over HTTP
// (C2). One shared *http.Client with a pooled transport is constructed once
// at daemon startup and handed to the engine by reference; no retry happens
// at this layer, matching spec section 4.2.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/discoveryhq/discovery/internal/tracing"
	"github.com/discoveryhq/discovery/pkg/discoveryerr"
)

// defaultStepTimeouts is the table required by spec section 4.2. "default"
// applies to any step name not listed explicitly.
var defaultStepTimeouts = map[string]time.Duration{
	"fetch_user":     600 * time.Second,
	"validate_user":  600 * time.Second,
	"transform_data": 600 * time.Second,
	"approve_user":   990 * time.Second,
	"default":        700 * time.Second,
}

// StepResult is the parsed response from a worker step invocation.
type StepResult struct {
	// Context is the patch to merge into the execution context, from the
	// response body's top-level "context" object. Nil if absent.
	Context map[string]any

	// Next is the routing hint from the response body's top-level "next"
	// string. Empty means "fall through by order".
	Next string
}

// Client invokes a named step on the worker and returns its result.
type Client interface {
	Invoke(ctx context.Context, stepName string, execContext, config map[string]any) (*StepResult, error)
}

// HTTPClient is the production Client: one POST per step invocation to
// {WorkerBaseURL}/steps/{step_name}.
type HTTPClient struct {
	workerBaseURL string
	httpClient    *http.Client
	stepTimeouts  map[string]time.Duration
}

// Config configures an HTTPClient.
type Config struct {
	// WorkerBaseURL is the worker's HTTP base, e.g. "http://localhost:9100".
	WorkerBaseURL string

	// StepTimeouts overrides or extends defaultStepTimeouts. A "default"
	// entry, if present, replaces the fallback for unlisted step names.
	StepTimeouts map[string]time.Duration
}

// NewHTTPClient builds the shared HTTP transport used for every step
// invocation: one idle-connection pool per worker host, TLS 1.2 minimum,
// dial/handshake timeouts bounded independently of the per-step deadline
// enforced via context at call time.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.WorkerBaseURL == "" {
		return nil, &discoveryerr.ConfigError{Key: "worker_base_url", Reason: "must not be empty"}
	}
	if _, err := url.Parse(cfg.WorkerBaseURL); err != nil {
		return nil, &discoveryerr.ConfigError{Key: "worker_base_url", Reason: "not a valid URL", Cause: err}
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	timeouts := make(map[string]time.Duration, len(defaultStepTimeouts))
	for k, v := range defaultStepTimeouts {
		timeouts[k] = v
	}
	for k, v := range cfg.StepTimeouts {
		timeouts[k] = v
	}

	return &HTTPClient{
		workerBaseURL: cfg.WorkerBaseURL,
		httpClient:    &http.Client{Transport: transport},
		stepTimeouts:  timeouts,
	}, nil
}

// timeoutFor returns the configured timeout for stepName, falling back to
// the "default" entry.
func (c *HTTPClient) timeoutFor(stepName string) time.Duration {
	if d, ok := c.stepTimeouts[stepName]; ok {
		return d
	}
	return c.stepTimeouts["default"]
}

type stepResponseBody struct {
	Context map[string]any `json:"context,omitempty"`
	Next    string         `json:"next,omitempty"`
}

// Invoke POSTs the {step, context, config} envelope as JSON to
// {WorkerBaseURL}/steps/{stepName} and decodes the response. Any non-2xx
// status, transport failure, or context deadline exceeded is returned as a
// discoveryerr.RemoteStepError with Kind set to "http_status", "transport",
// or "timeout" respectively.
func (c *HTTPClient) Invoke(ctx context.Context, stepName string, execContext, config map[string]any) (*StepResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "remote.Invoke", trace.WithAttributes(
		attribute.String("discovery.step_name", stepName),
	))
	defer span.End()

	result, err := c.invoke(ctx, stepName, execContext, config)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	return result, err
}

func (c *HTTPClient) invoke(ctx context.Context, stepName string, execContext, config map[string]any) (*StepResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeoutFor(stepName))
	defer cancel()

	if config == nil {
		config = map[string]any{}
	}
	envelope := map[string]any{
		"step":    stepName,
		"context": execContext,
		"config":  config,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, &discoveryerr.RemoteStepError{Step: stepName, Kind: "transport", Message: "failed to marshal request payload", Cause: err}
	}

	endpoint := fmt.Sprintf("%s/steps/%s", c.workerBaseURL, stepName)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &discoveryerr.RemoteStepError{Step: stepName, Kind: "transport", Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &discoveryerr.RemoteStepError{Step: stepName, Kind: "timeout", Message: "step invocation timed out", Cause: err}
		}
		return nil, &discoveryerr.RemoteStepError{Step: stepName, Kind: "transport", Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &discoveryerr.RemoteStepError{Step: stepName, Kind: "transport", StatusCode: resp.StatusCode, Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &discoveryerr.RemoteStepError{
			Step:       stepName,
			Kind:       "http_status",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("step %q returned status %d: %s", stepName, resp.StatusCode, string(respBody)),
		}
	}

	var parsed stepResponseBody
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, &discoveryerr.RemoteStepError{Step: stepName, Kind: "http_status", StatusCode: resp.StatusCode, Message: "response body was not a JSON object", Cause: err}
		}
	}

	return &StepResult{Context: parsed.Context, Next: parsed.Next}, nil
}

// AvailableStepsProvider is implemented by remote clients that can enumerate
// the step handlers the worker currently exposes. It is separate from
// Client because the stub used by engine tests has no need to fake it.
type AvailableStepsProvider interface {
	AvailableSteps(ctx context.Context) (map[string]any, error)
}

// AvailableSteps proxies GET {worker_base}/available-steps verbatim, per
// spec section 6's `/available-steps` route.
func (c *HTTPClient) AvailableSteps(ctx context.Context) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/available-steps", c.workerBaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &discoveryerr.RemoteStepError{Step: "available-steps", Kind: "transport", Message: "failed to build request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &discoveryerr.RemoteStepError{Step: "available-steps", Kind: "transport", Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &discoveryerr.RemoteStepError{Step: "available-steps", Kind: "transport", StatusCode: resp.StatusCode, Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &discoveryerr.RemoteStepError{
			Step:       "available-steps",
			Kind:       "http_status",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("available-steps returned status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var parsed map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, &discoveryerr.RemoteStepError{Step: "available-steps", Kind: "http_status", StatusCode: resp.StatusCode, Message: "response body was not a JSON object", Cause: err}
		}
	}
	return parsed, nil
}

var _ AvailableStepsProvider = (*HTTPClient)(nil)
