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

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/discoveryhq/discovery/pkg/discoveryerr"
)

// apiBaseURL resolves discoveryd's control API address: DISCOVERY_API_URL,
// or http://localhost:8080 if unset.
func apiBaseURL() string {
	if v := os.Getenv("DISCOVERY_API_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// buildAPIURL joins path onto the resolved base URL with optional query
// parameters.
func buildAPIURL(path string, params map[string]string) string {
	u, err := url.Parse(apiBaseURL() + path)
	if err != nil {
		return apiBaseURL() + path
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

var apiHTTPClient = &http.Client{Timeout: 30 * time.Second}

// apiRequest issues an HTTP call against discoveryd and decodes a JSON
// response body into out. A nil out discards the body after checking the
// status code.
func apiRequest(method, rawURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiHTTPClient.Do(req)
	if err != nil {
		return discoveryerr.Wrap(err, "request to discoveryd failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return discoveryerr.Wrap(err, "read response")
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		message := string(respBody)
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return &discoveryerr.APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
