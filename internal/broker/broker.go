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

// Package broker fans out execution progress events to subscribers (C3).
// Delivery is best-effort: a subscriber whose channel is full is treated as
// dead and dropped rather than allowed to stall publication for everyone
// else. The broker knows nothing about the transport draining its
// channels — C7's websocket handler is the only consumer.
package broker

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/discoveryhq/discovery/internal/domain"
)

// subscriberBufferSize bounds how many undelivered events a slow subscriber
// may accumulate before being dropped.
const subscriberBufferSize = 32

// Event is one progress notification for an execution.
type Event struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	StepName    string         `json:"step_name,omitempty"`
	Status      string         `json:"status,omitempty"`
	Context     map[string]any `json:"context,omitempty"`

	// Data carries event-specific payload that isn't a projection of the
	// execution context (a worker's progress report, a completion result).
	// It is base64-scrubbed but not run through the context allow-list,
	// since it has no relationship to the context schema.
	Data map[string]any `json:"data,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Broker is a per-execution fan-out publisher, safe for concurrent use.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string]map[string]chan []byte
	seq         uint64
	logger      *slog.Logger
}

// New creates an empty Broker. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]map[string]chan []byte),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber for executionID and returns its
// receive-only channel and an unsubscribe function. The caller must call
// unsubscribe exactly once when it stops draining the channel.
func (b *Broker) Subscribe(executionID string) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	subscriberID := subscriberKey(b.seq)

	if b.subscribers[executionID] == nil {
		b.subscribers[executionID] = make(map[string]chan []byte)
	}
	ch := make(chan []byte, subscriberBufferSize)
	b.subscribers[executionID][subscriberID] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subscribers[executionID]; ok {
			if existing, ok := subs[subscriberID]; ok {
				close(existing)
				delete(subs, subscriberID)
			}
			if len(subs) == 0 {
				delete(b.subscribers, executionID)
			}
		}
	}

	return ch, unsubscribe
}

// SubscriberCount reports how many subscribers are currently attached to
// executionID, for tests and diagnostics.
func (b *Broker) SubscriberCount(executionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[executionID])
}

// Publish scrubs event.Context to the websocket-safe projection, marshals
// the event, and delivers it to every current subscriber of
// event.ExecutionID. A subscriber whose channel is already full is dropped:
// its channel is closed and removed so the caller's next Subscribe gets a
// fresh one.
func (b *Broker) Publish(event Event) {
	if event.Context != nil {
		event.Context = domain.ScrubBase64Map(domain.SafeProjection(event.Context))
	}
	if event.Data != nil {
		event.Data = domain.ScrubBase64Map(event.Data)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("broker: failed to marshal event", "error", err, "execution_id", event.ExecutionID)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[event.ExecutionID]
	for id, ch := range subs {
		select {
		case ch <- payload:
		default:
			b.logger.Warn("broker: dropping slow subscriber", "execution_id", event.ExecutionID, "subscriber", id)
			close(ch)
			delete(subs, id)
		}
	}
	if len(subs) == 0 {
		delete(b.subscribers, event.ExecutionID)
	}
}

func subscriberKey(seq uint64) string {
	return "sub-" + strconv.FormatUint(seq, 10)
}
