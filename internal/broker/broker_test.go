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

package broker_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discoveryhq/discovery/internal/broker"
)

func TestBroker_PublishDeliversToSubscriber(t *testing.T) {
	b := broker.New(nil)
	ch, unsubscribe := b.Subscribe("exec-1")
	defer unsubscribe()

	b.Publish(broker.Event{
		Type:        "step_started",
		ExecutionID: "exec-1",
		StepName:    "validate_user",
		Context:     map[string]any{"execution_id": "exec-1", "base64": "should be scrubbed"},
	})

	select {
	case msg := <-ch:
		var event broker.Event
		require.NoError(t, json.Unmarshal(msg, &event))
		assert.Equal(t, "step_started", event.Type)
		assert.Equal(t, "validate_user", event.StepName)
		assert.NotContains(t, event.Context, "base64")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroker_PublishOnlyReachesMatchingExecution(t *testing.T) {
	b := broker.New(nil)
	chA, unsubA := b.Subscribe("exec-a")
	defer unsubA()
	chB, unsubB := b.Subscribe("exec-b")
	defer unsubB()

	b.Publish(broker.Event{Type: "step_started", ExecutionID: "exec-a"})

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("exec-a subscriber did not receive its event")
	}

	select {
	case <-chB:
		t.Fatal("exec-b subscriber should not have received exec-a's event")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := broker.New(nil)
	ch, unsubscribe := b.Subscribe("exec-1")
	assert.Equal(t, 1, b.SubscriberCount("exec-1"))

	unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount("exec-1"))

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBroker_DropsSlowSubscriberWithoutBlocking(t *testing.T) {
	b := broker.New(nil)
	_, unsubscribe := b.Subscribe("exec-1")
	defer unsubscribe()

	for i := 0; i < 100; i++ {
		b.Publish(broker.Event{Type: "tick", ExecutionID: "exec-1"})
	}

	assert.Equal(t, 0, b.SubscriberCount("exec-1"))
}

func TestBroker_PublishWithNoSubscribersIsNoop(t *testing.T) {
	b := broker.New(nil)
	assert.NotPanics(t, func() {
		b.Publish(broker.Event{Type: "tick", ExecutionID: "exec-none"})
	})
}
