// Copyright 2025 Openskies Software
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

package event

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testEventType EventType = "test.event"

func TestEventBus_SubscribePublish(t *testing.T) {
	eb := NewEventBus(nil)
	defer eb.Stop()

	subId, evtCh := eb.Subscribe(testEventType)
	require.NotZero(t, subId)

	eb.Publish(testEventType, NewEvent(testEventType, "hello"))

	select {
	case evt := <-evtCh:
		assert.Equal(t, testEventType, evt.Type)
		assert.Equal(t, "hello", evt.Data)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEventBus_SubscribeFunc(t *testing.T) {
	eb := NewEventBus(nil)
	defer eb.Stop()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{})
	eb.SubscribeFunc(testEventType, func(evt Event) {
		mu.Lock()
		received = append(received, evt)
		if len(received) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	for range 3 {
		eb.Publish(testEventType, NewEvent(testEventType, "data"))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for handler")
	}
	mu.Lock()
	assert.Len(t, received, 3)
	mu.Unlock()
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	eb := NewEventBus(nil)
	defer eb.Stop()

	_, ch1 := eb.Subscribe(testEventType)
	_, ch2 := eb.Subscribe(testEventType)

	eb.Publish(testEventType, NewEvent(testEventType, 42))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, 42, evt.Data)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus(nil)
	defer eb.Stop()

	subId, evtCh := eb.Subscribe(testEventType)
	eb.Unsubscribe(testEventType, subId)

	// Channel is closed after unsubscribe
	_, ok := <-evtCh
	assert.False(t, ok, "channel should be closed")

	// Publishing after unsubscribe must not block or panic
	eb.Publish(testEventType, NewEvent(testEventType, nil))
}

func TestEventBus_TypeIsolation(t *testing.T) {
	eb := NewEventBus(nil)
	defer eb.Stop()

	_, chA := eb.Subscribe(EventType("type.a"))
	_, chB := eb.Subscribe(EventType("type.b"))

	eb.Publish(EventType("type.a"), NewEvent(EventType("type.a"), "a"))

	select {
	case evt := <-chA:
		assert.Equal(t, "a", evt.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case evt := <-chB:
		t.Fatalf("unexpected event on other type: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no delivery
	}
}

func TestEventBus_StopClosesSubscribers(t *testing.T) {
	eb := NewEventBus(nil)

	_, evtCh := eb.Subscribe(testEventType)
	eb.Stop()

	select {
	case _, ok := <-evtCh:
		assert.False(t, ok, "channel should be closed after Stop")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestEventBus_Metrics(t *testing.T) {
	promRegistry := prometheus.NewRegistry()
	eb := NewEventBus(promRegistry)
	defer eb.Stop()

	subId, evtCh := eb.Subscribe(testEventType)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(
			eb.metrics.subscribers.WithLabelValues(string(testEventType)),
		),
	)

	eb.Publish(testEventType, NewEvent(testEventType, nil))
	<-evtCh
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(
			eb.metrics.eventsTotal.WithLabelValues(string(testEventType)),
		),
	)

	eb.Unsubscribe(testEventType, subId)
	assert.Equal(
		t,
		float64(0),
		testutil.ToFloat64(
			eb.metrics.subscribers.WithLabelValues(string(testEventType)),
		),
	)
}
