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

package flight

import (
	"testing"

	"github.com/openskies-io/surety/event"
	"github.com/openskies-io/surety/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimestamp int64 = 1566359629

// fakeAuthorizer treats a fixed set of accounts as funded airlines
type fakeAuthorizer struct {
	funded map[types.AccountID]bool
}

func (a *fakeAuthorizer) IsFunded(id types.AccountID) bool {
	return a.funded[id]
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{
		EventBus:     event.NewEventBus(nil),
		PromRegistry: prometheus.NewRegistry(),
		Authorizer: &fakeAuthorizer{
			funded: map[types.AccountID]bool{"air-1": true},
		},
	})
}

func TestFlightRegistry_Register(t *testing.T) {
	r := newTestRegistry(t)

	f, err := r.Register("Flight 101", testTimestamp, "air-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, f.Status)
	assert.Equal(t, types.AccountID("air-1"), f.Key.Airline)

	got, err := r.Get(f.Key)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFlightRegistry_RegisterUnfunded(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("Flight 101", testTimestamp, "not-an-airline")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestFlightRegistry_RegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("Flight 101", testTimestamp, "air-1")
	require.NoError(t, err)
	_, err = r.Register("Flight 101", testTimestamp, "air-1")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// A different timestamp is a different flight
	_, err = r.Register("Flight 101", testTimestamp+3600, "air-1")
	assert.NoError(t, err)
}

func TestFlightRegistry_GetUnknown(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Get(Key{Airline: "air-1", Name: "nope", Timestamp: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFlightRegistry_SetStatus(t *testing.T) {
	eb := event.NewEventBus(nil)
	r := NewRegistry(RegistryConfig{
		EventBus:     eb,
		PromRegistry: prometheus.NewRegistry(),
		Authorizer: &fakeAuthorizer{
			funded: map[types.AccountID]bool{"air-1": true},
		},
	})
	_, statusCh := eb.Subscribe(FlightStatusEventType)

	f, err := r.Register("Flight 101", testTimestamp, "air-1")
	require.NoError(t, err)
	require.NoError(t, r.SetStatus(f.Key, StatusLateAirline))

	got, err := r.Get(f.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusLateAirline, got.Status)

	evt := <-statusCh
	data, ok := evt.Data.(FlightStatusEvent)
	require.True(t, ok)
	assert.Equal(t, StatusLateAirline, data.Status)
	assert.Equal(t, f.Key, data.Key)
}

func TestFlightRegistry_SetStatusUnknownFlight(t *testing.T) {
	r := newTestRegistry(t)

	err := r.SetStatus(Key{Airline: "air-1", Name: "nope"}, StatusOnTime)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusCode_Valid(t *testing.T) {
	for _, code := range []StatusCode{0, 10, 20, 30, 40, 50} {
		assert.True(t, code.Valid(), "code %d", code)
	}
	for _, code := range []StatusCode{1, 15, 60, 255} {
		assert.False(t, code.Valid(), "code %d", code)
	}
}
