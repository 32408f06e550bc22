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

package oracle

import (
	"fmt"
	"testing"

	"github.com/openskies-io/surety/event"
	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFlight = flight.Key{
	Airline:   "air-1",
	Name:      "Flight 101",
	Timestamp: 1566359629,
}

// fixedIndexSource gives every oracle the same indexes and always picks
// request index 0, so every registered oracle can respond
type fixedIndexSource struct{}

func (s *fixedIndexSource) OracleIndexes(types.AccountID) [3]uint8 {
	return [3]uint8{0, 1, 2}
}

func (s *fixedIndexSource) RequestIndex(types.AccountID) uint8 {
	return 0
}

// fakeFlights records status finalizations
type fakeFlights struct {
	statuses map[flight.Key]flight.StatusCode
}

func (f *fakeFlights) SetStatus(key flight.Key, status flight.StatusCode) error {
	if f.statuses == nil {
		f.statuses = make(map[flight.Key]flight.StatusCode)
	}
	f.statuses[key] = status
	return nil
}

// fakeSettler counts settle calls per flight
type fakeSettler struct {
	settles map[flight.Key]int
}

func (s *fakeSettler) Settle(key flight.Key, status flight.StatusCode) {
	if s.settles == nil {
		s.settles = make(map[flight.Key]int)
	}
	s.settles[key]++
}

func newTestConsensus(t *testing.T) (*Consensus, *fakeFlights, *fakeSettler) {
	t.Helper()
	flights := &fakeFlights{}
	settler := &fakeSettler{}
	c := NewConsensus(ConsensusConfig{
		EventBus:     event.NewEventBus(nil),
		PromRegistry: prometheus.NewRegistry(),
		Flights:      flights,
		Settler:      settler,
		IndexSource:  &fixedIndexSource{},
	})
	return c, flights, settler
}

// registerOracles registers n oracles named orc-1..orc-n
func registerOracles(t *testing.T, c *Consensus, n int) []types.AccountID {
	t.Helper()
	ids := make([]types.AccountID, 0, n)
	for i := 1; i <= n; i++ {
		id := types.AccountID(fmt.Sprintf("orc-%d", i))
		_, err := c.RegisterOracle(id, RegistrationFee)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestConsensus_RegisterOracle(t *testing.T) {
	c, _, _ := newTestConsensus(t)

	indexes, err := c.RegisterOracle("orc-1", RegistrationFee)
	require.NoError(t, err)
	for _, idx := range indexes {
		assert.Less(t, idx, uint8(IndexCount))
	}

	got, err := c.Indexes("orc-1")
	require.NoError(t, err)
	assert.Equal(t, indexes, got)
}

func TestConsensus_RegisterOracleInsufficientFee(t *testing.T) {
	c, _, _ := newTestConsensus(t)

	_, err := c.RegisterOracle("orc-1", RegistrationFee-1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, 0, c.Count())
}

func TestConsensus_RegisterOracleIdempotent(t *testing.T) {
	c, _, _ := newTestConsensus(t)

	first, err := c.RegisterOracle("orc-1", RegistrationFee)
	require.NoError(t, err)
	second, err := c.RegisterOracle("orc-1", RegistrationFee)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.Count())
}

func TestConsensus_IndexesUnregistered(t *testing.T) {
	c, _, _ := newTestConsensus(t)

	_, err := c.Indexes("orc-1")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestConsensus_DefaultIndexSourceRange(t *testing.T) {
	c := NewConsensus(ConsensusConfig{
		EventBus:     event.NewEventBus(nil),
		PromRegistry: prometheus.NewRegistry(),
	})
	for _, id := range registerOracles(t, c, 20) {
		indexes, err := c.Indexes(id)
		require.NoError(t, err)
		for _, idx := range indexes {
			assert.Less(t, idx, uint8(IndexCount))
		}
	}
}

func TestConsensus_RequestStatus(t *testing.T) {
	c, _, _ := newTestConsensus(t)

	index, err := c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)

	got, open := c.OpenRequest(testFlight)
	assert.True(t, open)
	assert.Equal(t, index, got)
}

func TestConsensus_RequestStatusReplacesOpenRequest(t *testing.T) {
	c, _, _ := newTestConsensus(t)
	registerOracles(t, c, 1)

	index, err := c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)
	require.NoError(
		t,
		c.SubmitResponse("orc-1", index, testFlight, flight.StatusOnTime),
	)

	// Reopening the request discards the earlier response
	index, err = c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)
	require.NoError(
		t,
		c.SubmitResponse("orc-1", index, testFlight, flight.StatusOnTime),
	)
}

func TestConsensus_SubmitResponseUnregistered(t *testing.T) {
	c, _, _ := newTestConsensus(t)
	index, err := c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)

	err = c.SubmitResponse("ghost", index, testFlight, flight.StatusOnTime)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestConsensus_SubmitResponseWrongIndex(t *testing.T) {
	c, _, _ := newTestConsensus(t)
	registerOracles(t, c, 1)
	_, err := c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)

	// Index 5 is not among the oracle's assigned indexes {0,1,2}
	err = c.SubmitResponse("orc-1", 5, testFlight, flight.StatusOnTime)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestConsensus_SubmitResponseNoRequest(t *testing.T) {
	c, _, _ := newTestConsensus(t)
	registerOracles(t, c, 1)

	err := c.SubmitResponse("orc-1", 0, testFlight, flight.StatusOnTime)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsensus_SubmitResponseInvalidStatus(t *testing.T) {
	c, _, _ := newTestConsensus(t)
	registerOracles(t, c, 1)
	index, err := c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)

	err = c.SubmitResponse("orc-1", index, testFlight, flight.StatusCode(17))
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestConsensus_QuorumFinalizes(t *testing.T) {
	c, flights, settler := newTestConsensus(t)
	ids := registerOracles(t, c, 5)
	index, err := c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)

	for i, id := range ids[:Quorum] {
		require.NoError(
			t,
			c.SubmitResponse(id, index, testFlight, flight.StatusLateAirline),
		)
		if i < Quorum-1 {
			_, open := c.OpenRequest(testFlight)
			assert.True(t, open, "request must stay open below quorum")
			assert.Empty(t, flights.statuses)
		}
	}

	_, open := c.OpenRequest(testFlight)
	assert.False(t, open)
	assert.Equal(t, flight.StatusLateAirline, flights.statuses[testFlight])
	assert.Equal(t, 1, settler.settles[testFlight])
}

func TestConsensus_QuorumRequiresAgreement(t *testing.T) {
	c, flights, _ := newTestConsensus(t)
	ids := registerOracles(t, c, 6)
	index, err := c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)

	// Two codes with two votes each do not finalize
	for _, id := range ids[:2] {
		require.NoError(
			t,
			c.SubmitResponse(id, index, testFlight, flight.StatusOnTime),
		)
	}
	for _, id := range ids[2:4] {
		require.NoError(
			t,
			c.SubmitResponse(id, index, testFlight, flight.StatusLateAirline),
		)
	}
	_, open := c.OpenRequest(testFlight)
	assert.True(t, open)
	assert.Empty(t, flights.statuses)

	// A third vote for one of the codes settles it
	require.NoError(
		t,
		c.SubmitResponse(ids[4], index, testFlight, flight.StatusLateAirline),
	)
	assert.Equal(t, flight.StatusLateAirline, flights.statuses[testFlight])
}

func TestConsensus_DuplicateResponseIgnored(t *testing.T) {
	c, flights, _ := newTestConsensus(t)
	registerOracles(t, c, 1)
	index, err := c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)

	for range Quorum {
		require.NoError(
			t,
			c.SubmitResponse(
				"orc-1",
				index,
				testFlight,
				flight.StatusLateAirline,
			),
		)
	}
	_, open := c.OpenRequest(testFlight)
	assert.True(t, open, "one oracle repeating itself must not reach quorum")
	assert.Empty(t, flights.statuses)
}

func TestConsensus_LateResponsesDiscarded(t *testing.T) {
	c, _, settler := newTestConsensus(t)
	ids := registerOracles(t, c, 5)
	index, err := c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)

	for _, id := range ids {
		require.NoError(
			t,
			c.SubmitResponse(id, index, testFlight, flight.StatusLateAirline),
		)
	}
	assert.Equal(t, 1, settler.settles[testFlight], "quorum must settle once")
}

func TestConsensus_RequestAndFinalizeEmitEvents(t *testing.T) {
	eb := event.NewEventBus(nil)
	c := NewConsensus(ConsensusConfig{
		EventBus:     eb,
		PromRegistry: prometheus.NewRegistry(),
		Flights:      &fakeFlights{},
		Settler:      &fakeSettler{},
		IndexSource:  &fixedIndexSource{},
	})
	_, reqCh := eb.Subscribe(RequestEventType)
	_, finCh := eb.Subscribe(FinalizedEventType)
	ids := registerOracles(t, c, 3)

	index, err := c.RequestStatus(testFlight, "pass-1")
	require.NoError(t, err)
	reqEvt := <-reqCh
	reqData, ok := reqEvt.Data.(RequestEvent)
	require.True(t, ok)
	assert.Equal(t, testFlight, reqData.Flight)
	assert.Equal(t, index, reqData.Index)

	for _, id := range ids {
		require.NoError(
			t,
			c.SubmitResponse(id, index, testFlight, flight.StatusLateAirline),
		)
	}
	finEvt := <-finCh
	finData, ok := finEvt.Data.(FinalizedEvent)
	require.True(t, ok)
	assert.Equal(t, testFlight, finData.Flight)
	assert.Equal(t, flight.StatusLateAirline, finData.Status)
}

func TestConsensus_RestoreRoundTrip(t *testing.T) {
	c, _, _ := newTestConsensus(t)
	registerOracles(t, c, 2)

	c2, _, _ := newTestConsensus(t)
	for id, indexes := range c.Oracles() {
		c2.Restore(id, indexes)
	}
	assert.Equal(t, 2, c2.Count())
	got, err := c2.Indexes("orc-1")
	require.NoError(t, err)
	assert.Equal(t, [3]uint8{0, 1, 2}, got)
}
