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

package insurance

import (
	"testing"

	"github.com/openskies-io/surety/event"
	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testFlight = flight.Key{
		Airline:   "air-1",
		Name:      "Flight 101",
		Timestamp: 1566359629,
	}
	otherFlight = flight.Key{
		Airline:   "air-1",
		Name:      "Flight 202",
		Timestamp: 1566359629,
	}
)

// fakeFlights treats a fixed set of flights as registered
type fakeFlights struct {
	known map[flight.Key]bool
}

func (f *fakeFlights) Exists(key flight.Key) bool {
	return f.known[key]
}

// fakeCreditor records credits in a map
type fakeCreditor struct {
	credits map[types.AccountID]types.Amount
}

func (c *fakeCreditor) Credit(passenger types.AccountID, amount types.Amount) {
	if c.credits == nil {
		c.credits = make(map[types.AccountID]types.Amount)
	}
	c.credits[passenger] += amount
}

func newTestPool(t *testing.T) (*Pool, *fakeCreditor) {
	t.Helper()
	creditor := &fakeCreditor{}
	pool := NewPool(PoolConfig{
		EventBus:     event.NewEventBus(nil),
		PromRegistry: prometheus.NewRegistry(),
		Flights: &fakeFlights{
			known: map[flight.Key]bool{
				testFlight:  true,
				otherFlight: true,
			},
		},
		Creditor: creditor,
	})
	return pool, creditor
}

func TestPool_Buy(t *testing.T) {
	p, _ := newTestPool(t)

	insured, refund, err := p.Buy(testFlight, "pass-1", types.Units(1)/2)
	require.NoError(t, err)
	assert.Equal(t, types.Units(1)/2, insured)
	assert.Equal(t, types.Amount(0), refund)
	assert.Equal(t, types.Units(1)/2, p.InsuredAmount(testFlight, "pass-1"))
}

func TestPool_BuyZeroPayment(t *testing.T) {
	p, _ := newTestPool(t)

	_, _, err := p.Buy(testFlight, "pass-1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPool_BuyUnknownFlight(t *testing.T) {
	p, _ := newTestPool(t)

	_, _, err := p.Buy(
		flight.Key{Airline: "air-9", Name: "ghost"},
		"pass-1",
		types.Units(1),
	)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPool_BuyOverpaymentIsCapped(t *testing.T) {
	p, _ := newTestPool(t)

	insured, refund, err := p.Buy(testFlight, "pass-1", types.Units(2))
	require.NoError(t, err)
	assert.Equal(t, types.Units(1), insured)
	assert.Equal(t, types.Units(1), refund)
	assert.Equal(t, types.Units(1), p.InsuredAmount(testFlight, "pass-1"))
}

func TestPool_BuyDuplicate(t *testing.T) {
	p, _ := newTestPool(t)

	_, _, err := p.Buy(testFlight, "pass-1", types.Units(1))
	require.NoError(t, err)
	_, _, err = p.Buy(testFlight, "pass-1", types.Units(1))
	assert.ErrorIs(t, err, ErrAlreadyInsured)

	// The same passenger can insure a different flight
	_, _, err = p.Buy(otherFlight, "pass-1", types.Units(1))
	assert.NoError(t, err)
}

func TestPool_SettleLateAirline(t *testing.T) {
	p, creditor := newTestPool(t)

	_, _, err := p.Buy(testFlight, "pass-1", types.Units(1)/2)
	require.NoError(t, err)
	_, _, err = p.Buy(otherFlight, "pass-2", types.Units(1))
	require.NoError(t, err)

	p.Settle(testFlight, flight.StatusLateAirline)

	// 1.5x of 0.5 units
	assert.Equal(
		t,
		types.Units(1)/2+types.Units(1)/4,
		creditor.credits["pass-1"],
	)
	assert.Equal(t, types.Amount(0), p.InsuredAmount(testFlight, "pass-1"))
	// Policies on other flights are untouched
	assert.Equal(t, types.Units(1), p.InsuredAmount(otherFlight, "pass-2"))
}

func TestPool_SettleOnTimeNoPayout(t *testing.T) {
	p, creditor := newTestPool(t)

	_, _, err := p.Buy(testFlight, "pass-1", types.Units(1))
	require.NoError(t, err)

	p.Settle(testFlight, flight.StatusOnTime)

	assert.Empty(t, creditor.credits)
	assert.Equal(t, types.Amount(0), p.InsuredAmount(testFlight, "pass-1"))
	assert.True(t, p.Settled(testFlight))
}

func TestPool_SettleIsIdempotent(t *testing.T) {
	p, creditor := newTestPool(t)

	_, _, err := p.Buy(testFlight, "pass-1", types.Units(1))
	require.NoError(t, err)

	p.Settle(testFlight, flight.StatusLateAirline)
	p.Settle(testFlight, flight.StatusLateAirline)

	assert.Equal(
		t,
		types.Units(1)+types.Units(1)/2,
		creditor.credits["pass-1"],
		"second settle must not double pay",
	)
}

func TestPool_SettleEmitsPayoutEvent(t *testing.T) {
	eb := event.NewEventBus(nil)
	creditor := &fakeCreditor{}
	p := NewPool(PoolConfig{
		EventBus:     eb,
		PromRegistry: prometheus.NewRegistry(),
		Flights:      &fakeFlights{known: map[flight.Key]bool{testFlight: true}},
		Creditor:     creditor,
	})
	_, ch := eb.Subscribe(PayoutEventType)

	_, _, err := p.Buy(testFlight, "pass-1", types.Units(1))
	require.NoError(t, err)
	p.Settle(testFlight, flight.StatusLateAirline)

	evt := <-ch
	data, ok := evt.Data.(PayoutEvent)
	require.True(t, ok)
	assert.Equal(t, testFlight, data.Flight)
	assert.Equal(t, 1, data.Passengers)
	assert.Equal(t, types.Units(1)+types.Units(1)/2, data.Total)
}

func TestPool_RestoreRoundTrip(t *testing.T) {
	p, _ := newTestPool(t)
	_, _, err := p.Buy(testFlight, "pass-1", types.Units(1)/2)
	require.NoError(t, err)

	p2, _ := newTestPool(t)
	for _, pol := range p.Policies() {
		p2.Restore(pol)
	}
	assert.Equal(t, types.Units(1)/2, p2.InsuredAmount(testFlight, "pass-1"))
}
