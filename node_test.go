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

package surety

import (
	"fmt"
	"testing"
	"time"

	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/oracle"
	"github.com/openskies-io/surety/registry"
	"github.com/openskies-io/surety/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimestamp int64 = 1566359629

// testIndexSource gives every oracle the same indexes and always picks
// request index 0, so every registered oracle can respond
type testIndexSource struct{}

func (s *testIndexSource) OracleIndexes(types.AccountID) [3]uint8 {
	return [3]uint8{0, 1, 2}
}

func (s *testIndexSource) RequestIndex(types.AccountID) uint8 {
	return 0
}

func newTestNode(t *testing.T, opts ...ConfigOptionFunc) *Node {
	t.Helper()
	defaultOpts := []ConfigOptionFunc{
		WithOwner("owner"),
		WithFirstAirline("air-1", "Air 1"),
		WithDataDir(t.TempDir()),
		WithPrometheusRegistry(prometheus.NewRegistry()),
		WithIndexSource(&testIndexSource{}),
	}
	n, err := New(NewConfig(append(defaultOpts, opts...)...))
	require.NoError(t, err)
	t.Cleanup(func() {
		n.Stop()
	})
	return n
}

func TestNode_ConfigValidation(t *testing.T) {
	_, err := New(NewConfig(WithFirstAirline("air-1", "Air 1")))
	assert.ErrorContains(t, err, "no owner account")

	_, err = New(NewConfig(WithOwner("owner")))
	assert.ErrorContains(t, err, "no first airline")
}

func TestNode_FirstAirlineSeeded(t *testing.T) {
	n := newTestNode(t)

	a, err := n.Airline("air-1")
	require.NoError(t, err)
	assert.True(t, a.Registered)
	assert.False(t, a.Funded)
}

func TestNode_OperationalPause(t *testing.T) {
	n := newTestNode(t)

	assert.ErrorIs(t, n.SetOperational("air-1", false), ErrNotOwner)
	require.NoError(t, n.SetOperational("owner", false))
	assert.False(t, n.IsOperational())

	_, err := n.FundAirline("air-1", types.Units(10))
	assert.ErrorIs(t, err, ErrNotOperational)
	_, _, err = n.BuyInsurance(flight.Key{}, "pass-1", types.Units(1))
	assert.ErrorIs(t, err, ErrNotOperational)
	_, err = n.Withdraw("pass-1", nil)
	assert.ErrorIs(t, err, ErrNotOperational)

	// Reads still work while paused
	_, err = n.Airline("air-1")
	assert.NoError(t, err)

	require.NoError(t, n.SetOperational("owner", true))
	_, err = n.FundAirline("air-1", types.Units(10))
	assert.NoError(t, err)
}

func TestNode_RequestStatusUnknownFlight(t *testing.T) {
	n := newTestNode(t)

	_, err := n.RequestFlightStatus(
		flight.Key{Airline: "air-1", Name: "ghost"},
		"pass-1",
	)
	assert.ErrorIs(t, err, flight.ErrNotFound)
}

// Walks the full lifecycle: consortium bootstrap, flight registration,
// insurance purchase, oracle consensus on a late flight, payout, and
// withdrawal.
func TestNode_EndToEnd(t *testing.T) {
	n := newTestNode(t)

	// Fund the genesis airline and admit a second one
	_, err := n.FundAirline("air-1", types.Units(10))
	require.NoError(t, err)
	a2, err := n.RegisterAirline("air-2", "Air 2", "air-1")
	require.NoError(t, err)
	assert.True(t, a2.Registered)
	_, err = n.FundAirline("air-2", types.Units(10))
	require.NoError(t, err)

	// Air 2 offers a flight
	f, err := n.RegisterFlight("F100", testTimestamp, "air-2")
	require.NoError(t, err)

	// A passenger insures half a unit
	insured, refund, err := n.BuyInsurance(
		f.Key,
		"pass-1",
		types.Units(1)/2,
	)
	require.NoError(t, err)
	assert.Equal(t, types.Units(1)/2, insured)
	assert.Equal(t, types.Amount(0), refund)

	// A pool of oracles registers
	var oracleIDs []types.AccountID
	for i := 1; i <= 20; i++ {
		id := types.AccountID(fmt.Sprintf("orc-%d", i))
		_, err := n.RegisterOracle(id, oracle.RegistrationFee)
		require.NoError(t, err)
		oracleIDs = append(oracleIDs, id)
	}
	assert.Equal(t, 20, n.OracleCount())

	// Request status and reach quorum on "late due to airline"
	index, err := n.RequestFlightStatus(f.Key, "pass-1")
	require.NoError(t, err)
	for _, id := range oracleIDs[:oracle.Quorum] {
		require.NoError(
			t,
			n.SubmitOracleResponse(
				id,
				index,
				f.Key,
				flight.StatusLateAirline,
			),
		)
	}

	// Status is finalized and the policy settled at 1.5x
	got, err := n.Flight(f.Key)
	require.NoError(t, err)
	assert.Equal(t, flight.StatusLateAirline, got.Status)
	assert.Equal(t, types.Amount(0), n.InsuredAmount(f.Key, "pass-1"))
	expectedCredit := types.Units(1)/2 + types.Units(1)/4
	assert.Equal(t, expectedCredit, n.Balance("pass-1"))

	// The passenger pulls their payout
	var transferred types.Amount
	amount, err := n.Withdraw("pass-1", func(a types.Amount) error {
		transferred = a
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, expectedCredit, amount)
	assert.Equal(t, expectedCredit, transferred)
	assert.Equal(t, types.Amount(0), n.Balance("pass-1"))

	// The audit log saw the whole story (appends are asynchronous)
	assert.Eventually(t, func() bool {
		entries, err := n.AuditEntries()
		return err == nil && len(entries) >= 10
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_StateSurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()
	opts := []ConfigOptionFunc{
		WithOwner("owner"),
		WithFirstAirline("air-1", "Air 1"),
		WithDataDir(dataDir),
		WithPrometheusRegistry(prometheus.NewRegistry()),
		WithIndexSource(&testIndexSource{}),
	}

	n, err := New(NewConfig(opts...))
	require.NoError(t, err)
	_, err = n.FundAirline("air-1", types.Units(10))
	require.NoError(t, err)
	_, err = n.RegisterAirline("air-2", "Air 2", "air-1")
	require.NoError(t, err)
	f, err := n.RegisterFlight("F100", testTimestamp, "air-1")
	require.NoError(t, err)
	_, _, err = n.BuyInsurance(f.Key, "pass-1", types.Units(1))
	require.NoError(t, err)
	_, err = n.RegisterOracle("orc-1", oracle.RegistrationFee)
	require.NoError(t, err)
	require.NoError(t, n.Stop())

	n2, err := New(NewConfig(append(
		opts,
		WithPrometheusRegistry(prometheus.NewRegistry()),
	)...))
	require.NoError(t, err)
	defer n2.Stop()

	a, err := n2.Airline("air-1")
	require.NoError(t, err)
	assert.Equal(t, registry.Airline{
		ID:           "air-1",
		Name:         "Air 1",
		Contribution: types.Units(10),
		Registered:   true,
		Funded:       true,
	}, a)
	assert.True(t, n2.flights.Exists(f.Key))
	assert.Equal(t, types.Units(1), n2.InsuredAmount(f.Key, "pass-1"))
	assert.Equal(t, 1, n2.OracleCount())
	indexes, err := n2.OracleIndexes("orc-1")
	require.NoError(t, err)
	assert.Equal(t, [3]uint8{0, 1, 2}, indexes)
}
