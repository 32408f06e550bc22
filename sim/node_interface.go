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

package sim

import (
	"github.com/openskies-io/surety/event"
	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/payout"
	"github.com/openskies-io/surety/registry"
	"github.com/openskies-io/surety/types"
)

// Node is the interface the simulation API requires from the node. Satisfied
// by surety.Node.
type Node interface {
	IsOperational() bool
	RegisterAirline(
		candidate types.AccountID,
		name string,
		caller types.AccountID,
	) (registry.Airline, error)
	FundAirline(
		caller types.AccountID,
		amount types.Amount,
	) (registry.Airline, error)
	Airlines() []registry.Airline
	RegisterFlight(
		name string,
		timestamp int64,
		caller types.AccountID,
	) (flight.Flight, error)
	Flight(key flight.Key) (flight.Flight, error)
	BuyInsurance(
		key flight.Key,
		passenger types.AccountID,
		paid types.Amount,
	) (types.Amount, types.Amount, error)
	InsuredAmount(key flight.Key, passenger types.AccountID) types.Amount
	Balance(passenger types.AccountID) types.Amount
	Withdraw(
		passenger types.AccountID,
		transfer payout.TransferFunc,
	) (types.Amount, error)
	RegisterOracle(
		caller types.AccountID,
		fee types.Amount,
	) ([3]uint8, error)
	RequestFlightStatus(
		key flight.Key,
		requester types.AccountID,
	) (uint8, error)
	SubmitOracleResponse(
		caller types.AccountID,
		index uint8,
		key flight.Key,
		status flight.StatusCode,
	) error
	EventBus() *event.EventBus
}
