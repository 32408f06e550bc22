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
	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/types"
)

// FlightRef identifies a flight in API requests and responses.
type FlightRef struct {
	Airline   string `json:"airline"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

func (f FlightRef) key() flight.Key {
	return flight.Key{
		Airline:   types.AccountID(f.Airline),
		Name:      f.Name,
		Timestamp: f.Timestamp,
	}
}

func flightRef(key flight.Key) FlightRef {
	return FlightRef{
		Airline:   string(key.Airline),
		Name:      key.Name,
		Timestamp: key.Timestamp,
	}
}

type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

type RootResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

type HealthResponse struct {
	IsHealthy     bool `json:"is_healthy"`
	IsOperational bool `json:"is_operational"`
}

type SetupAirlinesRequest struct {
	Airlines []SetupAirline `json:"airlines"`
}

type SetupAirline struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Fund bool   `json:"fund"`
}

type SetupAirlinesResponse struct {
	Registered int `json:"registered"`
	Funded     int `json:"funded"`
}

type SetupFlightsRequest struct {
	Flights []FlightRef `json:"flights"`
}

type SetupFlightsResponse struct {
	Registered int `json:"registered"`
}

type SetupOraclesRequest struct {
	Count int `json:"count"`
}

type SetupOraclesResponse struct {
	Registered int `json:"registered"`
}

type BuyInsuranceRequest struct {
	Flight    FlightRef `json:"flight"`
	Passenger string    `json:"passenger"`
	Amount    uint64    `json:"amount"`
}

type BuyInsuranceResponse struct {
	Insured uint64 `json:"insured"`
	Refund  uint64 `json:"refund"`
}

type InsuranceResponse struct {
	Flight    FlightRef `json:"flight"`
	Passenger string    `json:"passenger"`
	Insured   uint64    `json:"insured"`
	Credit    uint64    `json:"credit"`
}

type WithdrawRequest struct {
	Passenger string `json:"passenger"`
}

type WithdrawResponse struct {
	Amount uint64 `json:"amount"`
}

type StatusRequestRequest struct {
	Flight    FlightRef `json:"flight"`
	Requester string    `json:"requester"`
}

type StatusRequestResponse struct {
	Index uint8 `json:"index"`
}

type FlightStatusResponse struct {
	Flight FlightRef `json:"flight"`
	Status uint      `json:"status"`
}
