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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/openskies-io/surety"
	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/insurance"
	"github.com/openskies-io/surety/oracle"
	"github.com/openskies-io/surety/payout"
	"github.com/openskies-io/surety/registry"
	"github.com/openskies-io/surety/types"
)

const apiVersion = "0.1.0"

// writeJSON writes a JSON response with the given status code.
func writeJSON(
	w http.ResponseWriter,
	status int,
	v any,
) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck,errchkjson
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response.
func writeError(
	w http.ResponseWriter,
	status int,
	errStr string,
	message string,
) {
	writeJSON(w, status, ErrorResponse{
		StatusCode: status,
		Error:      errStr,
		Message:    message,
	})
}

// writeDomainError maps domain errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	errStr := "Internal Server Error"
	switch {
	case errors.Is(err, surety.ErrNotOperational):
		status = http.StatusServiceUnavailable
		errStr = "Service Unavailable"
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, flight.ErrNotFound),
		errors.Is(err, insurance.ErrNotFound),
		errors.Is(err, payout.ErrNotFound),
		errors.Is(err, oracle.ErrNotFound):
		status = http.StatusNotFound
		errStr = "Not Found"
	case errors.Is(err, registry.ErrUnauthorized),
		errors.Is(err, flight.ErrUnauthorized),
		errors.Is(err, oracle.ErrUnauthorized),
		errors.Is(err, oracle.ErrNotRegistered),
		errors.Is(err, registry.ErrNotRegistered):
		status = http.StatusForbidden
		errStr = "Forbidden"
	case errors.Is(err, registry.ErrInvalidAmount),
		errors.Is(err, insurance.ErrInvalidAmount),
		errors.Is(err, oracle.ErrInvalidAmount),
		errors.Is(err, oracle.ErrInvalidStatus),
		errors.Is(err, insurance.ErrAlreadyInsured),
		errors.Is(err, flight.ErrAlreadyExists):
		status = http.StatusBadRequest
		errStr = "Bad Request"
	}
	writeError(w, status, errStr, err.Error())
}

func decodeRequest(
	w http.ResponseWriter,
	r *http.Request,
	v any,
) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(
			w,
			http.StatusBadRequest,
			"Bad Request",
			"invalid request body",
		)
		return false
	}
	return true
}

// handleRoot handles GET / and returns API metadata.
func (s *Server) handleRoot(
	w http.ResponseWriter,
	_ *http.Request,
) {
	writeJSON(w, http.StatusOK, RootResponse{
		Service: "surety-sim",
		Version: apiVersion,
	})
}

// handleHealth handles GET /health and returns node health status.
func (s *Server) handleHealth(
	w http.ResponseWriter,
	_ *http.Request,
) {
	writeJSON(w, http.StatusOK, HealthResponse{
		IsHealthy:     true,
		IsOperational: s.node.IsOperational(),
	})
}

// handleSetupAirlines handles POST /v1/setup/airlines. Already-known
// airlines (such as the genesis airline) are only funded; new airlines are
// registered by the first funded consortium member.
func (s *Server) handleSetupAirlines(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req SetupAirlinesRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	resp := SetupAirlinesResponse{}
	for _, entry := range req.Airlines {
		id := types.AccountID(entry.ID)
		known := false
		for _, a := range s.node.Airlines() {
			if a.ID == id {
				known = true
				break
			}
		}
		if !known {
			caller := s.firstFundedAirline()
			if caller == "" {
				writeError(
					w,
					http.StatusConflict,
					"Conflict",
					"no funded airline available to sponsor registration",
				)
				return
			}
			if _, err := s.node.RegisterAirline(id, entry.Name, caller); err != nil {
				writeDomainError(w, err)
				return
			}
			resp.Registered++
		}
		if entry.Fund {
			_, err := s.node.FundAirline(id, registry.FundingThreshold)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			resp.Funded++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) firstFundedAirline() types.AccountID {
	for _, a := range s.node.Airlines() {
		if a.Funded {
			return a.ID
		}
	}
	return ""
}

// handleSetupFlights handles POST /v1/setup/flights.
func (s *Server) handleSetupFlights(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req SetupFlightsRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	resp := SetupFlightsResponse{}
	for _, entry := range req.Flights {
		_, err := s.node.RegisterFlight(
			entry.Name,
			entry.Timestamp,
			types.AccountID(entry.Airline),
		)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp.Registered++
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSetupOracles handles POST /v1/setup/oracles and spins up simulated
// oracles that answer status requests on their own.
func (s *Server) handleSetupOracles(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req SetupOraclesRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Count <= 0 {
		writeError(
			w,
			http.StatusBadRequest,
			"Bad Request",
			"count must be positive",
		)
		return
	}
	if _, err := s.oracles.register(req.Count); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SetupOraclesResponse{
		Registered: s.oracles.count(),
	})
}

// handleBuyInsurance handles POST /v1/insurance.
func (s *Server) handleBuyInsurance(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req BuyInsuranceRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	insured, refund, err := s.node.BuyInsurance(
		req.Flight.key(),
		types.AccountID(req.Passenger),
		types.Amount(req.Amount),
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BuyInsuranceResponse{
		Insured: uint64(insured),
		Refund:  uint64(refund),
	})
}

// flightRefFromQuery extracts a flight reference from query parameters.
func flightRefFromQuery(r *http.Request) (FlightRef, error) {
	timestamp, err := strconv.ParseInt(
		r.URL.Query().Get("timestamp"),
		10,
		64,
	)
	if err != nil {
		return FlightRef{}, errors.New("invalid timestamp")
	}
	return FlightRef{
		Airline:   r.URL.Query().Get("airline"),
		Name:      r.URL.Query().Get("name"),
		Timestamp: timestamp,
	}, nil
}

// handleGetInsurance handles GET /v1/insurance.
func (s *Server) handleGetInsurance(
	w http.ResponseWriter,
	r *http.Request,
) {
	ref, err := flightRefFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	passenger := r.URL.Query().Get("passenger")
	writeJSON(w, http.StatusOK, InsuranceResponse{
		Flight:    ref,
		Passenger: passenger,
		Insured: uint64(
			s.node.InsuredAmount(ref.key(), types.AccountID(passenger)),
		),
		Credit: uint64(s.node.Balance(types.AccountID(passenger))),
	})
}

// handleWithdraw handles POST /v1/withdraw.
func (s *Server) handleWithdraw(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req WithdrawRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	amount, err := s.node.Withdraw(types.AccountID(req.Passenger), nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{
		Amount: uint64(amount),
	})
}

// handleStatusRequest handles POST /v1/status-request.
func (s *Server) handleStatusRequest(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req StatusRequestRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	index, err := s.node.RequestFlightStatus(
		req.Flight.key(),
		types.AccountID(req.Requester),
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusRequestResponse{
		Index: index,
	})
}

// handleFlightStatus handles GET /v1/flight-status.
func (s *Server) handleFlightStatus(
	w http.ResponseWriter,
	r *http.Request,
) {
	ref, err := flightRefFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	f, err := s.node.Flight(ref.key())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FlightStatusResponse{
		Flight: flightRef(f.Key),
		Status: uint(f.Status),
	})
}
