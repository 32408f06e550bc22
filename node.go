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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openskies-io/surety/database"
	"github.com/openskies-io/surety/event"
	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/insurance"
	"github.com/openskies-io/surety/oracle"
	"github.com/openskies-io/surety/payout"
	"github.com/openskies-io/surety/registry"
	"github.com/openskies-io/surety/types"
)

var (
	// ErrNotOperational is returned by all mutating operations while the
	// node is paused.
	ErrNotOperational = errors.New("node is not operational")
	// ErrNotOwner is returned when a non-owner tries to change the
	// operational flag.
	ErrNotOwner = errors.New("caller is not the owner")
)

// auditEventTypes is every domain event recorded in the audit log.
var auditEventTypes = []event.EventType{
	registry.AirlineRegisteredEventType,
	registry.AirlineVoteEventType,
	registry.AirlineFundedEventType,
	flight.FlightRegisteredEventType,
	flight.FlightStatusEventType,
	insurance.PurchasedEventType,
	insurance.PayoutEventType,
	payout.WithdrawnEventType,
	oracle.RequestEventType,
	oracle.ReportEventType,
	oracle.FinalizedEventType,
}

// Node wires the registries, insurance pool, payout ledger, and oracle
// consensus together behind a single operational facade. Every mutation
// goes through the facade so persistence and the operational pause are
// applied uniformly.
type Node struct {
	eventBus      *event.EventBus
	db            *database.Store
	auditLog      *database.AuditLog
	airlines      *registry.Registry
	flights       *flight.Registry
	insurance     *insurance.Pool
	payouts       *payout.Ledger
	oracles       *oracle.Consensus
	shutdownFuncs []func(context.Context) error
	config        Config
	operational   bool
	opMutex       sync.RWMutex
	done          chan struct{}
	shutdownOnce  sync.Once
}

func New(cfg Config) (*Node, error) {
	eventBus := event.NewEventBus(cfg.promRegistry)
	n := &Node{
		config:      cfg,
		eventBus:    eventBus,
		operational: true,
		done:        make(chan struct{}),
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	// Configure tracing
	if cfg.tracing {
		if err := n.setupTracing(); err != nil {
			return nil, err
		}
	}
	// Load state database
	db, err := database.New(cfg.dataDir, cfg.logger, cfg.promRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	// Load audit log
	if !cfg.auditDisabled {
		auditLog, err := database.NewAuditLog(cfg.dataDir, cfg.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		n.auditLog = auditLog
		for _, eventType := range auditEventTypes {
			n.eventBus.SubscribeFunc(eventType, n.handleAuditEvent)
		}
	}
	// Load airline registry
	n.airlines = registry.NewRegistry(registry.RegistryConfig{
		Logger:       cfg.logger,
		EventBus:     n.eventBus,
		PromRegistry: cfg.promRegistry,
	})
	// Load flight registry
	n.flights = flight.NewRegistry(flight.RegistryConfig{
		Logger:       cfg.logger,
		EventBus:     n.eventBus,
		PromRegistry: cfg.promRegistry,
		Authorizer:   n.airlines,
	})
	// Load payout ledger
	n.payouts = payout.NewLedger(payout.LedgerConfig{
		Logger:       cfg.logger,
		EventBus:     n.eventBus,
		PromRegistry: cfg.promRegistry,
	})
	// Load insurance pool
	n.insurance = insurance.NewPool(insurance.PoolConfig{
		Logger:       cfg.logger,
		EventBus:     n.eventBus,
		PromRegistry: cfg.promRegistry,
		Flights:      n.flights,
		Creditor:     n.payouts,
	})
	// Load oracle consensus
	n.oracles = oracle.NewConsensus(oracle.ConsensusConfig{
		Logger:       cfg.logger,
		EventBus:     n.eventBus,
		PromRegistry: cfg.promRegistry,
		Flights:      n.flights,
		Settler:      n.insurance,
		IndexSource:  cfg.indexSource,
	})
	// Restore persisted state
	if err := n.restore(); err != nil {
		return nil, fmt.Errorf("failed to restore state: %w", err)
	}
	// Seed the first airline
	if n.airlines.Count() == 0 {
		n.airlines.Seed(cfg.firstAirlineID, cfg.firstAirlineName)
		a, err := n.airlines.Airline(cfg.firstAirlineID)
		if err != nil {
			return nil, err
		}
		if err := n.db.SaveAirline(a, nil); err != nil {
			return nil, fmt.Errorf("failed to persist first airline: %w", err)
		}
	}
	return n, nil
}

// restore reloads all persisted state into the in-memory components.
func (n *Node) restore() error {
	airlines, voters, err := n.db.LoadAirlines()
	if err != nil {
		return err
	}
	for _, a := range airlines {
		n.airlines.Restore(a, voters[a.ID])
	}
	flights, err := n.db.LoadFlights()
	if err != nil {
		return err
	}
	for _, f := range flights {
		n.flights.Restore(f)
	}
	policies, err := n.db.LoadPolicies()
	if err != nil {
		return err
	}
	for _, p := range policies {
		n.insurance.Restore(p)
	}
	credits, err := n.db.LoadCredits()
	if err != nil {
		return err
	}
	for passenger, amount := range credits {
		n.payouts.Restore(passenger, amount)
	}
	oracles, err := n.db.LoadOracles()
	if err != nil {
		return err
	}
	for id, indexes := range oracles {
		n.oracles.Restore(id, indexes)
	}
	return nil
}

func (n *Node) handleAuditEvent(evt event.Event) {
	if err := n.auditLog.Append(evt); err != nil {
		n.config.logger.Error(
			"failed to append audit entry",
			"component", "node",
			"type", string(evt.Type),
			"error", err,
		)
	}
}

// Run blocks until the node is stopped.
func (n *Node) Run() error {
	<-n.done
	return nil
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		30*time.Second,
	)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	if n.eventBus != nil {
		n.eventBus.Stop()
	}

	if n.auditLog != nil {
		if closeErr := n.auditLog.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("audit log close: %w", closeErr))
		}
	}

	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}

	// Call registered shutdown functions
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}

// SetOperational pauses or resumes all mutating operations. Only the owner
// may change the flag.
func (n *Node) SetOperational(
	caller types.AccountID,
	operational bool,
) error {
	if caller != n.config.owner {
		return ErrNotOwner
	}
	n.opMutex.Lock()
	defer n.opMutex.Unlock()
	n.operational = operational
	n.config.logger.Info(
		"operational flag changed",
		"component", "node",
		"operational", operational,
	)
	return nil
}

func (n *Node) IsOperational() bool {
	n.opMutex.RLock()
	defer n.opMutex.RUnlock()
	return n.operational
}

func (n *Node) requireOperational() error {
	if !n.IsOperational() {
		return ErrNotOperational
	}
	return nil
}

// RegisterAirline records an admission attempt for candidate by caller.
func (n *Node) RegisterAirline(
	candidate types.AccountID,
	name string,
	caller types.AccountID,
) (registry.Airline, error) {
	if err := n.requireOperational(); err != nil {
		return registry.Airline{}, err
	}
	a, err := n.airlines.Register(candidate, name, caller)
	if err != nil {
		return registry.Airline{}, err
	}
	if err := n.db.SaveAirline(a, n.airlines.Voters(candidate)); err != nil {
		return a, fmt.Errorf("failed to persist airline: %w", err)
	}
	return a, nil
}

// FundAirline adds amount to the caller's consortium contribution.
func (n *Node) FundAirline(
	caller types.AccountID,
	amount types.Amount,
) (registry.Airline, error) {
	if err := n.requireOperational(); err != nil {
		return registry.Airline{}, err
	}
	a, err := n.airlines.Fund(caller, amount)
	if err != nil {
		return registry.Airline{}, err
	}
	if err := n.db.SaveAirline(a, n.airlines.Voters(caller)); err != nil {
		return a, fmt.Errorf("failed to persist airline: %w", err)
	}
	return a, nil
}

// RegisterFlight creates an insurable flight for the calling airline.
func (n *Node) RegisterFlight(
	name string,
	timestamp int64,
	caller types.AccountID,
) (flight.Flight, error) {
	if err := n.requireOperational(); err != nil {
		return flight.Flight{}, err
	}
	f, err := n.flights.Register(name, timestamp, caller)
	if err != nil {
		return flight.Flight{}, err
	}
	if err := n.db.SaveFlight(f); err != nil {
		return f, fmt.Errorf("failed to persist flight: %w", err)
	}
	return f, nil
}

// BuyInsurance insures passenger on the flight for up to one unit of
// premium. Any amount paid beyond the cap is returned as refund.
func (n *Node) BuyInsurance(
	key flight.Key,
	passenger types.AccountID,
	paid types.Amount,
) (insured types.Amount, refund types.Amount, err error) {
	if err := n.requireOperational(); err != nil {
		return 0, 0, err
	}
	insured, refund, err = n.insurance.Buy(key, passenger, paid)
	if err != nil {
		return 0, 0, err
	}
	saveErr := n.db.SavePolicy(insurance.Policy{
		Flight:    key,
		Passenger: passenger,
		Premium:   insured,
	})
	if saveErr != nil {
		return insured, refund, fmt.Errorf(
			"failed to persist policy: %w",
			saveErr,
		)
	}
	return insured, refund, nil
}

// InsuredAmount returns the premium the passenger holds on the flight.
func (n *Node) InsuredAmount(
	key flight.Key,
	passenger types.AccountID,
) types.Amount {
	return n.insurance.InsuredAmount(key, passenger)
}

// Balance returns the passenger's withdrawable payout credit.
func (n *Node) Balance(passenger types.AccountID) types.Amount {
	return n.payouts.Balance(passenger)
}

// Withdraw zeroes the passenger's payout credit and invokes transfer with
// the withdrawn amount.
func (n *Node) Withdraw(
	passenger types.AccountID,
	transfer payout.TransferFunc,
) (types.Amount, error) {
	if err := n.requireOperational(); err != nil {
		return 0, err
	}
	amount, err := n.payouts.Withdraw(passenger, transfer)
	if err != nil {
		return 0, err
	}
	saveErr := n.db.SaveCredit(passenger, n.payouts.Balance(passenger))
	if saveErr != nil {
		return amount, fmt.Errorf("failed to persist credit: %w", saveErr)
	}
	return amount, nil
}

// RegisterOracle admits the caller as an oracle.
func (n *Node) RegisterOracle(
	caller types.AccountID,
	fee types.Amount,
) ([3]uint8, error) {
	if err := n.requireOperational(); err != nil {
		return [3]uint8{}, err
	}
	indexes, err := n.oracles.RegisterOracle(caller, fee)
	if err != nil {
		return [3]uint8{}, err
	}
	if err := n.db.SaveOracle(caller, indexes); err != nil {
		return indexes, fmt.Errorf("failed to persist oracle: %w", err)
	}
	return indexes, nil
}

// OracleIndexes returns the caller's assigned request indexes.
func (n *Node) OracleIndexes(caller types.AccountID) ([3]uint8, error) {
	return n.oracles.Indexes(caller)
}

// RequestFlightStatus opens an oracle status request for the flight.
func (n *Node) RequestFlightStatus(
	key flight.Key,
	requester types.AccountID,
) (uint8, error) {
	if err := n.requireOperational(); err != nil {
		return 0, err
	}
	if !n.flights.Exists(key) {
		return 0, flight.ErrNotFound
	}
	return n.oracles.RequestStatus(key, requester)
}

// SubmitOracleResponse records an oracle's status report. If the report
// completes a quorum the flight status is finalized and policies settle
// before this returns.
func (n *Node) SubmitOracleResponse(
	caller types.AccountID,
	index uint8,
	key flight.Key,
	status flight.StatusCode,
) error {
	if err := n.requireOperational(); err != nil {
		return err
	}
	if err := n.oracles.SubmitResponse(caller, index, key, status); err != nil {
		return err
	}
	// Finalization happens synchronously inside SubmitResponse, so persist
	// the resulting state if the request just closed
	if _, open := n.oracles.OpenRequest(key); !open {
		f, err := n.flights.Get(key)
		if err != nil {
			return err
		}
		if err := n.db.SaveFlight(f); err != nil {
			return fmt.Errorf("failed to persist flight: %w", err)
		}
		if err := n.db.DeletePolicies(key); err != nil {
			return fmt.Errorf("failed to remove settled policies: %w", err)
		}
		for passenger, amount := range n.payouts.Credits() {
			if err := n.db.SaveCredit(passenger, amount); err != nil {
				return fmt.Errorf("failed to persist credit: %w", err)
			}
		}
	}
	return nil
}

// Airline returns a snapshot of one airline.
func (n *Node) Airline(id types.AccountID) (registry.Airline, error) {
	return n.airlines.Airline(id)
}

// Airlines returns a snapshot of every known airline.
func (n *Node) Airlines() []registry.Airline {
	return n.airlines.Airlines()
}

// Flight returns a snapshot of one flight.
func (n *Node) Flight(key flight.Key) (flight.Flight, error) {
	return n.flights.Get(key)
}

// Flights returns a snapshot of every registered flight.
func (n *Node) Flights() []flight.Flight {
	return n.flights.Flights()
}

// OracleCount returns the number of registered oracles.
func (n *Node) OracleCount() int {
	return n.oracles.Count()
}

// EventBus returns the node's event bus for external subscribers.
func (n *Node) EventBus() *event.EventBus {
	return n.eventBus
}

// AuditEntries returns the recorded audit log entries in order.
func (n *Node) AuditEntries() ([]database.AuditEntry, error) {
	if n.auditLog == nil {
		return nil, nil
	}
	return n.auditLog.Entries()
}
