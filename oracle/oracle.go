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
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openskies-io/surety/event"
	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	RequestEventType   event.EventType = "oracle.request"
	ReportEventType    event.EventType = "oracle.report"
	FinalizedEventType event.EventType = "oracle.finalized"
)

// Quorum is the number of distinct oracles that must agree on a status code
// before it is finalized.
const Quorum = 3

// IndexCount is the number of distinct request indexes (0..IndexCount-1).
const IndexCount = 10

// RegistrationFee is the minimum fee an oracle pays to register.
var RegistrationFee = types.Units(1)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrUnauthorized  = errors.New("oracle does not hold the request index")
	ErrNotRegistered = errors.New("oracle is not registered")
	ErrNotFound      = errors.New("no open request for flight")
	ErrInvalidStatus = errors.New("invalid status code")
)

type RequestEvent struct {
	Flight    flight.Key
	Index     uint8
	Requester types.AccountID
}

type ReportEvent struct {
	Flight flight.Key
	Oracle types.AccountID
	Status flight.StatusCode
	Count  int
}

type FinalizedEvent struct {
	Flight flight.Key
	Status flight.StatusCode
}

// StatusSetter records a finalized flight status. Satisfied by
// flight.Registry.
type StatusSetter interface {
	SetStatus(flight.Key, flight.StatusCode) error
}

// Settler closes out insurance policies for a finalized flight. Satisfied by
// insurance.Pool.
type Settler interface {
	Settle(flight.Key, flight.StatusCode)
}

// IndexSource assigns oracle indexes and picks the index for a status
// request. Pluggable so tests and the simulator can force deterministic
// assignments.
type IndexSource interface {
	OracleIndexes(id types.AccountID) [3]uint8
	RequestIndex(requester types.AccountID) uint8
}

// fnvIndexSource derives indexes by hashing the account with a process-wide
// nonce. Not cryptographic; unpredictable enough to spread requests across
// the oracle pool.
type fnvIndexSource struct {
	nonce atomic.Uint64
}

func (s *fnvIndexSource) sum(id types.AccountID) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	nonce := s.nonce.Add(1)
	h.Write([]byte{
		byte(nonce),
		byte(nonce >> 8),
		byte(nonce >> 16),
		byte(nonce >> 24),
	})
	return h.Sum64()
}

func (s *fnvIndexSource) OracleIndexes(id types.AccountID) [3]uint8 {
	sum := s.sum(id)
	return [3]uint8{
		uint8(sum % IndexCount),
		uint8((sum / IndexCount) % IndexCount),
		uint8((sum / (IndexCount * IndexCount)) % IndexCount),
	}
}

func (s *fnvIndexSource) RequestIndex(requester types.AccountID) uint8 {
	return uint8(s.sum(requester) % IndexCount)
}

type oracle struct {
	indexes [3]uint8
	fee     types.Amount
}

func (o *oracle) holdsIndex(index uint8) bool {
	for _, idx := range o.indexes {
		if idx == index {
			return true
		}
	}
	return false
}

type request struct {
	index     uint8
	open      bool
	responses map[flight.StatusCode]map[types.AccountID]struct{}
	responded map[types.AccountID]struct{}
}

type ConsensusConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Flights      StatusSetter
	Settler      Settler
	IndexSource  IndexSource
}

// Consensus manages oracle registration, status requests, and quorum over
// oracle responses.
type Consensus struct {
	config   ConsensusConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	flights  StatusSetter
	settler  Settler
	source   IndexSource
	oracles  map[types.AccountID]*oracle
	requests map[flight.Key]*request
	metrics  struct {
		oracles        prometheus.Gauge
		requestsTotal  prometheus.Counter
		reportsTotal   prometheus.Counter
		finalizedTotal prometheus.Counter
	}
	mu sync.Mutex
}

func NewConsensus(config ConsensusConfig) *Consensus {
	c := &Consensus{
		config:   config,
		eventBus: config.EventBus,
		flights:  config.Flights,
		settler:  config.Settler,
		source:   config.IndexSource,
		oracles:  make(map[types.AccountID]*oracle),
		requests: make(map[flight.Key]*request),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		c.logger = config.Logger
	}
	if c.source == nil {
		c.source = &fnvIndexSource{}
	}
	promautoFactory := promauto.With(config.PromRegistry)
	c.metrics.oracles = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "surety_oracles",
		Help: "current count of registered oracles",
	})
	c.metrics.requestsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "surety_oracle_requests_total",
			Help: "total status requests opened",
		},
	)
	c.metrics.reportsTotal = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "surety_oracle_reports_total",
		Help: "total accepted oracle responses",
	})
	c.metrics.finalizedTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "surety_oracle_finalized_total",
			Help: "total flight statuses finalized by quorum",
		},
	)
	return c
}

// RegisterOracle admits the caller as an oracle and assigns it three request
// indexes. The fee must be at least RegistrationFee. Registering twice is a
// no-op that returns the original indexes.
func (c *Consensus) RegisterOracle(
	caller types.AccountID,
	fee types.Amount,
) ([3]uint8, error) {
	if fee < RegistrationFee {
		return [3]uint8{}, ErrInvalidAmount
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.oracles[caller]; ok {
		return o.indexes, nil
	}
	o := &oracle{
		indexes: c.source.OracleIndexes(caller),
		fee:     fee,
	}
	c.oracles[caller] = o
	c.metrics.oracles.Inc()
	c.logger.Info(
		"oracle registered",
		"component", "oracle",
		"oracle", caller,
		"indexes", o.indexes,
	)
	return o.indexes, nil
}

// Indexes returns the caller's assigned request indexes.
func (c *Consensus) Indexes(caller types.AccountID) ([3]uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.oracles[caller]
	if !ok {
		return [3]uint8{}, ErrNotRegistered
	}
	return o.indexes, nil
}

// Count returns the number of registered oracles.
func (c *Consensus) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.oracles)
}

// RequestStatus opens a status request for the flight and returns the index
// oracles must hold to respond. A new request replaces any earlier request
// for the same flight, including one already finalized.
func (c *Consensus) RequestStatus(
	key flight.Key,
	requester types.AccountID,
) (uint8, error) {
	c.mu.Lock()
	index := c.source.RequestIndex(requester)
	c.requests[key] = &request{
		index:     index,
		open:      true,
		responses: make(map[flight.StatusCode]map[types.AccountID]struct{}),
		responded: make(map[types.AccountID]struct{}),
	}
	c.metrics.requestsTotal.Inc()
	c.mu.Unlock()
	c.logger.Info(
		"status requested",
		"component", "oracle",
		"flight", key.String(),
		"index", index,
	)
	c.publish(
		RequestEventType,
		RequestEvent{
			Flight:    key,
			Index:     index,
			Requester: requester,
		},
	)
	return index, nil
}

// OpenRequest returns the index of the flight's open request, if any.
func (c *Consensus) OpenRequest(key flight.Key) (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[key]
	if !ok || !req.open {
		return 0, false
	}
	return req.index, true
}

// SubmitResponse records an oracle's status report for an open request. The
// caller must be a registered oracle holding the request's index. The third
// distinct oracle to agree on a status code finalizes it: the flight status
// is recorded and policies are settled before SubmitResponse returns.
// Responses arriving after finalization are accepted and discarded.
func (c *Consensus) SubmitResponse(
	caller types.AccountID,
	index uint8,
	key flight.Key,
	status flight.StatusCode,
) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	c.mu.Lock()
	o, ok := c.oracles[caller]
	if !ok {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	if !o.holdsIndex(index) {
		c.mu.Unlock()
		return ErrUnauthorized
	}
	req, ok := c.requests[key]
	if !ok || req.index != index {
		c.mu.Unlock()
		return ErrNotFound
	}
	if !req.open {
		// Quorum was already reached; late responses are harmless
		c.mu.Unlock()
		return nil
	}
	if _, seen := req.responded[caller]; seen {
		c.mu.Unlock()
		return nil
	}
	req.responded[caller] = struct{}{}
	agreeing, ok := req.responses[status]
	if !ok {
		agreeing = make(map[types.AccountID]struct{})
		req.responses[status] = agreeing
	}
	agreeing[caller] = struct{}{}
	count := len(agreeing)
	final := count >= Quorum
	if final {
		req.open = false
	}
	c.metrics.reportsTotal.Inc()
	c.mu.Unlock()
	c.logger.Debug(
		"oracle response",
		"component", "oracle",
		"flight", key.String(),
		"oracle", caller,
		"status", uint(status),
		"count", count,
	)
	c.publish(
		ReportEventType,
		ReportEvent{
			Flight: key,
			Oracle: caller,
			Status: status,
			Count:  count,
		},
	)
	if final {
		c.finalize(key, status)
	}
	return nil
}

// finalize records the agreed status and settles policies. Called outside
// the consensus lock; the request is already closed so a racing response
// cannot finalize twice.
func (c *Consensus) finalize(key flight.Key, status flight.StatusCode) {
	c.metrics.finalizedTotal.Inc()
	c.logger.Info(
		"status finalized",
		"component", "oracle",
		"flight", key.String(),
		"status", uint(status),
	)
	if c.flights != nil {
		if err := c.flights.SetStatus(key, status); err != nil {
			c.logger.Error(
				"failed to record finalized status",
				"component", "oracle",
				"flight", key.String(),
				"error", err,
			)
		}
	}
	if c.settler != nil {
		c.settler.Settle(key, status)
	}
	c.publish(
		FinalizedEventType,
		FinalizedEvent{
			Flight: key,
			Status: status,
		},
	)
}

// Oracles returns a snapshot of registered oracle IDs and their indexes.
func (c *Consensus) Oracles() map[types.AccountID][3]uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make(map[types.AccountID][3]uint8, len(c.oracles))
	for id, o := range c.oracles {
		ret[id] = o.indexes
	}
	return ret
}

// Restore loads a previously snapshotted oracle without emitting events.
func (c *Consensus) Restore(id types.AccountID, indexes [3]uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.oracles[id]; !ok {
		c.metrics.oracles.Inc()
	}
	c.oracles[id] = &oracle{
		indexes: indexes,
		fee:     RegistrationFee,
	}
}

func (c *Consensus) publish(eventType event.EventType, data any) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}
