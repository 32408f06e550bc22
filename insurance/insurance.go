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
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/openskies-io/surety/event"
	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	PurchasedEventType event.EventType = "insurance.purchased"
	PayoutEventType    event.EventType = "insurance.payout"
)

// MaxPremium is the most a passenger can pay for cover on one flight.
var MaxPremium = types.Units(1)

var (
	ErrNotFound       = errors.New("flight not found")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrAlreadyInsured = errors.New("passenger already insured for flight")
)

type PurchasedEvent struct {
	Flight    flight.Key
	Passenger types.AccountID
	Premium   types.Amount
}

type PayoutEvent struct {
	Flight     flight.Key
	Passengers int
	Total      types.Amount
}

// FlightSource reports whether a flight exists. Satisfied by
// flight.Registry.
type FlightSource interface {
	Exists(flight.Key) bool
}

// Creditor receives payout credits for later withdrawal. Satisfied by
// payout.Ledger.
type Creditor interface {
	Credit(types.AccountID, types.Amount)
}

type Policy struct {
	Flight    flight.Key
	Passenger types.AccountID
	Premium   types.Amount
}

type PoolConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Flights      FlightSource
	Creditor     Creditor
}

// Pool tracks insurance policies per flight and settles them when the
// flight's status is finalized.
type Pool struct {
	config   PoolConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	flights  FlightSource
	creditor Creditor
	policies map[flight.Key]map[types.AccountID]types.Amount
	settled  map[flight.Key]struct{}
	metrics  struct {
		policies     prometheus.Gauge
		payoutsTotal prometheus.Counter
	}
	mu sync.Mutex
}

func NewPool(config PoolConfig) *Pool {
	p := &Pool{
		config:   config,
		eventBus: config.EventBus,
		flights:  config.Flights,
		creditor: config.Creditor,
		policies: make(map[flight.Key]map[types.AccountID]types.Amount),
		settled:  make(map[flight.Key]struct{}),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		p.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		p.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	p.metrics.policies = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "surety_policies",
		Help: "current count of active insurance policies",
	})
	p.metrics.payoutsTotal = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "surety_payouts_total",
		Help: "total flight settlements that produced payouts",
	})
	return p
}

// Buy insures passenger on the given flight. The insured premium is capped at
// MaxPremium; anything paid beyond the cap is returned as refund. A passenger
// can hold at most one policy per flight.
func (p *Pool) Buy(
	key flight.Key,
	passenger types.AccountID,
	paid types.Amount,
) (insured types.Amount, refund types.Amount, err error) {
	if p.flights == nil || !p.flights.Exists(key) {
		return 0, 0, ErrNotFound
	}
	if paid == 0 {
		return 0, 0, ErrInvalidAmount
	}
	insured = paid
	if insured > MaxPremium {
		insured = MaxPremium
		refund = paid - MaxPremium
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	holders, ok := p.policies[key]
	if !ok {
		holders = make(map[types.AccountID]types.Amount)
		p.policies[key] = holders
	}
	if _, ok := holders[passenger]; ok {
		return 0, 0, ErrAlreadyInsured
	}
	holders[passenger] = insured
	p.metrics.policies.Inc()
	p.logger.Info(
		"insurance purchased",
		"component", "insurance",
		"flight", key.String(),
		"passenger", passenger,
		"premium", insured.String(),
	)
	p.publish(
		PurchasedEventType,
		PurchasedEvent{
			Flight:    key,
			Passenger: passenger,
			Premium:   insured,
		},
	)
	return insured, refund, nil
}

// InsuredAmount returns the premium the passenger holds on the flight, or
// zero if uninsured.
func (p *Pool) InsuredAmount(
	key flight.Key,
	passenger types.AccountID,
) types.Amount {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policies[key][passenger]
}

// Settle closes out all policies on the flight for the given final status.
// When the airline is at fault each policy holder is credited 1.5x their
// premium; for any other status the policies lapse with no payout. Settling
// is idempotent per flight.
func (p *Pool) Settle(key flight.Key, status flight.StatusCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.settled[key]; done {
		return
	}
	p.settled[key] = struct{}{}
	holders := p.policies[key]
	if len(holders) > 0 {
		p.metrics.policies.Sub(float64(len(holders)))
		delete(p.policies, key)
	}
	if status != flight.StatusLateAirline {
		p.logger.Info(
			"policies lapsed",
			"component", "insurance",
			"flight", key.String(),
			"status", uint(status),
			"policies", len(holders),
		)
		return
	}
	var total types.Amount
	for passenger, premium := range holders {
		// 1.5x the premium, computed in integral micros
		amount := premium + premium/2
		total += amount
		if p.creditor != nil {
			p.creditor.Credit(passenger, amount)
		}
	}
	p.metrics.payoutsTotal.Inc()
	p.logger.Info(
		"policies paid out",
		"component", "insurance",
		"flight", key.String(),
		"passengers", len(holders),
		"total", total.String(),
	)
	p.publish(
		PayoutEventType,
		PayoutEvent{
			Flight:     key,
			Passengers: len(holders),
			Total:      total,
		},
	)
}

// Settled returns true if the flight's policies have been closed out.
func (p *Pool) Settled(key flight.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, done := p.settled[key]
	return done
}

// Policies returns a snapshot of every active policy.
func (p *Pool) Policies() []Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ret []Policy
	for key, holders := range p.policies {
		for passenger, premium := range holders {
			ret = append(ret, Policy{
				Flight:    key,
				Passenger: passenger,
				Premium:   premium,
			})
		}
	}
	return ret
}

// Restore loads a previously snapshotted policy without emitting events.
func (p *Pool) Restore(pol Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	holders, ok := p.policies[pol.Flight]
	if !ok {
		holders = make(map[types.AccountID]types.Amount)
		p.policies[pol.Flight] = holders
	}
	if _, ok := holders[pol.Passenger]; !ok {
		p.metrics.policies.Inc()
	}
	holders[pol.Passenger] = pol.Premium
}

func (p *Pool) publish(eventType event.EventType, data any) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}
