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

package registry

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/openskies-io/surety/event"
	"github.com/openskies-io/surety/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	AirlineRegisteredEventType event.EventType = "airline.registered"
	AirlineVoteEventType       event.EventType = "airline.vote"
	AirlineFundedEventType     event.EventType = "airline.funded"
)

// FundingThreshold is the cumulative contribution at which an airline
// becomes funded.
var FundingThreshold = types.Units(10)

// MultipartyThreshold is the funded-airline count at which admission
// switches from immediate registration to majority voting.
const MultipartyThreshold = 4

var (
	ErrUnauthorized  = errors.New("caller is not a funded airline")
	ErrNotRegistered = errors.New("caller is not a registered airline")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrNotFound      = errors.New("airline not found")
)

type AirlineRegisteredEvent struct {
	Candidate types.AccountID
	Caller    types.AccountID
	Name      string
	Votes     int
}

type AirlineVoteEvent struct {
	Candidate types.AccountID
	Voter     types.AccountID
	Votes     int
}

type AirlineFundedEvent struct {
	Airline      types.AccountID
	Contribution types.Amount
}

// Airline is a read-only snapshot of a consortium member's state.
type Airline struct {
	ID           types.AccountID
	Name         string
	Contribution types.Amount
	Votes        int
	Registered   bool
	Funded       bool
}

type airline struct {
	name         string
	contribution types.Amount
	votes        map[types.AccountID]struct{}
	registered   bool
	funded       bool
}

func (a *airline) snapshot(id types.AccountID) Airline {
	return Airline{
		ID:           id,
		Name:         a.name,
		Contribution: a.contribution,
		Votes:        len(a.votes),
		Registered:   a.registered,
		Funded:       a.funded,
	}
}

type RegistryConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
}

// Registry tracks consortium airlines, their funding status, and the
// multiparty admission votes. All mutations are serialized behind a single
// lock, mirroring a ledger's one-operation-at-a-time execution.
type Registry struct {
	config   RegistryConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	airlines map[types.AccountID]*airline
	metrics  struct {
		airlines      prometheus.Gauge
		fundedAirline prometheus.Gauge
		votesTotal    prometheus.Counter
	}
	mu sync.RWMutex
}

func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{
		config:   config,
		eventBus: config.EventBus,
		airlines: make(map[types.AccountID]*airline),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		r.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	r.metrics.airlines = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "surety_airlines",
		Help: "current count of known airlines",
	})
	r.metrics.fundedAirline = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "surety_airlines_funded",
		Help: "current count of funded airlines",
	})
	r.metrics.votesTotal = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "surety_airline_votes_total",
		Help: "total admission votes recorded",
	})
	return r
}

// Seed creates an airline that is registered but not funded. Used for the
// genesis airline named in the node config.
func (r *Registry) Seed(id types.AccountID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.airlines[id]; ok {
		return
	}
	r.airlines[id] = &airline{
		name:       name,
		registered: true,
		votes:      make(map[types.AccountID]struct{}),
	}
	r.metrics.airlines.Inc()
}

// Register records an admission attempt for candidate by caller.
//
// While fewer than MultipartyThreshold airlines are funded, a funded caller
// registers the candidate immediately with no vote bookkeeping. Once the
// consortium reaches the threshold, each call by a distinct funded caller
// counts as one vote and the candidate is registered when its votes exceed
// half the funded count.
//
// A call where caller == candidate is accepted and creates the candidate's
// record, but is never counted as a vote.
func (r *Registry) Register(
	candidate types.AccountID,
	name string,
	caller types.AccountID,
) (Airline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.airlines[candidate]
	if !ok {
		a = &airline{
			name:  name,
			votes: make(map[types.AccountID]struct{}),
		}
		r.airlines[candidate] = a
		r.metrics.airlines.Inc()
	}
	if caller == candidate {
		// Self-initiated attempt: the record now exists, but a candidate
		// never votes for itself
		r.logger.Debug(
			"self registration attempt",
			"component", "registry",
			"candidate", candidate,
		)
		return a.snapshot(candidate), nil
	}
	c, ok := r.airlines[caller]
	if !ok || !c.funded {
		return Airline{}, ErrUnauthorized
	}
	if a.registered {
		return a.snapshot(candidate), nil
	}
	fundedCount := r.countFunded()
	if fundedCount < MultipartyThreshold {
		r.setRegistered(candidate, a, caller)
		return a.snapshot(candidate), nil
	}
	if _, voted := a.votes[caller]; !voted {
		a.votes[caller] = struct{}{}
		r.metrics.votesTotal.Inc()
		r.logger.Debug(
			"admission vote",
			"component", "registry",
			"candidate", candidate,
			"voter", caller,
			"votes", len(a.votes),
		)
		r.publish(
			AirlineVoteEventType,
			AirlineVoteEvent{
				Candidate: candidate,
				Voter:     caller,
				Votes:     len(a.votes),
			},
		)
	}
	if len(a.votes)*2 > fundedCount {
		r.setRegistered(candidate, a, caller)
	}
	return a.snapshot(candidate), nil
}

func (r *Registry) setRegistered(
	id types.AccountID,
	a *airline,
	caller types.AccountID,
) {
	a.registered = true
	r.logger.Info(
		"airline registered",
		"component", "registry",
		"airline", id,
		"name", a.name,
		"votes", len(a.votes),
	)
	r.publish(
		AirlineRegisteredEventType,
		AirlineRegisteredEvent{
			Candidate: id,
			Caller:    caller,
			Name:      a.name,
			Votes:     len(a.votes),
		},
	)
}

// Fund adds amount to the caller's cumulative contribution. The airline
// becomes funded once the total reaches FundingThreshold; funding is
// monotonic and idempotent past the threshold.
func (r *Registry) Fund(
	caller types.AccountID,
	amount types.Amount,
) (Airline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.airlines[caller]
	if !ok || !a.registered {
		return Airline{}, ErrNotRegistered
	}
	if amount == 0 {
		return Airline{}, ErrInvalidAmount
	}
	a.contribution += amount
	if !a.funded && a.contribution >= FundingThreshold {
		a.funded = true
		r.metrics.fundedAirline.Inc()
		r.logger.Info(
			"airline funded",
			"component", "registry",
			"airline", caller,
			"contribution", a.contribution.String(),
		)
		r.publish(
			AirlineFundedEventType,
			AirlineFundedEvent{
				Airline:      caller,
				Contribution: a.contribution,
			},
		)
	}
	return a.snapshot(caller), nil
}

func (r *Registry) IsRegistered(id types.AccountID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.airlines[id]
	return ok && a.registered
}

func (r *Registry) IsFunded(id types.AccountID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.airlines[id]
	return ok && a.funded
}

// Count returns the number of known airlines, registered or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.airlines)
}

func (r *Registry) CountFunded() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countFunded()
}

func (r *Registry) countFunded() int {
	count := 0
	for _, a := range r.airlines {
		if a.funded {
			count++
		}
	}
	return count
}

// Votes returns the number of distinct admission votes recorded for
// candidate.
func (r *Registry) Votes(candidate types.AccountID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.airlines[candidate]
	if !ok {
		return 0
	}
	return len(a.votes)
}

func (r *Registry) HasVoted(candidate, voter types.AccountID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.airlines[candidate]
	if !ok {
		return false
	}
	_, voted := a.votes[voter]
	return voted
}

// Airline returns a snapshot of the airline's state.
func (r *Registry) Airline(id types.AccountID) (Airline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.airlines[id]
	if !ok {
		return Airline{}, ErrNotFound
	}
	return a.snapshot(id), nil
}

// Airlines returns a snapshot of every known airline.
func (r *Registry) Airlines() []Airline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]Airline, 0, len(r.airlines))
	for id, a := range r.airlines {
		ret = append(ret, a.snapshot(id))
	}
	return ret
}

// Restore loads a previously snapshotted airline, including its recorded
// voters. Used by the database package when reloading state; emits no events.
func (r *Registry) Restore(a Airline, voters []types.AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &airline{
		name:         a.Name,
		contribution: a.Contribution,
		registered:   a.Registered,
		funded:       a.Funded,
		votes:        make(map[types.AccountID]struct{}),
	}
	for _, voter := range voters {
		entry.votes[voter] = struct{}{}
	}
	prev, existed := r.airlines[a.ID]
	if !existed {
		r.metrics.airlines.Inc()
	}
	r.airlines[a.ID] = entry
	switch {
	case entry.funded && (!existed || !prev.funded):
		r.metrics.fundedAirline.Inc()
	case !entry.funded && existed && prev.funded:
		r.metrics.fundedAirline.Dec()
	}
}

// Voters returns the distinct funded airlines that have voted to admit
// candidate.
func (r *Registry) Voters(candidate types.AccountID) []types.AccountID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.airlines[candidate]
	if !ok {
		return nil
	}
	ret := make([]types.AccountID, 0, len(a.votes))
	for voter := range a.votes {
		ret = append(ret, voter)
	}
	return ret
}

func (r *Registry) publish(eventType event.EventType, data any) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}
