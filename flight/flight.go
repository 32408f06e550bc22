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

package flight

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/openskies-io/surety/event"
	"github.com/openskies-io/surety/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	FlightRegisteredEventType event.EventType = "flight.registered"
	FlightStatusEventType     event.EventType = "flight.status"
)

var (
	ErrUnauthorized  = errors.New("caller is not a funded airline")
	ErrAlreadyExists = errors.New("flight already registered")
	ErrNotFound      = errors.New("flight not found")
)

// StatusCode is a flight status as reported by oracles.
type StatusCode uint

const (
	StatusUnknown       StatusCode = 0
	StatusOnTime        StatusCode = 10
	StatusLateAirline   StatusCode = 20
	StatusLateWeather   StatusCode = 30
	StatusLateTechnical StatusCode = 40
	StatusLateOther     StatusCode = 50
)

// Valid returns true for the known status codes.
func (s StatusCode) Valid() bool {
	switch s {
	case StatusUnknown, StatusOnTime, StatusLateAirline,
		StatusLateWeather, StatusLateTechnical, StatusLateOther:
		return true
	default:
		return false
	}
}

// Key identifies a flight. It is immutable once the flight is created.
type Key struct {
	Airline   types.AccountID
	Name      string
	Timestamp int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%d", k.Airline, k.Name, k.Timestamp)
}

type Flight struct {
	Key    Key
	Status StatusCode
}

type FlightRegisteredEvent struct {
	Key Key
}

type FlightStatusEvent struct {
	Key    Key
	Status StatusCode
}

// Authorizer reports whether an account is a funded airline. Satisfied by
// registry.Registry.
type Authorizer interface {
	IsFunded(types.AccountID) bool
}

type RegistryConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Authorizer   Authorizer
}

// Registry is the catalog of insurable flights.
type Registry struct {
	config   RegistryConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	auth     Authorizer
	flights  map[Key]*Flight
	metrics  struct {
		flights       prometheus.Gauge
		statusUpdates prometheus.Counter
	}
	mu sync.RWMutex
}

func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{
		config:   config,
		eventBus: config.EventBus,
		auth:     config.Authorizer,
		flights:  make(map[Key]*Flight),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		r.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	r.metrics.flights = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "surety_flights",
		Help: "current count of registered flights",
	})
	r.metrics.statusUpdates = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "surety_flight_status_updates_total",
		Help: "total flight status finalizations",
	})
	return r
}

// Register creates a flight keyed by (caller, name, timestamp) with status
// unknown. Only funded airlines may register flights.
func (r *Registry) Register(
	name string,
	timestamp int64,
	caller types.AccountID,
) (Flight, error) {
	if r.auth == nil || !r.auth.IsFunded(caller) {
		return Flight{}, ErrUnauthorized
	}
	key := Key{
		Airline:   caller,
		Name:      name,
		Timestamp: timestamp,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flights[key]; ok {
		return Flight{}, ErrAlreadyExists
	}
	f := &Flight{
		Key:    key,
		Status: StatusUnknown,
	}
	r.flights[key] = f
	r.metrics.flights.Inc()
	r.logger.Info(
		"flight registered",
		"component", "flight",
		"flight", key.String(),
	)
	r.publish(
		FlightRegisteredEventType,
		FlightRegisteredEvent{Key: key},
	)
	return *f, nil
}

// Get returns the flight for the given key.
func (r *Registry) Get(key Key) (Flight, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flights[key]
	if !ok {
		return Flight{}, ErrNotFound
	}
	return *f, nil
}

// Exists returns true if the flight is registered.
func (r *Registry) Exists(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.flights[key]
	return ok
}

// SetStatus records the finalized status for a flight. This is driven by
// oracle consensus; nothing else mutates a flight after creation.
func (r *Registry) SetStatus(key Key, status StatusCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flights[key]
	if !ok {
		return ErrNotFound
	}
	f.Status = status
	r.metrics.statusUpdates.Inc()
	r.logger.Info(
		"flight status finalized",
		"component", "flight",
		"flight", key.String(),
		"status", uint(status),
	)
	r.publish(
		FlightStatusEventType,
		FlightStatusEvent{
			Key:    key,
			Status: status,
		},
	)
	return nil
}

// Flights returns a snapshot of every registered flight.
func (r *Registry) Flights() []Flight {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]Flight, 0, len(r.flights))
	for _, f := range r.flights {
		ret = append(ret, *f)
	}
	return ret
}

// Restore loads a previously snapshotted flight without emitting events.
func (r *Registry) Restore(f Flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flights[f.Key]; !ok {
		r.metrics.flights.Inc()
	}
	tmpFlight := f
	r.flights[f.Key] = &tmpFlight
}

func (r *Registry) publish(eventType event.EventType, data any) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}
