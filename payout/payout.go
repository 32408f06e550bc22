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

package payout

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

const WithdrawnEventType event.EventType = "payout.withdrawn"

var ErrNotFound = errors.New("no withdrawable credit")

// TransferFunc moves funds out of the system. It is supplied by the caller
// at withdrawal time; the core never pushes funds on its own.
type TransferFunc func(types.Amount) error

type WithdrawnEvent struct {
	Passenger types.AccountID
	Amount    types.Amount
}

type LedgerConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
}

// Ledger holds each passenger's withdrawable credit. Credits are pull
// payments: they sit here until the passenger explicitly withdraws.
type Ledger struct {
	config   LedgerConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	credits  map[types.AccountID]types.Amount
	metrics  struct {
		outstanding      prometheus.Gauge
		withdrawalsTotal prometheus.Counter
	}
	mu sync.Mutex
}

func NewLedger(config LedgerConfig) *Ledger {
	l := &Ledger{
		config:   config,
		eventBus: config.EventBus,
		credits:  make(map[types.AccountID]types.Amount),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		l.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	l.metrics.outstanding = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "surety_payout_outstanding_micros",
		Help: "total unwithdrawn payout credit in micros",
	})
	l.metrics.withdrawalsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "surety_payout_withdrawals_total",
			Help: "total completed withdrawals",
		},
	)
	return l
}

// Credit adds amount to the passenger's withdrawable balance.
func (l *Ledger) Credit(passenger types.AccountID, amount types.Amount) {
	if amount == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits[passenger] += amount
	l.metrics.outstanding.Add(float64(amount))
	l.logger.Debug(
		"payout credited",
		"component", "payout",
		"passenger", passenger,
		"amount", amount.String(),
	)
}

// Balance returns the passenger's current withdrawable credit.
func (l *Ledger) Balance(passenger types.AccountID) types.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credits[passenger]
}

// Withdraw zeroes the passenger's balance and then invokes transfer with the
// withdrawn amount. The balance is always zeroed before the transfer is
// attempted so re-entrant calls cannot withdraw the same credit twice. If
// transfer fails the amount is credited back and the error returned.
func (l *Ledger) Withdraw(
	passenger types.AccountID,
	transfer TransferFunc,
) (types.Amount, error) {
	l.mu.Lock()
	amount, ok := l.credits[passenger]
	if !ok || amount == 0 {
		l.mu.Unlock()
		return 0, ErrNotFound
	}
	delete(l.credits, passenger)
	l.metrics.outstanding.Sub(float64(amount))
	l.mu.Unlock()
	if transfer != nil {
		if err := transfer(amount); err != nil {
			// Transfer failed after the balance was zeroed; put the credit
			// back so it isn't lost
			l.Credit(passenger, amount)
			return 0, err
		}
	}
	l.metrics.withdrawalsTotal.Inc()
	l.logger.Info(
		"payout withdrawn",
		"component", "payout",
		"passenger", passenger,
		"amount", amount.String(),
	)
	l.publish(
		WithdrawnEventType,
		WithdrawnEvent{
			Passenger: passenger,
			Amount:    amount,
		},
	)
	return amount, nil
}

// Credits returns a snapshot of all outstanding credits.
func (l *Ledger) Credits() map[types.AccountID]types.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make(map[types.AccountID]types.Amount, len(l.credits))
	for passenger, amount := range l.credits {
		ret[passenger] = amount
	}
	return ret
}

// Restore loads a previously snapshotted credit without emitting events.
func (l *Ledger) Restore(passenger types.AccountID, amount types.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.credits[passenger]; ok {
		l.metrics.outstanding.Sub(float64(prev))
	}
	l.credits[passenger] = amount
	l.metrics.outstanding.Add(float64(amount))
}

func (l *Ledger) publish(eventType event.EventType, data any) {
	if l.eventBus == nil {
		return
	}
	l.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}
