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
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/openskies-io/surety/event"
	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/oracle"
	"github.com/openskies-io/surety/types"
)

var simStatusCodes = []flight.StatusCode{
	flight.StatusUnknown,
	flight.StatusOnTime,
	flight.StatusLateAirline,
	flight.StatusLateWeather,
	flight.StatusLateTechnical,
	flight.StatusLateOther,
}

func randomStatus() flight.StatusCode {
	return simStatusCodes[rand.IntN(len(simStatusCodes))]
}

// oraclePool manages the simulated oracles. Each oracle registers with the
// node and responds to status requests whose index it holds.
type oraclePool struct {
	server     *Server
	oracles    map[types.AccountID][3]uint8
	nextID     int
	subscribed bool
	mu         sync.Mutex
}

func newOraclePool(server *Server) *oraclePool {
	return &oraclePool{
		server:  server,
		oracles: make(map[types.AccountID][3]uint8),
	}
}

// register creates count simulated oracles. The first call also subscribes
// the pool to status request events.
func (p *oraclePool) register(count int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	registered := 0
	for range count {
		p.nextID++
		id := types.AccountID(fmt.Sprintf("sim-oracle-%d", p.nextID))
		indexes, err := p.server.node.RegisterOracle(
			id,
			oracle.RegistrationFee,
		)
		if err != nil {
			return registered, err
		}
		p.oracles[id] = indexes
		registered++
	}
	if !p.subscribed && len(p.oracles) > 0 {
		p.server.node.EventBus().SubscribeFunc(
			oracle.RequestEventType,
			p.handleRequestEvent,
		)
		p.subscribed = true
	}
	return registered, nil
}

func (p *oraclePool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.oracles)
}

// handleRequestEvent answers a status request on behalf of every simulated
// oracle holding the request's index.
func (p *oraclePool) handleRequestEvent(evt event.Event) {
	data, ok := evt.Data.(oracle.RequestEvent)
	if !ok {
		return
	}
	statusSource := p.server.config.StatusSource
	if statusSource == nil {
		statusSource = randomStatus
	}
	p.mu.Lock()
	responders := make(map[types.AccountID][3]uint8, len(p.oracles))
	for id, indexes := range p.oracles {
		responders[id] = indexes
	}
	p.mu.Unlock()
	for id, indexes := range responders {
		if !holdsIndex(indexes, data.Index) {
			continue
		}
		status := statusSource()
		err := p.server.node.SubmitOracleResponse(
			id,
			data.Index,
			data.Flight,
			status,
		)
		if err != nil {
			// Late responses after quorum are expected; anything else is
			// worth logging
			if !errors.Is(err, oracle.ErrNotFound) {
				p.server.logger.Warn(
					"simulated oracle response rejected",
					"oracle", id,
					"flight", data.Flight.String(),
					"error", err,
				)
			}
			continue
		}
		p.server.logger.Debug(
			"simulated oracle responded",
			"oracle", id,
			"flight", data.Flight.String(),
			"status", uint(status),
		)
	}
}

func holdsIndex(indexes [3]uint8, index uint8) bool {
	for _, idx := range indexes {
		if idx == index {
			return true
		}
	}
	return false
}
