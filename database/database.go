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

package database

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/openskies-io/surety/flight"
	"github.com/openskies-io/surety/insurance"
	"github.com/openskies-io/surety/registry"
	"github.com/openskies-io/surety/types"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Store is a SQLite-backed snapshot of ledger state. It exists so a node can
// restart without losing consortium membership, policies, or unwithdrawn
// credits; the in-memory packages remain the source of truth while running.
type Store struct {
	promRegistry prometheus.Registerer
	db           *gorm.DB
	logger       *slog.Logger
	dataDir      string
}

// New creates a SQLite state store. Uses an in-memory database if dataDir is
// empty.
func New(
	dataDir string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (*Store, error) {
	var stateDb *gorm.DB
	var err error
	if dataDir == "" {
		// Use in-memory database when no data directory is specified, useful for testing
		// cache=shared allows multiple connections to share the same in-memory database
		stateDb, err = gorm.Open(
			sqlite.Open("file::memory:?cache=shared"),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			// Create data directory
			if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		stateDbPath := filepath.Join(
			dataDir,
			"state.sqlite",
		)
		// WAL journal mode, disable sync on write
		stateConnOpts := "_pragma=journal_mode(WAL)&_pragma=sync(OFF)"
		stateDb, err = gorm.Open(
			sqlite.Open(
				fmt.Sprintf("file:%s?%s", stateDbPath, stateConnOpts),
			),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
	}
	db := &Store{
		db:           stateDb,
		dataDir:      dataDir,
		logger:       logger,
		promRegistry: promRegistry,
	}
	if db.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		db.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	// Configure tracing for GORM
	if err := db.db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return db, err
	}
	// Create table schemas
	for _, model := range MigrateModels {
		db.logger.Debug(
			fmt.Sprintf("creating table: %#v", model),
			"component", "database",
		)
		if err := db.db.AutoMigrate(model); err != nil {
			return db, err
		}
	}
	return db, nil
}

// DB returns the underlying GORM database handle.
func (d *Store) DB() *gorm.DB {
	return d.db
}

// Close shuts down the database connection.
func (d *Store) Close() error {
	db, err := d.DB().DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return db.Close()
}

// SaveAirline upserts an airline snapshot and its recorded admission votes.
func (d *Store) SaveAirline(
	a registry.Airline,
	voters []types.AccountID,
) error {
	return d.DB().Transaction(func(tx *gorm.DB) error {
		record := Airline{
			AccountID:    string(a.ID),
			Name:         a.Name,
			Contribution: uint64(a.Contribution),
			Registered:   a.Registered,
			Funded:       a.Funded,
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		}).Create(&record)
		if result.Error != nil {
			return result.Error
		}
		for _, voter := range voters {
			vote := AirlineVote{
				Candidate: string(a.ID),
				Voter:     string(voter),
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&vote)
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
}

// LoadAirlines returns every stored airline with its voters.
func (d *Store) LoadAirlines() (
	[]registry.Airline,
	map[types.AccountID][]types.AccountID,
	error,
) {
	var records []Airline
	if result := d.DB().Find(&records); result.Error != nil {
		return nil, nil, result.Error
	}
	var votes []AirlineVote
	if result := d.DB().Find(&votes); result.Error != nil {
		return nil, nil, result.Error
	}
	voters := make(map[types.AccountID][]types.AccountID)
	for _, vote := range votes {
		candidate := types.AccountID(vote.Candidate)
		voters[candidate] = append(
			voters[candidate],
			types.AccountID(vote.Voter),
		)
	}
	ret := make([]registry.Airline, 0, len(records))
	for _, record := range records {
		id := types.AccountID(record.AccountID)
		ret = append(ret, registry.Airline{
			ID:           id,
			Name:         record.Name,
			Contribution: types.Amount(record.Contribution),
			Votes:        len(voters[id]),
			Registered:   record.Registered,
			Funded:       record.Funded,
		})
	}
	return ret, voters, nil
}

// SaveFlight upserts a flight snapshot.
func (d *Store) SaveFlight(f flight.Flight) error {
	record := Flight{
		Airline:   string(f.Key.Airline),
		Name:      f.Key.Name,
		Timestamp: f.Key.Timestamp,
		Status:    uint(f.Status),
	}
	result := d.DB().Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "airline"},
			{Name: "name"},
			{Name: "timestamp"},
		},
		UpdateAll: true,
	}).Create(&record)
	return result.Error
}

// LoadFlights returns every stored flight.
func (d *Store) LoadFlights() ([]flight.Flight, error) {
	var records []Flight
	if result := d.DB().Find(&records); result.Error != nil {
		return nil, result.Error
	}
	ret := make([]flight.Flight, 0, len(records))
	for _, record := range records {
		ret = append(ret, flight.Flight{
			Key: flight.Key{
				Airline:   types.AccountID(record.Airline),
				Name:      record.Name,
				Timestamp: record.Timestamp,
			},
			Status: flight.StatusCode(record.Status),
		})
	}
	return ret, nil
}

// SavePolicy upserts an insurance policy.
func (d *Store) SavePolicy(p insurance.Policy) error {
	record := Policy{
		FlightAirline:   string(p.Flight.Airline),
		FlightName:      p.Flight.Name,
		FlightTimestamp: p.Flight.Timestamp,
		Passenger:       string(p.Passenger),
		Premium:         uint64(p.Premium),
	}
	result := d.DB().Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "flight_airline"},
			{Name: "flight_name"},
			{Name: "flight_timestamp"},
			{Name: "passenger"},
		},
		UpdateAll: true,
	}).Create(&record)
	return result.Error
}

// DeletePolicies removes all stored policies for a flight. Called after the
// flight settles.
func (d *Store) DeletePolicies(key flight.Key) error {
	result := d.DB().
		Where(
			"flight_airline = ? AND flight_name = ? AND flight_timestamp = ?",
			string(key.Airline),
			key.Name,
			key.Timestamp,
		).
		Delete(&Policy{})
	return result.Error
}

// LoadPolicies returns every stored policy.
func (d *Store) LoadPolicies() ([]insurance.Policy, error) {
	var records []Policy
	if result := d.DB().Find(&records); result.Error != nil {
		return nil, result.Error
	}
	ret := make([]insurance.Policy, 0, len(records))
	for _, record := range records {
		ret = append(ret, insurance.Policy{
			Flight: flight.Key{
				Airline:   types.AccountID(record.FlightAirline),
				Name:      record.FlightName,
				Timestamp: record.FlightTimestamp,
			},
			Passenger: types.AccountID(record.Passenger),
			Premium:   types.Amount(record.Premium),
		})
	}
	return ret, nil
}

// SaveCredit upserts a passenger's withdrawable credit. A zero amount removes
// the row.
func (d *Store) SaveCredit(
	passenger types.AccountID,
	amount types.Amount,
) error {
	if amount == 0 {
		result := d.DB().
			Where("passenger = ?", string(passenger)).
			Delete(&Credit{})
		return result.Error
	}
	record := Credit{
		Passenger: string(passenger),
		Amount:    uint64(amount),
	}
	result := d.DB().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "passenger"}},
		UpdateAll: true,
	}).Create(&record)
	return result.Error
}

// LoadCredits returns every stored credit.
func (d *Store) LoadCredits() (map[types.AccountID]types.Amount, error) {
	var records []Credit
	if result := d.DB().Find(&records); result.Error != nil {
		return nil, result.Error
	}
	ret := make(map[types.AccountID]types.Amount, len(records))
	for _, record := range records {
		ret[types.AccountID(record.Passenger)] = types.Amount(record.Amount)
	}
	return ret, nil
}

// SaveOracle upserts an oracle's assigned indexes.
func (d *Store) SaveOracle(id types.AccountID, indexes [3]uint8) error {
	record := Oracle{
		AccountID: string(id),
		Index0:    indexes[0],
		Index1:    indexes[1],
		Index2:    indexes[2],
	}
	result := d.DB().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		UpdateAll: true,
	}).Create(&record)
	return result.Error
}

// LoadOracles returns every stored oracle.
func (d *Store) LoadOracles() (map[types.AccountID][3]uint8, error) {
	var records []Oracle
	if result := d.DB().Find(&records); result.Error != nil {
		return nil, result.Error
	}
	ret := make(map[types.AccountID][3]uint8, len(records))
	for _, record := range records {
		ret[types.AccountID(record.AccountID)] = [3]uint8{
			record.Index0,
			record.Index1,
			record.Index2,
		}
	}
	return ret, nil
}
