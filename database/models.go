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

// MigrateModels is the list of model schemas created at startup.
var MigrateModels = []any{
	&Airline{},
	&AirlineVote{},
	&Flight{},
	&Policy{},
	&Credit{},
	&Oracle{},
}

type Airline struct {
	ID           uint   `gorm:"primarykey"`
	AccountID    string `gorm:"uniqueIndex"`
	Name         string
	Contribution uint64
	Registered   bool
	Funded       bool
}

func (Airline) TableName() string {
	return "airline"
}

type AirlineVote struct {
	ID        uint   `gorm:"primarykey"`
	Candidate string `gorm:"index:airline_vote_pair,unique"`
	Voter     string `gorm:"index:airline_vote_pair,unique"`
}

func (AirlineVote) TableName() string {
	return "airline_vote"
}

type Flight struct {
	ID        uint   `gorm:"primarykey"`
	Airline   string `gorm:"index:flight_key,unique"`
	Name      string `gorm:"index:flight_key,unique"`
	Timestamp int64  `gorm:"index:flight_key,unique"`
	Status    uint
}

func (Flight) TableName() string {
	return "flight"
}

type Policy struct {
	ID              uint   `gorm:"primarykey"`
	FlightAirline   string `gorm:"index:policy_key,unique"`
	FlightName      string `gorm:"index:policy_key,unique"`
	FlightTimestamp int64  `gorm:"index:policy_key,unique"`
	Passenger       string `gorm:"index:policy_key,unique"`
	Premium         uint64
}

func (Policy) TableName() string {
	return "policy"
}

type Credit struct {
	ID        uint   `gorm:"primarykey"`
	Passenger string `gorm:"uniqueIndex"`
	Amount    uint64
}

func (Credit) TableName() string {
	return "credit"
}

type Oracle struct {
	ID        uint   `gorm:"primarykey"`
	AccountID string `gorm:"uniqueIndex"`
	Index0    uint8
	Index1    uint8
	Index2    uint8
}

func (Oracle) TableName() string {
	return "oracle"
}
