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

package types

import (
	"fmt"
	"strconv"
)

// AccountID identifies a caller (airline, passenger, or oracle). The core
// assumes every operation arrives already authenticated with one of these.
type AccountID string

// Amount is a monetary value in the smallest currency unit (micros).
// All arithmetic inside the core happens on these integral values; display
// unit conversion belongs to the boundary.
type Amount uint64

// AmountPerUnit is the number of micros in one display currency unit.
const AmountPerUnit Amount = 1_000_000

// Units returns an Amount for a whole number of display units.
func Units(n uint64) Amount {
	return Amount(n) * AmountPerUnit
}

// String renders the amount in display units with micro precision.
func (a Amount) String() string {
	whole := uint64(a) / uint64(AmountPerUnit)
	frac := uint64(a) % uint64(AmountPerUnit)
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	return fmt.Sprintf("%d.%06d", whole, frac)
}

func (a AccountID) String() string {
	return string(a)
}
