// Copyright The Balloond Authors. All Rights Reserved.
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

package memd

import (
	"fmt"

	"github.com/containers/balloond/pkg/xen"
)

// The closed error taxonomy surfaced to clients. Nothing outside this
// package constructs these kinds; callers classify failures with
// errors.Is against the sentinels.
var (
	// ErrInvalidMemoryValue marks a negative memory quantity, rejected
	// before any store or engine interaction.
	ErrInvalidMemoryValue = fmt.Errorf("memd: invalid memory value")
	// ErrUnknownReservation marks a delete or transfer referencing a
	// reservation not present in the store.
	ErrUnknownReservation = fmt.Errorf("memd: unknown reservation")
	// ErrNoReservation marks a query for a domain with no bound
	// reservation record.
	ErrNoReservation = fmt.Errorf("memd: no reservation")
	// ErrCannotFreeMemory marks insufficient total slack across all
	// cooperative domains.
	ErrCannotFreeMemory = fmt.Errorf("memd: cannot free this much memory")
	// ErrRefusedToCooperate marks domains whose failure to make balloon
	// progress caused the shortfall.
	ErrRefusedToCooperate = fmt.Errorf("memd: domains refused to cooperate")
)

// CapacityError reports that the obtainable slack is insufficient. Both
// quantities exclude the host's permanently reserved slack, so callers
// see the application-level shortfall.
type CapacityError struct {
	// NeededKiB is the amount the caller asked for.
	NeededKiB int64
	// FreeKiB is the most the engine could have obtained.
	FreeKiB int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v: needed %d KiB, only %d KiB obtainable",
		ErrCannotFreeMemory, e.NeededKiB, e.FreeKiB)
}

// Is makes errors.Is(err, ErrCannotFreeMemory) match.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCannotFreeMemory
}

// CooperationError lists exactly the domains that failed to make balloon
// progress within the grace period, when their exclusion is what caused
// the shortfall.
type CooperationError struct {
	Domains []xen.DomID
}

func (e *CooperationError) Error() string {
	return fmt.Sprintf("%v: %v", ErrRefusedToCooperate, e.Domains)
}

// Is makes errors.Is(err, ErrRefusedToCooperate) match.
func (e *CooperationError) Is(target error) bool {
	return target == ErrRefusedToCooperate
}

func invalidMemoryValue(kib int64) error {
	return fmt.Errorf("%w: %d KiB", ErrInvalidMemoryValue, kib)
}

func unknownReservation(id string) error {
	return fmt.Errorf("%w: %q", ErrUnknownReservation, id)
}

func noReservation(domid xen.DomID) error {
	return fmt.Errorf("%w: domain %d", ErrNoReservation, domid)
}

// memdError produces a package-specific formatted error for internal
// failures outside the client-visible taxonomy.
func memdError(format string, args ...interface{}) error {
	return fmt.Errorf("memd: "+format, args...)
}
