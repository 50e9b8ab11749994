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

// Package xen is the narrow capability interface the daemon uses to
// observe and adjust domain memory. Domains are owned by the hypervisor;
// we only read their state and request new balloon targets.
package xen

import "fmt"

// DomID is a host-unique, host-lifetime-scoped domain identifier.
type DomID uint32

// Domain0 is the privileged domain's id.
const Domain0 = DomID(0)

// ErrDomainNotFound is returned when an operation references a domain
// that is not (or no longer) present on the host.
var ErrDomainNotFound = fmt.Errorf("xen: domain not found")

// DomainState is the memory state of a single domain, all values in KiB.
type DomainState struct {
	// Target is the allocation we last requested the domain converge to.
	Target int64
	// CurrentAllocation is the guest-reported actual allocation. It may
	// lag Target while the balloon driver is working.
	CurrentAllocation int64
	// DynamicMin is the smallest allocation the guest has declared it
	// can operate with.
	DynamicMin int64
	// DynamicMax is the largest allocation the guest can make use of.
	DynamicMax int64
}

// Interface is the domain proxy consumed by the balance engine and the
// transfer protocol.
type Interface interface {
	// ListDomains enumerates the currently running domains.
	ListDomains() ([]DomID, error)
	// ReadDomain returns the memory state of the given domain.
	ReadDomain(DomID) (*DomainState, error)
	// SetTarget requests the domain converge to a new target, in KiB.
	SetTarget(DomID, int64) error
	// SetMaxmemBestEffort sets the domain's hard memory cap, in KiB.
	// A concurrently vanished domain is tolerated, not reported; the
	// domain may exit at any time between our calls.
	SetMaxmemBestEffort(DomID, int64) error
	// HostFreeMemory returns the measured free host memory, in KiB.
	HostFreeMemory() (int64, error)
}

// Slack returns how much the domain can still give up before hitting
// its dynamic minimum.
func (s *DomainState) Slack() int64 {
	if v := s.Target - s.DynamicMin; v > 0 {
		return v
	}
	return 0
}

// Headroom returns how much the domain can still receive before hitting
// its dynamic maximum.
func (s *DomainState) Headroom() int64 {
	if v := s.DynamicMax - s.Target; v > 0 {
		return v
	}
	return 0
}

func (s *DomainState) String() string {
	return fmt.Sprintf("target %d, current %d, dynamic range [%d, %d] KiB",
		s.Target, s.CurrentAllocation, s.DynamicMin, s.DynamicMax)
}
