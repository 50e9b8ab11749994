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
	"github.com/containers/balloond/pkg/memd/config"
	"github.com/containers/balloond/pkg/xen"
)

// The external operation set. Every operation runs under the daemon's
// exclusive lock for its full duration, including the balance engine's
// convergence polls; the per-round grace timeout is what bounds latency,
// there is no cancellation model.

// Login starts a session for the named service. The service name is the
// session id; a service name identifies at most one live session, so a
// re-login discards reservations orphaned by a crashed prior instance.
func (m *memd) Login(serviceName string) (string, error) {
	m.Lock()
	defer m.Unlock()

	log.Info("login of service %q", serviceName)

	if err := m.res.clearSession(serviceName); err != nil {
		return "", err
	}

	return serviceName, nil
}

// ReserveMemory frees kib KiB on top of the host's reserved slack and
// records the claim. The reservation is valid only once the record is
// durably written.
func (m *memd) ReserveMemory(session string, kib int64) (string, error) {
	m.Lock()
	defer m.Unlock()

	if kib < 0 {
		return "", invalidMemoryValue(kib)
	}

	if err := m.balance(func() error { return m.engine.freeMemory(kib) }); err != nil {
		return "", err
	}

	return m.res.create(session, kib)
}

// ReserveMemoryRange reserves the largest feasible amount in
// [minKib, maxKib]. The bounds are validated independently; an inverted
// range is an empty one and fails as a capacity error.
func (m *memd) ReserveMemoryRange(session string, minKib, maxKib int64) (string, int64, error) {
	m.Lock()
	defer m.Unlock()

	if minKib < 0 {
		return "", 0, invalidMemoryValue(minKib)
	}
	if maxKib < 0 {
		return "", 0, invalidMemoryValue(maxKib)
	}

	var amount int64
	err := m.balance(func() error {
		var err error
		amount, err = m.engine.freeMemoryRange(minKib, maxKib)
		return err
	})
	if err != nil {
		return "", 0, err
	}

	id, err := m.res.create(session, amount)
	if err != nil {
		return "", 0, err
	}

	return id, amount, nil
}

// DeleteReservation discards a reservation, releasing its claim.
func (m *memd) DeleteReservation(session, id string) error {
	m.Lock()
	defer m.Unlock()

	return m.res.delete(session, id)
}

// TransferReservationToDomain binds a reservation's budget to a domain:
// the amount becomes the domain's initial-reservation record, the id its
// reservation-id record, and the domain's hard memory cap is set to the
// amount. The domain having exited concurrently is tolerated.
func (m *memd) TransferReservationToDomain(session, id string, domid xen.DomID) error {
	m.Lock()
	defer m.Unlock()

	kib, err := m.res.read(session, id)
	if err != nil {
		return err
	}

	if err := m.res.bindDomain(session, id, domid, kib); err != nil {
		return err
	}

	return m.proxy.SetMaxmemBestEffort(domid, kib)
}

// QueryReservationOfDomain returns the reservation id bound to a domain.
func (m *memd) QueryReservationOfDomain(session string, domid xen.DomID) (string, error) {
	m.Lock()
	defer m.Unlock()

	return m.res.lookupDomain(domid)
}

// BalanceMemory rebalances the host towards its free-memory target.
// Invoked both on demand and by the host monitor.
func (m *memd) BalanceMemory() error {
	m.Lock()
	defer m.Unlock()

	return m.balance(m.engine.balanceMemory)
}

// GetHostReservedMemory returns the permanently withheld host slack.
func (m *memd) GetHostReservedMemory() int64 {
	m.Lock()
	defer m.Unlock()

	return m.cfg.HostReservedKiB
}

// GetDomainZeroPolicy returns the privileged domain's ballooning policy.
func (m *memd) GetDomainZeroPolicy() config.DomainZeroPolicy {
	m.Lock()
	defer m.Unlock()

	return m.cfg.DomainZero
}

// balance runs an engine operation, recording its outcome for health
// checking and metrics.
func (m *memd) balance(op func() error) error {
	err := op()

	m.lastBalanceErr = err
	m.metrics.balanceDone(err)
	m.metrics.update(m)

	return err
}
