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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/balloond/pkg/memd/config"
	"github.com/containers/balloond/pkg/store"
)

func newTestDaemon(t *testing.T, cfg *config.Config, proxy *fakeProxy) (MemoryDaemon, store.Store) {
	t.Helper()

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	m, err := NewMemoryDaemon(cfg, Options{Proxy: proxy, Store: st})
	require.NoError(t, err)

	return m, st
}

func TestReserveMemoryInvalidValue(t *testing.T) {
	proxy := newFakeProxy(1_000_000)
	proxy.addDomain(1, 500_000, 100_000, 500_000)

	m, st := newTestDaemon(t, testConfig(), proxy)

	session, err := m.Login("xenopsd")
	require.NoError(t, err)

	_, err = m.ReserveMemory(session, -1)
	require.ErrorIs(t, err, ErrInvalidMemoryValue)

	// A rejected request leaves no trace: no record, no targets written.
	ids, err := st.List(testConfig().SessionRoot + "/" + session)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Equal(t, 0, proxy.writes())

	_, _, err = m.ReserveMemoryRange(session, -5, 100)
	require.ErrorIs(t, err, ErrInvalidMemoryValue)
	_, _, err = m.ReserveMemoryRange(session, 100, -5)
	require.ErrorIs(t, err, ErrInvalidMemoryValue)
}

func TestReservationLifecycle(t *testing.T) {
	proxy := newFakeProxy(2_000_000)
	proxy.addDomain(1, 1_500_000, 500_000, 1_500_000)

	m, st := newTestDaemon(t, testConfig(), proxy)

	session, err := m.Login("xenopsd")
	require.NoError(t, err)

	idA, err := m.ReserveMemory(session, 100_000)
	require.NoError(t, err)
	idB, err := m.ReserveMemory(session, 200_000)
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)

	// Both records are durably in the store, holding their amounts.
	ids, err := st.List(testConfig().SessionRoot + "/" + session)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{idA, idB}, ids)

	kib, err := st.Read(testConfig().SessionRoot + "/" + session + "/" + idA)
	require.NoError(t, err)
	require.Equal(t, "100000", kib)

	require.NoError(t, m.DeleteReservation(session, idB))

	ids, err = st.List(testConfig().SessionRoot + "/" + session)
	require.NoError(t, err)
	require.Equal(t, []string{idA}, ids)

	// Deleting again, or deleting a made-up id, is an error.
	require.ErrorIs(t, m.DeleteReservation(session, idB), ErrUnknownReservation)
	require.ErrorIs(t, m.DeleteReservation(session, "no-such-id"), ErrUnknownReservation)
}

func TestTransferReservation(t *testing.T) {
	cfg := testConfig()
	proxy := newFakeProxy(2_000_000)
	proxy.addDomain(1, 1_400_000, 500_000, 1_400_000)
	proxy.addDomain(7, 100_000, 100_000, 100_000)

	m, st := newTestDaemon(t, cfg, proxy)

	session, err := m.Login("xenopsd")
	require.NoError(t, err)

	id, err := m.ReserveMemory(session, 300_000)
	require.NoError(t, err)

	require.NoError(t, m.TransferReservationToDomain(session, id, 7))

	// The domain now carries the transfer records, its hard cap is set
	// to the amount and the session record is consumed.
	kib, err := st.Read(cfg.DomainRoot + "/7/" + initialReservationKey)
	require.NoError(t, err)
	require.Equal(t, "300000", kib)
	require.Equal(t, int64(300_000), proxy.maxmemOf(7))

	got, err := m.QueryReservationOfDomain(session, 7)
	require.NoError(t, err)
	require.Equal(t, id, got)

	ids, err := st.List(cfg.SessionRoot + "/" + session)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestTransferUnknownReservation(t *testing.T) {
	proxy := newFakeProxy(1_000_000)
	proxy.addDomain(1, 500_000, 100_000, 500_000)

	m, _ := newTestDaemon(t, testConfig(), proxy)

	session, err := m.Login("xenopsd")
	require.NoError(t, err)

	err = m.TransferReservationToDomain(session, "no-such-id", 7)
	require.ErrorIs(t, err, ErrUnknownReservation)

	// A failed transfer writes no domain records.
	_, err = m.QueryReservationOfDomain(session, 7)
	require.ErrorIs(t, err, ErrNoReservation)
}

func TestQueryUntouchedDomain(t *testing.T) {
	proxy := newFakeProxy(1_000_000)
	proxy.addDomain(1, 500_000, 100_000, 500_000)

	m, _ := newTestDaemon(t, testConfig(), proxy)

	session, err := m.Login("xenopsd")
	require.NoError(t, err)

	_, err = m.QueryReservationOfDomain(session, 42)
	require.ErrorIs(t, err, ErrNoReservation)
}

func TestLoginSweepsStaleSession(t *testing.T) {
	cfg := testConfig()
	proxy := newFakeProxy(2_000_000)
	proxy.addDomain(1, 1_500_000, 500_000, 1_500_000)

	m, st := newTestDaemon(t, cfg, proxy)

	session, err := m.Login("xenopsd")
	require.NoError(t, err)
	_, err = m.ReserveMemory(session, 100_000)
	require.NoError(t, err)

	// A service logging in again is a new instance of the same service:
	// whatever its crashed predecessor had promised is released.
	session, err = m.Login("xenopsd")
	require.NoError(t, err)

	ids, err := st.List(cfg.SessionRoot + "/" + session)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestOutstandingReservationsWithheld(t *testing.T) {
	proxy := newFakeProxy(2_000_000)
	proxy.addDomain(1, 1_500_000, 500_000, 1_500_000)

	m, _ := newTestDaemon(t, testConfig(), proxy)

	session, err := m.Login("xenopsd")
	require.NoError(t, err)

	// At most 1,500,000 KiB can ever be free: the initial 500,000 plus
	// the domain's full slack. A first reservation of 600,000 is
	// withheld from that, leaving at most 900,000 for the next one.
	_, err = m.ReserveMemory(session, 600_000)
	require.NoError(t, err)

	_, err = m.ReserveMemory(session, 1_000_000)
	require.ErrorIs(t, err, ErrCannotFreeMemory)

	_, err = m.ReserveMemory(session, 400_000)
	require.NoError(t, err)
}

func TestMonitorRebalances(t *testing.T) {
	cfg := testConfig()
	cfg.HostReservedKiB = 300_000
	cfg.HysteresisKiB = 10_000

	// The host starts with no free memory; the monitor has to claw the
	// reserved slack back from the domain.
	proxy := newFakeProxy(1_000_000)
	proxy.addDomain(1, 1_000_000, 200_000, 1_000_000)

	m, _ := newTestDaemon(t, cfg, proxy)

	require.NoError(t, m.Start())
	defer m.Stop()

	require.Eventually(t, func() bool {
		free, err := proxy.HostFreeMemory()
		return err == nil && free >= 300_000
	}, time.Second, 10*time.Millisecond)
}

func TestGetters(t *testing.T) {
	cfg := testConfig()
	cfg.HostReservedKiB = 123_456

	proxy := newFakeProxy(1_000_000)
	proxy.addDomain(1, 500_000, 100_000, 500_000)

	m, _ := newTestDaemon(t, cfg, proxy)

	require.Equal(t, int64(123_456), m.GetHostReservedMemory())
	require.Equal(t, config.FixedSize, m.GetDomainZeroPolicy().Mode)
}

func TestDiagnostics(t *testing.T) {
	proxy := newFakeProxy(2_000_000)
	proxy.addDomain(1, 1_500_000, 500_000, 1_500_000)

	m, _ := newTestDaemon(t, testConfig(), proxy)

	session, err := m.Login("xenopsd")
	require.NoError(t, err)
	id, err := m.ReserveMemory(session, 100_000)
	require.NoError(t, err)

	dump, err := m.GetDiagnostics()
	require.NoError(t, err)
	require.True(t, strings.Contains(dump, id))
	require.True(t, strings.Contains(dump, "domain-1"))
}
