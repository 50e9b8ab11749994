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
	"sync"
	"sync/atomic"

	"github.com/containers/balloond/pkg/healthz"
	"github.com/containers/balloond/pkg/instrumentation"
	logger "github.com/containers/balloond/pkg/log"
	"github.com/containers/balloond/pkg/memd/config"
	"github.com/containers/balloond/pkg/store"
	"github.com/containers/balloond/pkg/xen"
	"github.com/containers/balloond/pkg/xs"
)

// MemoryDaemon arbitrates physical memory among domains: it tracks
// client reservations made ahead of domain creation and keeps total host
// free memory near the configured target by rebalancing domains that
// have slack.
type MemoryDaemon interface {
	// Start starts the daemon's background processing.
	Start() error
	// Stop stops the daemon.
	Stop()

	// Login starts a session for the named service, discarding any
	// reservations left over by a previous instance of the same service.
	Login(serviceName string) (string, error)
	// ReserveMemory reserves kib KiB of host memory, freeing it first
	// if necessary, and returns the new reservation's id.
	ReserveMemory(session string, kib int64) (string, error)
	// ReserveMemoryRange reserves an amount within [minKib, maxKib],
	// returning the reservation id and the amount actually reserved.
	ReserveMemoryRange(session string, minKib, maxKib int64) (string, int64, error)
	// DeleteReservation discards a reservation.
	DeleteReservation(session, id string) error
	// TransferReservationToDomain binds a reservation's budget to a
	// concrete domain.
	TransferReservationToDomain(session, id string, domid xen.DomID) error
	// QueryReservationOfDomain returns the reservation id transferred
	// to the given domain.
	QueryReservationOfDomain(session string, domid xen.DomID) (string, error)
	// BalanceMemory rebalances the host towards its free-memory target.
	BalanceMemory() error
	// GetHostReservedMemory returns the permanently withheld slack, KiB.
	GetHostReservedMemory() int64
	// GetDomainZeroPolicy returns the privileged domain's policy.
	GetDomainZeroPolicy() config.DomainZeroPolicy
	// GetDiagnostics returns a human-readable state dump.
	GetDiagnostics() (string, error)
}

// memd is the implementation of MemoryDaemon. The embedded mutex is the
// process-wide single-writer lock: every operation, including the host
// monitor's ticks and reads of balancing state, runs while holding it.
// Hypervisor control operations are not safely reentrant, and request
// volume is low, so full serialization is simpler and safer than
// fine-grained locking.
type memd struct {
	sync.Mutex
	cfg     *config.Config
	res     *reservations
	engine  *balancer
	proxy   xen.Interface
	metrics *metrics
	stop    chan struct{}

	lastBalanceErr error
}

var log = logger.Get("memory-daemon")

// Options configure the daemon beyond its Config.
type Options struct {
	// Proxy overrides the domain proxy, mainly for tests.
	Proxy xen.Interface
	// Store overrides the reservation store backend, mainly for tests.
	Store store.Store
}

// NewMemoryDaemon creates a new MemoryDaemon instance.
func NewMemoryDaemon(cfg *config.Config, options ...Options) (MemoryDaemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := Options{}
	if len(options) > 0 {
		opts = options[0]
	}

	m := &memd{
		cfg:   cfg,
		proxy: opts.Proxy,
		stop:  make(chan struct{}),
	}

	if err := m.setupStore(opts.Store); err != nil {
		return nil, err
	}
	m.setupProxy()
	m.setupEngine()
	m.setupMetrics()
	m.setupHealthCheck()

	return m, nil
}

// Start pins domain zero if so configured, reconciles outstanding
// reservations from the store and starts the host monitor.
func (m *memd) Start() error {
	m.Lock()
	defer m.Unlock()

	log.Info("starting memory daemon...")
	log.Info("host reserved slack: %d KiB", m.cfg.HostReservedKiB)
	log.Info("domain zero policy: %s", m.cfg.DomainZero)

	if m.cfg.DomainZero.Mode == config.FixedSize && m.cfg.DomainZero.SizeKiB > 0 {
		if err := m.proxy.SetTarget(xen.Domain0, m.cfg.DomainZero.SizeKiB); err != nil {
			return memdError("failed to pin domain zero to %d KiB: %v",
				m.cfg.DomainZero.SizeKiB, err)
		}
	}

	if promised, err := m.res.outstandingKiB(); err != nil {
		log.Warn("failed to reconcile outstanding reservations: %v", err)
	} else if promised > 0 {
		log.Info("reconciled %d KiB of outstanding reservations from the store", promised)
	}

	m.startMonitor()

	log.Info("up and running")

	return nil
}

// Stop stops the host monitor. The daemon is otherwise stateless across
// Stop; persistent state lives in the store.
func (m *memd) Stop() {
	log.Info("shutting down...")

	m.Lock()
	defer m.Unlock()

	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// setupStore creates the configured reservation store backend.
func (m *memd) setupStore(st store.Store) error {
	var err error

	if st == nil {
		switch m.cfg.StoreBackend {
		case "file":
			st, err = store.NewFileStore(m.cfg.StateDir)
			if err != nil {
				return memdError("failed to create file store: %v", err)
			}
		default:
			st = store.NewXenStore(xs.UnixSocketDialer(m.cfg.XenstoreSocket))
		}
	}

	m.res = newReservations(st, m.cfg.SessionRoot, m.cfg.DomainRoot)

	return nil
}

// setupProxy creates the domain proxy unless one was injected.
func (m *memd) setupProxy() {
	if m.proxy != nil {
		return
	}

	var options []xen.Option
	if m.cfg.FreeMemPath != "" {
		options = append(options, xen.WithFreeMemPath(m.cfg.FreeMemPath))
	}

	m.proxy = xen.NewProxy(xs.UnixSocketDialer(m.cfg.XenstoreSocket), options...)
}

// setupEngine creates the balance engine.
func (m *memd) setupEngine() {
	m.engine = newBalancer(m.proxy, m.cfg, m.res.outstandingKiB)
}

var (
	setupOnce sync.Once
	active    atomic.Pointer[memd]
)

// setupHealthCheck registers our health checker and the admin API on the
// shared mux. Routes are registered once per process and dispatch to the
// latest instance, so re-creating the daemon on a configuration reload
// does not re-register them.
func (m *memd) setupHealthCheck() {
	active.Store(m)
	setupOnce.Do(func() {
		mux := instrumentation.HTTPServer().GetMux()
		healthz.Setup(mux)
		healthz.RegisterHealthChecker("memory-daemon", func() (healthz.Status, error) {
			return active.Load().checkHealth()
		})
		setupAdminAPI(mux)
	})
}

// checkHealth reports store reachability and the last balance outcome.
func (m *memd) checkHealth() (healthz.Status, error) {
	m.Lock()
	defer m.Unlock()

	if _, err := m.res.st.Exists(m.cfg.SessionRoot); err != nil {
		return healthz.NonFunctional, err
	}
	if m.lastBalanceErr != nil {
		return healthz.Degraded, m.lastBalanceErr
	}

	return healthz.Healthy, nil
}
