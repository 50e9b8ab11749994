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
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the daemon's prometheus instruments. They are updated
// after every balance-engine run, under the daemon lock.
type metrics struct {
	balanceTotal    prometheus.Counter
	balanceFailures prometheus.Counter
	freeKiB         prometheus.Gauge
	reservedKiB     prometheus.Gauge
	outstandingKiB  prometheus.Gauge
	outstanding     prometheus.Gauge
	uncooperative   prometheus.Gauge
}

func (m *memd) setupMetrics() {
	m.metrics = newMetrics(prometheus.DefaultRegisterer)
	m.metrics.reservedKiB.Set(float64(m.cfg.HostReservedKiB))
}

func newMetrics(reg prometheus.Registerer) *metrics {
	mt := &metrics{
		balanceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "balloond",
			Name:      "balance_runs_total",
			Help:      "Number of balance engine runs.",
		}),
		balanceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "balloond",
			Name:      "balance_failures_total",
			Help:      "Number of failed balance engine runs.",
		}),
		freeKiB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "balloond",
			Name:      "host_free_kib",
			Help:      "Measured free host memory in KiB.",
		}),
		reservedKiB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "balloond",
			Name:      "host_reserved_kib",
			Help:      "Permanently withheld host slack in KiB.",
		}),
		outstandingKiB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "balloond",
			Name:      "outstanding_reservation_kib",
			Help:      "Memory promised to not-yet-transferred reservations in KiB.",
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "balloond",
			Name:      "outstanding_reservations",
			Help:      "Number of not-yet-transferred reservations.",
		}),
		uncooperative: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "balloond",
			Name:      "uncooperative_domains",
			Help:      "Number of domains currently excluded from balancing.",
		}),
	}

	mt.balanceTotal = registerCounter(reg, mt.balanceTotal)
	mt.balanceFailures = registerCounter(reg, mt.balanceFailures)
	mt.freeKiB = registerGauge(reg, mt.freeKiB)
	mt.reservedKiB = registerGauge(reg, mt.reservedKiB)
	mt.outstandingKiB = registerGauge(reg, mt.outstandingKiB)
	mt.outstanding = registerGauge(reg, mt.outstanding)
	mt.uncooperative = registerGauge(reg, mt.uncooperative)

	return mt
}

// balanceDone counts one balance engine run.
func (mt *metrics) balanceDone(err error) {
	mt.balanceTotal.Inc()
	if err != nil {
		mt.balanceFailures.Inc()
	}
}

// update refreshes the state gauges. Failures are ignored; metrics must
// never turn a succeeded operation into a failed one.
func (mt *metrics) update(m *memd) {
	if free, err := m.proxy.HostFreeMemory(); err == nil {
		mt.freeKiB.Set(float64(free))
	}

	if promised, err := m.res.outstandingKiB(); err == nil {
		mt.outstandingKiB.Set(float64(promised))
	}

	if sessions, err := m.res.st.List(m.cfg.SessionRoot); err == nil {
		count := 0
		for _, session := range sessions {
			if ids, err := m.res.list(session); err == nil {
				count += len(ids)
			}
		}
		mt.outstanding.Set(float64(count))
	}

	mt.uncooperative.Set(float64(len(m.engine.uncooperative)))
}

// registerCounter registers a counter, adopting an already registered
// identical one. Daemon instances come and go in tests while the
// registry is process-wide.
func registerCounter(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
		log.Warn("failed to register metric: %v", err)
	}
	return c
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge)
		}
		log.Warn("failed to register metric: %v", err)
	}
	return g
}
