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
	"time"

	"golang.org/x/time/rate"

	logger "github.com/containers/balloond/pkg/log"
)

var monlog = logger.NewLogger("host-monitor")

// startMonitor starts the host monitor: a plain timed loop that checks,
// for the life of the process, whether the host has drifted out of its
// target-free-memory band and rebalances if so. It is the only
// concurrent actor besides client requests and contends for the same
// lock. After a failed rebalance the limiter backs retries off so a
// persistently stuck host does not get hammered every tick.
func (m *memd) startMonitor() {
	stop := m.stop
	interval := m.cfg.MonitorInterval.Duration
	retry := rate.NewLimiter(rate.Every(4*interval), 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		failing := false
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if failing && !retry.Allow() {
					continue
				}

				if err := m.BalanceMemory(); err != nil {
					monlog.Error("rebalance failed: %v", err)
					failing = true
				} else {
					failing = false
				}
			}
			logger.Flush()
		}
	}()
}
