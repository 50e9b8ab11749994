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
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/containers/balloond/pkg/memd/config"
	"github.com/containers/balloond/pkg/xen"
)

// fakeDomain simulates a guest's balloon driver. Cooperative domains
// converge to their target instantly on the next state read; stuck ones
// never move.
type fakeDomain struct {
	state xen.DomainState
	stuck bool
	// maxmem records the last best-effort hard cap write.
	maxmem int64
}

// fakeProxy is an in-memory domain proxy over a fixed amount of host
// memory. Free memory is whatever the simulated domains do not hold.
type fakeProxy struct {
	sync.Mutex
	totalKiB int64
	domains  map[xen.DomID]*fakeDomain

	targetWrites int
}

func newFakeProxy(totalKiB int64) *fakeProxy {
	return &fakeProxy{
		totalKiB: totalKiB,
		domains:  map[xen.DomID]*fakeDomain{},
	}
}

func (f *fakeProxy) addDomain(domid xen.DomID, target, min, max int64) *fakeDomain {
	f.Lock()
	defer f.Unlock()

	d := &fakeDomain{
		state: xen.DomainState{
			Target:            target,
			CurrentAllocation: target,
			DynamicMin:        min,
			DynamicMax:        max,
		},
	}
	f.domains[domid] = d
	return d
}

func (f *fakeProxy) ListDomains() ([]xen.DomID, error) {
	f.Lock()
	defer f.Unlock()

	domids := make([]xen.DomID, 0, len(f.domains))
	for domid := range f.domains {
		domids = append(domids, domid)
	}
	sort.Slice(domids, func(i, j int) bool { return domids[i] < domids[j] })

	return domids, nil
}

func (f *fakeProxy) ReadDomain(domid xen.DomID) (*xen.DomainState, error) {
	f.Lock()
	defer f.Unlock()

	d, ok := f.domains[domid]
	if !ok {
		return nil, errors.Wrapf(xen.ErrDomainNotFound, "domain %d", domid)
	}

	if !d.stuck {
		d.state.CurrentAllocation = d.state.Target
	}

	state := d.state
	return &state, nil
}

func (f *fakeProxy) SetTarget(domid xen.DomID, kib int64) error {
	f.Lock()
	defer f.Unlock()

	d, ok := f.domains[domid]
	if !ok {
		return errors.Wrapf(xen.ErrDomainNotFound, "domain %d", domid)
	}

	d.state.Target = kib
	f.targetWrites++

	return nil
}

func (f *fakeProxy) SetMaxmemBestEffort(domid xen.DomID, kib int64) error {
	f.Lock()
	defer f.Unlock()

	if d, ok := f.domains[domid]; ok {
		d.maxmem = kib
	}

	return nil
}

func (f *fakeProxy) HostFreeMemory() (int64, error) {
	f.Lock()
	defer f.Unlock()

	free := f.totalKiB
	for _, d := range f.domains {
		free -= d.state.CurrentAllocation
	}

	return free, nil
}

func (f *fakeProxy) targetOf(domid xen.DomID) int64 {
	f.Lock()
	defer f.Unlock()
	return f.domains[domid].state.Target
}

func (f *fakeProxy) maxmemOf(domid xen.DomID) int64 {
	f.Lock()
	defer f.Unlock()
	return f.domains[domid].maxmem
}

func (f *fakeProxy) writes() int {
	f.Lock()
	defer f.Unlock()
	return f.targetWrites
}

// testConfig returns a configuration with balancing timeouts scaled
// down for tests.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HostReservedKiB = 0
	cfg.HysteresisKiB = 0
	cfg.ToleranceKiB = 1
	cfg.GraceTimeout = config.Duration{Duration: 50 * time.Millisecond}
	cfg.PollInterval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.MonitorInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.StoreBackend = "file"
	return cfg
}

func noWithheld() (int64, error) {
	return 0, nil
}
