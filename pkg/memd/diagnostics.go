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
	"strconv"

	"sigs.k8s.io/yaml"

	"github.com/containers/balloond/pkg/hostmem"
	"github.com/containers/balloond/pkg/xen"
)

// diagnostics is the state dump served by GetDiagnostics. Clients treat
// the rendered form as an opaque string; the shape is not a stable API.
type diagnostics struct {
	HostFreeKiB      int64               `json:"hostFreeKiB"`
	HostReservedKiB  int64               `json:"hostReservedKiB"`
	OutstandingKiB   int64               `json:"outstandingKiB"`
	DomainZero       string              `json:"domainZero"`
	Kernel           string              `json:"kernel"`
	Domains          map[string]string   `json:"domains,omitempty"`
	Uncooperative    []xen.DomID         `json:"uncooperative,omitempty"`
	Sessions         map[string][]string `json:"sessions,omitempty"`
	LastBalanceError string              `json:"lastBalanceError,omitempty"`
}

// GetDiagnostics renders a dump of the daemon's view of the host.
func (m *memd) GetDiagnostics() (string, error) {
	m.Lock()
	defer m.Unlock()

	d := diagnostics{
		HostReservedKiB: m.cfg.HostReservedKiB,
		DomainZero:      m.cfg.DomainZero.String(),
		Kernel:          hostmem.SysinfoSummary(),
		Uncooperative:   m.engine.uncooperativeDomains(),
	}

	if free, err := m.proxy.HostFreeMemory(); err == nil {
		d.HostFreeKiB = free
	} else {
		log.Warn("diagnostics: failed to measure free memory: %v", err)
	}

	if promised, err := m.res.outstandingKiB(); err == nil {
		d.OutstandingKiB = promised
	}

	if domids, err := m.proxy.ListDomains(); err == nil {
		d.Domains = make(map[string]string, len(domids))
		for _, domid := range domids {
			name := "domain-" + strconv.FormatUint(uint64(domid), 10)
			if state, err := m.proxy.ReadDomain(domid); err == nil {
				d.Domains[name] = state.String()
			} else {
				d.Domains[name] = "unreadable: " + err.Error()
			}
		}
	}

	if sessions, err := m.res.st.List(m.cfg.SessionRoot); err == nil {
		d.Sessions = make(map[string][]string, len(sessions))
		for _, session := range sessions {
			if ids, err := m.res.list(session); err == nil {
				d.Sessions[session] = ids
			}
		}
	}

	if m.lastBalanceErr != nil {
		d.LastBalanceError = m.lastBalanceErr.Error()
	}

	dump, err := yaml.Marshal(&d)
	if err != nil {
		return "", memdError("failed to render diagnostics: %v", err)
	}

	return string(dump), nil
}
