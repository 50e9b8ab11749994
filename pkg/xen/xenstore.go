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

package xen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/containers/balloond/pkg/log"
	"github.com/containers/balloond/pkg/xs"
)

const (
	// domainRoot is the xenstore subtree holding per-domain state.
	domainRoot = "/local/domain"

	// DefaultFreeMemPath is the xenstore path where the control plane
	// publishes measured free host memory, in KiB.
	DefaultFreeMemPath = "/local/domain/0/memory/freemem"
)

// proxy implements Interface on top of xenstore. Balloon targets and
// dynamic bounds live under /local/domain/<id>/memory; the in-guest
// balloon driver reports its progress back through the same subtree.
type proxy struct {
	dial        xs.Dialer
	freeMemPath string
	log         logger.Logger
}

// Option configures the xenstore-backed proxy.
type Option func(*proxy)

// WithFreeMemPath overrides the path free host memory is read from.
func WithFreeMemPath(path string) Option {
	return func(p *proxy) {
		if path != "" {
			p.freeMemPath = path
		}
	}
}

// NewProxy creates a xenstore-backed domain proxy.
func NewProxy(dial xs.Dialer, options ...Option) Interface {
	p := &proxy{
		dial:        dial,
		freeMemPath: DefaultFreeMemPath,
		log:         logger.Get("domain-proxy"),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

func (p *proxy) ListDomains() ([]DomID, error) {
	var domains []DomID

	err := xs.WithConn(p.dial, func(c xs.Conn) error {
		names, err := c.List(domainRoot)
		if err != nil {
			return err
		}
		for _, name := range names {
			id, err := strconv.ParseUint(name, 10, 32)
			if err != nil {
				p.log.Warn("ignoring unparsable domain id %q", name)
				continue
			}
			domains = append(domains, DomID(id))
		}
		return nil
	})

	return domains, err
}

func (p *proxy) ReadDomain(domid DomID) (*DomainState, error) {
	state := &DomainState{}

	err := xs.WithConn(p.dial, func(c xs.Conn) error {
		for _, key := range []struct {
			name  string
			value *int64
		}{
			{"memory/target", &state.Target},
			{"memory/current", &state.CurrentAllocation},
			{"memory/dynamic-min", &state.DynamicMin},
			{"memory/dynamic-max", &state.DynamicMax},
		} {
			v, err := p.readInt(c, domid, key.name)
			if err != nil {
				return err
			}
			*key.value = v
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return state, nil
}

func (p *proxy) SetTarget(domid DomID, kib int64) error {
	p.log.Debug("setting domain %d target to %d KiB", domid, kib)

	return mapNotFound(domid, xs.WithConn(p.dial, func(c xs.Conn) error {
		return c.Write(domainPath(domid, "memory/target"), strconv.FormatInt(kib, 10))
	}))
}

func (p *proxy) SetMaxmemBestEffort(domid DomID, kib int64) error {
	p.log.Debug("setting domain %d maxmem to %d KiB", domid, kib)

	err := mapNotFound(domid, xs.WithConn(p.dial, func(c xs.Conn) error {
		return c.Write(domainPath(domid, "memory/static-max"), strconv.FormatInt(kib, 10))
	}))

	// The domain may have exited between our store lookup and this
	// write. That is a documented tolerance, not a failure.
	if errors.Is(err, ErrDomainNotFound) {
		p.log.Warn("domain %d vanished while setting maxmem, ignoring", domid)
		return nil
	}

	return err
}

func (p *proxy) HostFreeMemory() (int64, error) {
	var free int64

	err := xs.WithConn(p.dial, func(c xs.Conn) error {
		raw, err := c.Read(p.freeMemPath)
		if err != nil {
			return err
		}
		free, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid free memory value %q at %q", raw, p.freeMemPath)
		}
		return nil
	})

	return free, err
}

func (p *proxy) readInt(c xs.Conn, domid DomID, key string) (int64, error) {
	raw, err := c.Read(domainPath(domid, key))
	if err != nil {
		return 0, mapNotFound(domid, err)
	}

	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "domain %d: invalid %s value %q", domid, key, raw)
	}

	return v, nil
}

func domainPath(domid DomID, key string) string {
	return fmt.Sprintf("%s/%d/%s", domainRoot, domid, key)
}

func mapNotFound(domid DomID, err error) error {
	if errors.Is(err, xs.ErrNotFound) {
		return errors.Wrapf(ErrDomainNotFound, "domain %d", domid)
	}
	return err
}
