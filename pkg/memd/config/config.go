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

// Package config holds the daemon's process-wide configuration. It is
// read once at startup and passed by value into the components that need
// it; nothing reads configuration from ambient globals at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"sigs.k8s.io/yaml"

	"github.com/containers/balloond/pkg/instrumentation"
)

// Domain-zero policy modes.
const (
	// FixedSize pins domain 0 to a fixed allocation; it does not
	// participate in balancing.
	FixedSize = "fixed-size"
	// AutoBalloon lets domain 0 balloon within a dynamic range like any
	// other domain.
	AutoBalloon = "auto-balloon"
)

// DomainZeroPolicy describes whether and how the privileged domain
// participates in ballooning.
type DomainZeroPolicy struct {
	// Mode is either FixedSize or AutoBalloon.
	Mode string `json:"mode" env:"BALLOOND_DOM0_MODE"`
	// SizeKiB is the pinned allocation in FixedSize mode.
	SizeKiB int64 `json:"sizeKiB,omitempty" env:"BALLOOND_DOM0_SIZE_KIB"`
	// MinKiB and MaxKiB bound the dynamic range in AutoBalloon mode.
	MinKiB int64 `json:"minKiB,omitempty" env:"BALLOOND_DOM0_MIN_KIB"`
	MaxKiB int64 `json:"maxKiB,omitempty" env:"BALLOOND_DOM0_MAX_KIB"`
}

// Duration is a time.Duration that (un)marshals as a string.
type Duration struct {
	time.Duration
}

// Config is the full daemon configuration.
type Config struct {
	// HostReservedKiB is memory permanently withheld from allocation,
	// covering low-memory emergency needs.
	HostReservedKiB int64 `json:"hostReservedKiB" env:"BALLOOND_HOST_RESERVED_KIB"`
	// HysteresisKiB is the band around HostReservedKiB within which the
	// host is considered balanced. Prevents thrashing on transient noise.
	HysteresisKiB int64 `json:"hysteresisKiB" env:"BALLOOND_HYSTERESIS_KIB"`
	// ToleranceKiB is how close to its target a domain's current
	// allocation must get to count as converged.
	ToleranceKiB int64 `json:"toleranceKiB" env:"BALLOOND_TOLERANCE_KIB"`

	// GraceTimeout bounds each balancing round's convergence poll.
	GraceTimeout Duration `json:"graceTimeout" env:"BALLOOND_GRACE_TIMEOUT"`
	// PollInterval is the delay between convergence polls within a round.
	PollInterval Duration `json:"pollInterval" env:"BALLOOND_POLL_INTERVAL"`
	// MonitorInterval is the host monitor's sleep between balance checks.
	MonitorInterval Duration `json:"monitorInterval" env:"BALLOOND_MONITOR_INTERVAL"`
	// UncooperativeDecay is how long a domain stays excluded after
	// failing to make balloon progress.
	UncooperativeDecay Duration `json:"uncooperativeDecay" env:"BALLOOND_UNCOOPERATIVE_DECAY"`

	// DomainZero is the privileged domain's ballooning policy.
	DomainZero DomainZeroPolicy `json:"domainZero"`

	// StoreBackend selects the reservation store backend, "xenstore"
	// or "file".
	StoreBackend string `json:"storeBackend" env:"BALLOOND_STORE_BACKEND"`
	// StateDir is where the file store backend keeps its state.
	StateDir string `json:"stateDir" env:"BALLOOND_STATE_DIR"`
	// XenstoreSocket is the xenstored unix socket path.
	XenstoreSocket string `json:"xenstoreSocket" env:"BALLOOND_XENSTORE_SOCKET"`
	// FreeMemPath is the xenstore path free host memory is read from.
	FreeMemPath string `json:"freeMemPath" env:"BALLOOND_FREEMEM_PATH"`
	// SessionRoot is the store subtree reservation records live under.
	SessionRoot string `json:"sessionRoot" env:"BALLOOND_SESSION_ROOT"`
	// DomainRoot is the store subtree per-domain transfer records live
	// under.
	DomainRoot string `json:"domainRoot" env:"BALLOOND_DOMAIN_ROOT"`

	// Instrumentation configures the HTTP endpoint, metrics and tracing.
	Instrumentation instrumentation.Config `json:"instrumentation"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		HostReservedKiB:    262144, // 256 MiB of host slack
		HysteresisKiB:      8192,
		ToleranceKiB:       1024,
		GraceTimeout:       Duration{5 * time.Second},
		PollInterval:       Duration{250 * time.Millisecond},
		MonitorInterval:    Duration{10 * time.Second},
		UncooperativeDecay: Duration{5 * time.Minute},
		DomainZero: DomainZeroPolicy{
			Mode: FixedSize,
		},
		StoreBackend: "xenstore",
		StateDir:     "/var/lib/balloond",
		SessionRoot:  "/balloond/session",
		DomainRoot:   "/local/domain",
	}
}

// Read loads configuration from the given YAML file (if any), applies
// environment overrides and validates the result.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %q: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %q: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.HostReservedKiB < 0 {
		return fmt.Errorf("config: negative hostReservedKiB %d", c.HostReservedKiB)
	}
	if c.HysteresisKiB < 0 {
		return fmt.Errorf("config: negative hysteresisKiB %d", c.HysteresisKiB)
	}
	if c.ToleranceKiB < 0 {
		return fmt.Errorf("config: negative toleranceKiB %d", c.ToleranceKiB)
	}
	if c.GraceTimeout.Duration <= 0 {
		return fmt.Errorf("config: non-positive graceTimeout %v", c.GraceTimeout.Duration)
	}
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("config: non-positive pollInterval %v", c.PollInterval.Duration)
	}
	if c.MonitorInterval.Duration <= 0 {
		return fmt.Errorf("config: non-positive monitorInterval %v", c.MonitorInterval.Duration)
	}

	switch c.StoreBackend {
	case "xenstore", "file":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}

	return c.DomainZero.Validate()
}

// Validate checks a domain-zero policy for consistency.
func (p *DomainZeroPolicy) Validate() error {
	switch p.Mode {
	case FixedSize:
		if p.SizeKiB < 0 {
			return fmt.Errorf("config: negative domain zero size %d KiB", p.SizeKiB)
		}
	case AutoBalloon:
		if p.MinKiB < 0 || p.MaxKiB < 0 || p.MinKiB > p.MaxKiB {
			return fmt.Errorf("config: invalid domain zero range [%d, %d] KiB",
				p.MinKiB, p.MaxKiB)
		}
	default:
		return fmt.Errorf("config: unknown domain zero policy %q", p.Mode)
	}

	return nil
}

// String returns a human-readable form of a domain-zero policy.
func (p DomainZeroPolicy) String() string {
	if p.Mode == AutoBalloon {
		return fmt.Sprintf("auto-balloon [%d, %d] KiB", p.MinKiB, p.MaxKiB)
	}
	return fmt.Sprintf("fixed-size %d KiB", p.SizeKiB)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("config: invalid duration %q", data)
	}
	return d.UnmarshalText(data[1 : len(data)-1])
}

// UnmarshalText implements encoding.TextUnmarshaler, used both by YAML
// parsing (through JSON) and by environment overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}
