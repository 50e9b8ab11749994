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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestReadMissingPathUsesDefaults(t *testing.T) {
	cfg, err := Read("")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(Default(), cfg))
}

func TestReadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
hostReservedKiB: 131072
graceTimeout: 2s
storeBackend: file
stateDir: /tmp/balloond-test
domainZero:
  mode: auto-balloon
  minKiB: 262144
  maxKiB: 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Read(path)
	require.NoError(t, err)

	require.Equal(t, int64(131072), cfg.HostReservedKiB)
	require.Equal(t, 2*time.Second, cfg.GraceTimeout.Duration)
	require.Equal(t, "file", cfg.StoreBackend)
	require.Equal(t, AutoBalloon, cfg.DomainZero.Mode)
	require.Equal(t, int64(262144), cfg.DomainZero.MinKiB)

	// Unset keys keep their defaults.
	require.Equal(t, Default().HysteresisKiB, cfg.HysteresisKiB)
	require.Equal(t, Default().SessionRoot, cfg.SessionRoot)
}

func TestReadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("noSuchKey: 1\n"), 0o600))

	_, err := Read(path)
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BALLOOND_HOST_RESERVED_KIB", "65536")
	t.Setenv("BALLOOND_GRACE_TIMEOUT", "750ms")
	t.Setenv("BALLOOND_STORE_BACKEND", "file")

	cfg, err := Read("")
	require.NoError(t, err)

	require.Equal(t, int64(65536), cfg.HostReservedKiB)
	require.Equal(t, 750*time.Millisecond, cfg.GraceTimeout.Duration)
	require.Equal(t, "file", cfg.StoreBackend)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		mod   func(*Config)
		valid bool
	}{
		{"defaults", func(*Config) {}, true},
		{"negative reserve", func(c *Config) { c.HostReservedKiB = -1 }, false},
		{"negative hysteresis", func(c *Config) { c.HysteresisKiB = -1 }, false},
		{"zero grace timeout", func(c *Config) { c.GraceTimeout = Duration{} }, false},
		{"zero poll interval", func(c *Config) { c.PollInterval = Duration{} }, false},
		{"bogus store backend", func(c *Config) { c.StoreBackend = "etcd" }, false},
		{"bogus domain zero mode", func(c *Config) { c.DomainZero.Mode = "manual" }, false},
		{"negative pinned size", func(c *Config) { c.DomainZero.SizeKiB = -1 }, false},
		{
			"inverted balloon range",
			func(c *Config) {
				c.DomainZero = DomainZeroPolicy{Mode: AutoBalloon, MinKiB: 2, MaxKiB: 1}
			},
			false,
		},
		{
			"valid balloon range",
			func(c *Config) {
				c.DomainZero = DomainZeroPolicy{Mode: AutoBalloon, MinKiB: 1, MaxKiB: 2}
			},
			true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mod(cfg)
			if tc.valid {
				require.NoError(t, cfg.Validate())
			} else {
				require.Error(t, cfg.Validate())
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration{1500 * time.Millisecond}

	data, err := d.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"1.5s"`, string(data))

	parsed := Duration{}
	require.NoError(t, parsed.UnmarshalJSON(data))
	require.Equal(t, d, parsed)

	require.Error(t, parsed.UnmarshalJSON([]byte(`1500`)))
	require.Error(t, parsed.UnmarshalText([]byte("soon")))
}
