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

// Package hostmem provides host memory accounting. The primary source is
// the balloon driver's sysfs directory; if that is unavailable we fall
// back to scanning /proc/meminfo for MemTotal.
package hostmem

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/containers/balloond/pkg/log"
)

const (
	balloonDir  = "sys/devices/system/xen_memory/xen_memory0"
	meminfoFile = "proc/meminfo"
)

var (
	root = "/"
	log  = logger.Get("hostmem")
)

// SetHostRoot overrides the directory prefix sysfs and procfs are read
// under. Used in tests and when running against a bind-mounted host root.
func SetHostRoot(path string) {
	if path == "" {
		path = "/"
	}
	root = path
}

// BalloonInfo is the balloon driver's view of the local domain's memory.
type BalloonInfo struct {
	// CurrentKiB is the current allocation.
	CurrentKiB int64
	// TargetKiB is the allocation the driver is converging to.
	TargetKiB int64
	// LowKiB and HighKiB are the ballooned-out amounts in the low and
	// high memory zones.
	LowKiB  int64
	HighKiB int64
}

// TotalBytes is the total addressable memory implied by the balloon
// driver info: ballooned-out pages plus the current allocation.
func (b *BalloonInfo) TotalBytes() int64 {
	return 1024 * (b.LowKiB + b.HighKiB + b.CurrentKiB)
}

// ReadBalloonInfo reads the balloon driver's sysfs keys.
func ReadBalloonInfo() (*BalloonInfo, error) {
	dir := filepath.Join(root, balloonDir)
	info := &BalloonInfo{}

	for _, key := range []struct {
		name  string
		value *int64
	}{
		{"info/current_kb", &info.CurrentKiB},
		{"target_kb", &info.TargetKiB},
		{"info/low_kb", &info.LowKiB},
		{"info/high_kb", &info.HighKiB},
	} {
		data, err := os.ReadFile(filepath.Join(dir, key.name))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read balloon driver key %q", key.name)
		}
		v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid balloon driver key %q value %q",
				key.name, strings.TrimSpace(string(data)))
		}
		*key.value = v
	}

	return info, nil
}

// TotalMemoryBytes returns the host's total addressable memory, trying
// the balloon driver first and falling back to /proc/meminfo. An
// unparsable meminfo is a hard error; reporting a wrong total would be
// worse than failing loudly.
func TotalMemoryBytes() (int64, error) {
	if info, err := ReadBalloonInfo(); err == nil {
		return info.TotalBytes(), nil
	} else {
		log.Debug("balloon driver info unavailable (%v), falling back to meminfo", err)
	}

	return meminfoTotalBytes()
}

// meminfoTotalBytes scans meminfo for a "MemTotal: <n> kB" line.
func meminfoTotalBytes() (int64, error) {
	path := filepath.Join(root, meminfoFile)

	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %q", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid MemTotal value %q in %q", fields[1], path)
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, errors.Wrapf(err, "failed to scan %q", path)
	}

	return 0, errors.Errorf("no MemTotal line found in %q", path)
}

// SysinfoSummary returns a short description of the kernel's view of
// memory, for diagnostics output.
func SysinfoSummary() string {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return "sysinfo unavailable: " + err.Error()
	}

	unit := int64(si.Unit)
	if unit == 0 {
		unit = 1
	}

	total := int64(si.Totalram) * unit / 1024
	free := int64(si.Freeram) * unit / 1024

	return "kernel: total " + strconv.FormatInt(total, 10) + " KiB, free " +
		strconv.FormatInt(free, 10) + " KiB"
}
