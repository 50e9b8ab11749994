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

package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var pidFilePath = filepath.Join("/var/run/balloond", "balloond.pid")

// GetPath returns the current PID file path.
func GetPath() string {
	return pidFilePath
}

// SetPath overrides the default PID file path.
func SetPath(path string) {
	pidFilePath = path
}

// Write writes the current process' PID to the PID file.
func Write() error {
	dir := filepath.Dir(pidFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create PID file directory %q", dir)
	}

	data := strconv.Itoa(os.Getpid()) + "\n"
	tmp := pidFilePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write PID file %q", tmp)
	}
	if err := os.Rename(tmp, pidFilePath); err != nil {
		return errors.Wrapf(err, "failed to rename PID file %q", tmp)
	}

	return nil
}

// Read reads the PID stored in the PID file.
func Read() (int, error) {
	data, err := os.ReadFile(pidFilePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read PID file %q", pidFilePath)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid PID file content %q", data)
	}

	return pid, nil
}

// Remove removes a stale PID file, tolerating a missing one.
func Remove() error {
	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove PID file %q", pidFilePath)
	}
	return nil
}
