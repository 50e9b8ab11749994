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

package xs

import (
	"strings"

	xenstore "github.com/joelnb/xenstore-go"
	"github.com/pkg/errors"

	logger "github.com/containers/balloond/pkg/log"
)

// DefaultSocketPath is the default xenstored unix socket path.
const DefaultSocketPath = "/run/xenstored/socket"

var log = logger.Get("xenstore")

// socketConn adapts the xenstore client to Conn, mapping missing-path
// failures to ErrNotFound.
type socketConn struct {
	client *xenstore.Client
}

// UnixSocketDialer returns a Dialer connecting to xenstored over the
// given unix socket.
func UnixSocketDialer(socketPath string) Dialer {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	return func() (Conn, func(), error) {
		client, err := xenstore.NewUnixSocketClient(socketPath)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to connect to xenstored at %q", socketPath)
		}

		release := func() {
			if err := client.Close(); err != nil {
				log.Warn("failed to close xenstore connection: %v", err)
			}
		}

		return &socketConn{client: client}, release, nil
	}
}

func (c *socketConn) Read(path string) (string, error) {
	value, err := c.client.Read(path)
	if err != nil {
		return "", mapError(path, err)
	}
	return value, nil
}

func (c *socketConn) Write(path, value string) error {
	if _, err := c.client.Write(path, value); err != nil {
		return mapError(path, err)
	}
	return nil
}

func (c *socketConn) List(path string) ([]string, error) {
	children, err := c.client.List(path)
	if err != nil {
		return nil, mapError(path, err)
	}
	return children, nil
}

func (c *socketConn) Remove(path string) error {
	if _, err := c.client.Remove(path); err != nil {
		return mapError(path, err)
	}
	return nil
}

// mapError normalizes the client's missing-path failure to ErrNotFound.
func mapError(path string, err error) error {
	if strings.Contains(err.Error(), "ENOENT") {
		return errors.Wrapf(ErrNotFound, "%q", path)
	}
	return errors.Wrapf(err, "xenstore operation on %q failed", path)
}
