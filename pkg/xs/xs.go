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

// Package xs provides scoped access to xenstore. Connections are opened
// for a single operation and closed on every exit path, so hypervisor
// handles are never held across operations.
package xs

import (
	"fmt"
)

// ErrNotFound is returned when a read, list or remove references a path
// that does not exist.
var ErrNotFound = fmt.Errorf("xenstore: path not found")

// Conn is a single scoped xenstore connection.
type Conn interface {
	// Read returns the value stored at the given path.
	Read(path string) (string, error)
	// Write stores the given value at the given path.
	Write(path, value string) error
	// List returns the names of the immediate children of the given path.
	List(path string) ([]string, error)
	// Remove removes the given path and everything below it.
	Remove(path string) error
}

// Dialer opens a new connection, returning it together with its release
// function.
type Dialer func() (Conn, func(), error)

// WithConn runs fn with a freshly acquired connection, releasing it when
// fn returns.
func WithConn(dial Dialer, fn func(Conn) error) error {
	conn, release, err := dial()
	if err != nil {
		return err
	}
	defer release()

	return fn(conn)
}
