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

package store

import (
	"github.com/pkg/errors"

	"github.com/containers/balloond/pkg/xs"
)

// xenStore is a Store backed by xenstore. xenstored persists writes and
// serves them back across daemon restarts, which gives us the required
// durability. A connection is acquired and released per operation.
type xenStore struct {
	dial xs.Dialer
}

// NewXenStore creates a xenstore-backed store using the given dialer.
func NewXenStore(dial xs.Dialer) Store {
	return &xenStore{dial: dial}
}

func (s *xenStore) Read(path string) (string, error) {
	var value string

	err := xs.WithConn(s.dial, func(c xs.Conn) error {
		var err error
		value, err = c.Read(clean(path))
		return err
	})

	return value, mapNotFound(err)
}

func (s *xenStore) Write(path, value string) error {
	return mapNotFound(xs.WithConn(s.dial, func(c xs.Conn) error {
		return c.Write(clean(path), value)
	}))
}

func (s *xenStore) Delete(path string) error {
	return mapNotFound(xs.WithConn(s.dial, func(c xs.Conn) error {
		return c.Remove(clean(path))
	}))
}

func (s *xenStore) List(path string) ([]string, error) {
	var children []string

	err := xs.WithConn(s.dial, func(c xs.Conn) error {
		var err error
		children, err = c.List(clean(path))
		return err
	})

	if errors.Is(err, xs.ErrNotFound) {
		return nil, nil
	}

	return children, err
}

func (s *xenStore) Exists(path string) (bool, error) {
	found := false

	err := xs.WithConn(s.dial, func(c xs.Conn) error {
		switch _, err := c.Read(clean(path)); {
		case err == nil:
			found = true
			return nil
		case errors.Is(err, xs.ErrNotFound):
			return nil
		default:
			return err
		}
	})

	return found, err
}

// mapNotFound rewraps the transport's missing-path failure as ours.
func mapNotFound(err error) error {
	if errors.Is(err, xs.ErrNotFound) {
		return errors.Wrap(ErrNotFound, err.Error())
	}
	return err
}
