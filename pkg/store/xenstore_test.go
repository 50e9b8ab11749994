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
	"sort"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/containers/balloond/pkg/xs"
)

type fakeXenstore struct {
	entries map[string]string
}

func (f *fakeXenstore) dialer() xs.Dialer {
	return func() (xs.Conn, func(), error) {
		return f, func() {}, nil
	}
}

func (f *fakeXenstore) Read(path string) (string, error) {
	value, ok := f.entries[path]
	if !ok {
		return "", errors.Wrapf(xs.ErrNotFound, "%q", path)
	}
	return value, nil
}

func (f *fakeXenstore) Write(path, value string) error {
	f.entries[path] = value
	return nil
}

func (f *fakeXenstore) List(path string) ([]string, error) {
	children := map[string]struct{}{}
	for key := range f.entries {
		if !strings.HasPrefix(key, path+"/") {
			continue
		}
		name := strings.TrimPrefix(key, path+"/")
		if idx := strings.Index(name, "/"); idx >= 0 {
			name = name[:idx]
		}
		children[name] = struct{}{}
	}
	if len(children) == 0 {
		return nil, errors.Wrapf(xs.ErrNotFound, "%q", path)
	}

	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (f *fakeXenstore) Remove(path string) error {
	found := false
	for key := range f.entries {
		if key == path || strings.HasPrefix(key, path+"/") {
			delete(f.entries, key)
			found = true
		}
	}
	if !found {
		return errors.Wrapf(xs.ErrNotFound, "%q", path)
	}
	return nil
}

func TestXenStoreReadWrite(t *testing.T) {
	fake := &fakeXenstore{entries: map[string]string{}}
	s := NewXenStore(fake.dialer())

	_, err := s.Read("/balloond/session/svc/id-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Write("/balloond/session/svc/id-1", "100"))

	value, err := s.Read("/balloond/session/svc/id-1")
	require.NoError(t, err)
	require.Equal(t, "100", value)
}

func TestXenStoreListMissingPath(t *testing.T) {
	fake := &fakeXenstore{entries: map[string]string{}}
	s := NewXenStore(fake.dialer())

	// An absent subtree lists as empty: reservation sweeps must work
	// before anything was ever written.
	names, err := s.List("/balloond/session")
	require.NoError(t, err)
	require.Empty(t, names)

	require.NoError(t, s.Write("/balloond/session/svc/id-1", "100"))

	names, err = s.List("/balloond/session")
	require.NoError(t, err)
	require.Equal(t, []string{"svc"}, names)
}

func TestXenStoreDelete(t *testing.T) {
	fake := &fakeXenstore{entries: map[string]string{}}
	s := NewXenStore(fake.dialer())

	require.ErrorIs(t, s.Delete("/balloond/session/svc"), ErrNotFound)

	require.NoError(t, s.Write("/balloond/session/svc/id-1", "100"))
	require.NoError(t, s.Delete("/balloond/session/svc"))

	_, err := s.Read("/balloond/session/svc/id-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestXenStoreExists(t *testing.T) {
	fake := &fakeXenstore{entries: map[string]string{}}
	s := NewXenStore(fake.dialer())

	ok, err := s.Exists("/balloond/session/svc/id-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Write("/balloond/session/svc/id-1", "100"))

	ok, err = s.Exists("/balloond/session/svc/id-1")
	require.NoError(t, err)
	require.True(t, ok)
}
