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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreReadWrite(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read("/a/b")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Write("/a/b", "42"))

	value, err := s.Read("/a/b")
	require.NoError(t, err)
	require.Equal(t, "42", value)

	// Paths are normalized: trailing slashes and missing leading ones
	// address the same entry.
	value, err = s.Read("a/b/")
	require.NoError(t, err)
	require.Equal(t, "42", value)

	require.NoError(t, s.Write("/a/b", "43"))
	value, err = s.Read("/a/b")
	require.NoError(t, err)
	require.Equal(t, "43", value)
}

func TestFileStoreList(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	names, err := s.List("/session")
	require.NoError(t, err)
	require.Empty(t, names)

	require.NoError(t, s.Write("/session/svc/id-1", "100"))
	require.NoError(t, s.Write("/session/svc/id-2", "200"))
	require.NoError(t, s.Write("/session/other/id-3", "300"))

	// Only immediate children, sorted, each once.
	names, err = s.List("/session")
	require.NoError(t, err)
	require.Equal(t, []string{"other", "svc"}, names)

	names, err = s.List("/session/svc")
	require.NoError(t, err)
	require.Equal(t, []string{"id-1", "id-2"}, names)
}

func TestFileStoreDeleteSubtree(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.ErrorIs(t, s.Delete("/session/svc"), ErrNotFound)

	require.NoError(t, s.Write("/session/svc/id-1", "100"))
	require.NoError(t, s.Write("/session/svc/id-2", "200"))
	require.NoError(t, s.Write("/session/svcetera/id-3", "300"))

	// Deleting a subtree removes everything under it but not entries
	// whose path merely shares the prefix string.
	require.NoError(t, s.Delete("/session/svc"))

	_, err = s.Read("/session/svc/id-1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Read("/session/svc/id-2")
	require.ErrorIs(t, err, ErrNotFound)

	value, err := s.Read("/session/svcetera/id-3")
	require.NoError(t, err)
	require.Equal(t, "300", value)
}

func TestFileStoreExists(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ok, err := s.Exists("/session")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Write("/session/svc/id-1", "100"))

	// Both the entry and its ancestors exist.
	for _, path := range []string{"/session", "/session/svc", "/session/svc/id-1"} {
		ok, err = s.Exists(path)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestFileStorePersistence(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write("/session/svc/id-1", "100"))
	require.NoError(t, s.Write("/session/svc/id-2", "200"))
	require.NoError(t, s.Delete("/session/svc/id-2"))

	// A fresh instance over the same directory restores the snapshot.
	s, err = NewFileStore(dir)
	require.NoError(t, err)

	value, err := s.Read("/session/svc/id-1")
	require.NoError(t, err)
	require.Equal(t, "100", value)

	_, err = s.Read("/session/svc/id-2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreRejectsVersionMismatch(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "store.json"),
		[]byte(`{"Version":"0","Entries":{}}`), 0o600)
	require.NoError(t, err)

	_, err = NewFileStore(dir)
	require.Error(t, err)
}

func TestFileStoreToleratesEmptyFile(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "store.json"), nil, 0o600))

	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = s.Read("/anything")
	require.ErrorIs(t, err, ErrNotFound)
}
