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
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	logger "github.com/containers/balloond/pkg/log"
)

const (
	// FileStoreVersion is the format version of saved snapshots.
	FileStoreVersion = "1"

	fileName = "store.json"
	dirPerm  = os.FileMode(0o700)
	filePerm = os.FileMode(0o600)
)

// fileStore is a Store backed by a JSON snapshot file. Every mutation
// rewrites the snapshot before returning, so a daemon restart finds all
// previously acknowledged state on disk.
type fileStore struct {
	sync.Mutex
	filePath string
	entries  map[string]string
}

// snapshot serializes the store into a saveable/loadable state.
type snapshot struct {
	Version string
	Entries map[string]string
}

var log = logger.Get("store")

// NewFileStore creates a file-backed store under the given directory,
// restoring the last saved state if one is found.
func NewFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "failed to create store directory %q", dir)
	}

	s := &fileStore{
		filePath: filepath.Join(dir, fileName),
		entries:  make(map[string]string),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *fileStore) Read(path string) (string, error) {
	s.Lock()
	defer s.Unlock()

	value, ok := s.entries[clean(path)]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "%q", path)
	}

	return value, nil
}

func (s *fileStore) Write(path, value string) error {
	s.Lock()
	defer s.Unlock()

	s.entries[clean(path)] = value

	return s.save()
}

func (s *fileStore) Delete(path string) error {
	s.Lock()
	defer s.Unlock()

	path = clean(path)
	found := false
	for key := range s.entries {
		if key == path || strings.HasPrefix(key, path+"/") {
			delete(s.entries, key)
			found = true
		}
	}

	if !found {
		return errors.Wrapf(ErrNotFound, "%q", path)
	}

	return s.save()
}

func (s *fileStore) List(path string) ([]string, error) {
	s.Lock()
	defer s.Unlock()

	path = clean(path)
	children := map[string]struct{}{}
	for key := range s.entries {
		if !strings.HasPrefix(key, path+"/") {
			continue
		}
		name := strings.TrimPrefix(key, path+"/")
		if idx := strings.Index(name, "/"); idx >= 0 {
			name = name[:idx]
		}
		children[name] = struct{}{}
	}

	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (s *fileStore) Exists(path string) (bool, error) {
	s.Lock()
	defer s.Unlock()

	path = clean(path)
	if _, ok := s.entries[path]; ok {
		return true, nil
	}
	for key := range s.entries {
		if strings.HasPrefix(key, path+"/") {
			return true, nil
		}
	}

	return false, nil
}

// save writes the current state to disk, atomically replacing the
// previous snapshot.
func (s *fileStore) save() error {
	log.Debug("saving store to file %q...", s.filePath)

	data, err := json.Marshal(snapshot{Version: FileStoreVersion, Entries: s.entries})
	if err != nil {
		return errors.Wrap(err, "failed to marshal store snapshot")
	}

	tmpPath := s.filePath + ".saving"
	if err := os.WriteFile(tmpPath, data, filePerm); err != nil {
		return errors.Wrapf(err, "failed to write store to file %q", tmpPath)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, s.filePath)
	}

	return nil
}

// load restores the last saved state, tolerating a missing or empty file.
func (s *fileStore) load() error {
	data, err := os.ReadFile(s.filePath)

	switch {
	case os.IsNotExist(err):
		log.Debug("no store file %q, nothing to restore", s.filePath)
		return nil
	case err != nil:
		return errors.Wrapf(err, "failed to load store from file %q", s.filePath)
	case len(data) == 0:
		log.Debug("empty store file %q, nothing to restore", s.filePath)
		return nil
	}

	snap := snapshot{}
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrapf(err, "failed to unmarshal store snapshot %q", s.filePath)
	}
	if snap.Version != FileStoreVersion {
		return errors.Errorf("can't restore snapshot, version %q != running version %q",
			snap.Version, FileStoreVersion)
	}

	if snap.Entries != nil {
		s.entries = snap.Entries
	}

	return nil
}

func clean(path string) string {
	return "/" + strings.Trim(path, "/")
}
