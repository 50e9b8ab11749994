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

// Package store provides the persistent hierarchical key/value capability
// used for reservation bookkeeping. Keys are slash-separated paths. All
// mutations are durable before the call returns.
package store

import "fmt"

// ErrNotFound is returned when an operation references a path that is
// not present in the store.
var ErrNotFound = fmt.Errorf("store: path not found")

// Store is a persistent hierarchical key/value store.
type Store interface {
	// Read returns the value stored at the given path.
	Read(path string) (string, error)
	// Write stores a value at the given path, creating missing parents.
	Write(path, value string) error
	// Delete removes the given path and its whole subtree.
	Delete(path string) error
	// List returns the names of the immediate children of the given path.
	List(path string) ([]string, error)
	// Exists checks whether the given path is present.
	Exists(path string) (bool, error)
}
