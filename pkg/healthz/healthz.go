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

package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	xhttp "github.com/containers/balloond/pkg/http"
	logger "github.com/containers/balloond/pkg/log"
)

// Status describes the health of a component or the whole daemon.
type Status int

const (
	// Healthy marks a fully functional component.
	Healthy Status = iota
	// Degraded marks a component that works but reported a recent failure.
	Degraded
	// NonFunctional marks a component that cannot serve its purpose.
	NonFunctional
)

// CheckFn reports the health of one component.
type CheckFn func() (status Status, details error)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	sorted   []string
	log      = logger.NewLogger("health-check")
)

// String returns a human-readable form of a status.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("<invalid status %d>", int(s))
}

// Setup registers the healthz handler on the given HTTP request multiplexer.
func Setup(mux *xhttp.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

// RegisterHealthChecker registers the given health checker function.
func RegisterHealthChecker(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		panic(fmt.Sprintf("health checker %q already registered", name))
	}

	checkers[name] = fn
	sorted = append(sorted, name)
	sort.Strings(sorted)
}

// serve serves a single healthz request.
func serve(w http.ResponseWriter, req *http.Request) {
	status, details := check()

	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Error("failed to write response: %v", err)
		}
		return
	}

	body := ""
	for _, name := range sorted {
		if err, failed := details[name]; failed {
			body += fmt.Sprintf("%s: %v\n", name, err)
		}
	}

	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(status.String() + "\n" + body)); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

// check runs all registered checkers and picks the worst status.
func check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	lock.Lock()
	defer lock.Unlock()

	for _, name := range sorted {
		if s, err := checkers[name](); s != Healthy {
			if s > status {
				status = s
			}
			if err != nil {
				details[name] = err
				log.Error("component %s reported unhealthy: %v", name, err)
			}
		}
	}

	return status, details
}
