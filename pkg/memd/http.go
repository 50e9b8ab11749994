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

package memd

import (
	"encoding/json"
	"errors"
	"net/http"

	xhttp "github.com/containers/balloond/pkg/http"
	"github.com/containers/balloond/pkg/xen"
)

// The admin API maps the daemon's operations onto JSON-over-HTTP
// endpoints on the shared mux. It is a thin translation layer; all
// semantics, serialization included, live in the operations themselves.

type loginRequest struct {
	Service string `json:"service"`
}

type reserveRequest struct {
	Session string `json:"session"`
	KiB     int64  `json:"kib"`
	MinKiB  int64  `json:"minKib"`
	MaxKiB  int64  `json:"maxKib"`
}

type reservationRequest struct {
	Session       string    `json:"session"`
	ReservationID string    `json:"reservationId"`
	DomID         xen.DomID `json:"domid"`
}

type apiError struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// setupAdminAPI registers the admin routes. The handlers resolve the
// active daemon instance per request, matching the once-per-process
// registration of the shared mux.
func setupAdminAPI(mux *xhttp.ServeMux) {
	routes := []struct {
		pattern string
		handler func(*memd, http.ResponseWriter, *http.Request)
	}{
		{"POST /api/v1/login", (*memd).serveLogin},
		{"POST /api/v1/reserve", (*memd).serveReserve},
		{"POST /api/v1/reserve-range", (*memd).serveReserveRange},
		{"POST /api/v1/delete", (*memd).serveDelete},
		{"POST /api/v1/transfer", (*memd).serveTransfer},
		{"GET /api/v1/reservation", (*memd).serveQuery},
		{"POST /api/v1/balance", (*memd).serveBalance},
		{"GET /api/v1/host-reserved-memory", (*memd).serveHostReserved},
		{"GET /api/v1/domain-zero-policy", (*memd).serveDomainZeroPolicy},
		{"GET /api/v1/diagnostics", (*memd).serveDiagnostics},
	}

	for _, route := range routes {
		handler := route.handler
		mux.HandleFunc(route.pattern, func(w http.ResponseWriter, r *http.Request) {
			handler(active.Load(), w, r)
		})
	}
}

func (m *memd) serveLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}

	session, err := m.Login(req.Service)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]string{"session": session})
}

func (m *memd) serveReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decode(w, r, &req) {
		return
	}

	id, err := m.ReserveMemory(req.Session, req.KiB)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]string{"reservationId": id})
}

func (m *memd) serveReserveRange(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decode(w, r, &req) {
		return
	}

	id, kib, err := m.ReserveMemoryRange(req.Session, req.MinKiB, req.MaxKiB)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{"reservationId": id, "kib": kib})
}

func (m *memd) serveDelete(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if !decode(w, r, &req) {
		return
	}

	if err := m.DeleteReservation(req.Session, req.ReservationID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]string{})
}

func (m *memd) serveTransfer(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if !decode(w, r, &req) {
		return
	}

	if err := m.TransferReservationToDomain(req.Session, req.ReservationID, req.DomID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]string{})
}

func (m *memd) serveQuery(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if !decode(w, r, &req) {
		return
	}

	id, err := m.QueryReservationOfDomain(req.Session, req.DomID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]string{"reservationId": id})
}

func (m *memd) serveBalance(w http.ResponseWriter, r *http.Request) {
	if err := m.BalanceMemory(); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]string{})
}

func (m *memd) serveHostReserved(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int64{"kib": m.GetHostReservedMemory()})
}

func (m *memd) serveDomainZeroPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.GetDomainZeroPolicy())
}

func (m *memd) serveDiagnostics(w http.ResponseWriter, r *http.Request) {
	dump, err := m.GetDiagnostics()
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte(dump)); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	// Query requests carry their arguments as URL parameters.
	if r.Method == http.MethodGet {
		if req, ok := into.(*reservationRequest); ok {
			req.Session = r.URL.Query().Get("session")
			if domid := r.URL.Query().Get("domid"); domid != "" {
				if err := json.Unmarshal([]byte(domid), &req.DomID); err != nil {
					http.Error(w, "invalid domid", http.StatusBadRequest)
					return false
				}
			}
			return true
		}
	}

	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

// writeError translates the error taxonomy into HTTP statuses, keeping
// the error kind visible to clients.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, ErrInvalidMemoryValue):
		status, kind = http.StatusBadRequest, "invalid-memory-value"
	case errors.Is(err, ErrUnknownReservation):
		status, kind = http.StatusNotFound, "unknown-reservation"
	case errors.Is(err, ErrNoReservation):
		status, kind = http.StatusNotFound, "no-reservation"
	case errors.Is(err, ErrCannotFreeMemory):
		status, kind = http.StatusConflict, "cannot-free-memory"
	case errors.Is(err, ErrRefusedToCooperate):
		status, kind = http.StatusConflict, "domains-refused-to-cooperate"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiError{Kind: kind, Error: err.Error()}); err != nil {
		log.Error("failed to write error response: %v", err)
	}
}
