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
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	logger "github.com/containers/balloond/pkg/log"
	"github.com/containers/balloond/pkg/store"
	"github.com/containers/balloond/pkg/xen"
)

const (
	initialReservationKey = "memory/initial-reservation"
	reservationIDKey      = "memory/reservation-id"
)

// reservations is the reservation store: CRUD over reservation records
// keyed by (session, id), plus the per-domain records written by the
// transfer protocol. All records live in the persistent store, so a
// daemon restart reconstructs outstanding reservations from it.
type reservations struct {
	st          store.Store
	sessionRoot string
	domainRoot  string
	log         logger.Logger
}

func newReservations(st store.Store, sessionRoot, domainRoot string) *reservations {
	return &reservations{
		st:          st,
		sessionRoot: sessionRoot,
		domainRoot:  domainRoot,
		log:         logger.Get("reservations"),
	}
}

// create generates a fresh id and durably writes the record. The record
// must be on disk before the caller is told the reservation is valid.
func (r *reservations) create(session string, kib int64) (string, error) {
	id := uuid.NewString()

	if err := r.st.Write(r.sessionPath(session, id), strconv.FormatInt(kib, 10)); err != nil {
		return "", errors.Wrapf(err, "failed to record reservation %s", id)
	}

	r.log.Info("session %q reserved %d KiB as %s", session, kib, id)

	return id, nil
}

// read returns the amount held by the given reservation.
func (r *reservations) read(session, id string) (int64, error) {
	raw, err := r.st.Read(r.sessionPath(session, id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, unknownReservation(id)
		}
		return 0, errors.Wrapf(err, "failed to read reservation %s", id)
	}

	kib, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt reservation record %s: %q", id, raw)
	}

	return kib, nil
}

// delete removes the given reservation.
func (r *reservations) delete(session, id string) error {
	if err := r.st.Delete(r.sessionPath(session, id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return unknownReservation(id)
		}
		return errors.Wrapf(err, "failed to delete reservation %s", id)
	}

	r.log.Info("session %q deleted reservation %s", session, id)

	return nil
}

// clearSession discards all of a session's reservations. Called at login
// so a service crashing and logging back in does not leak the memory its
// previous instance had promised.
func (r *reservations) clearSession(session string) error {
	err := r.st.Delete(r.sessionRoot + "/" + session)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(err, "failed to clear session %q", session)
	}

	return nil
}

// list returns the session's outstanding reservation ids.
func (r *reservations) list(session string) ([]string, error) {
	return r.st.List(r.sessionRoot + "/" + session)
}

// outstandingKiB sums all not-yet-transferred reservations across all
// sessions. This is memory already promised; the balance engine treats
// it as withheld from the pool available to new reservations.
func (r *reservations) outstandingKiB() (int64, error) {
	sessions, err := r.st.List(r.sessionRoot)
	if err != nil {
		return 0, errors.Wrap(err, "failed to enumerate sessions")
	}

	total := int64(0)
	for _, session := range sessions {
		ids, err := r.list(session)
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			kib, err := r.read(session, id)
			if err != nil {
				return 0, err
			}
			total += kib
		}
	}

	return total, nil
}

// bindDomain writes the domain's transfer records and consumes the
// session-keyed record. The two domain records are intentionally not
// written atomically; the whole daemon is single-writer, so no other
// actor can observe the intermediate state.
func (r *reservations) bindDomain(session, id string, domid xen.DomID, kib int64) error {
	amount := strconv.FormatInt(kib, 10)

	if err := r.st.Write(r.domainPath(domid, initialReservationKey), amount); err != nil {
		return errors.Wrapf(err, "failed to record initial reservation for domain %d", domid)
	}
	if err := r.st.Write(r.domainPath(domid, reservationIDKey), id); err != nil {
		return errors.Wrapf(err, "failed to record reservation id for domain %d", domid)
	}

	if err := r.st.Delete(r.sessionPath(session, id)); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(err, "failed to consume reservation %s", id)
	}

	r.log.Info("session %q transferred reservation %s (%d KiB) to domain %d",
		session, id, kib, domid)

	return nil
}

// lookupDomain returns the reservation id bound to the given domain.
func (r *reservations) lookupDomain(domid xen.DomID) (string, error) {
	id, err := r.st.Read(r.domainPath(domid, reservationIDKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", noReservation(domid)
		}
		return "", errors.Wrapf(err, "failed to look up reservation of domain %d", domid)
	}

	return id, nil
}

func (r *reservations) sessionPath(session, id string) string {
	return r.sessionRoot + "/" + session + "/" + id
}

func (r *reservations) domainPath(domid xen.DomID, key string) string {
	return fmt.Sprintf("%s/%d/%s", r.domainRoot, domid, key)
}
