// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package flight implements the Flight data model, spec.md Section 3: an
// ordered group of records sent together and retransmitted as a unit. It
// is the type handed back and forth between the handshaker (which builds
// the record list) and the connector core (which owns retransmission).
package flight

import (
	"github.com/dtls-connector/dtls/internal/session"
	"github.com/dtls-connector/dtls/pkg/protocol/recordlayer"
)

// Flight is an ordered list of records to be sent together, plus the
// retransmission bookkeeping the connector core maintains for it,
// spec.md Section 3 "Flight". All Records belong to the same peer; the
// peer address itself is tracked by the owning Connection, not here.
type Flight struct {
	Records []*recordlayer.RecordLayer

	// Session, if non-nil, is the session this flight is bound to: its
	// MaxDatagramSize governs packing and its write sequence numbers are
	// re-stamped on every (re)transmission, spec.md Section 4.3 "Flight
	// send and fragmentation into datagrams".
	Session *session.Session

	Tries            int
	TimeoutMS        int
	RetransmitNeeded bool
}

// New wraps records produced by a handshaker or the alert path into a
// retransmittable Flight.
func New(records []*recordlayer.RecordLayer, sess *session.Session, retransmit bool) *Flight {
	return &Flight{
		Records:          records,
		Session:          sess,
		RetransmitNeeded: retransmit,
	}
}
