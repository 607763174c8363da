// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtls

import (
	"net"
	"sync/atomic"

	"github.com/dtls-connector/dtls/internal/closer"
	"github.com/dtls-connector/dtls/internal/fragmentbuffer"
	"github.com/dtls-connector/dtls/internal/handshaker"
	"github.com/dtls-connector/dtls/internal/session"
	"github.com/dtls-connector/dtls/pkg/protocol/recordlayer"
)

// pendingFlight tracks one in-flight retransmittable send, spec.md
// Section 3 "Flight". records are kept unmarshaled so each (re)transmission
// can re-stamp sequence numbers from session, spec.md Section 4.3 "Flight
// send and fragmentation into datagrams": sequence numbers must never be
// reused, even across retransmissions.
type pendingFlight struct {
	records   []*recordlayer.RecordLayer
	session   *session.Session
	tries     int
	timeoutMS int
	cancel    func()
}

// Connection is the per-peer aggregate, spec.md Section 3 "Connection":
// at most one established session, at most one ongoing handshaker, at
// most one pending flight. All mutation is serialized through a single
// mailbox goroutine (spec.md Section 9 "Per-peer state isolation"), so
// every exported method other than Do and the atomic ResumptionRequired
// accessors must only be called from within a function submitted to Do.
type Connection struct {
	PeerAddr net.Addr

	Session    *session.Session
	Handshaker *handshaker.Handshaker
	Flight     *pendingFlight
	Fragments  *fragmentbuffer.Buffer

	resumptionRequired atomic.Bool

	mailbox chan func()
	closed  *closer.Closer
}

// newConnection returns a Connection with a running mailbox goroutine.
// Callers must call destroy when finished to stop the goroutine.
func newConnection(peerAddr net.Addr) *Connection {
	c := &Connection{
		PeerAddr:  peerAddr,
		Fragments: fragmentbuffer.New(),
		mailbox:   make(chan func(), 64),
		closed:    closer.NewCloser(),
	}
	go c.run()
	return c
}

func (c *Connection) run() {
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-c.closed.Done():
			c.drain()
			return
		}
	}
}

func (c *Connection) drain() {
	for {
		select {
		case <-c.mailbox:
		default:
			return
		}
	}
}

// Do submits fn to run exclusively on this connection's mailbox goroutine.
// It does not block for fn's completion; callers that need a result
// thread it out via a channel closed over in fn.
func (c *Connection) Do(fn func(*Connection)) {
	select {
	case c.mailbox <- func() { fn(c) }:
	case <-c.closed.Done():
	}
}

// destroy stops the mailbox goroutine and evicts any buffered fragments.
func (c *Connection) destroy() {
	c.Fragments.EvictPeer(c.PeerAddr.String())
	c.closed.Close()
}

// ResumptionRequired reports whether the next send to this peer must
// start a resuming client handshake, spec.md Section 6 "force_resume".
func (c *Connection) ResumptionRequired() bool {
	return c.resumptionRequired.Load()
}

// SetResumptionRequired implements force_resume, spec.md Section 6.
func (c *Connection) SetResumptionRequired(v bool) {
	c.resumptionRequired.Store(v)
}

// cancelFlight cancels any pending retransmission timer and clears the
// pending flight. Must be called from within Do.
func (c *Connection) cancelFlight() {
	if c.Flight != nil && c.Flight.cancel != nil {
		c.Flight.cancel()
	}
	c.Flight = nil
}

// terminateOngoingHandshake discards the handshaker and pending flight but
// keeps the established session intact, spec.md Section 7 "Termination
// discipline".
func (c *Connection) terminateOngoingHandshake() {
	c.cancelFlight()
	c.Handshaker = nil
}

// sessionKey returns the established or ongoing-handshake session's id as
// a string, used as the store's secondary index key.
func (c *Connection) sessionKey() string {
	if c.Session != nil {
		return string(c.Session.SessionID)
	}
	if c.Handshaker != nil {
		return string(c.Handshaker.Session().SessionID)
	}
	return ""
}

// handshakeConfirmed reports whether application data has been observed
// under the established session, the handshake-completed heuristic named
// in spec.md Section 9.
func (c *Connection) handshakeConfirmed() bool {
	if c.Session == nil {
		return false
	}
	return c.Session.HandshakeConfirmed.Load()
}
