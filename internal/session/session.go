// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package session implements the per-connection security context,
// spec.md Section 3 "Session": epochs, per-epoch sequence numbers, the
// replay window, negotiated cipher suite and keys, and peer identity.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/pion/transport/v3/replaydetector"

	"github.com/dtls-connector/dtls/pkg/crypto/ciphersuite"
)

// DefaultReplayProtectionWindow is the default sliding-window size,
// RFC 6347 Section 4.1.2.6.
const DefaultReplayProtectionWindow = 64

// DefaultMaxFragmentLength is the plaintext fragment cap absent a
// max_fragment_length extension, spec.md Section 4.3 "Start".
const DefaultMaxFragmentLength = 16384

// Identity names the credential a peer authenticated with. Certificate and
// raw-public-key variants are named for the Credentials contract but have
// no concrete implementation in this module, spec.md Section 1.
type Identity struct {
	PSKIdentity []byte
}

// Session is the per-connection security context, spec.md Section 3.
// A zero-value Session has WriteEpoch 0 and holds no keys: it can only
// emit plaintext records, per the Section 3 invariant.
type Session struct {
	mu sync.Mutex

	SessionID   []byte
	CipherSuite ciphersuite.CipherSuite

	readEpoch  atomic.Uint32
	writeEpoch atomic.Uint32

	// writeSequence[epoch] is the next sequence number to allocate for
	// that epoch. Indexed directly since epochs are small and monotonic.
	writeSequence []uint64

	replayWindows []replaydetector.ReplayDetector
	windowSize    uint

	MaxFragmentLength int
	MaxDatagramSize   int

	PeerIdentity Identity

	// HandshakeConfirmed is set once valid application data has been
	// received under this session, spec.md Section 4.3 "Handshake-completed
	// heuristic": a dedicated FINISHED-ack path is not provided.
	HandshakeConfirmed atomic.Bool
}

// New returns a Session with default window size and fragment length.
func New(sessionID []byte) *Session {
	return &Session{
		SessionID:         append([]byte{}, sessionID...),
		windowSize:        DefaultReplayProtectionWindow,
		MaxFragmentLength: DefaultMaxFragmentLength,
	}
}

// ReadEpoch returns the current read epoch.
func (s *Session) ReadEpoch() uint16 {
	return uint16(s.readEpoch.Load())
}

// WriteEpoch returns the current write epoch.
func (s *Session) WriteEpoch() uint16 {
	return uint16(s.writeEpoch.Load())
}

// SetReadEpoch advances the read epoch. Per the Section 3 invariant it
// must be monotonic non-decreasing; callers that violate this have a bug,
// so it is enforced with a no-op rather than a panic.
func (s *Session) SetReadEpoch(epoch uint16) {
	for {
		cur := s.readEpoch.Load()
		if uint32(epoch) <= cur {
			return
		}
		if s.readEpoch.CompareAndSwap(cur, uint32(epoch)) {
			return
		}
	}
}

// SetWriteEpoch advances the write epoch.
func (s *Session) SetWriteEpoch(epoch uint16) {
	for {
		cur := s.writeEpoch.Load()
		if uint32(epoch) <= cur {
			return
		}
		if s.writeEpoch.CompareAndSwap(cur, uint32(epoch)) {
			return
		}
	}
}

// SeedWriteSequence sets the next write sequence number to allocate for
// epoch, used when a server handshaker's outbound records must continue
// from the triggering ClientHello record's sequence number,
// RFC 6347 Section 4.2.1.
func (s *Session) SeedWriteSequence(epoch uint16, next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.writeSequence) <= int(epoch) {
		s.writeSequence = append(s.writeSequence, 0)
	}
	s.writeSequence[epoch] = next
}

// NextWriteSequence allocates the next per-epoch write sequence number.
// Sequence numbers are per-epoch monotonic and must never be reused, even
// across retransmissions, spec.md Section 4.3 "Flight send and
// fragmentation into datagrams".
func (s *Session) NextWriteSequence(epoch uint16) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.writeSequence) <= int(epoch) {
		s.writeSequence = append(s.writeSequence, 0)
	}
	seq := s.writeSequence[epoch]
	s.writeSequence[epoch]++
	return seq
}

// CheckReplay validates an inbound sequence number against the replay
// window for readEpoch before any MAC check, spec.md Section 4.3
// "APPLICATION_DATA" and invariant 2: the window is updated only once the
// caller invokes the returned accept function after a successful decrypt.
func (s *Session) CheckReplay(readEpoch uint16, seq uint64) (accept func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.replayWindows) <= int(readEpoch) {
		s.replayWindows = append(s.replayWindows, replaydetector.New(s.windowSize, 1<<48-1))
	}
	return s.replayWindows[readEpoch].Check(seq)
}

// IsEstablished reports whether a cipher suite (and therefore keys) has
// been negotiated for this session.
func (s *Session) IsEstablished() bool {
	return s.CipherSuite != nil
}
