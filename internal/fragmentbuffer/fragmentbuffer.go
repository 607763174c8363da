// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package fragmentbuffer reassembles DTLS handshake messages from
// out-of-order, overlapping, or duplicated fragments, spec.md Section 4.2.
//
// The buffer is keyed by (peer address, message_seq), not by message_seq
// alone: the source this module was distilled from uses a single
// process-wide map keyed only by message_seq, which conflates unrelated
// peers whose message_seq counters collide. That is flagged as an open
// question in spec.md Section 9 and resolved here in the safe direction.
package fragmentbuffer

import (
	"sort"
	"sync"

	"github.com/dtls-connector/dtls/pkg/protocol/handshake"
)

type bufferKey struct {
	peerAddr   string
	messageSeq uint16
}

type storedFragment struct {
	offset uint32
	data   []byte
}

type pendingMessage struct {
	handshakeType handshake.Type
	totalLength   uint32
	fragments     []storedFragment
}

// Buffer reassembles handshake messages across many peers' ongoing
// handshakes, see the package doc for the (peer, message_seq) keying
// rationale.
type Buffer struct {
	mu      sync.Mutex
	pending map[bufferKey]*pendingMessage
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{pending: make(map[bufferKey]*pendingMessage)}
}

// Push records one fragment of a handshake message. It returns the fully
// reassembled message body and true once every byte from offset 0 to
// header.Length has arrived; the message_seq's state is evicted at that
// point. A conflicting total length or handshake type for an already
// buffered message_seq discards everything buffered for it,
// spec.md Section 4.2 edge cases.
func (b *Buffer) Push(peerAddr string, header handshake.Header, fragment []byte) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := bufferKey{peerAddr: peerAddr, messageSeq: header.MessageSequence}
	msg, ok := b.pending[key]
	if ok && (msg.totalLength != header.Length || msg.handshakeType != header.Type) {
		delete(b.pending, key)
		return nil, false
	}
	if !ok {
		msg = &pendingMessage{handshakeType: header.Type, totalLength: header.Length}
		b.pending[key] = msg
	}

	msg.addFragment(header.FragmentOffset, fragment)

	complete, done := msg.reassemble()
	if done {
		delete(b.pending, key)
		return complete, true
	}
	return nil, false
}

// Evict discards any buffered fragments for a peer's message_seq without
// requiring reassembly to complete, used when a handshake aborts.
func (b *Buffer) Evict(peerAddr string, messageSeq uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, bufferKey{peerAddr: peerAddr, messageSeq: messageSeq})
}

// EvictPeer discards every buffered message_seq for a peer, used when its
// Connection is destroyed.
func (b *Buffer) EvictPeer(peerAddr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.pending {
		if key.peerAddr == peerAddr {
			delete(b.pending, key)
		}
	}
}

func (m *pendingMessage) addFragment(offset uint32, data []byte) {
	for _, f := range m.fragments {
		if f.offset == offset && string(f.data) == string(data) {
			// Duplicate fragment: idempotent, no progress.
			return
		}
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.fragments = append(m.fragments, storedFragment{offset: offset, data: stored})
	sort.Slice(m.fragments, func(i, j int) bool { return m.fragments[i].offset < m.fragments[j].offset })
}

// reassemble walks fragments in offset order, appending bytes whose offset
// equals the current reassembly length and, for an overlapping fragment,
// only the suffix beyond the current tail. It stalls at the first gap.
func (m *pendingMessage) reassemble() ([]byte, bool) {
	out := make([]byte, 0, m.totalLength)
	var tail uint32

	for _, f := range m.fragments {
		fragEnd := f.offset + uint32(len(f.data))
		switch {
		case f.offset > tail:
			// Gap: no fragment starts at the current tail.
			return nil, false
		case fragEnd <= tail:
			// Fully covered by what we already have.
			continue
		default:
			suffixStart := tail - f.offset
			out = append(out, f.data[suffixStart:]...)
			tail = fragEnd
		}
	}

	if uint32(len(out)) == m.totalLength && m.totalLength > 0 {
		return out, true
	}
	return nil, false
}
