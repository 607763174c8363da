// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package fragmentbuffer

import (
	"bytes"
	"testing"

	"github.com/dtls-connector/dtls/pkg/protocol/handshake"
)

func header(length, offset, fragLen uint32) handshake.Header {
	return handshake.Header{
		Type:            handshake.TypeClientHello,
		Length:          length,
		MessageSequence: 1,
		FragmentOffset:  offset,
		FragmentLength:  fragLen,
	}
}

func TestPushSingleFragment(t *testing.T) {
	b := New()
	data := []byte("hello world!")

	got, done := b.Push("peer:1", header(uint32(len(data)), 0, uint32(len(data))), data)
	if !done {
		t.Fatal("Push did not complete a single, whole-message fragment")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("reassembled = %q, want %q", got, data)
	}
}

func TestPushOutOfOrderFragments(t *testing.T) {
	b := New()
	full := []byte("the quick brown fox")
	part1, part2 := full[:8], full[8:]

	if _, done := b.Push("peer:1", header(uint32(len(full)), 8, uint32(len(part2))), part2); done {
		t.Fatal("Push completed before the first fragment arrived")
	}
	got, done := b.Push("peer:1", header(uint32(len(full)), 0, uint32(len(part1))), part1)
	if !done {
		t.Fatal("Push did not complete after the missing fragment arrived")
	}
	if !bytes.Equal(got, full) {
		t.Errorf("reassembled = %q, want %q", got, full)
	}
}

func TestPushOverlappingFragments(t *testing.T) {
	b := New()
	full := []byte("abcdefghij")

	b.Push("peer:1", header(uint32(len(full)), 0, 6), full[:6])
	got, done := b.Push("peer:1", header(uint32(len(full)), 4, 6), full[4:])
	if !done {
		t.Fatal("Push did not complete with an overlapping tail fragment")
	}
	if !bytes.Equal(got, full) {
		t.Errorf("reassembled = %q, want %q", got, full)
	}
}

func TestPushDuplicateFragmentIsIdempotent(t *testing.T) {
	b := New()
	full := []byte("duplicate me")

	b.Push("peer:1", header(uint32(len(full)), 0, uint32(len(full))/2), full[:len(full)/2])
	b.Push("peer:1", header(uint32(len(full)), 0, uint32(len(full))/2), full[:len(full)/2])
	got, done := b.Push("peer:1", header(uint32(len(full)), uint32(len(full))/2, uint32(len(full))-uint32(len(full))/2), full[len(full)/2:])
	if !done {
		t.Fatal("Push did not complete after the duplicate fragment")
	}
	if !bytes.Equal(got, full) {
		t.Errorf("reassembled = %q, want %q", got, full)
	}
}

func TestPushConflictingLengthDiscardsBuffered(t *testing.T) {
	b := New()
	b.Push("peer:1", header(20, 0, 5), []byte("abcde"))

	_, done := b.Push("peer:1", header(10, 0, 5), []byte("fghij"))
	if done {
		t.Fatal("Push completed a message whose total length conflicted mid-stream")
	}

	key := bufferKey{peerAddr: "peer:1", messageSeq: 1}
	if _, ok := b.pending[key]; ok {
		t.Error("a conflicting fragment should discard the buffered message, not merge into it")
	}
}

func TestPushKeyedByPeerAddrAndMessageSeq(t *testing.T) {
	b := New()
	data := []byte("same seq, different peers")

	b.Push("peer-a:1", header(uint32(len(data)), 0, 5), data[:5])
	got, done := b.Push("peer-b:1", header(uint32(len(data)), 0, uint32(len(data))), data)
	if !done {
		t.Fatal("a complete message from peer-b should not be blocked by peer-a's partial buffer")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("reassembled = %q, want %q", got, data)
	}
}

func TestEvictDropsBufferedFragments(t *testing.T) {
	b := New()
	b.Push("peer:1", header(20, 0, 5), []byte("abcde"))
	b.Evict("peer:1", 1)

	key := bufferKey{peerAddr: "peer:1", messageSeq: 1}
	if _, ok := b.pending[key]; ok {
		t.Error("Evict left a buffered fragment in place")
	}
}

func TestEvictPeerDropsEveryMessageSeq(t *testing.T) {
	b := New()
	h1 := header(20, 0, 5)
	h1.MessageSequence = 1
	h2 := header(20, 0, 5)
	h2.MessageSequence = 2
	b.Push("peer:1", h1, []byte("abcde"))
	b.Push("peer:1", h2, []byte("fghij"))

	b.EvictPeer("peer:1")
	if len(b.pending) != 0 {
		t.Errorf("EvictPeer left %d pending entries, want 0", len(b.pending))
	}
}
