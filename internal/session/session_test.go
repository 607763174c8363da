// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package session

import "testing"

func TestNextWriteSequenceIsPerEpochMonotonic(t *testing.T) {
	s := New([]byte("session-a"))

	if got := s.NextWriteSequence(0); got != 0 {
		t.Fatalf("first epoch-0 sequence = %d, want 0", got)
	}
	if got := s.NextWriteSequence(0); got != 1 {
		t.Fatalf("second epoch-0 sequence = %d, want 1", got)
	}
	if got := s.NextWriteSequence(1); got != 0 {
		t.Fatalf("first epoch-1 sequence = %d, want 0 (separate counter)", got)
	}
}

func TestSeedWriteSequenceContinuesFromSeed(t *testing.T) {
	s := New([]byte("session-a"))
	s.SeedWriteSequence(1, 7)

	if got := s.NextWriteSequence(1); got != 7 {
		t.Fatalf("sequence after seeding = %d, want 7", got)
	}
	if got := s.NextWriteSequence(1); got != 8 {
		t.Fatalf("sequence after seeding = %d, want 8", got)
	}
}

func TestCheckReplayRejectsDuplicate(t *testing.T) {
	s := New([]byte("session-a"))

	accept, ok := s.CheckReplay(0, 5)
	if !ok {
		t.Fatal("CheckReplay rejected a fresh sequence number")
	}
	accept()

	if _, ok := s.CheckReplay(0, 5); ok {
		t.Error("CheckReplay accepted a sequence number already marked accepted")
	}
}

func TestCheckReplayDoesNotAdvanceWithoutAccept(t *testing.T) {
	s := New([]byte("session-a"))

	if _, ok := s.CheckReplay(0, 5); !ok {
		t.Fatal("CheckReplay rejected a fresh sequence number")
	}
	// accept() was never called: the window must not have advanced.
	if _, ok := s.CheckReplay(0, 5); !ok {
		t.Error("CheckReplay rejected a sequence number whose accept() was never invoked")
	}
}

func TestCheckReplayPerEpochWindows(t *testing.T) {
	s := New([]byte("session-a"))

	accept, ok := s.CheckReplay(0, 5)
	if !ok {
		t.Fatal("CheckReplay(epoch 0) rejected a fresh sequence number")
	}
	accept()

	if _, ok := s.CheckReplay(1, 5); !ok {
		t.Error("CheckReplay at a different epoch shares state with epoch 0's window")
	}
}

func TestSetReadEpochIsMonotonic(t *testing.T) {
	s := New([]byte("session-a"))
	s.SetReadEpoch(3)
	s.SetReadEpoch(1)

	if got := s.ReadEpoch(); got != 3 {
		t.Fatalf("ReadEpoch = %d, want 3 (a lower epoch must not move it backwards)", got)
	}
}

func TestIsEstablishedRequiresCipherSuite(t *testing.T) {
	s := New([]byte("session-a"))
	if s.IsEstablished() {
		t.Error("a freshly constructed session reports established with no cipher suite")
	}
}
