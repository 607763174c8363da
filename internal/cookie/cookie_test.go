// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package cookie

import "testing"

func testParams() Params {
	return Params{
		PeerAddr:           "1.2.3.4:5555",
		ClientVersionMajor: 0xfe,
		ClientVersionMinor: 0xfd,
		ClientRandom:       []byte{1, 2, 3, 4},
		SessionID:          nil,
		CipherSuiteIDs:     []uint16{0x00A8},
		CompressionMethods: []byte{0},
	}
}

func TestGenerateVerifyRoundTrip(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	params := testParams()

	got, err := m.Generate(params)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != Length {
		t.Fatalf("Generate returned %d bytes, want %d", len(got), Length)
	}

	ok, err := m.Verify(params, got)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("Verify rejected a cookie it just generated")
	}
}

func TestVerifyRejectsTamperedField(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	params := testParams()
	cookieBytes, err := m.Generate(params)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	tampered := params
	tampered.PeerAddr = "9.9.9.9:1"
	ok, err := m.Verify(tampered, cookieBytes)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("Verify accepted a cookie bound to a different peer address")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ok, err := m.Verify(testParams(), []byte("not a real cookie"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("Verify accepted a garbage cookie")
	}
}
