// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package prf

import (
	"bytes"
	"testing"
)

func TestPreMasterSecretPSK(t *testing.T) {
	psk := []byte{0x01, 0x02, 0x03, 0x04}
	got := PreMasterSecretPSK(psk)
	want := []byte{0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0x01, 0x02, 0x03, 0x04}
	if !bytes.Equal(got, want) {
		t.Errorf("PreMasterSecretPSK: got %#v, want %#v", got, want)
	}
}

func TestMasterSecretDeterministic(t *testing.T) {
	preMaster := PreMasterSecretPSK([]byte("a shared secret"))
	clientRandom := bytes.Repeat([]byte{0xAA}, 32)
	serverRandom := bytes.Repeat([]byte{0xBB}, 32)

	a := MasterSecret(preMaster, clientRandom, serverRandom)
	b := MasterSecret(preMaster, clientRandom, serverRandom)
	if !bytes.Equal(a, b) {
		t.Error("MasterSecret is not deterministic for identical inputs")
	}
	if len(a) != masterSecretLength {
		t.Errorf("MasterSecret length = %d, want %d", len(a), masterSecretLength)
	}

	other := MasterSecret(preMaster, clientRandom, bytes.Repeat([]byte{0xCC}, 32))
	if bytes.Equal(a, other) {
		t.Error("MasterSecret did not change with a different server random")
	}
}

func TestExpandGCMKeysLengths(t *testing.T) {
	master := bytes.Repeat([]byte{0x01}, masterSecretLength)
	keys := ExpandGCMKeys(master, bytes.Repeat([]byte{0xAA}, 32), bytes.Repeat([]byte{0xBB}, 32))

	if len(keys.ClientWriteKey) != gcmWriteKeyLength || len(keys.ServerWriteKey) != gcmWriteKeyLength {
		t.Errorf("unexpected write key length: client=%d server=%d", len(keys.ClientWriteKey), len(keys.ServerWriteKey))
	}
	if len(keys.ClientWriteIV) != gcmWriteIVLength || len(keys.ServerWriteIV) != gcmWriteIVLength {
		t.Errorf("unexpected write IV length: client=%d server=%d", len(keys.ClientWriteIV), len(keys.ServerWriteIV))
	}
	if bytes.Equal(keys.ClientWriteKey, keys.ServerWriteKey) {
		t.Error("client and server write keys must differ")
	}
}

func TestVerifyDataLength(t *testing.T) {
	master := bytes.Repeat([]byte{0x01}, masterSecretLength)
	vd := VerifyData(master, bytes.Repeat([]byte{0x02}, 32), "client finished")
	if len(vd) != 12 {
		t.Errorf("VerifyData length = %d, want 12", len(vd))
	}
}
