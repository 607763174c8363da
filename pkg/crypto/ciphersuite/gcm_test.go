// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ciphersuite

import (
	"bytes"
	"testing"

	"github.com/dtls-connector/dtls/pkg/protocol"
	"github.com/dtls-connector/dtls/pkg/protocol/recordlayer"
)

func TestGCMEncryptDecryptRoundTrip(t *testing.T) {
	clientKey := bytes.Repeat([]byte{0x11}, 16)
	serverKey := bytes.Repeat([]byte{0x22}, 16)
	clientIV := []byte{1, 2, 3, 4}
	serverIV := []byte{5, 6, 7, 8}

	client, err := NewGCM(clientKey, clientIV, serverKey, serverIV)
	if err != nil {
		t.Fatalf("NewGCM(client): %v", err)
	}
	server, err := NewGCM(serverKey, serverIV, clientKey, clientIV)
	if err != nil {
		t.Fatalf("NewGCM(server): %v", err)
	}

	rec := &recordlayer.RecordLayer{
		Header:  recordlayer.Header{Version: protocol.Version1_2, Epoch: 1, SequenceNumber: 3},
		Content: &protocol.ApplicationData{Data: []byte("hello over dtls")},
	}
	plain, err := rec.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	ciphertext, err := client.Encrypt(rec, plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	var h recordlayer.Header
	if err := h.Unmarshal(ciphertext); err != nil {
		t.Fatalf("Header.Unmarshal: %v", err)
	}
	decrypted, err := server.Decrypt(h, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	body := decrypted[h.Size():]
	ad := &protocol.ApplicationData{}
	if err := ad.Unmarshal(body); err != nil {
		t.Fatalf("ApplicationData.Unmarshal: %v", err)
	}
	if string(ad.Data) != "hello over dtls" {
		t.Errorf("decrypted payload = %q, want %q", ad.Data, "hello over dtls")
	}
}

func TestGCMDecryptRejectsTamperedCiphertext(t *testing.T) {
	clientKey := bytes.Repeat([]byte{0x11}, 16)
	serverKey := bytes.Repeat([]byte{0x22}, 16)
	clientIV := []byte{1, 2, 3, 4}
	serverIV := []byte{5, 6, 7, 8}

	client, _ := NewGCM(clientKey, clientIV, serverKey, serverIV)
	server, _ := NewGCM(serverKey, serverIV, clientKey, clientIV)

	rec := &recordlayer.RecordLayer{
		Header:  recordlayer.Header{Version: protocol.Version1_2, Epoch: 1, SequenceNumber: 1},
		Content: &protocol.ApplicationData{Data: []byte("authentic")},
	}
	plain, _ := rec.Marshal()
	ciphertext, err := client.Encrypt(rec, plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF

	var h recordlayer.Header
	_ = h.Unmarshal(ciphertext)
	if _, err := server.Decrypt(h, ciphertext); err == nil {
		t.Error("Decrypt accepted a ciphertext whose GCM tag was tampered with")
	}
}
