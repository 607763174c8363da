// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package ciphersuite implements the record-layer AEAD transforms a
// negotiated cipher suite applies to a RecordLayer. Key-schedule and
// suite-selection logic lives with the handshaker; this package only knows
// how to turn already-derived keys into an Encrypt/Decrypt pair.
package ciphersuite

import (
	"encoding/binary"

	"github.com/dtls-connector/dtls/pkg/protocol/recordlayer"
)

// CipherSuite transforms plaintext RecordLayer bytes to ciphertext and
// back once a handshake has derived keys for it.
type CipherSuite interface {
	// Encrypt seals raw (an already-marshaled, unencrypted record) under
	// this suite's local write key, returning the ciphertext record.
	Encrypt(pkt *recordlayer.RecordLayer, raw []byte) ([]byte, error)
	// Decrypt opens in (an on-wire ciphertext record) under this suite's
	// remote write key, returning the recovered plaintext record.
	Decrypt(h recordlayer.Header, in []byte) ([]byte, error)
}

// generateAEADAdditionalData builds the 13-byte "associated data" TLS 1.2
// AEAD ciphers authenticate alongside the ciphertext:
// seq_num(8) || type(1) || version(2) || length(2), RFC 5246 Section 6.2.3.3.
func generateAEADAdditionalData(h *recordlayer.Header, payloadLen int) []byte {
	var additionalData [13]byte
	binary.BigEndian.PutUint16(additionalData[0:], h.Epoch)
	putUint48(additionalData[2:], h.SequenceNumber)
	additionalData[8] = byte(h.ContentType)
	additionalData[9] = h.Version.Major
	additionalData[10] = h.Version.Minor
	binary.BigEndian.PutUint16(additionalData[11:], uint16(payloadLen))
	return additionalData[:]
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}
