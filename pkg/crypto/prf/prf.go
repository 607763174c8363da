// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package prf implements the TLS 1.2 PRF (RFC 5246 Section 5) over
// HMAC-SHA256, and the PSK key-schedule built on top of it
// (RFC 4279 Sections 2–3): pre-master-secret construction, master secret
// derivation, and key_block expansion for a PSK-only cipher suite.
package prf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

const (
	masterSecretLength = 48
	// GCM suites need client/server write keys plus 4-byte implicit IVs;
	// no MAC key, since the AEAD tag provides integrity.
	gcmWriteKeyLength = 16
	gcmWriteIVLength  = 4
)

// pHash implements P_hash from RFC 5246 Section 5, using HMAC-SHA256.
func pHash(secret, seed []byte, length int) []byte {
	out := make([]byte, 0, length)

	a := seed
	for len(out) < length {
		mac := hmac.New(sha256.New, secret)
		mac.Write(a)
		a = mac.Sum(nil)

		mac = hmac.New(sha256.New, secret)
		mac.Write(a)
		mac.Write(seed)
		out = append(out, mac.Sum(nil)...)
	}
	return out[:length]
}

// PreMasterSecretPSK builds the pre_master_secret for a PSK-only
// ciphersuite (no Diffie-Hellman component), RFC 4279 Section 2: an
// all-zero "other" secret as long as the PSK, then the PSK itself, each
// prefixed with its 16-bit length.
func PreMasterSecretPSK(psk []byte) []byte {
	n := len(psk)
	out := make([]byte, 2+n+2+n)
	binary.BigEndian.PutUint16(out, uint16(n))
	binary.BigEndian.PutUint16(out[2+n:], uint16(n))
	copy(out[2+n+2:], psk)
	return out
}

// MasterSecret derives the 48-byte master secret from a pre-master secret
// and the client/server hello randoms, RFC 5246 Section 8.1.
func MasterSecret(preMasterSecret, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte{}, clientRandom...), serverRandom...)
	return pHash(preMasterSecret, append([]byte("master secret"), seed...), masterSecretLength)
}

// GCMKeys are the symmetric key material derived for an AES-GCM suite:
// client/server write keys and their 4-byte implicit IVs,
// RFC 5246 Section 6.3 (key_block layout, adapted for AEAD: no MAC keys).
type GCMKeys struct {
	ClientWriteKey []byte
	ServerWriteKey []byte
	ClientWriteIV  []byte
	ServerWriteIV  []byte
}

// ExpandGCMKeys expands the master secret into a GCM key block,
// RFC 5246 Section 6.3.
func ExpandGCMKeys(masterSecret, clientRandom, serverRandom []byte) GCMKeys {
	seed := append(append([]byte{}, serverRandom...), clientRandom...)
	total := 2*gcmWriteKeyLength + 2*gcmWriteIVLength
	block := pHash(masterSecret, append([]byte("key expansion"), seed...), total)

	offset := 0
	clientKey := block[offset : offset+gcmWriteKeyLength]
	offset += gcmWriteKeyLength
	serverKey := block[offset : offset+gcmWriteKeyLength]
	offset += gcmWriteKeyLength
	clientIV := block[offset : offset+gcmWriteIVLength]
	offset += gcmWriteIVLength
	serverIV := block[offset : offset+gcmWriteIVLength]

	return GCMKeys{
		ClientWriteKey: clientKey,
		ServerWriteKey: serverKey,
		ClientWriteIV:  clientIV,
		ServerWriteIV:  serverIV,
	}
}

// VerifyData computes the Finished message's verify_data,
// RFC 5246 Section 7.4.9.
func VerifyData(masterSecret []byte, handshakeHash []byte, label string) []byte {
	const verifyDataLength = 12
	return pHash(masterSecret, append([]byte(label), handshakeHash...), verifyDataLength)
}
