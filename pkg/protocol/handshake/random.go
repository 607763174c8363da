// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// RandomLength is the marshaled size of Random: a 4-byte GMT Unix time
// plus 28 bytes of cryptographically random data, RFC 5246 Section 7.4.1.2.
const RandomLength = 32

const randomBytesLength = RandomLength - 4

// Random is the random value each side contributes to a hello message and
// feeds into the PRF as part of key derivation.
type Random struct {
	GMTUnixTime time.Time
	RandomBytes [randomBytesLength]byte
}

// Generate fills RandomBytes and GMTUnixTime from a cryptographic source.
func (r *Random) Generate() error {
	_, err := rand.Read(r.RandomBytes[:])
	if err != nil {
		return err
	}
	r.GMTUnixTime = time.Now()
	return nil
}

// MarshalFixed encodes Random into its wire representation.
func (r *Random) MarshalFixed() [RandomLength]byte {
	var out [RandomLength]byte
	binary.BigEndian.PutUint32(out[0:4], uint32(r.GMTUnixTime.Unix())) //nolint:gosec
	copy(out[4:], r.RandomBytes[:])
	return out
}

// UnmarshalFixed decodes Random from its wire representation.
func (r *Random) UnmarshalFixed(data [RandomLength]byte) {
	r.GMTUnixTime = time.Unix(int64(binary.BigEndian.Uint32(data[0:4])), 0)
	copy(r.RandomBytes[:], data[4:])
}
