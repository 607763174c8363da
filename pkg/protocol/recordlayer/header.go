// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package recordlayer implements the DTLS 1.2 record header and the
// envelope (RecordLayer) that carries one Content per record,
// RFC 6347 Section 4.1.
package recordlayer

import (
	"encoding/binary"

	"github.com/dtls-connector/dtls/pkg/protocol"
)

// FixedHeaderSize is the wire size of a record header:
// type(1) + version(2) + epoch(2) + sequence_number(6) + length(2).
const FixedHeaderSize = 13

// MaxSequenceNumber is the largest value a 48-bit sequence number can hold.
// RFC 6347 Section 4.1 requires abandoning the association rather than
// letting it wrap.
const MaxSequenceNumber = 0x0000FFFFFFFFFFFF

// MaxPlaintextFragmentLength is the default per-RFC cap on plaintext
// fragment size before the max_fragment_length extension reduces it.
const MaxPlaintextFragmentLength = 16384

// Header is the 13-byte record header, RFC 6347 Section 4.1.
type Header struct {
	ContentType    protocol.ContentType
	Version        protocol.Version
	Epoch          uint16
	SequenceNumber uint64 // 48 bits on the wire
	ContentLen     uint16
}

// Size returns the marshaled size of this header.
func (h *Header) Size() int {
	return FixedHeaderSize
}

// Marshal encodes the Header.
func (h *Header) Marshal() ([]byte, error) {
	out := make([]byte, FixedHeaderSize)
	out[0] = byte(h.ContentType)
	out[1] = h.Version.Major
	out[2] = h.Version.Minor
	binary.BigEndian.PutUint16(out[3:], h.Epoch)
	putUint48(out[5:], h.SequenceNumber)
	binary.BigEndian.PutUint16(out[11:], h.ContentLen)
	return out, nil
}

// Unmarshal decodes the Header.
func (h *Header) Unmarshal(data []byte) error {
	if len(data) < FixedHeaderSize {
		return ErrInvalidPacketLength
	}

	h.ContentType = protocol.ContentType(data[0])
	h.Version = protocol.Version{Major: data[1], Minor: data[2]}
	h.Epoch = binary.BigEndian.Uint16(data[3:])
	h.SequenceNumber = getUint48(data[5:])
	h.ContentLen = binary.BigEndian.Uint16(data[11:])
	return nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}
