// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package handshake

import "encoding/binary"

// RawExtension is an unparsed hello extension: a 16-bit type, a 16-bit
// length, and opaque data. This module does not negotiate on extension
// content (ALPN, SRTP profiles, max_fragment_length, etc. are all external
// or config-driven concerns); it only needs to round-trip whatever
// extensions a peer attaches so unrelated fields downstream stay aligned.
type RawExtension struct {
	Type uint16
	Data []byte
}

func marshalExtensions(exts []RawExtension) ([]byte, error) {
	if len(exts) == 0 {
		return []byte{0x00, 0x00}, nil
	}

	body := make([]byte, 0)
	for _, e := range exts {
		entry := make([]byte, 4+len(e.Data))
		binary.BigEndian.PutUint16(entry, e.Type)
		binary.BigEndian.PutUint16(entry[2:], uint16(len(e.Data)))
		copy(entry[4:], e.Data)
		body = append(body, entry...)
	}

	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)
	return out, nil
}

func unmarshalExtensions(data []byte) ([]RawExtension, error) {
	if len(data) < 2 {
		return nil, errBufferTooSmall
	}
	totalLen := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+totalLen {
		return nil, errBufferTooSmall
	}
	body := data[2 : 2+totalLen]

	out := []RawExtension{}
	for offset := 0; offset < len(body); {
		if len(body)-offset < 4 {
			return nil, errBufferTooSmall
		}
		extType := binary.BigEndian.Uint16(body[offset:])
		extLen := int(binary.BigEndian.Uint16(body[offset+2:]))
		if len(body)-offset-4 < extLen {
			return nil, errBufferTooSmall
		}
		out = append(out, RawExtension{
			Type: extType,
			Data: append([]byte{}, body[offset+4:offset+4+extLen]...),
		})
		offset += 4 + extLen
	}
	return out, nil
}
