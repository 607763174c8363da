// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package handshake

import (
	"encoding/binary"

	"github.com/dtls-connector/dtls/pkg/protocol"
)

// MessageClientHello is the first message sent by a client, carrying the
// cookie used for stateless return-routability verification,
// RFC 6347 Section 4.2.1.
type MessageClientHello struct {
	Version protocol.Version
	Random  Random

	SessionID []byte
	Cookie    []byte

	CipherSuiteIDs      []uint16
	CompressionMethodIDs []protocol.CompressionMethodID
	Extensions          []RawExtension
}

// Type returns the Handshake Type.
func (m MessageClientHello) Type() Type {
	return TypeClientHello
}

// Marshal encodes the Handshake.
func (m *MessageClientHello) Marshal() ([]byte, error) {
	out := make([]byte, 2+RandomLength)
	out[0] = m.Version.Major
	out[1] = m.Version.Minor

	rnd := m.Random.MarshalFixed()
	copy(out[2:], rnd[:])

	out = append(out, byte(len(m.SessionID)))
	out = append(out, m.SessionID...)

	out = append(out, byte(len(m.Cookie)))
	out = append(out, m.Cookie...)

	cs := make([]byte, 2+2*len(m.CipherSuiteIDs))
	binary.BigEndian.PutUint16(cs, uint16(2*len(m.CipherSuiteIDs)))
	for i, id := range m.CipherSuiteIDs {
		binary.BigEndian.PutUint16(cs[2+2*i:], id)
	}
	out = append(out, cs...)

	out = append(out, byte(len(m.CompressionMethodIDs)))
	for _, id := range m.CompressionMethodIDs {
		out = append(out, byte(id))
	}

	extensionsRaw, err := marshalExtensions(m.Extensions)
	if err != nil {
		return nil, err
	}
	return append(out, extensionsRaw...), nil
}

// Unmarshal populates the message from encoded data.
func (m *MessageClientHello) Unmarshal(data []byte) error { //nolint:gocognit
	if len(data) < 2+RandomLength+1 {
		return errBufferTooSmall
	}
	m.Version = protocol.Version{Major: data[0], Minor: data[1]}

	var random [RandomLength]byte
	copy(random[:], data[2:])
	m.Random.UnmarshalFixed(random)

	offset := 2 + RandomLength
	sessionIDLen := int(data[offset])
	offset++
	if len(data) < offset+sessionIDLen+1 {
		return errBufferTooSmall
	}
	m.SessionID = append([]byte{}, data[offset:offset+sessionIDLen]...)
	offset += sessionIDLen

	cookieLen := int(data[offset])
	offset++
	if len(data) < offset+cookieLen+2 {
		return errBufferTooSmall
	}
	m.Cookie = append([]byte{}, data[offset:offset+cookieLen]...)
	offset += cookieLen

	cipherSuitesLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if cipherSuitesLen%2 != 0 || len(data) < offset+cipherSuitesLen+1 {
		return errBufferTooSmall
	}
	m.CipherSuiteIDs = make([]uint16, cipherSuitesLen/2)
	for i := range m.CipherSuiteIDs {
		m.CipherSuiteIDs[i] = binary.BigEndian.Uint16(data[offset+2*i:])
	}
	offset += cipherSuitesLen

	compressionLen := int(data[offset])
	offset++
	if len(data) < offset+compressionLen {
		return errBufferTooSmall
	}
	m.CompressionMethodIDs = make([]protocol.CompressionMethodID, compressionLen)
	for i := range m.CompressionMethodIDs {
		m.CompressionMethodIDs[i] = protocol.CompressionMethodID(data[offset+i])
	}
	offset += compressionLen

	if len(data) <= offset {
		m.Extensions = []RawExtension{}
		return nil
	}
	extensions, err := unmarshalExtensions(data[offset:])
	if err != nil {
		return err
	}
	m.Extensions = extensions
	return nil
}
