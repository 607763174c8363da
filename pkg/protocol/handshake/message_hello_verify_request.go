// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package handshake

import "github.com/dtls-connector/dtls/pkg/protocol"

// MessageHelloVerifyRequest carries the stateless cookie a server expects
// the client to echo back in a fresh ClientHello,
// RFC 6347 Section 4.2.1.
type MessageHelloVerifyRequest struct {
	Version protocol.Version
	Cookie  []byte
}

// Type returns the Handshake Type.
func (m MessageHelloVerifyRequest) Type() Type {
	return TypeHelloVerifyRequest
}

// Marshal encodes the Handshake.
func (m *MessageHelloVerifyRequest) Marshal() ([]byte, error) {
	out := make([]byte, 2, 2+1+len(m.Cookie)) //nolint:gomnd
	out[0] = m.Version.Major
	out[1] = m.Version.Minor
	out = append(out, byte(len(m.Cookie)))
	out = append(out, m.Cookie...)
	return out, nil
}

// Unmarshal populates the message from encoded data.
func (m *MessageHelloVerifyRequest) Unmarshal(data []byte) error {
	if len(data) < 3 {
		return errBufferTooSmall
	}
	m.Version = protocol.Version{Major: data[0], Minor: data[1]}
	n := int(data[2])
	if len(data) < 3+n {
		return errBufferTooSmall
	}
	m.Cookie = append([]byte{}, data[3:3+n]...)
	return nil
}

// MessageHelloRequest is sent by a server to trigger a client-initiated
// re-handshake. It carries no data, RFC 5246 Section 7.4.1.1.
type MessageHelloRequest struct{}

// Type returns the Handshake Type.
func (m MessageHelloRequest) Type() Type {
	return TypeHelloRequest
}

// Marshal encodes the Handshake.
func (m *MessageHelloRequest) Marshal() ([]byte, error) {
	return []byte{}, nil
}

// Unmarshal populates the message from encoded data.
func (m *MessageHelloRequest) Unmarshal([]byte) error {
	return nil
}
