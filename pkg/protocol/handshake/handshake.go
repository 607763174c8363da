// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package handshake implements DTLS 1.2 handshake message framing: the
// per-message header carrying message_seq/fragment_offset/fragment_length
// (RFC 6347 Section 4.2.2), and the small set of handshake message bodies
// the connector itself must inspect (ClientHello, HelloVerifyRequest) or
// the reference PSK handshaker produces (ServerHello, Finished). Bodies
// for certificate-based exchanges are out of scope.
package handshake

import (
	"encoding/binary"

	"github.com/dtls-connector/dtls/pkg/protocol"
)

// Type identifies a handshake message, RFC 5246 Section 7.4.
type Type byte

// Handshake message types this module parses or emits.
const (
	TypeHelloRequest       Type = 0
	TypeClientHello        Type = 1
	TypeServerHello        Type = 2
	TypeHelloVerifyRequest Type = 3
	TypeCertificate        Type = 11
	TypeServerKeyExchange  Type = 12
	TypeCertificateRequest Type = 13
	TypeServerHelloDone    Type = 14
	TypeCertificateVerify  Type = 15
	TypeClientKeyExchange  Type = 16
	TypeFinished           Type = 20
)

func (t Type) String() string {
	switch t {
	case TypeHelloRequest:
		return "HelloRequest"
	case TypeClientHello:
		return "ClientHello"
	case TypeServerHello:
		return "ServerHello"
	case TypeHelloVerifyRequest:
		return "HelloVerifyRequest"
	case TypeCertificate:
		return "Certificate"
	case TypeServerKeyExchange:
		return "ServerKeyExchange"
	case TypeCertificateRequest:
		return "CertificateRequest"
	case TypeServerHelloDone:
		return "ServerHelloDone"
	case TypeCertificateVerify:
		return "CertificateVerify"
	case TypeClientKeyExchange:
		return "ClientKeyExchange"
	case TypeFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// HeaderLength is the wire size of a handshake message header.
const HeaderLength = 12

// Header is the per-fragment handshake message header,
// RFC 6347 Section 4.2.2.
type Header struct {
	Type            Type
	Length          uint32 // 24 bits on the wire: total message_length
	MessageSequence uint16
	FragmentOffset  uint32 // 24 bits on the wire
	FragmentLength  uint32 // 24 bits on the wire
}

// Marshal encodes the Header.
func (h *Header) Marshal() ([]byte, error) {
	out := make([]byte, HeaderLength)
	out[0] = byte(h.Type)
	putUint24(out[1:], h.Length)
	binary.BigEndian.PutUint16(out[4:], h.MessageSequence)
	putUint24(out[6:], h.FragmentOffset)
	putUint24(out[9:], h.FragmentLength)
	return out, nil
}

// Unmarshal decodes the Header.
func (h *Header) Unmarshal(data []byte) error {
	if len(data) < HeaderLength {
		return errBufferTooSmall
	}
	h.Type = Type(data[0])
	h.Length = getUint24(data[1:])
	h.MessageSequence = binary.BigEndian.Uint16(data[4:])
	h.FragmentOffset = getUint24(data[6:])
	h.FragmentLength = getUint24(data[9:])
	return nil
}

// Message is implemented by every handshake message body this module
// knows how to marshal and unmarshal.
type Message interface {
	Type() Type
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// Handshake wraps a Header and Message as a record-layer Content,
// RFC 6347 Section 4.2.2.
type Handshake struct {
	Header  Header
	Message Message
}

// ContentType returns the Content Type of Handshake.
func (h Handshake) ContentType() protocol.ContentType {
	return protocol.ContentTypeHandshake
}

// Marshal encodes the fragment header and the (already-fragmented) message
// bytes currently held in Message. Callers that need to split a message
// across multiple fragments do so before constructing the Handshake, since
// fragmentation is a connector-level concern tied to datagram sizing.
func (h *Handshake) Marshal() ([]byte, error) {
	contentRaw, err := h.Message.Marshal()
	if err != nil {
		return nil, err
	}

	h.Header.Type = h.Message.Type()
	if h.Header.Length == 0 {
		h.Header.Length = uint32(len(contentRaw))
	}
	if h.Header.FragmentLength == 0 {
		h.Header.FragmentLength = uint32(len(contentRaw))
	}

	headerRaw, err := h.Header.Marshal()
	if err != nil {
		return nil, err
	}
	return append(headerRaw, contentRaw...), nil
}

// Unmarshal decodes a complete (non-fragmented, or already-reassembled)
// Handshake message.
func (h *Handshake) Unmarshal(data []byte) error {
	if err := h.Header.Unmarshal(data); err != nil {
		return err
	}
	body := data[HeaderLength:]
	if uint32(len(body)) < h.Header.FragmentLength {
		return errBufferTooSmall
	}
	body = body[:h.Header.FragmentLength]

	switch h.Header.Type {
	case TypeClientHello:
		h.Message = &MessageClientHello{}
	case TypeServerHello:
		h.Message = &MessageServerHello{}
	case TypeHelloVerifyRequest:
		h.Message = &MessageHelloVerifyRequest{}
	case TypeHelloRequest:
		h.Message = &MessageHelloRequest{}
	case TypeFinished:
		h.Message = &MessageFinished{}
	default:
		return errUnsupportedHandshakeType
	}
	return h.Message.Unmarshal(body)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
