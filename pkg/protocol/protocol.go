// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package protocol contains the base DTLS 1.2 wire types shared across the
// record layer, handshake, and alert packages.
package protocol

import "fmt"

// Version is the DTLS protocol version carried in every record and
// ClientHello/ServerHello message. DTLS versions are encoded as the
// one's complement of the DTLS version number (1.2 is sent as 0xfe, 0xfd),
// per RFC 6347 Section 4.1.
type Version struct {
	Major, Minor uint8
}

// Version1_2 is the DTLS 1.2 protocol version.
var Version1_2 = Version{Major: 0xfe, Minor: 0xfd} //nolint:gochecknoglobals

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ContentType identifies the type of a record's payload, RFC 6347 Section 4.1.
type ContentType byte

// ContentType values defined by RFC 6347/5246 and RFC 9146.
const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
	ContentTypeConnectionID     ContentType = 25
)

func (c ContentType) String() string {
	switch c {
	case ContentTypeChangeCipherSpec:
		return "ChangeCipherSpec"
	case ContentTypeAlert:
		return "Alert"
	case ContentTypeHandshake:
		return "Handshake"
	case ContentTypeApplicationData:
		return "ApplicationData"
	case ContentTypeConnectionID:
		return "ConnectionID"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(c))
	}
}

// Content is implemented by every record payload type (ChangeCipherSpec,
// Alert, Handshake, ApplicationData).
type Content interface {
	ContentType() ContentType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// ChangeCipherSpec signals that the sender is switching to the
// newly-negotiated cipher state; the records it sends after it carry the
// next epoch.
type ChangeCipherSpec struct{}

// ContentType returns the Content Type of ChangeCipherSpec.
func (c ChangeCipherSpec) ContentType() ContentType {
	return ContentTypeChangeCipherSpec
}

// Marshal encodes the ChangeCipherSpec.
func (c *ChangeCipherSpec) Marshal() ([]byte, error) {
	return []byte{0x01}, nil
}

// Unmarshal populates the ChangeCipherSpec from encoded data.
func (c *ChangeCipherSpec) Unmarshal(data []byte) error {
	if len(data) != 1 || data[0] != 0x01 {
		return errInvalidCipherSpec
	}
	return nil
}

// ApplicationData represents plaintext that was encrypted and wrapped in a
// record once the handshake has negotiated keys.
type ApplicationData struct {
	Data []byte
}

// ContentType returns the Content Type of ApplicationData.
func (a ApplicationData) ContentType() ContentType {
	return ContentTypeApplicationData
}

// Marshal encodes the ApplicationData.
func (a *ApplicationData) Marshal() ([]byte, error) {
	return append([]byte{}, a.Data...), nil
}

// Unmarshal populates the ApplicationData from encoded data.
func (a *ApplicationData) Unmarshal(data []byte) error {
	a.Data = append([]byte{}, data...)
	return nil
}

// CompressionMethodID is the IANA-registered compression method identifier.
type CompressionMethodID byte

// CompressionMethodNull is the only compression method this module
// negotiates; DTLS compression is otherwise out of scope.
const CompressionMethodNull CompressionMethodID = 0

// CompressionMethod wraps a negotiated compression method.
type CompressionMethod struct {
	ID CompressionMethodID
}

// CompressionMethods returns the set of compression methods this module
// recognizes on the wire.
func CompressionMethods() map[CompressionMethodID]*CompressionMethod {
	return map[CompressionMethodID]*CompressionMethod{
		CompressionMethodNull: {ID: CompressionMethodNull},
	}
}
