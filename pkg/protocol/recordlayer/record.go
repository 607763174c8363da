// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package recordlayer

import (
	"github.com/dtls-connector/dtls/pkg/protocol"
	"github.com/dtls-connector/dtls/pkg/protocol/alert"
	"github.com/dtls-connector/dtls/pkg/protocol/handshake"
)

// RecordLayer binds one Header to one Content, RFC 6347 Section 4.1.
type RecordLayer struct {
	Header  Header
	Content protocol.Content
}

// Marshal encodes the RecordLayer. Content is marshaled first so the
// header's ContentLen can be filled in.
func (r *RecordLayer) Marshal() ([]byte, error) {
	contentRaw, err := r.Content.Marshal()
	if err != nil {
		return nil, err
	}

	r.Header.ContentType = r.Content.ContentType()
	r.Header.ContentLen = uint16(len(contentRaw))

	headerRaw, err := r.Header.Marshal()
	if err != nil {
		return nil, err
	}

	return append(headerRaw, contentRaw...), nil
}

// Unmarshal decodes a single RecordLayer from plaintext data. The caller
// must have already decrypted ciphertext records (epoch > 0) before calling
// this; the codec only binds a record to a session at decrypt time.
func (r *RecordLayer) Unmarshal(data []byte) error {
	if err := r.Header.Unmarshal(data); err != nil {
		return err
	}
	if len(data) < r.Header.Size()+int(r.Header.ContentLen) {
		return ErrInvalidPacketLength
	}

	body := data[r.Header.Size() : r.Header.Size()+int(r.Header.ContentLen)]

	switch r.Header.ContentType {
	case protocol.ContentTypeChangeCipherSpec:
		r.Content = &protocol.ChangeCipherSpec{}
	case protocol.ContentTypeAlert:
		r.Content = &alert.Alert{}
	case protocol.ContentTypeHandshake:
		r.Content = &handshake.Handshake{}
	case protocol.ContentTypeApplicationData:
		r.Content = &protocol.ApplicationData{}
	default:
		return ErrUnsupportedContentType
	}

	return r.Content.Unmarshal(body)
}

// UnpackDatagram splits a single UDP datagram into its constituent raw
// records. A malformed header or truncated payload terminates parsing and
// discards the tail; already-parsed records remain valid,
// RFC 6347 Section 4.1.2.7.
func UnpackDatagram(buf []byte) ([][]byte, error) {
	out := make([][]byte, 0)

	for offset := 0; offset < len(buf); {
		if len(buf)-offset < FixedHeaderSize {
			break
		}

		h := &Header{}
		if err := h.Unmarshal(buf[offset:]); err != nil {
			break
		}

		recordSize := FixedHeaderSize + int(h.ContentLen)
		if len(buf)-offset < recordSize {
			break
		}

		out = append(out, buf[offset:offset+recordSize])
		offset += recordSize
	}

	if len(out) == 0 {
		return nil, ErrInvalidPacketLength
	}
	return out, nil
}
