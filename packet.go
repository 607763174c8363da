// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtls

import (
	"github.com/dtls-connector/dtls/pkg/protocol/recordlayer"
)

// packet pairs a record with the encryption decision packFlight made for
// it: a record at a non-zero epoch is encrypted only once the session has
// actually derived keys, which during the handshake flight that carries
// ChangeCipherSpec is true for every record after it but not before.
type packet struct {
	record        *recordlayer.RecordLayer
	shouldEncrypt bool
}
