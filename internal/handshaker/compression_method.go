// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package handshaker

import "github.com/dtls-connector/dtls/pkg/protocol"

// defaultCompressionMethodIDs is the compression method list a ClientHello
// advertises: this module recognizes only the null method, so the list is
// always a single element.
func defaultCompressionMethodIDs() []protocol.CompressionMethodID {
	return []protocol.CompressionMethodID{protocol.CompressionMethodNull}
}
