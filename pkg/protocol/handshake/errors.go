// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package handshake

import "errors"

var (
	errBufferTooSmall           = errors.New("handshake: buffer too small")
	errCipherSuiteUnset         = errors.New("handshake: cipher suite not set")
	errCompressionMethodUnset   = errors.New("handshake: compression method not set")
	errInvalidCompressionMethod = errors.New("handshake: invalid compression method")
	errUnsupportedHandshakeType = errors.New("handshake: unsupported handshake type")
)
