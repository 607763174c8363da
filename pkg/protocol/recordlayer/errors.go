// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package recordlayer

import "errors"

// ErrInvalidPacketLength is returned when a buffer is too short to contain
// a valid header or the declared content.
var ErrInvalidPacketLength = errors.New("recordlayer: packet is too short")

// ErrUnsupportedContentType is returned when a header names a content type
// this module does not implement.
var ErrUnsupportedContentType = errors.New("recordlayer: unsupported content type")
