// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ciphersuite

import "errors"

var (
	errNotEnoughRoomForNonce = errors.New("ciphersuite: not enough room for explicit nonce")
	errDecryptPacket         = errors.New("ciphersuite: decrypt failed")
)
