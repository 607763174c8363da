// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package handshaker

import "errors"

var (
	errUnknownKind   = errors.New("handshaker: unknown kind")
	errNoPSKCallback = errors.New("handshaker: no PSK callback configured")
	errBadFinished   = errors.New("handshaker: FINISHED verify_data mismatch")
)
