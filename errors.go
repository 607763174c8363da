// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtls

import (
	"errors"
	"fmt"

	"github.com/dtls-connector/dtls/pkg/protocol/alert"
)

var (
	errBindAddressRequired  = errors.New("dtls: BindAddress is required")
	errNotRunning           = errors.New("dtls: connector not running")
	errOutboundQueueFull    = errors.New("dtls: outbound queue full, message dropped")
	errPayloadTooLarge      = errors.New("dtls: application payload exceeds 16384 bytes")
	errNoConnection         = errors.New("dtls: no connection for peer")
	errNoEstablishedSession = errors.New("dtls: no established session for peer")
	errReplayedRecord       = errors.New("dtls: record rejected by replay window")
)

// HandshakeError reports a handshake failure carrying the alert that
// should accompany it, spec.md Section 7 "Handshake failure".
type HandshakeError struct {
	Alert *alert.Alert
	Err   error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dtls: handshake failed (%s): %v", e.Alert.Description, e.Err)
	}
	return fmt.Sprintf("dtls: handshake failed (%s)", e.Alert.Description)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the carried alert is fatal.
func (e *HandshakeError) IsFatal() bool {
	return e.Alert != nil && e.Alert.IsFatal()
}
