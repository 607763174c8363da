// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtls

import (
	"time"

	"github.com/pion/logging"

	"github.com/dtls-connector/dtls/internal/handshaker"
)

// Defaults for Config fields left unset, spec.md Section 6 "Configuration".
const (
	DefaultOutboundQueueCapacity   = 128
	DefaultMaxRetransmissions      = 3
	DefaultRetransmissionTimeoutMS = 200
	DefaultMaxFragmentLength       = 16384
)

// Config configures a Connector, spec.md Section 6 "Configuration".
// Credential material is narrowed to the PSK case this module implements;
// certificate and raw-public-key selection are named in the Credentials
// contract but have no concrete implementation, spec.md Section 1.
type Config struct {
	// BindAddress is the local UDP address to listen on. Required.
	BindAddress string

	// OutboundQueueCapacity bounds the outbound send queue, spec.md
	// Section 4.3 "Enqueue policy". Zero uses DefaultOutboundQueueCapacity.
	OutboundQueueCapacity int

	// MaxRetransmissions is the number of resends attempted before a
	// flight is abandoned, spec.md Section 4.3 "Retransmission timing".
	// Zero uses DefaultMaxRetransmissions.
	MaxRetransmissions int

	// RetransmissionTimeout is the initial per-flight timeout, doubled on
	// each retry. Zero uses DefaultRetransmissionTimeoutMS.
	RetransmissionTimeout time.Duration

	// MaxFragmentLengthCode selects one of the RFC 6066 max_fragment_length
	// codes to advertise, or zero for no reduction from the 16384-byte cap.
	MaxFragmentLengthCode uint8

	// PSK resolves a PSK identity hint to the shared secret, the external
	// credential store contract named in spec.md Section 1.
	PSK handshaker.PSKCallback

	// PSKIdentityHint is sent by a client to help the server select a key.
	PSKIdentityHint []byte

	// CipherSuites is presently unused for selection purposes — this
	// module negotiates a single reference suite,
	// handshaker.CipherSuitePSKWithAES128GCMSHA256 — but is named here so
	// the Config shape matches the credential/trust/cipher-suite options
	// spec.md Section 6 calls out, in case a future cipher suite is wired
	// in without changing Config's shape.
	CipherSuites []uint16

	// LoggerFactory builds the per-component loggers. Nil uses
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (c *Config) outboundQueueCapacity() int {
	if c.OutboundQueueCapacity > 0 {
		return c.OutboundQueueCapacity
	}
	return DefaultOutboundQueueCapacity
}

func (c *Config) maxRetransmissions() int {
	if c.MaxRetransmissions > 0 {
		return c.MaxRetransmissions
	}
	return DefaultMaxRetransmissions
}

func (c *Config) retransmissionTimeoutMS() int {
	if c.RetransmissionTimeout > 0 {
		return int(c.RetransmissionTimeout.Milliseconds())
	}
	return DefaultRetransmissionTimeoutMS
}

func (c *Config) maxFragmentLength() int {
	switch c.MaxFragmentLengthCode {
	case 1:
		return 512
	case 2:
		return 1024
	case 3:
		return 2048
	case 4:
		return 4096
	default:
		return DefaultMaxFragmentLength
	}
}

func (c *Config) loggerFactory() logging.LoggerFactory {
	if c.LoggerFactory != nil {
		return c.LoggerFactory
	}
	return logging.NewDefaultLoggerFactory()
}
