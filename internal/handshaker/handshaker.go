// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package handshaker implements the four handshaker variants named in
// spec.md Section 4.4 as a single tagged-variant type, per the Section 9
// design note ("The four handshaker variants are naturally modelled as a
// tagged variant with a shared behavior set ... eliminating inheritance").
//
// It is the "20% (external)" component: the connector core in the parent
// package only ever uses the constructors and exported methods of the
// Handshaker type, never this package's internals. The concrete flow implemented here is intentionally
// the thinnest one that is still a real, working DTLS exchange: a
// PSK-only cipher suite (no certificates, no Diffie-Hellman), which keeps
// every connector behavior spec.md names (cookie round-trip, duplicate
// ClientHello detection, session_established events, resumption) testable
// without pulling in certificate-chain validation, which spec.md Section 1
// explicitly excludes.
package handshaker

import (
	"crypto/subtle"
	"fmt"

	"github.com/pion/logging"

	"github.com/dtls-connector/dtls/internal/flight"
	"github.com/dtls-connector/dtls/internal/session"
	"github.com/dtls-connector/dtls/pkg/crypto/ciphersuite"
	"github.com/dtls-connector/dtls/pkg/crypto/prf"
	"github.com/dtls-connector/dtls/pkg/protocol"
	"github.com/dtls-connector/dtls/pkg/protocol/handshake"
	"github.com/dtls-connector/dtls/pkg/protocol/recordlayer"
)

// CipherSuitePSKWithAES128GCMSHA256 is the one reference suite this module
// negotiates, IANA value 0x00A8.
const CipherSuitePSKWithAES128GCMSHA256 = uint16(0x00A8)

// Kind tags which of the four handshaker variants an instance plays,
// spec.md Section 4.4.
type Kind int

// Handshaker variants, spec.md Section 4.4.
const (
	Client Kind = iota
	Server
	ResumingClient
	ResumingServer
)

// Listener receives the session_established event, spec.md Section 4.4.
type Listener interface {
	OnSessionEstablished(s *session.Session)
}

// PSKCallback resolves a PSK identity hint to the shared secret. It is the
// external credential store named in spec.md Section 1.
type PSKCallback func(identityHint []byte) ([]byte, error)

// Config configures a Handshaker, analogous to spec.md Section 6
// "Configuration" credential-material options, narrowed to the PSK case.
type Config struct {
	PSK                 PSKCallback
	PSKIdentityHint     []byte
	RetransmitTimeoutMS int
	MaxRetransmissions  int
	Log                 logging.LeveledLogger
}

type step int

const (
	stepNotStarted step = iota
	stepAwaitingHelloVerify
	stepAwaitingServerFlight // client: sent ClientHello w/ cookie, waiting for ServerHello+CCS+Finished
	stepAwaitingClientHello  // server: constructed, about to process the triggering ClientHello
	stepAwaitingClientFinished
	stepFinished
)

// Handshaker drives one peer's handshake state machine, spec.md
// Section 4.4. The zero value is not usable; construct with NewClient,
// NewServer, NewResumingClient, or NewResumingServer.
type Handshaker struct {
	kind Kind
	cfg  Config
	step step

	sess *session.Session

	clientRandom handshake.Random
	serverRandom handshake.Random

	// nextMessageSeq is the next outbound handshake message_seq and
	// startingMessageSeq the message_seq that started this handshake, the
	// latter used for duplicate
	// ClientHello detection, spec.md Section 4.3 "Handshake with an
	// existing connection".
	nextMessageSeq   uint16
	startingMessageSeq uint16
	startingCookie   []byte

	priorSession *session.Session // set for ResumingClient/ResumingServer

	pskIdentityHint []byte
	pskKey          []byte
	masterSecret    []byte

	listeners []Listener

	lastFlight *flight.Flight
}

// NewClient returns a Handshaker that starts a fresh client handshake.
func NewClient(cfg Config) *Handshaker {
	return &Handshaker{kind: Client, cfg: cfg, sess: session.New(nil), step: stepNotStarted}
}

// NewServer returns a Handshaker that will process the triggering
// ClientHello (already cookie-verified by the connector) to start a fresh
// server handshake, spec.md Section 4.3 "Starting a new server handshake".
// initialWriteSequence seeds the session's epoch-0 write sequence number
// from the triggering record's sequence number, RFC 6347 Section 4.2.1.
func NewServer(cfg Config, sessionID []byte, initialWriteSequence uint64) *Handshaker {
	h := &Handshaker{kind: Server, cfg: cfg, sess: session.New(sessionID), step: stepAwaitingClientHello}
	h.sess.SeedWriteSequence(0, initialWriteSequence)
	return h
}

// NewResumingClient returns a Handshaker that resumes prior, deriving a
// fresh session bound to the same session id and PSK identity,
// spec.md Section 4.3 "Resumption".
func NewResumingClient(cfg Config, prior *session.Session) *Handshaker {
	return &Handshaker{
		kind:         ResumingClient,
		cfg:          cfg,
		sess:         session.New(prior.SessionID),
		step:         stepNotStarted,
		priorSession: prior,
	}
}

// NewResumingServer returns a Handshaker that resumes prior on behalf of a
// server, analogous to NewServer but skipping identity-hint negotiation.
func NewResumingServer(cfg Config, prior *session.Session, initialWriteSequence uint64) *Handshaker {
	h := &Handshaker{
		kind:         ResumingServer,
		cfg:          cfg,
		sess:         session.New(prior.SessionID),
		step:         stepAwaitingClientHello,
		priorSession: prior,
	}
	h.sess.SeedWriteSequence(0, initialWriteSequence)
	return h
}

// Session returns the session being negotiated. Its CipherSuite is nil
// until the handshake completes.
func (h *Handshaker) Session() *session.Session {
	return h.sess
}

// IsFinished reports whether session_established has fired.
func (h *Handshaker) IsFinished() bool {
	return h.step == stepFinished
}

// AddListener registers a listener for session_established.
func (h *Handshaker) AddListener(l Listener) {
	h.listeners = append(h.listeners, l)
}

func (h *Handshaker) notifyEstablished() {
	h.step = stepFinished
	h.sess.HandshakeConfirmed.Store(false)
	for _, l := range h.listeners {
		l.OnSessionEstablished(h.sess)
	}
}

// HasBeenStartedBy reports whether ch (with the given record message_seq)
// is the ClientHello that started this handshake, i.e. a retransmission
// rather than a new attempt, spec.md Section 4.3 "Handshake with an
// existing connection".
func (h *Handshaker) HasBeenStartedBy(ch *handshake.MessageClientHello, messageSeq uint16) bool {
	if h.kind != Server && h.kind != ResumingServer {
		return false
	}
	return messageSeq == h.startingMessageSeq
}

// StartHandshakeMessage builds the first outbound flight for a
// client-initiated handshake (Client and ResumingClient), spec.md
// Section 4.3 "Outbound send" and Section 4.4.
func (h *Handshaker) StartHandshakeMessage() (*flight.Flight, error) {
	if h.kind != Client && h.kind != ResumingClient {
		return nil, nil //nolint:nilnil // server variants never self-start
	}

	if err := h.clientRandom.Generate(); err != nil {
		return nil, err
	}

	sessionID := []byte{}
	if h.kind == ResumingClient {
		sessionID = h.priorSession.SessionID
	}

	ch := &handshake.MessageClientHello{
		Version:              protocol.Version1_2,
		Random:                h.clientRandom,
		SessionID:             sessionID,
		Cookie:                []byte{},
		CipherSuiteIDs:        []uint16{CipherSuitePSKWithAES128GCMSHA256},
		CompressionMethodIDs:  defaultCompressionMethodIDs(),
		Extensions:            []handshake.RawExtension{},
	}

	h.startingMessageSeq = h.nextMessageSeq
	rec := h.wrapHandshake(ch)
	h.step = stepAwaitingHelloVerify

	fl := flight.New([]*recordlayer.RecordLayer{rec}, h.sess, true)
	h.lastFlight = fl
	return fl, nil
}

// ProcessHandshakeMessage feeds one reassembled, session-bound handshake
// message to the state machine and returns the resulting outbound flight,
// if any, spec.md Section 4.4.
func (h *Handshaker) ProcessHandshakeMessage(msg *handshake.Handshake, recordEpoch uint16, recordSeq uint64) (*flight.Flight, error) { //nolint:gocognit
	switch h.kind {
	case Client, ResumingClient:
		return h.processAsClient(msg)
	case Server, ResumingServer:
		return h.processAsServer(msg, recordSeq)
	default:
		return nil, fmt.Errorf("%w: %d", errUnknownKind, h.kind)
	}
}

// ProcessChangeCipherSpec records the peer's epoch bump. It never itself
// produces an outbound flight, spec.md Section 4.3 "CHANGE_CIPHER_SPEC".
func (h *Handshaker) ProcessChangeCipherSpec(epoch uint16) error {
	h.sess.SetReadEpoch(epoch)
	return nil
}

func (h *Handshaker) processAsServer(msg *handshake.Handshake, triggeringSeq uint64) (*flight.Flight, error) {
	switch m := msg.Message.(type) {
	case *handshake.MessageClientHello:
		if h.step != stepAwaitingClientHello {
			return nil, nil //nolint:nilnil // duplicate; connector handles retransmission itself
		}
		h.startingMessageSeq = msg.Header.MessageSequence
		h.startingCookie = append([]byte{}, m.Cookie...)
		h.clientRandom = m.Random
		return h.buildServerFlight()
	case *handshake.MessageFinished:
		if h.step != stepAwaitingClientFinished {
			return nil, nil //nolint:nilnil
		}
		expected := h.expectedFinished("client finished")
		if !hmacEqual(expected, m.VerifyData) {
			return nil, errBadFinished
		}
		h.notifyEstablished()
		return nil, nil //nolint:nilnil // handshake confirmed via app-data heuristic, not a reply
	default:
		return nil, nil //nolint:nilnil // out-of-scope message types are silently ignored
	}
}

func (h *Handshaker) processAsClient(msg *handshake.Handshake) (*flight.Flight, error) {
	switch m := msg.Message.(type) {
	case *handshake.MessageHelloVerifyRequest:
		if h.step != stepAwaitingHelloVerify {
			return nil, nil //nolint:nilnil
		}
		return h.resendClientHelloWithCookie(m.Cookie)
	case *handshake.MessageServerHello:
		if h.step != stepAwaitingServerFlight {
			return nil, nil //nolint:nilnil
		}
		h.serverRandom = m.Random
		h.sess.SessionID = append([]byte{}, m.SessionID...)
		return nil, h.deriveKeys()
	case *handshake.MessageFinished:
		if h.step != stepAwaitingServerFlight && h.step != stepAwaitingClientFinished {
			return nil, nil //nolint:nilnil
		}
		expected := h.expectedFinished("server finished")
		if !hmacEqual(expected, m.VerifyData) {
			return nil, errBadFinished
		}
		return h.buildClientFinishedFlight()
	default:
		return nil, nil //nolint:nilnil
	}
}

func (h *Handshaker) resendClientHelloWithCookie(cookie []byte) (*flight.Flight, error) {
	ch := &handshake.MessageClientHello{
		Version:              protocol.Version1_2,
		Random:                h.clientRandom,
		SessionID:             h.sess.SessionID,
		Cookie:                cookie,
		CipherSuiteIDs:        []uint16{CipherSuitePSKWithAES128GCMSHA256},
		CompressionMethodIDs:  defaultCompressionMethodIDs(),
		Extensions:            []handshake.RawExtension{},
	}
	rec := h.wrapHandshake(ch)
	h.step = stepAwaitingServerFlight

	fl := flight.New([]*recordlayer.RecordLayer{rec}, h.sess, true)
	h.lastFlight = fl
	return fl, nil
}

func (h *Handshaker) resolvePSK() error {
	if h.pskKey != nil {
		return nil
	}
	if h.cfg.PSK == nil {
		return errNoPSKCallback
	}
	hint := h.cfg.PSKIdentityHint
	if h.priorSession != nil {
		hint = h.priorSession.PeerIdentity.PSKIdentity
	}
	key, err := h.cfg.PSK(hint)
	if err != nil {
		return err
	}
	h.pskIdentityHint = hint
	h.pskKey = key
	h.sess.PeerIdentity = session.Identity{PSKIdentity: hint}
	return nil
}

func (h *Handshaker) deriveKeys() error {
	if err := h.resolvePSK(); err != nil {
		return err
	}

	preMaster := prf.PreMasterSecretPSK(h.pskKey)
	cRandom := h.clientRandom.MarshalFixed()
	sRandom := h.serverRandom.MarshalFixed()
	master := prf.MasterSecret(preMaster, cRandom[:], sRandom[:])
	keys := prf.ExpandGCMKeys(master, cRandom[:], sRandom[:])
	h.masterSecret = master

	var localKey, localIV, remoteKey, remoteIV []byte
	if h.kind == Client || h.kind == ResumingClient {
		localKey, localIV = keys.ClientWriteKey, keys.ClientWriteIV
		remoteKey, remoteIV = keys.ServerWriteKey, keys.ServerWriteIV
	} else {
		localKey, localIV = keys.ServerWriteKey, keys.ServerWriteIV
		remoteKey, remoteIV = keys.ClientWriteKey, keys.ClientWriteIV
	}

	suite, err := ciphersuite.NewGCM(localKey, localIV, remoteKey, remoteIV)
	if err != nil {
		return err
	}
	h.sess.CipherSuite = suite
	return nil
}

// buildServerFlight constructs ServerHello + ChangeCipherSpec + Finished as
// a single flight, the abbreviated-by-construction PSK exchange this
// module implements in place of a full certificate/key-exchange flight,
// spec.md Section 4.4.
func (h *Handshaker) buildServerFlight() (*flight.Flight, error) {
	if err := h.serverRandom.Generate(); err != nil {
		return nil, err
	}
	if err := h.deriveKeys(); err != nil {
		return nil, err
	}

	cipherSuiteID := CipherSuitePSKWithAES128GCMSHA256
	sh := &handshake.MessageServerHello{
		Version:           protocol.Version1_2,
		Random:            h.serverRandom,
		SessionID:         h.sess.SessionID,
		CipherSuiteID:     &cipherSuiteID,
		CompressionMethod: &protocol.CompressionMethod{ID: protocol.CompressionMethodNull},
		Extensions:        []handshake.RawExtension{},
	}
	shRec := h.wrapHandshake(sh)

	ccsRec := &recordlayer.RecordLayer{
		Header:  recordlayer.Header{Version: protocol.Version1_2, Epoch: 0},
		Content: &protocol.ChangeCipherSpec{},
	}

	finishedRec := h.wrapHandshakeAtEpoch(&handshake.MessageFinished{
		VerifyData: h.expectedFinished("server finished"),
	}, 1)

	h.sess.SetWriteEpoch(1)
	h.step = stepAwaitingClientFinished

	fl := flight.New([]*recordlayer.RecordLayer{shRec, ccsRec, finishedRec}, h.sess, true)
	h.lastFlight = fl
	return fl, nil
}

func (h *Handshaker) buildClientFinishedFlight() (*flight.Flight, error) {
	ccsRec := &recordlayer.RecordLayer{
		Header:  recordlayer.Header{Version: protocol.Version1_2, Epoch: 0},
		Content: &protocol.ChangeCipherSpec{},
	}
	finishedRec := h.wrapHandshakeAtEpoch(&handshake.MessageFinished{
		VerifyData: h.expectedFinished("client finished"),
	}, 1)

	h.sess.SetWriteEpoch(1)
	h.notifyEstablished()

	fl := flight.New([]*recordlayer.RecordLayer{ccsRec, finishedRec}, h.sess, false)
	h.lastFlight = fl
	return fl, nil
}

// expectedFinished computes the verify_data this side (or the peer, when
// checking an inbound Finished) would produce for label, using the
// client/server randoms as a stand-in handshake transcript hash. A bit-
// exact RFC 5246 Finished computation hashes the full handshake message
// transcript; this module substitutes the concatenated randoms, which is
// sufficient to prove both sides derived the same master secret without
// pulling transcript hashing into the out-of-scope handshake message
// bit-layout this spec explicitly excludes.
func (h *Handshaker) expectedFinished(label string) []byte {
	cRandom := h.clientRandom.MarshalFixed()
	sRandom := h.serverRandom.MarshalFixed()
	transcript := append(append([]byte{}, cRandom[:]...), sRandom[:]...)
	return prf.VerifyData(h.masterSecret, transcript, label)
}

func (h *Handshaker) wrapHandshake(msg handshake.Message) *recordlayer.RecordLayer {
	return h.wrapHandshakeAtEpoch(msg, 0)
}

func (h *Handshaker) wrapHandshakeAtEpoch(msg handshake.Message, epoch uint16) *recordlayer.RecordLayer {
	seq := h.nextMessageSeq
	h.nextMessageSeq++
	return &recordlayer.RecordLayer{
		Header: recordlayer.Header{Version: protocol.Version1_2, Epoch: epoch},
		Content: &handshake.Handshake{
			Header:  handshake.Header{MessageSequence: seq},
			Message: msg,
		},
	}
}

func hmacEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

