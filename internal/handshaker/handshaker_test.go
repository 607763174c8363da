// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package handshaker

import (
	"bytes"
	"testing"

	"github.com/pion/logging"

	"github.com/dtls-connector/dtls/internal/session"
	"github.com/dtls-connector/dtls/pkg/protocol"
	"github.com/dtls-connector/dtls/pkg/protocol/handshake"
	"github.com/dtls-connector/dtls/pkg/protocol/recordlayer"
)

func testConfig(psk []byte) Config {
	return Config{
		PSK: func(identityHint []byte) ([]byte, error) {
			return psk, nil
		},
		PSKIdentityHint: []byte("test-identity"),
		Log:             logging.NewDefaultLoggerFactory().NewLogger("test"),
	}
}

func handshakeOf(rec *recordlayer.RecordLayer) *handshake.Handshake {
	return rec.Content.(*handshake.Handshake) //nolint:forcetypeassert // test helper, shape is known
}

// TestFullHandshakeEstablishesMatchingSessions drives a complete
// ClientHello/HelloVerifyRequest/ClientHello/ServerHello+CCS+Finished/
// CCS+Finished exchange between a Client and a Server Handshaker without a
// connector or socket in between, confirming both sides land on a usable,
// mutually-decryptable session.
func TestFullHandshakeEstablishesMatchingSessions(t *testing.T) {
	psk := []byte("shared secret")
	client := NewClient(testConfig(psk))
	server := NewServer(testConfig(psk), []byte("session-1"), 5)

	var established []*struct{}
	client.AddListener(listenerFunc(func() { established = append(established, nil) }))
	server.AddListener(listenerFunc(func() { established = append(established, nil) }))

	fl, err := client.StartHandshakeMessage()
	if err != nil {
		t.Fatalf("client.StartHandshakeMessage: %v", err)
	}
	ch1 := handshakeOf(fl.Records[0])

	hvr := &handshake.Handshake{
		Header:  handshake.Header{MessageSequence: ch1.Header.MessageSequence},
		Message: &handshake.MessageHelloVerifyRequest{Version: protocol.Version1_2, Cookie: []byte("stateless-cookie")},
	}
	fl, err = client.ProcessHandshakeMessage(hvr, 0, 0)
	if err != nil {
		t.Fatalf("client ProcessHandshakeMessage(HelloVerifyRequest): %v", err)
	}
	ch2 := handshakeOf(fl.Records[0])

	fl, err = server.ProcessHandshakeMessage(ch2, 0, 6)
	if err != nil {
		t.Fatalf("server ProcessHandshakeMessage(ClientHello): %v", err)
	}
	if len(fl.Records) != 3 {
		t.Fatalf("server flight has %d records, want 3 (ServerHello, CCS, Finished)", len(fl.Records))
	}
	serverHello, serverFinished := handshakeOf(fl.Records[0]), handshakeOf(fl.Records[2])

	if _, err := client.ProcessHandshakeMessage(serverHello, 0, 7); err != nil {
		t.Fatalf("client ProcessHandshakeMessage(ServerHello): %v", err)
	}
	fl, err = client.ProcessHandshakeMessage(serverFinished, 1, 0)
	if err != nil {
		t.Fatalf("client ProcessHandshakeMessage(Finished): %v", err)
	}
	if len(fl.Records) != 2 {
		t.Fatalf("client finished flight has %d records, want 2 (CCS, Finished)", len(fl.Records))
	}
	if !client.IsFinished() {
		t.Fatal("client did not reach stepFinished after processing server Finished")
	}
	clientFinished := handshakeOf(fl.Records[1])

	if _, err := server.ProcessHandshakeMessage(clientFinished, 1, 0); err != nil {
		t.Fatalf("server ProcessHandshakeMessage(client Finished): %v", err)
	}
	if !server.IsFinished() {
		t.Fatal("server did not reach stepFinished after processing client Finished")
	}
	if len(established) != 2 {
		t.Fatalf("OnSessionEstablished fired %d times, want 2", len(established))
	}

	clientSess, serverSess := client.Session(), server.Session()
	if !clientSess.IsEstablished() || !serverSess.IsEstablished() {
		t.Fatal("both sessions should report established after a completed handshake")
	}
	if !bytes.Equal(clientSess.SessionID, serverSess.SessionID) {
		t.Errorf("session ids differ: client=%x server=%x", clientSess.SessionID, serverSess.SessionID)
	}

	rec := &recordlayer.RecordLayer{
		Header:  recordlayer.Header{Version: protocol.Version1_2, Epoch: 1, SequenceNumber: 0},
		Content: &protocol.ApplicationData{Data: []byte("ping")},
	}
	plain, err := rec.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	ciphertext, err := clientSess.CipherSuite.Encrypt(rec, plain)
	if err != nil {
		t.Fatalf("client Encrypt: %v", err)
	}

	var h recordlayer.Header
	if err := h.Unmarshal(ciphertext); err != nil {
		t.Fatalf("Header.Unmarshal: %v", err)
	}
	decrypted, err := serverSess.CipherSuite.Decrypt(h, ciphertext)
	if err != nil {
		t.Fatalf("server Decrypt: %v", err)
	}
	ad := &protocol.ApplicationData{}
	if err := ad.Unmarshal(decrypted[h.Size():]); err != nil {
		t.Fatalf("ApplicationData.Unmarshal: %v", err)
	}
	if string(ad.Data) != "ping" {
		t.Errorf("decrypted payload = %q, want %q (client/server keys do not match)", ad.Data, "ping")
	}
}

func TestHasBeenStartedByDetectsRetransmission(t *testing.T) {
	server := NewServer(testConfig([]byte("k")), []byte("session-1"), 0)
	ch := &handshake.Handshake{
		Header: handshake.Header{MessageSequence: 3},
		Message: &handshake.MessageClientHello{
			Version:              protocol.Version1_2,
			CipherSuiteIDs:       []uint16{CipherSuitePSKWithAES128GCMSHA256},
			CompressionMethodIDs: defaultCompressionMethodIDs(),
			Cookie:               []byte("c"),
		},
	}
	if _, err := server.ProcessHandshakeMessage(ch, 0, 0); err != nil {
		t.Fatalf("ProcessHandshakeMessage: %v", err)
	}

	if !server.HasBeenStartedBy(nil, 3) {
		t.Error("HasBeenStartedBy(3) = false, want true (same message_seq that started the handshake)")
	}
	if server.HasBeenStartedBy(nil, 4) {
		t.Error("HasBeenStartedBy(4) = true, want false (different message_seq)")
	}
}

type listenerFunc func()

func (f listenerFunc) OnSessionEstablished(*session.Session) {
	f()
}
