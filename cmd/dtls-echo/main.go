// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Command dtls-echo runs a Connector bound to a UDP address and echoes
// every application message it receives back to its sender, over a
// single PSK identity shared by all peers.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/pion/logging"

	"github.com/dtls-connector/dtls"
	"github.com/dtls-connector/dtls/pkg/protocol/alert"
)

var (
	bindAddr     string
	pskIdentity  string
	pskKeyHex    string
	logLevelFlag string
)

func init() {
	flag.StringVar(&bindAddr, "addr", ":4444", "UDP address to bind")
	flag.StringVar(&pskIdentity, "identity", "dtls-echo", "PSK identity hint advertised to peers")
	flag.StringVar(&pskKeyHex, "psk", "", "shared secret, hex-encoded (required)")
	flag.StringVar(&logLevelFlag, "log-level", "info", "trace|debug|info|warn|error")
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if pskKeyHex == "" {
		fatalf("missing -psk")
	}
	key, err := hex.DecodeString(pskKeyHex)
	if err != nil {
		fatalf("invalid -psk: %v", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = parseLogLevel(logLevelFlag)
	log := loggerFactory.NewLogger("dtls-echo")

	connector, err := dtls.New(dtls.Config{
		BindAddress:     bindAddr,
		PSKIdentityHint: []byte(pskIdentity),
		PSK: func(identityHint []byte) ([]byte, error) {
			return key, nil
		},
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		fatalf("configuring connector: %v", err)
	}

	connector.SetDataReceiver(func(peerAddr net.Addr, identity, data []byte) {
		log.Infof("%s: %d bytes from %q, echoing back", peerAddr, len(data), identity)
		if err := connector.Send(peerAddr, data); err != nil {
			log.Warnf("echo to %s failed: %v", peerAddr, err)
		}
	})
	connector.SetErrorHandler(func(peerAddr net.Addr, level alert.Level, desc alert.Description) {
		log.Warnf("alert from %s: level=%v description=%v", peerAddr, level, desc)
	})

	if err := connector.Start(); err != nil {
		fatalf("starting connector: %v", err)
	}
	log.Infof("listening on %v", connector.GetAddress())

	select {}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:", os.Args[0], "-psk <hex> [-addr :4444] [-identity dtls-echo]")
	flag.PrintDefaults()
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func parseLogLevel(s string) logging.LogLevel {
	switch s {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}
