// Package testutil spins up an embedded NATS/JetStream server for
// integration tests, grounded on the pack's own pattern of starting an
// in-process nats-server rather than requiring a running daemon.
package testutil

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// StartNATSServer starts an embedded NATS server with JetStream enabled on
// an ephemeral port, backed by a temp directory for its store. It returns
// the client URL and a cleanup function the caller must defer.
func StartNATSServer(t *testing.T) (url string, cleanup func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot reserve a free port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	port, err := strconv.Atoi(addr[strings.LastIndex(addr, ":")+1:])
	if err != nil {
		t.Fatalf("parsing reserved port: %v", err)
	}

	opts := &server.Options{
		Host:            "127.0.0.1",
		Port:            port,
		NoSystemAccount: true,
		JetStream:       true,
		StoreDir:        t.TempDir(),
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded nats server: %v", err)
	}
	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server not ready")
	}

	cleanup = func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	}
	return srv.ClientURL(), cleanup
}
