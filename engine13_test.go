package tlsio

import (
	"bytes"
	"testing"

	"go.uber.org/zap"
)

func TestTLS13SessionResumptionWithEarlyData(t *testing.T) {
	logger := zap.NewNop()
	sharedTickets, err := NewTicketStore(8)
	if err != nil {
		t.Fatalf("NewTicketStore: %v", err)
	}

	clientCfg := Config{Tickets: sharedTickets, AllowEarlyData: true}
	serverCfg := Config{Tickets: sharedTickets, SendSessionTicket: true, AllowEarlyData: true}

	// First connection: plain full handshake, ending with the server
	// issuing a session ticket the client stores under its server name.
	client1, err := NewClientConnection(clientCfg, "tlsio.local", logger)
	if err != nil {
		t.Fatalf("NewClientConnection: %v", err)
	}
	server1, err := NewServerConnection(serverCfg, logger)
	if err != nil {
		t.Fatalf("NewServerConnection: %v", err)
	}
	handshake(t, client1, server1)

	if _, ok := sharedTickets.Get("tlsio.local"); !ok {
		t.Fatalf("expected a session ticket to have been cached after the first handshake")
	}

	// Second connection: the client should offer the cached PSK and, since
	// early data is allowed on both sides, be able to send 0-RTT data
	// immediately after the ClientHello.
	client2, err := NewClientConnection(clientCfg, "tlsio.local", logger)
	if err != nil {
		t.Fatalf("NewClientConnection (resumed): %v", err)
	}
	if client2.pendingTicket == nil {
		t.Fatalf("expected the resumed client to have a pending ticket")
	}
	if !client2.mayEncryptEarlyData {
		t.Fatalf("expected the resumed client to be permitted to send early data")
	}

	server2, err := NewServerConnection(serverCfg, logger)
	if err != nil {
		t.Fatalf("NewServerConnection (resumed): %v", err)
	}

	handshake(t, client2, server2)

	if !client2.maySendApplicationData || !server2.maySendApplicationData {
		t.Fatalf("resumed handshake should still reach application data phase")
	}
}

func TestTLS13SessionTicketScopedToServerName(t *testing.T) {
	logger := zap.NewNop()
	tickets, err := NewTicketStore(8)
	if err != nil {
		t.Fatalf("NewTicketStore: %v", err)
	}

	clientCfg := Config{Tickets: tickets}
	serverCfg := Config{Tickets: tickets, SendSessionTicket: true}

	client, err := NewClientConnection(clientCfg, "a.tlsio.local", logger)
	if err != nil {
		t.Fatalf("NewClientConnection: %v", err)
	}
	server, err := NewServerConnection(serverCfg, logger)
	if err != nil {
		t.Fatalf("NewServerConnection: %v", err)
	}
	handshake(t, client, server)

	if _, ok := tickets.Get("a.tlsio.local"); !ok {
		t.Fatalf("expected a ticket cached under a.tlsio.local")
	}
	if _, ok := tickets.Get("b.tlsio.local"); ok {
		t.Fatalf("did not expect a ticket cached under an unrelated server name")
	}
}

func TestALPNNegotiation(t *testing.T) {
	logger := zap.NewNop()
	clientCfg, serverCfg := testConfigs(t)
	clientCfg.NextProtos = []string{"h2", "http/1.1"}
	serverCfg.NextProtos = []string{"http/1.1"}

	client, err := NewClientConnection(clientCfg, "tlsio.local", logger)
	if err != nil {
		t.Fatalf("NewClientConnection: %v", err)
	}
	server, err := NewServerConnection(serverCfg, logger)
	if err != nil {
		t.Fatalf("NewServerConnection: %v", err)
	}
	handshake(t, client, server)

	if !client.maySendApplicationData || !server.maySendApplicationData {
		t.Fatalf("expected handshake to complete despite partial ALPN overlap")
	}
}

func TestCloseNotifyShutsDownConnection(t *testing.T) {
	logger := zap.NewNop()
	clientCfg, serverCfg := testConfigs(t)

	client, err := NewClientConnection(clientCfg, "tlsio.local", logger)
	if err != nil {
		t.Fatalf("NewClientConnection: %v", err)
	}
	server, err := NewServerConnection(serverCfg, logger)
	if err != nil {
		t.Fatalf("NewServerConnection: %v", err)
	}
	handshake(t, client, server)

	status := client.ProcessTLSRecords(nil)
	tt, ok := status.State.(TrafficTransit)
	if !ok {
		t.Fatalf("expected TrafficTransit, got %T", status.State)
	}
	out := make([]byte, 4096)
	n, err := tt.MayEncryptAppData().QueueCloseNotify(out)
	if err != nil {
		t.Fatalf("QueueCloseNotify: %v", err)
	}

	clientOut := &bytes.Buffer{}
	clientOut.Write(out[:n])

	var recv [][]byte
	serverOut := &bytes.Buffer{}
	drive(t, server, clientOut, serverOut, &recv)

	status = server.ProcessTLSRecords(nil)
	if _, ok := status.State.(ConnectionClosedState); !ok {
		t.Fatalf("expected server to report ConnectionClosedState after close_notify, got %T", status.State)
	}
}
