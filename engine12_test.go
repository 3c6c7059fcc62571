package tlsio

import (
	"bytes"
	"testing"

	"go.uber.org/zap"
)

func TestTLS12FullHandshake(t *testing.T) {
	clientCfg, serverCfg := testConfigs(t)
	clientCfg.CipherSuites = []CipherSuite{TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}
	serverCfg.CipherSuites = []CipherSuite{TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}
	logger := zap.NewNop()

	client, err := NewClientConnection(clientCfg, "tlsio.local", logger)
	if err != nil {
		t.Fatalf("NewClientConnection: %v", err)
	}
	server, err := NewServerConnection(serverCfg, logger)
	if err != nil {
		t.Fatalf("NewServerConnection: %v", err)
	}

	handshake(t, client, server)

	if client.version != VersionTLS12 {
		t.Fatalf("expected TLS 1.2, got %v", client.version)
	}
	if !client.maySendApplicationData || !server.maySendApplicationData {
		t.Fatalf("both sides should have reached application data phase")
	}
	if len(client.ms12) == 0 {
		t.Fatalf("expected a TLS 1.2 master secret to have been derived")
	}
}

func TestTLS12ApplicationDataRoundTrip(t *testing.T) {
	clientCfg, serverCfg := testConfigs(t)
	clientCfg.CipherSuites = []CipherSuite{TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}
	serverCfg.CipherSuites = []CipherSuite{TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}
	logger := zap.NewNop()

	client, err := NewClientConnection(clientCfg, "tlsio.local", logger)
	if err != nil {
		t.Fatalf("NewClientConnection: %v", err)
	}
	server, err := NewServerConnection(serverCfg, logger)
	if err != nil {
		t.Fatalf("NewServerConnection: %v", err)
	}
	handshake(t, client, server)

	status := server.ProcessTLSRecords(nil)
	tt, ok := status.State.(TrafficTransit)
	if !ok {
		t.Fatalf("expected TrafficTransit on server, got %T", status.State)
	}
	out := make([]byte, 4096)
	n, err := tt.MayEncryptAppData().Encrypt([]byte("ping"), out)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	serverOut := &bytes.Buffer{}
	serverOut.Write(out[:n])

	var recv [][]byte
	drive(t, client, serverOut, &bytes.Buffer{}, &recv)

	if len(recv) != 1 || string(recv[0]) != "ping" {
		t.Fatalf("client received %q, want [\"ping\"]", recv)
	}
}
