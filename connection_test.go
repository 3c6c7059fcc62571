package tlsio

import (
	"bytes"
	"testing"

	"go.uber.org/zap"
)

// drive advances conn as far as it can using only bytes already buffered in
// incoming, sending any produced records to out and decoding any received
// application data into recv. It returns once the connection needs more
// data from the peer or reaches steady-state traffic transit.
func drive(t *testing.T, conn *Connection, incoming *bytes.Buffer, out *bytes.Buffer, recv *[][]byte) {
	t.Helper()
	buf := append([]byte(nil), incoming.Bytes()...)
	incoming.Reset()

	for {
		status := conn.ProcessTLSRecords(buf)
		buf = buf[status.Discard:]
		if status.Err != nil {
			t.Fatalf("ProcessTLSRecords: %v", status.Err)
		}

		switch st := status.State.(type) {
		case NeedsMoreTLSData:
			incoming.Write(buf)
			return

		case *MustEncodeTLSData:
			tmp := make([]byte, 32*1024)
			n, err := st.Encode(tmp)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			out.Write(tmp[:n])

		case *MustTransmitTLSData:
			if err := st.Done(); err != nil {
				t.Fatalf("Done: %v", err)
			}

		case *AppDataAvailable:
			rec, ok, err := st.NextRecord()
			if err != nil {
				t.Fatalf("NextRecord: %v", err)
			}
			if ok {
				*recv = append(*recv, append([]byte(nil), rec.Payload...))
			}

		case *EarlyDataAvailable:
			rec, ok, err := st.NextRecord()
			if err != nil {
				t.Fatalf("NextRecord (early): %v", err)
			}
			if ok {
				*recv = append(*recv, append([]byte(nil), rec.Payload...))
			}

		case TrafficTransit:
			incoming.Write(buf)
			return

		case ConnectionClosedState:
			incoming.Write(buf)
			return

		default:
			t.Fatalf("unexpected state %T", st)
		}
	}
}

func testConfigs(t *testing.T) (clientCfg, serverCfg Config) {
	t.Helper()
	clientTickets, err := NewTicketStore(8)
	if err != nil {
		t.Fatalf("NewTicketStore: %v", err)
	}
	serverTickets, err := NewTicketStore(8)
	if err != nil {
		t.Fatalf("NewTicketStore: %v", err)
	}
	return Config{Tickets: clientTickets}, Config{Tickets: serverTickets}
}

// handshake drives client and server connections against each other,
// bouncing bytes back and forth through two in-memory buffers, until both
// sides reach traffic transit (or one reports an error).
func handshake(t *testing.T, client, server *Connection) {
	t.Helper()
	clientOut := &bytes.Buffer{}
	serverOut := &bytes.Buffer{}
	var recv [][]byte

	for i := 0; i < 20; i++ {
		drive(t, client, serverOut, clientOut, &recv)
		drive(t, server, clientOut, serverOut, &recv)

		if clientOut.Len() == 0 && serverOut.Len() == 0 {
			break
		}
	}
}

func TestTLS13FullHandshake(t *testing.T) {
	clientCfg, serverCfg := testConfigs(t)
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

	if !client.maySendApplicationData {
		t.Fatalf("client did not reach application data phase")
	}
	if !server.maySendApplicationData {
		t.Fatalf("server did not reach application data phase")
	}
	if client.version != VersionTLS13 {
		t.Fatalf("expected TLS 1.3, got %v", client.version)
	}
}

func TestApplicationDataRoundTrip(t *testing.T) {
	clientCfg, serverCfg := testConfigs(t)
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

	status := client.ProcessTLSRecords(nil)
	tt, ok := status.State.(TrafficTransit)
	if !ok {
		t.Fatalf("expected TrafficTransit, got %T", status.State)
	}

	plaintext := []byte("hello server")
	out := make([]byte, 0)
	if _, err := tt.MayEncryptAppData().Encrypt(plaintext, out); err == nil {
		t.Fatalf("expected InsufficientSizeError for a 0-byte buffer")
	} else if sizeErr, ok := err.(*InsufficientSizeError); !ok || sizeErr.RequiredSize <= 0 {
		t.Fatalf("expected InsufficientSizeError with a positive RequiredSize, got %v", err)
	} else {
		out = make([]byte, sizeErr.RequiredSize)
	}

	n, err := tt.MayEncryptAppData().Encrypt(plaintext, out)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	clientOut := &bytes.Buffer{}
	clientOut.Write(out[:n])

	var recv [][]byte
	drive(t, server, clientOut, &bytes.Buffer{}, &recv)

	if len(recv) != 1 || string(recv[0]) != "hello server" {
		t.Fatalf("server received %q, want [\"hello server\"]", recv)
	}
}

func TestInvalidServerNameRejected(t *testing.T) {
	cfg := Config{}
	if _, err := NewClientConnection(cfg, "", zap.NewNop()); err == nil {
		t.Fatalf("expected error for empty server name")
	}
	if _, err := NewClientConnection(cfg, "not a valid name!!", zap.NewNop()); err == nil {
		t.Fatalf("expected error for invalid server name")
	}
}

func TestServerConnectionGeneratesDefaultCertificate(t *testing.T) {
	server, err := NewServerConnection(Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServerConnection: %v", err)
	}
	if len(server.cfg.Certificates) == 0 {
		t.Fatalf("expected a default self-signed certificate to be generated")
	}
}

func TestMalformedRecordPoisonsConnection(t *testing.T) {
	server, err := NewServerConnection(Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServerConnection: %v", err)
	}

	garbage := []byte{0xFF, 0x03, 0x03, 0xFF, 0xFF}
	status := server.ProcessTLSRecords(garbage)
	if status.Err == nil {
		t.Fatalf("expected an error for a malformed record")
	}

	again := server.ProcessTLSRecords(nil)
	if again.Err == nil {
		t.Fatalf("expected the connection to stay poisoned after one error")
	}
}

func TestStaleGuardRejected(t *testing.T) {
	clientCfg, serverCfg := testConfigs(t)
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

	first := client.ProcessTLSRecords(nil)
	tt, ok := first.State.(TrafficTransit)
	if !ok {
		t.Fatalf("expected TrafficTransit, got %T", first.State)
	}
	guard := tt.MayEncryptAppData()

	// Advance the connection again, making the guard stale.
	client.ProcessTLSRecords(nil)

	out := make([]byte, 4096)
	if _, err := guard.Encrypt([]byte("too late"), out); err != errStaleGuard {
		t.Fatalf("expected errStaleGuard, got %v", err)
	}
}

// TestInsufficientSizeLeavesStateUntouched exercises spec §8's boundary
// case for MayEncryptAppData's two write methods, Encrypt and
// QueueCloseNotify: a too-small outgoing buffer must
// report InsufficientSizeError with a positive RequiredSize and must not
// advance the write protector's sequence number, so an immediate retry
// with a correctly sized buffer still produces a record the peer can
// decrypt.
func TestInsufficientSizeLeavesStateUntouched(t *testing.T) {
	clientCfg, serverCfg := testConfigs(t)
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

	status := client.ProcessTLSRecords(nil)
	tt, ok := status.State.(TrafficTransit)
	if !ok {
		t.Fatalf("expected TrafficTransit, got %T", status.State)
	}
	guard := tt.MayEncryptAppData()

	seqBefore := client.writeProtector.seq

	if _, err := guard.Encrypt([]byte("hello"), nil); err == nil {
		t.Fatalf("expected InsufficientSizeError for a nil buffer")
	} else if sizeErr, ok := err.(*InsufficientSizeError); !ok || sizeErr.RequiredSize <= 0 {
		t.Fatalf("expected InsufficientSizeError with a positive RequiredSize, got %v", err)
	}

	if client.writeProtector.seq != seqBefore {
		t.Fatalf("sequence number advanced despite InsufficientSizeError: before=%d after=%d", seqBefore, client.writeProtector.seq)
	}

	if _, err := guard.QueueCloseNotify(nil); err == nil {
		t.Fatalf("expected InsufficientSizeError for a nil close_notify buffer")
	} else if sizeErr, ok := err.(*InsufficientSizeError); !ok || sizeErr.RequiredSize <= 0 {
		t.Fatalf("expected InsufficientSizeError with a positive RequiredSize, got %v", err)
	}
	if client.writeProtector.seq != seqBefore {
		t.Fatalf("sequence number advanced despite a failed QueueCloseNotify: before=%d after=%d", seqBefore, client.writeProtector.seq)
	}

	// Now retry with a correctly sized buffer and confirm the server can
	// still decrypt the record: proof that state truly stayed untouched.
	required := client.sealedRecordLen(len("hello"))
	out := make([]byte, required)
	n, err := guard.Encrypt([]byte("hello"), out)
	if err != nil {
		t.Fatalf("Encrypt after retry: %v", err)
	}

	serverOut := &bytes.Buffer{}
	serverOut.Write(out[:n])
	var recv [][]byte
	drive(t, server, serverOut, &bytes.Buffer{}, &recv)

	if len(recv) != 1 || string(recv[0]) != "hello" {
		t.Fatalf("server received %q, want [\"hello\"]", recv)
	}
}
