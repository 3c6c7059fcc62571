package tlsio

import (
	"crypto/x509"
	"fmt"

	"go.uber.org/zap"
)

// PeerCertificates returns the certificate chain the peer presented, once
// the handshake has progressed far enough to have received and verified it
// (nil before then, or when resuming via PSK with no certificate message).
func (c *Connection) PeerCertificates() []*x509.Certificate {
	return c.peerCertificates
}

// Connection is the sans-I/O TLS state machine: one per peer connection,
// specialised by Role and driven exclusively through ProcessTLSRecords and
// the guards it returns (spec §2, §3). It owns no socket, allocates no
// internal I/O buffers, and performs no blocking I/O.
type Connection struct {
	role   Role
	cfg    Config
	logger *zap.Logger

	serverName string // client only

	hs handshakeState // nil once the handshake has fully completed and no further handshake messages (tickets, key updates) are in flight

	version     ProtocolVersion
	cipherSuite CipherSuite
	suite       suiteParams

	clientRandom [32]byte
	serverRandom [32]byte
	transcript   []byte // concatenation of every handshake message marshaled so far, hashed on demand

	ks13 *trafficKeySchedule13
	ms12 []byte // TLS 1.2 only: the 48-byte master secret, needed by both Finished computations

	clientKeyShare   keyShare        // client only: retained across the ClientHello/ServerHello round trip
	pendingTicket    *SessionTicket  // client only: the ticket this handshake is trying to resume, if any
	peerCertificates []*x509.Certificate

	readProtector  *recordProtector
	writeProtector *recordProtector

	// TLS 1.2 only: the peer's record-protection key, computed once both
	// key-exchange halves are known but not installed into readProtector
	// until the peer's change_cipher_spec is received (RFC 5246 §7.1). The local write key needs no staging: each side starts using
	// it immediately after sending its own change_cipher_spec.
	pendingReadProtector12 *recordProtector

	// TLS 1.3 only: 0-RTT traffic protection, live only between the
	// ClientHello and (client) an EncryptedExtensions without early_data or
	// the server's Finished / (server) the client's Finished. No
	// EndOfEarlyData message is sent.
	earlyReadProtector  *recordProtector // server: decrypts 0-RTT records
	earlyWriteProtector *recordProtector // client: encrypts 0-RTT records

	outbound     chunkQueue
	inbound      chunkQueue
	earlyInbound chunkQueue // server only

	wantsWrite             bool
	mayEncryptEarlyData    bool // client only
	maySendApplicationData bool
	hasReceivedCloseNotify bool

	poisonErr error

	gen int // bumped on every ProcessTLSRecords call; stale-guard detection
}

// NewClientConnection constructs a client-role Connection for the given
// server name, generates and queues the first ClientHello, and returns
// immediately — the caller drives the handshake forward via
// ProcessTLSRecords, exactly as spec §6.2 describes.
func NewClientConnection(cfg Config, serverName string, logger *zap.Logger) (*Connection, error) {
	if err := validateServerName(serverName); err != nil {
		return nil, err
	}
	full, err := cfg.withDefaults(RoleClient)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = newNopLogger()
	}

	c := &Connection{
		role:       RoleClient,
		cfg:        full,
		logger:     logger,
		serverName: serverName,
	}
	if err := startClientHandshake(c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewServerConnection constructs a server-role Connection. The handshake
// engine stays idle until the client's ClientHello arrives.
func NewServerConnection(cfg Config, logger *zap.Logger) (*Connection, error) {
	full, err := cfg.withDefaults(RoleServer)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = newNopLogger()
	}

	c := &Connection{
		role:   RoleServer,
		cfg:    full,
		logger: logger,
	}
	c.hs = &serverStateStart{}
	return c, nil
}

// Status is the result of one advance (spec §3 "Status", §6.2).
type Status struct {
	// Discard is the number of bytes the caller must remove from the
	// front of the incoming buffer it passed to ProcessTLSRecords,
	// before calling ProcessTLSRecords again (spec §6.2 "Discard
	// protocol"). When State is an AppDataAvailable/EarlyDataAvailable,
	// the per-record AppDataRecord.Discard values returned by
	// NextRecord must be added to this before discarding.
	Discard int

	// State is the current state of the handshake/traffic process. Err,
	// when non-nil, takes precedence: State is nil whenever Err is set.
	State ConnectionState
	Err   error
}

// ConnectionState is the closed set of variants spec §4.3 names. Exactly
// one is produced per advance.
type ConnectionState interface {
	isConnectionState()
}

// NeedsMoreTLSData means no record is available and no pending work
// remains; the caller must read more peer bytes and advance again.
type NeedsMoreTLSData struct {
	// NumBytes is always nil in this design; reserved for a future
	// lower-bound hint (spec §9 Open Question ii).
	NumBytes *int
}

func (NeedsMoreTLSData) isConnectionState() {}

// ConnectionClosedState means the peer's close_notify has been fully
// processed (any pending plaintext has already been drained via
// AppDataAvailable, spec invariant 4 / "close-notify drain order").
type ConnectionClosedState struct{}

func (ConnectionClosedState) isConnectionState() {}

// errStaleGuard is returned by a guard method invoked after a newer
// ProcessTLSRecords call has already advanced the connection past it
// (spec §3 invariant 1, enforced here as a runtime assertion per spec §9
// design notes, since Go has no borrow checker to enforce it statically).
var errStaleGuard = fmt.Errorf("tlsio: guard used after a later ProcessTLSRecords call; guard is stale")

// ProcessTLSRecords inspects incoming for complete TLS records, advances
// the handshake engine as far as it can without blocking, and returns the
// single next Status (spec §4.2). incoming is borrowed for the duration of
// this call only and is never retained past it.
func (c *Connection) ProcessTLSRecords(incoming []byte) Status {
	c.gen++

	if c.poisonErr != nil {
		return Status{Discard: 0, Err: c.poisonErr}
	}

	view := newDeframerView(incoming)

	for {
		if c.role == RoleServer && !c.earlyInbound.empty() {
			ch, _ := c.earlyInbound.pop()
			return Status{
				Discard: view.pendingDiscard(),
				State:   &EarlyDataAvailable{conn: c, gen: c.gen, data: ch},
			}
		}

		if !c.inbound.empty() {
			ch, _ := c.inbound.pop()
			return Status{
				Discard: view.pendingDiscard(),
				State:   &AppDataAvailable{conn: c, gen: c.gen, data: ch},
			}
		}

		if !c.outbound.empty() {
			ch, _ := c.outbound.pop()
			return Status{
				Discard: view.pendingDiscard(),
				State:   &MustEncodeTLSData{conn: c, gen: c.gen, pending: ch},
			}
		}

		rec, ok, err := view.nextRecord()
		if err != nil {
			perr := &ProtocolError{Msg: "malformed TLS record", Err: err}
			c.poisonErr = perr
			return Status{Discard: view.pendingDiscard(), Err: perr}
		}

		if ok {
			if err := c.handleRecord(rec); err != nil {
				c.poisonErr = err
				return Status{Discard: view.pendingDiscard(), Err: err}
			}
			continue
		}

		switch {
		case c.wantsWrite:
			return Status{
				Discard: view.pendingDiscard(),
				State:   &MustTransmitTLSData{conn: c, gen: c.gen},
			}
		case c.hasReceivedCloseNotify:
			return Status{Discard: view.pendingDiscard(), State: ConnectionClosedState{}}
		case c.maySendApplicationData:
			return Status{
				Discard: view.pendingDiscard(),
				State:   TrafficTransit{guard: &MayEncryptAppData{conn: c, gen: c.gen}},
			}
		default:
			return Status{Discard: view.pendingDiscard(), State: NeedsMoreTLSData{}}
		}
	}
}
