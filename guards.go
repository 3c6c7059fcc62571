package tlsio

// The guard types below are the "C6" one-shot capability objects returned
// embedded in a ConnectionState. Each wraps the single privileged action the
// caller is allowed to take in that state and is the only way to take it
// (spec §4.3, §9 "guard exclusivity"). A guard becomes stale the moment a
// later ProcessTLSRecords call starts (checked via the gen counter) since Go
// has no borrow checker to prevent the caller from holding it across calls.

// AppDataAvailable carries one inbound decrypted plaintext chunk (spec
// §4.4). NextRecord must be called exactly once; calling it again returns
// AlreadyEncodedError.
type AppDataAvailable struct {
	conn *Connection
	gen  int
	data chunk

	taken bool
}

func (*AppDataAvailable) isConnectionState() {}

// AppDataRecord is the payload handed back by NextRecord.
type AppDataRecord struct {
	// Discard is additive on top of Status.Discard (spec §6.2).
	Discard int
	Payload []byte
}

// PeekLen reports the size of the pending payload without consuming it.
func (g *AppDataAvailable) PeekLen() (int, bool) {
	if g.taken {
		return 0, false
	}
	return len(g.data), true
}

// NextRecord consumes the one pending chunk. Payload aliases the
// connection's internal storage only for the duration before the next
// ProcessTLSRecords call; callers that need to retain it must copy.
func (g *AppDataAvailable) NextRecord() (AppDataRecord, bool, error) {
	if g.conn.gen != g.gen {
		return AppDataRecord{}, false, errStaleGuard
	}
	if g.taken {
		return AppDataRecord{}, false, &AlreadyEncodedError{}
	}
	g.taken = true
	return AppDataRecord{Discard: 0, Payload: g.data}, true, nil
}

// EarlyDataAvailable is the server-only analogue of AppDataAvailable for
// 0-RTT payloads received before the handshake completes (spec §4.4,
// "early_data").
type EarlyDataAvailable struct {
	conn *Connection
	gen  int
	data chunk

	taken bool
}

func (*EarlyDataAvailable) isConnectionState() {}

func (g *EarlyDataAvailable) PeekLen() (int, bool) {
	if g.taken {
		return 0, false
	}
	return len(g.data), true
}

func (g *EarlyDataAvailable) NextRecord() (AppDataRecord, bool, error) {
	if g.conn.gen != g.gen {
		return AppDataRecord{}, false, errStaleGuard
	}
	if g.taken {
		return AppDataRecord{}, false, &AlreadyEncodedError{}
	}
	g.taken = true
	return AppDataRecord{Discard: 0, Payload: g.data}, true, nil
}

// MustEncodeTLSData carries one outbound, already-protected record the
// caller must copy out via Encode before the connection can make further
// progress (spec §4.4, "MustEncodeTLSData").
type MustEncodeTLSData struct {
	conn    *Connection
	gen     int
	pending chunk
	encoded bool
}

func (*MustEncodeTLSData) isConnectionState() {}

// Encode copies the pending chunk into out, returning the number of bytes
// written. If out is too small, it returns InsufficientSizeError and may be
// retried with a larger buffer without losing the pending chunk (spec §7
// "not sticky").
func (g *MustEncodeTLSData) Encode(out []byte) (int, error) {
	if g.conn.gen != g.gen {
		return 0, errStaleGuard
	}
	if g.encoded {
		return 0, &AlreadyEncodedError{}
	}
	if len(out) < len(g.pending) {
		return 0, &InsufficientSizeError{RequiredSize: len(g.pending)}
	}
	n := copy(out, g.pending)
	g.encoded = true
	return n, nil
}

// MustTransmitTLSData signals that previously encoded bytes are sitting in
// the caller's write buffer and must be flushed to the peer before the
// connection can advance further (spec §4.4). Done acknowledges the flush.
type MustTransmitTLSData struct {
	conn *Connection
	gen  int
	done bool
}

func (*MustTransmitTLSData) isConnectionState() {}

// Done tells the connection the transmit completed, clearing wants_write.
func (g *MustTransmitTLSData) Done() error {
	if g.conn.gen != g.gen {
		return errStaleGuard
	}
	if g.done {
		return &AlreadyEncodedError{}
	}
	g.done = true
	g.conn.wantsWrite = false
	return nil
}

// MayEncryptEarlyData returns a guard letting the client encrypt 0-RTT
// application data, when the handshake is at a point where that's legal
// (spec §4.4, §4.5). ok is false once early data is no longer permitted
// (server rejected it, or the server's Finished has been received).
func (g *MustTransmitTLSData) MayEncryptEarlyData() (*MayEncryptEarlyData, bool) {
	if g.conn.gen != g.gen || !g.conn.mayEncryptEarlyData {
		return nil, false
	}
	return &MayEncryptEarlyData{conn: g.conn, gen: g.gen}, true
}

// MayEncryptAppData returns a guard letting the caller encrypt ordinary
// post-handshake application data while other handshake bytes are still in
// flight (spec §4.4).
func (g *MustTransmitTLSData) MayEncryptAppData() (*MayEncryptAppData, bool) {
	if g.conn.gen != g.gen || !g.conn.maySendApplicationData {
		return nil, false
	}
	return &MayEncryptAppData{conn: g.conn, gen: g.gen}, true
}

// MayEncryptEarlyData lets the client seal 0-RTT application data directly
// into its own outgoing buffer (spec §4.5).
type MayEncryptEarlyData struct {
	conn *Connection
	gen  int
}

// Encrypt protects plaintext as a 0-RTT application_data record and seals
// it directly into out, the same size-check-then-copy shape as
// MustEncodeTLSData.Encode. If out is too small, it returns
// InsufficientSizeError with the exact size required and leaves both out
// and the connection's encryption state untouched (spec §4.5, §8).
func (g *MayEncryptEarlyData) Encrypt(plaintext, out []byte) (int, error) {
	if g.conn.gen != g.gen {
		return 0, errStaleGuard
	}
	p := g.conn.earlyWriteProtector
	if p == nil {
		return 0, &ProtocolError{Msg: "no early data key is available"}
	}
	required := p.sealedLen13(len(plaintext), 0)
	if len(out) < required {
		return 0, &InsufficientSizeError{RequiredSize: required}
	}
	sealed, err := p.sealTLS13(contentTypeApplicationData, plaintext, 0)
	if err != nil {
		return 0, err
	}
	return copy(out, recordBytes(contentTypeApplicationData, sealed)), nil
}

// MayEncryptAppData lets the caller seal ordinary post-handshake
// application data, or a close_notify alert, directly into its own
// outgoing buffer (spec §4.5, §4.6).
type MayEncryptAppData struct {
	conn *Connection
	gen  int
}

// Encrypt protects plaintext as an application_data record and seals it
// directly into out. If out is too small, it returns InsufficientSizeError
// with the exact size required and leaves both out and the connection's
// encryption state untouched (spec §4.5, §8).
func (g *MayEncryptAppData) Encrypt(plaintext, out []byte) (int, error) {
	if g.conn.gen != g.gen {
		return 0, errStaleGuard
	}
	if g.conn.writeProtector == nil {
		return 0, &ProtocolError{Msg: "no application write key has been established yet"}
	}
	required := g.conn.sealedRecordLen(len(plaintext))
	if len(out) < required {
		return 0, &InsufficientSizeError{RequiredSize: required}
	}
	rec, err := g.conn.sealRecordBytes(contentTypeApplicationData, plaintext)
	if err != nil {
		return 0, err
	}
	return copy(out, rec), nil
}

// QueueCloseNotify protects a close_notify alert, the start of this side's
// half of connection shutdown, and seals it directly into out (spec §4.6,
// §8).
func (g *MayEncryptAppData) QueueCloseNotify(out []byte) (int, error) {
	if g.conn.gen != g.gen {
		return 0, errStaleGuard
	}
	if g.conn.writeProtector == nil {
		return 0, &ProtocolError{Msg: "no write key has been established yet"}
	}
	plaintext := marshalAlert(AlertCloseNotify)
	required := g.conn.sealedRecordLen(len(plaintext))
	if len(out) < required {
		return 0, &InsufficientSizeError{RequiredSize: required}
	}
	rec, err := g.conn.sealRecordBytes(contentTypeAlert, plaintext)
	if err != nil {
		return 0, err
	}
	return copy(out, rec), nil
}

// TrafficTransit is the steady-state variant returned once the handshake is
// complete and no handshake bytes are pending: it simply wraps a
// MayEncryptAppData guard (spec §4.3, mirroring the "traffic transit"
// phase the original design distinguishes from the mid-handshake
// MustTransmitTLSData.MayEncryptAppData path).
type TrafficTransit struct {
	guard *MayEncryptAppData
}

func (TrafficTransit) isConnectionState() {}

func (t TrafficTransit) MayEncryptAppData() *MayEncryptAppData { return t.guard }
