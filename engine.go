package tlsio

import (
	"fmt"

	"go.uber.org/zap"
)

// handshakeState is one node of the per-role, per-version handshake state
// machine, grounded on the teacher's HandshakeState/Next pattern
// (client-state-machine.go), generalized so each transition mutates the
// owning Connection directly (queueing records, deriving keys) instead of
// returning an action list, since this engine has no net.Conn to hand
// actions to.
type handshakeState interface {
	// advance consumes exactly one handshake-layer message and returns the
	// state to transition to, or an error that poisons the connection. raw
	// is the message's complete (header+body) wire encoding; implementations
	// are responsible for folding it into the transcript themselves, since
	// the exact point varies (signatures/Finished verify_data only ever
	// cover the transcript up to but excluding the message that carries
	// them, spec §9 "transcript boundary").
	advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error)
}

// appendTranscript folds one complete (header+body) handshake message into
// the running transcript, the input to every Finished/CertificateVerify/PSK
// binder computation (RFC 8446 §4.4.1, RFC 5246 §7.4.9).
func (c *Connection) appendTranscript(raw []byte) {
	c.transcript = append(c.transcript, raw...)
}

func (c *Connection) transcriptHash() []byte {
	h := c.suite.newHash()
	h.Write(c.transcript)
	return h.Sum(nil)
}

// queueHandshakeRecord marshals one handshake message, folds it into the
// transcript, and queues it for transmission protected however the current
// write phase demands (spec §4.4 "MustEncodeTLSData").
func (c *Connection) queueHandshakeRecord(t handshakeType, body []byte) error {
	msg := encodeHandshakeMessage(t, body)
	c.appendTranscript(msg)
	return c.queueRecordBytes(contentTypeHandshake, msg)
}

// queueRecordBytes wraps plaintext in a record, protecting it with
// c.writeProtector if one is installed. For TLS 1.3 the wire content type is
// always application_data once a protector exists (RFC 8446 §5.1, the
// "outer opaque type" trick); for TLS 1.2 the true content type is always
// visible on the wire, only the body is enciphered.
func (c *Connection) queueRecordBytes(ct contentType, plaintext []byte) error {
	if c.writeProtector == nil {
		c.pushRecord(ct, plaintext)
		return nil
	}
	if c.version == VersionTLS13 {
		sealed, err := c.writeProtector.sealTLS13(ct, plaintext, 0)
		if err != nil {
			return err
		}
		c.pushRecord(contentTypeApplicationData, sealed)
		return nil
	}
	sealed, err := c.writeProtector.sealTLS12(ct, plaintext)
	if err != nil {
		return err
	}
	c.pushRecord(ct, sealed)
	return nil
}

// recordBytes assembles one complete wire record (header + body) without
// touching any connection state.
func recordBytes(ct contentType, body []byte) []byte {
	header := recordHeaderBytes(ct, len(body))
	rec := make([]byte, 0, len(header)+len(body))
	rec = append(rec, header...)
	rec = append(rec, body...)
	return rec
}

func (c *Connection) pushRecord(ct contentType, body []byte) {
	c.outbound.push(chunk(recordBytes(ct, body)))
	c.wantsWrite = true
}

// sealRecordBytes protects plaintext under ct with the current write key
// and returns the complete wire record, without queuing it anywhere. Unlike
// queueRecordBytes (used for handshake messages, which always go through
// the outbound queue), this is for the guards that spec §4.5 describes as
// sealing straight into the caller's own outgoing buffer
// (MayEncryptAppData.Encrypt, MayEncryptAppData.QueueCloseNotify,
// MayEncryptEarlyData.Encrypt), the way rustls's unbuffered API does
// (_examples/original_source/rustls/src/conn/unbuffered.rs).
func (c *Connection) sealRecordBytes(ct contentType, plaintext []byte) ([]byte, error) {
	if c.version == VersionTLS13 {
		sealed, err := c.writeProtector.sealTLS13(ct, plaintext, 0)
		if err != nil {
			return nil, err
		}
		return recordBytes(contentTypeApplicationData, sealed), nil
	}
	sealed, err := c.writeProtector.sealTLS12(ct, plaintext)
	if err != nil {
		return nil, err
	}
	return recordBytes(ct, sealed), nil
}

// sealedRecordLen reports the exact wire length sealRecordBytes will
// produce for plaintextLen bytes of content under the current write key,
// without mutating the write protector's sequence number. Callers check
// this against their outgoing buffer before sealing happens at all, so an
// undersized buffer never advances connection state (spec §8).
func (c *Connection) sealedRecordLen(plaintextLen int) int {
	if c.version == VersionTLS13 {
		return c.writeProtector.sealedLen13(plaintextLen, 0)
	}
	return c.writeProtector.sealedLen12(plaintextLen)
}

// handleRecord feeds one deframed record into the handshake/traffic engine
// (spec §4.2 inner loop). It is the sole entry point from the dispatcher.
func (c *Connection) handleRecord(rec rawRecord) error {
	c.logger.Debug("dispatching record",
		zap.String("content_type", rec.ct.String()),
		zap.Int("len", len(rec.fragment)),
	)
	switch rec.ct {
	case contentTypeChangeCipherSpec:
		return c.handleChangeCipherSpec(rec.fragment)
	case contentTypeAlert:
		return c.handlePlaintextAlert(rec.fragment)
	case contentTypeHandshake:
		return c.handleHandshakeFragment(rec.fragment)
	case contentTypeApplicationData:
		return c.handleOpaqueFragment(rec.fragment)
	default:
		return fmt.Errorf("tlsio: internal: deframer yielded unrecognised content type %d", rec.ct)
	}
}

func (c *Connection) handleChangeCipherSpec(fragment []byte) error {
	if c.version != VersionTLS12 {
		return &ProtocolError{Msg: "change_cipher_spec is not valid in TLS 1.3"}
	}
	if len(fragment) != 1 || fragment[0] != 1 {
		return &ProtocolError{Msg: "malformed change_cipher_spec body"}
	}
	if c.pendingReadProtector12 == nil {
		return &ProtocolError{Msg: "unexpected change_cipher_spec"}
	}
	c.readProtector = c.pendingReadProtector12
	c.pendingReadProtector12 = nil
	return nil
}

// handlePlaintextAlert handles a record carrying content type alert on the
// wire: for TLS 1.3 this is only legal before any read key is installed
// (RFC 8446's early failure alerts); for TLS 1.2 it may be either plaintext
// or, once a read key is active, AEAD-protected with the content type
// still visible.
func (c *Connection) handlePlaintextAlert(fragment []byte) error {
	plaintext := fragment
	if c.version == VersionTLS12 && c.readProtector != nil {
		p, err := c.readProtector.openTLS12(contentTypeAlert, fragment)
		if err != nil {
			return &ProtocolError{Msg: "failed to decrypt alert record", Err: err}
		}
		plaintext = p
	}
	level, desc, err := parseAlert(plaintext)
	if err != nil {
		return &ProtocolError{Msg: "malformed alert", Err: err}
	}
	return c.deliverAlert(level, desc)
}

func (c *Connection) deliverAlert(level alertLevel, desc AlertDescription) error {
	if desc == AlertCloseNotify {
		c.hasReceivedCloseNotify = true
		return nil
	}
	if level == alertLevelFatal {
		return &PeerAlertError{Alert: desc}
	}
	c.logger.Warn("received non-fatal alert", zap.String("alert", desc.String()))
	return nil
}

// handleHandshakeFragment handles a record whose wire content type is
// handshake: for TLS 1.3 this only ever happens before any read key exists
// (everything afterwards is wrapped as opaque application_data, RFC 8446
// §5.1); for TLS 1.2 a handshake-content record is plaintext until the
// peer's change_cipher_spec switches the read key, after which Finished
// (and anything following it) arrives still tagged as handshake on the wire
// but AEAD-protected (RFC 5246 §7.1).
func (c *Connection) handleHandshakeFragment(fragment []byte) error {
	plaintext := fragment
	if c.version == VersionTLS12 && c.readProtector != nil {
		p, err := c.readProtector.openTLS12(contentTypeHandshake, fragment)
		if err != nil {
			return &ProtocolError{Msg: "failed to decrypt handshake record", Err: err}
		}
		plaintext = p
	}
	return c.handlePlaintextHandshakeFragment(plaintext)
}

// handlePlaintextHandshakeFragment parses one or more whole handshake
// messages out of a plaintext handshake-content record. Each message is
// assumed to be fully contained within the record that carries it: this
// engine never fragments a handshake message across records when it is the
// sender, so self-interop never requires reassembly across record
// boundaries.
func (c *Connection) handlePlaintextHandshakeFragment(fragment []byte) error {
	off := 0
	for off < len(fragment) {
		if len(fragment)-off < handshakeHeaderLen {
			return &ProtocolError{Msg: "truncated handshake message header"}
		}
		t := handshakeType(fragment[off])
		l := int(fragment[off+1])<<16 | int(fragment[off+2])<<8 | int(fragment[off+3])
		msgStart := off
		off += handshakeHeaderLen
		if len(fragment)-off < l {
			return &ProtocolError{Msg: "truncated handshake message body"}
		}
		body := fragment[off : off+l]
		off += l
		raw := fragment[msgStart:off]

		if err := c.dispatchHandshakeMessage(t, body, raw); err != nil {
			return err
		}
	}
	return nil
}

// handleOpaqueFragment handles a record whose wire content type is
// application_data: for TLS 1.3 this is the universal post-ServerHello
// envelope (RFC 8446 §5.1) and must be opened to learn the true content
// type; for TLS 1.2 it is genuinely application data and must be protected
// with the installed read key.
func (c *Connection) handleOpaqueFragment(ciphertext []byte) error {
	if c.version == VersionTLS13 {
		return c.handleTLS13OpaqueRecord(ciphertext)
	}

	if c.readProtector == nil {
		return &ProtocolError{Msg: "received application data before a read key was established"}
	}
	plain, err := c.readProtector.openTLS12(contentTypeApplicationData, ciphertext)
	if err != nil {
		return &ProtocolError{Msg: "failed to decrypt application data", Err: err}
	}
	c.inbound.push(chunk(plain))
	return nil
}

// handleTLS13OpaqueRecord opens a TLS 1.3 record against whichever traffic
// secret it was actually protected under. There is no on-the-wire
// EndOfEarlyData boundary in this engine (see the simplifications note
// above engine13.go's startClientHandshake), so on the server side a
// record protected under 0-RTT keys and one protected under handshake keys
// can arrive interleaved; trying the current (non-early) key first and
// falling back to the early key costs nothing since a failed AEAD open
// never advances either protector's sequence number.
func (c *Connection) handleTLS13OpaqueRecord(ciphertext []byte) error {
	if c.readProtector == nil && c.earlyReadProtector == nil {
		return &ProtocolError{Msg: "received a protected record before a read key was established"}
	}

	var innerType contentType
	var plain []byte
	var opened bool
	usedEarly := false

	if c.readProtector != nil {
		if it, pt, err := c.readProtector.openTLS13(ciphertext); err == nil {
			innerType, plain, opened = it, pt, true
		}
	}
	if !opened && c.earlyReadProtector != nil {
		if it, pt, err := c.earlyReadProtector.openTLS13(ciphertext); err == nil {
			innerType, plain, opened = it, pt, true
			usedEarly = true
		}
	}
	if !opened {
		if c.earlyReadProtector != nil {
			// Couldn't be decrypted under either key. Since this could
			// legitimately be a 0-RTT record the server is declining to
			// accept, treat it as silently discardable rather than
			// fatal (RFC 8446 §4.2.10) unless no early key exists at all.
			return nil
		}
		return &ProtocolError{Msg: "failed to decrypt protected record"}
	}

	switch innerType {
	case contentTypeApplicationData:
		if usedEarly {
			c.earlyInbound.push(chunk(plain))
		} else {
			c.inbound.push(chunk(plain))
		}
		return nil
	case contentTypeAlert:
		level, desc, aerr := parseAlert(plain)
		if aerr != nil {
			return &ProtocolError{Msg: "malformed protected alert", Err: aerr}
		}
		return c.deliverAlert(level, desc)
	case contentTypeHandshake:
		return c.handlePlaintextHandshakeFragment(plain)
	default:
		return &ProtocolError{Msg: "protected record carries an unexpected inner content type"}
	}
}

// dispatchHandshakeMessage routes one parsed handshake message to either
// the in-progress handshake state machine or, once the handshake has
// completed, the narrow set of post-handshake messages this engine accepts.
func (c *Connection) dispatchHandshakeMessage(t handshakeType, body, raw []byte) error {
	if c.hs == nil {
		return c.handlePostHandshakeMessage(t, body, raw)
	}

	next, err := c.hs.advance(c, t, body, raw)
	if err != nil {
		return err
	}
	c.hs = next
	return nil
}

// handlePostHandshakeMessage accepts only NewSessionTicket (client side);
// anything else arriving after the handshake has completed is an illegal
// transition (spec's Non-goals exclude core-initiated KeyUpdate, so a peer
// KeyUpdate is reported the same way: unexpected_message).
func (c *Connection) handlePostHandshakeMessage(t handshakeType, body, raw []byte) error {
	if c.role == RoleClient && t == handshakeTypeNewSessionTicket {
		return c.handleNewSessionTicket(body)
	}
	return &ProtocolError{Msg: fmt.Sprintf("unexpected post-handshake message type %d", t)}
}
