package tlsio

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// This file implements the TLS 1.3 handshake state machines for both
// roles (RFC 8446 §4), grounded on the teacher's client state-machine
// shape (client-state-machine.go: ClientStateStart -> WAIT_SH -> WAIT_EE ->
// WAIT_CERT -> WAIT_CV -> WAIT_FINISHED -> CONNECTED) but restated so each
// transition mutates the owning Connection's queues/keys directly (spec §9
// "role parameterisation", §4.5 key schedule).
//
// Simplifications relative to RFC 8446, recorded in DESIGN.md: no
// HelloRetryRequest (a mismatched group is a hard failure), no client
// certificate authentication, a single resumption PSK identity is ever
// offered/accepted, and the EndOfEarlyData marker is not sent on the wire —
// early (0-RTT) records are opportunistically decrypted against whichever
// of the early/handshake read keys succeeds, so no boundary message is
// needed between them.

// --- client ---

// startClientHandshake builds and queues the first ClientHello, optionally
// offering PSK-based resumption (and 0-RTT) when a cached ticket exists for
// the target server name (spec §4.5 "0-RTT").
func startClientHandshake(c *Connection) error {
	c.logger = c.logger.Named("client")

	suite, err := lookupSuite(c.cfg.CipherSuites[0])
	if err != nil {
		return &ConfigError{Msg: err.Error()}
	}
	c.version = VersionTLS13
	c.suite = suite

	if _, err := rand.Read(c.clientRandom[:]); err != nil {
		return fmt.Errorf("tlsio: failed to generate client random: %w", err)
	}

	group := c.cfg.Groups[0]
	ks, err := newKeyShare(group)
	if err != nil {
		return err
	}
	c.clientKeyShare = ks

	var extensions ExtensionList
	if sni, err := newServerNameExtension(c.serverName); err == nil {
		extensions = append(extensions, sni)
	}
	// A server picks TLS 1.3 whenever supported_versions lists it
	// (serverStateStart), so it is only sent when a TLS 1.3 suite is
	// configured; a client configured with TLS 1.2 suites alone negotiates
	// TLS 1.2.
	offers13 := false
	for _, cs := range c.cfg.CipherSuites {
		if !isTLS12Suite(cs) {
			offers13 = true
			break
		}
	}
	if offers13 {
		if ext, err := newSupportedVersionsExtension([]ProtocolVersion{VersionTLS13}); err == nil {
			extensions = append(extensions, ext)
		}
	}
	if ext, err := newSupportedGroupsExtension(c.cfg.Groups); err == nil {
		extensions = append(extensions, ext)
	}
	if ext, err := newSignatureAlgorithmsExtension(c.cfg.SignatureSchemes); err == nil {
		extensions = append(extensions, ext)
	}
	if ext, err := newClientKeyShareExtension([]keyShare{ks}); err == nil {
		extensions = append(extensions, ext)
	}
	if len(c.cfg.NextProtos) > 0 {
		if ext, err := newALPNExtension(c.cfg.NextProtos); err == nil {
			extensions = append(extensions, ext)
		}
	}

	ticket, haveTicket := c.cfg.Tickets.Get(c.serverName)
	offeringEarlyData := false
	var binderKey []byte
	if haveTicket {
		c.ks13 = newTrafficKeySchedule13(suite.newHash)
		c.ks13.initEarlySecret(ticket.ResumptionSecret)
		c.pendingTicket = &ticket

		offeringEarlyData = c.cfg.AllowEarlyData && ticket.MaxEarlyDataSize > 0
		if offeringEarlyData {
			extensions = append(extensions, newEarlyDataIndicationExtension())
		}

		binderKey = c.ks13.deriveSecret(c.ks13.earlySecret, "res binder", emptyTranscriptHash(suite.newHash))
		placeholder := pskBinder{Binder: make([]byte, suite.newHash().Size())}
		psk, perr := marshalExtensionBody(extensionTypePreSharedKey, preSharedKeyClientBody{
			Identities: []pskIdentity{{Identity: ticket.Ticket, ObfuscatedTicketAge: 0}},
			Binders:    []pskBinder{placeholder},
		})
		if perr != nil {
			return fmt.Errorf("tlsio: failed to marshal pre_shared_key extension: %w", perr)
		}
		extensions = append(extensions, psk)
	}

	ch := clientHelloBody{
		random:       c.clientRandom,
		sessionID:    nil,
		cipherSuites: c.cfg.CipherSuites,
		extensions:   extensions,
	}
	body, err := ch.marshal()
	if err != nil {
		return fmt.Errorf("tlsio: failed to marshal ClientHello: %w", err)
	}

	if haveTicket {
		hashSize := suite.newHash().Size()
		binderInput := body[:len(body)-hashSize]
		h := suite.newHash()
		h.Write(handshakeHeaderBytes(handshakeTypeClientHello, len(body)))
		h.Write(binderInput)
		binderTranscriptHash := h.Sum(nil)

		binder := c.ks13.verifyData(binderKey, binderTranscriptHash)
		copy(body[len(body)-hashSize:], binder)
	}

	if err := c.queueHandshakeRecord(handshakeTypeClientHello, body); err != nil {
		return err
	}

	if haveTicket && offeringEarlyData {
		earlySuite, serr := lookupSuite(ticket.CipherSuite)
		if serr == nil {
			chHash := c.transcriptHash()
			earlyTrafficSecret := c.ks13.deriveSecret(c.ks13.earlySecret, "c e traffic", chHash)
			keys := c.ks13.deriveTrafficKeys(earlyTrafficSecret, earlySuite)
			if aead, aerr := earlySuite.newAEAD(keys.key); aerr == nil {
				c.earlyWriteProtector = newRecordProtector(VersionTLS13, aead, keys.iv)
				c.mayEncryptEarlyData = true
			}
		}
	}

	c.hs = &clientStateWaitSH{}
	return nil
}

// handshakeHeaderBytes returns just the 4-byte handshake message header for
// a message of the given total (header-exclusive) body length, without the
// body itself — used to hash a partial message for PSK binder computation
// (RFC 8446 §4.2.11.2).
func handshakeHeaderBytes(t handshakeType, bodyLen int) []byte {
	return []byte{byte(t), byte(bodyLen >> 16), byte(bodyLen >> 8), byte(bodyLen)}
}

type clientStateWaitSH struct{}

func (clientStateWaitSH) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeServerHello {
		return nil, &ProtocolError{Msg: "expected ServerHello"}
	}
	sh, err := parseServerHello(body)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed ServerHello", Err: err}
	}

	if isTLS12Suite(sh.CipherSuite) {
		return clientContinueHandshake12(c, sh, raw)
	}

	c.serverRandom = sh.Random

	suite, err := lookupSuite(sh.CipherSuite)
	if err != nil {
		return nil, &ProtocolError{Msg: err.Error()}
	}
	c.suite = suite
	c.cipherSuite = sh.CipherSuite

	entry, ok := sh.Extensions.find(extensionTypeKeyShare)
	if !ok {
		return nil, &ProtocolError{Msg: "ServerHello is missing key_share"}
	}
	peerShare, err := parseServerKeyShare(entry)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed key_share", Err: err}
	}
	if peerShare.Group != c.clientKeyShare.group {
		return nil, &ProtocolError{Msg: "server selected a key share group the client did not offer (HelloRetryRequest is not supported)"}
	}

	sharedSecret, err := c.clientKeyShare.private.sharedSecret(peerShare.KeyExchange)
	if err != nil {
		return nil, &ProtocolError{Msg: "ECDHE computation failed", Err: err}
	}

	if c.ks13 == nil {
		c.ks13 = newTrafficKeySchedule13(suite.newHash)
	}
	c.ks13.deriveHandshakeSecret(sharedSecret)

	c.appendTranscript(raw)
	hsHash := c.transcriptHash()
	c.ks13.deriveHandshakeTrafficSecrets(hsHash)

	writeKeys := c.ks13.deriveTrafficKeys(c.ks13.clientHandshakeSec, suite)
	readKeys := c.ks13.deriveTrafficKeys(c.ks13.serverHandshakeSec, suite)
	waead, err := suite.newAEAD(writeKeys.key)
	if err != nil {
		return nil, err
	}
	raead, err := suite.newAEAD(readKeys.key)
	if err != nil {
		return nil, err
	}
	c.writeProtector = newRecordProtector(VersionTLS13, waead, writeKeys.iv)
	c.readProtector = newRecordProtector(VersionTLS13, raead, readKeys.iv)

	_, usingPSK := sh.Extensions.find(extensionTypePreSharedKey)

	return &clientStateWaitEE{usingPSK: usingPSK}, nil
}

type clientStateWaitEE struct {
	usingPSK bool
}

func (s clientStateWaitEE) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeEncryptedExtensions {
		return nil, &ProtocolError{Msg: "expected EncryptedExtensions"}
	}
	ee, err := parseEncryptedExtensions(body)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed EncryptedExtensions", Err: err}
	}
	c.appendTranscript(raw)

	if _, accepted := ee.Extensions.find(extensionTypeEarlyData); !accepted {
		c.mayEncryptEarlyData = false
		c.earlyWriteProtector = nil
	}

	if s.usingPSK {
		return &clientStateWaitFinished{}, nil
	}
	return &clientStateWaitCert{}, nil
}

type clientStateWaitCert struct{}

func (clientStateWaitCert) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeCertificate {
		return nil, &ProtocolError{Msg: "expected Certificate"}
	}
	cert, err := parseCertificate(body)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed Certificate", Err: err}
	}
	if len(cert.chain) == 0 {
		return nil, &ProtocolError{Msg: "server Certificate message carries an empty chain"}
	}
	c.appendTranscript(raw)
	return &clientStateWaitCV{chain: cert.chain}, nil
}

type clientStateWaitCV struct {
	chain []*x509.Certificate
}

func (s clientStateWaitCV) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeCertificateVerify {
		return nil, &ProtocolError{Msg: "expected CertificateVerify"}
	}
	cv, err := parseCertificateVerify(body)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed CertificateVerify", Err: err}
	}

	hashBefore := c.transcriptHash()
	if err := verifyCertificateSignature(s.chain[0], cv.Algorithm, cv.Signature, hashBefore, true); err != nil {
		return nil, &ProtocolError{Msg: "server CertificateVerify failed", Err: err}
	}

	c.appendTranscript(raw)
	c.peerCertificates = s.chain
	return &clientStateWaitFinished{}, nil
}

type clientStateWaitFinished struct{}

func (clientStateWaitFinished) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeFinished {
		return nil, &ProtocolError{Msg: "expected Finished"}
	}

	hashBefore := c.transcriptHash()
	expected := c.ks13.verifyData(c.ks13.serverHandshakeSec, hashBefore)
	fin, err := parseFinished(body, len(expected))
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed Finished", Err: err}
	}
	if subtle.ConstantTimeCompare(fin.verifyData, expected) != 1 {
		return nil, &ProtocolError{Msg: "server Finished verify_data mismatch"}
	}
	c.appendTranscript(raw)

	c.ks13.deriveMasterSecret()
	c.mayEncryptEarlyData = false
	c.earlyWriteProtector = nil

	clientFinHash := c.transcriptHash()
	clientVerifyData := c.ks13.verifyData(c.ks13.clientHandshakeSec, clientFinHash)
	if err := c.queueHandshakeRecord(handshakeTypeFinished, clientVerifyData); err != nil {
		return nil, err
	}

	appHash := c.transcriptHash()
	c.ks13.deriveApplicationTrafficSecrets(appHash)
	c.ks13.deriveResumptionMasterSecret(appHash)

	writeKeys := c.ks13.deriveTrafficKeys(c.ks13.clientApplicationSec, c.suite)
	readKeys := c.ks13.deriveTrafficKeys(c.ks13.serverApplicationSec, c.suite)
	waead, err := c.suite.newAEAD(writeKeys.key)
	if err != nil {
		return nil, err
	}
	raead, err := c.suite.newAEAD(readKeys.key)
	if err != nil {
		return nil, err
	}
	c.writeProtector = newRecordProtector(VersionTLS13, waead, writeKeys.iv)
	c.readProtector = newRecordProtector(VersionTLS13, raead, readKeys.iv)
	c.maySendApplicationData = true
	c.logger.Info("handshake complete",
		zap.String("role", c.role.String()),
		zap.String("version", "tls1.3"),
	)

	return nil, nil
}

// handleNewSessionTicket stores a client-side resumption ticket for later
// use by startClientHandshake (spec §4.5 "session tickets").
func (c *Connection) handleNewSessionTicket(body []byte) error {
	nst, err := parseNewSessionTicket(body)
	if err != nil {
		return &ProtocolError{Msg: "malformed NewSessionTicket", Err: err}
	}
	psk := hkdfExpandLabel(c.suite.newHash, c.ks13.resumptionMasterSec, "resumption", nst.TicketNonce, c.suite.newHash().Size())

	var maxEarly uint32
	if data, ok := nst.Extensions.find(extensionTypeEarlyData); ok {
		if v, err := parseTicketEarlyDataExtension(data); err == nil {
			maxEarly = v
		}
	}

	c.cfg.Tickets.Put(c.serverName, SessionTicket{
		ServerName:       c.serverName,
		CipherSuite:      c.cipherSuite,
		Ticket:           append([]byte(nil), nst.Ticket...),
		ResumptionSecret: psk,
		ReceivedAt:       time.Now(),
		AgeAdd:           nst.TicketAgeAdd,
		MaxEarlyDataSize: maxEarly,
	})
	return nil
}

// verifyCertificateSignature checks a CertificateVerify signature against
// the given leaf certificate's public key (RFC 8446 §4.4.3). Only ECDSA
// P-256/SHA-256 is supported, matching the engine's own certificate
// generation (config.go); any other scheme is a hard failure rather than a
// silent bypass.
func verifyCertificateSignature(leaf *x509.Certificate, scheme SignatureScheme, signature, transcriptHash []byte, serverSide bool) error {
	if scheme != SignatureSchemeECDSAP256SHA256 {
		return fmt.Errorf("tlsio: unsupported CertificateVerify signature scheme %#04x", uint16(scheme))
	}
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("tlsio: certificate key type %T does not match signature scheme", leaf.PublicKey)
	}
	input := certificateVerifySignatureInput(serverSide, transcriptHash)
	digest := sha256.Sum256(input)
	if !ecdsa.VerifyASN1(pub, digest[:], signature) {
		return fmt.Errorf("tlsio: ECDSA signature verification failed")
	}
	return nil
}

// signCertificateVerify produces the signature this engine's server half
// places in its CertificateVerify message.
func signCertificateVerify(priv crypto.Signer, transcriptHash []byte) ([]byte, error) {
	input := certificateVerifySignatureInput(true, transcriptHash)
	digest := sha256.Sum256(input)
	return priv.Sign(rand.Reader, digest[:], crypto.SHA256)
}

// --- server ---

// serverStateStart is the idle state a server Connection starts in: it
// accepts exactly one ClientHello and, based on its supported_versions
// extension, hands off to either the TLS 1.3 or the TLS 1.2 continuation
// (spec §9 "version negotiation"; no HelloRetryRequest/cookie round trip).
type serverStateStart struct{}

func (serverStateStart) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeClientHello {
		return nil, &ProtocolError{Msg: "expected ClientHello"}
	}
	ch, err := parseClientHello(body)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed ClientHello", Err: err}
	}

	wants13 := false
	if data, ok := ch.extensions.find(extensionTypeSupportedVersions); ok {
		versions, verr := parseSupportedVersionsClient(data)
		if verr == nil {
			for _, v := range versions {
				if v == VersionTLS13 {
					wants13 = true
					break
				}
			}
		}
	}

	if wants13 {
		c.version = VersionTLS13
		c.appendTranscript(raw)
		return continueServerHandshake13(c, ch)
	}

	c.version = VersionTLS12
	c.appendTranscript(raw)
	return continueServerHandshake12(c, ch)
}

func continueServerHandshake13(c *Connection, ch clientHelloBody) (handshakeState, error) {
	suite, cipherSuite, err := negotiateSuite13(c.cfg.CipherSuites, ch.cipherSuites)
	if err != nil {
		return nil, &ProtocolError{Msg: err.Error()}
	}
	c.suite = suite
	c.cipherSuite = cipherSuite
	c.clientRandom = ch.random

	shareData, ok := ch.extensions.find(extensionTypeKeyShare)
	if !ok {
		return nil, &ProtocolError{Msg: "ClientHello is missing key_share"}
	}
	peerShares, err := parseClientKeyShares(shareData)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed key_share", Err: err}
	}

	var chosenGroup NamedGroup
	var peerPublic []byte
	for _, g := range c.cfg.Groups {
		for _, s := range peerShares {
			if s.Group == g {
				chosenGroup, peerPublic = g, s.KeyExchange
				break
			}
		}
		if peerPublic != nil {
			break
		}
	}
	if peerPublic == nil {
		return nil, &ProtocolError{Msg: "no common key-exchange group offered (HelloRetryRequest is not supported)"}
	}

	serverShare, err := newKeyShare(chosenGroup)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := serverShare.private.sharedSecret(peerPublic)
	if err != nil {
		return nil, &ProtocolError{Msg: "ECDHE computation failed", Err: err}
	}

	usingPSK := false
	var selectedTicket SessionTicket
	if pskData, ok := ch.extensions.find(extensionTypePreSharedKey); ok && c.cfg.Tickets != nil {
		pskBody, perr := parseClientPSKExtension(pskData)
		if perr == nil && len(pskBody.Identities) > 0 {
			if ticket, found := c.cfg.Tickets.Get(string(pskBody.Identities[0].Identity)); found {
				if verifyPSKBinder(ch, pskBody, ticket) {
					selectedTicket = ticket
					usingPSK = true
				}
			}
		}
	}

	if c.ks13 == nil {
		c.ks13 = newTrafficKeySchedule13(suite.newHash)
	}
	if usingPSK {
		c.ks13.initEarlySecret(selectedTicket.ResumptionSecret)
	}

	acceptEarlyData := false
	if usingPSK && c.cfg.AllowEarlyData {
		if _, ok := ch.extensions.find(extensionTypeEarlyData); ok {
			if earlySuite, serr := lookupSuite(selectedTicket.CipherSuite); serr == nil {
				chHash := c.transcriptHash()
				earlyTrafficSecret := c.ks13.deriveSecret(c.ks13.earlySecret, "c e traffic", chHash)
				keys := c.ks13.deriveTrafficKeys(earlyTrafficSecret, earlySuite)
				if aead, aerr := earlySuite.newAEAD(keys.key); aerr == nil {
					c.earlyReadProtector = newRecordProtector(VersionTLS13, aead, keys.iv)
					acceptEarlyData = true
				}
			}
		}
	}

	c.ks13.deriveHandshakeSecret(sharedSecret)

	if _, err := rand.Read(c.serverRandom[:]); err != nil {
		return nil, err
	}

	var shExtensions ExtensionList
	if ext, err := newSupportedVersionExtension(VersionTLS13); err == nil {
		shExtensions = append(shExtensions, ext)
	}
	if ext, err := newServerKeyShareExtension(keyShareEntry{Group: chosenGroup, KeyExchange: serverShare.public}); err == nil {
		shExtensions = append(shExtensions, ext)
	}
	if usingPSK {
		if ext, err := newServerPSKExtension(0); err == nil {
			shExtensions = append(shExtensions, ext)
		}
	}

	sh := serverHelloBody{
		Version:     uint16(VersionTLS12),
		Random:      c.serverRandom,
		SessionID:   ch.sessionID,
		CipherSuite: cipherSuite,
		Extensions:  shExtensions,
	}
	shBody, err := sh.marshal()
	if err != nil {
		return nil, fmt.Errorf("tlsio: failed to marshal ServerHello: %w", err)
	}
	if err := c.queueHandshakeRecord(handshakeTypeServerHello, shBody); err != nil {
		return nil, err
	}

	hsHash := c.transcriptHash()
	c.ks13.deriveHandshakeTrafficSecrets(hsHash)
	writeKeys := c.ks13.deriveTrafficKeys(c.ks13.serverHandshakeSec, suite)
	readKeys := c.ks13.deriveTrafficKeys(c.ks13.clientHandshakeSec, suite)
	waead, err := suite.newAEAD(writeKeys.key)
	if err != nil {
		return nil, err
	}
	raead, err := suite.newAEAD(readKeys.key)
	if err != nil {
		return nil, err
	}
	c.writeProtector = newRecordProtector(VersionTLS13, waead, writeKeys.iv)
	c.readProtector = newRecordProtector(VersionTLS13, raead, readKeys.iv)

	var eeExtensions ExtensionList
	if acceptEarlyData {
		eeExtensions = append(eeExtensions, newEarlyDataIndicationExtension())
	}
	if len(c.cfg.NextProtos) > 0 {
		if data, ok := ch.extensions.find(extensionTypeALPN); ok {
			if offered, perr := parseALPNList(data); perr == nil {
				if chosen, matched := selectALPN(offered, c.cfg.NextProtos); matched {
					if ext, err := newALPNSelectedExtension(chosen); err == nil {
						eeExtensions = append(eeExtensions, ext)
					}
				}
			}
		}
	}
	ee := encryptedExtensionsBody{Extensions: eeExtensions}
	eeBody, err := ee.marshal()
	if err != nil {
		return nil, err
	}
	if err := c.queueHandshakeRecord(handshakeTypeEncryptedExtensions, eeBody); err != nil {
		return nil, err
	}

	if usingPSK {
		serverVerifyData := c.ks13.verifyData(c.ks13.serverHandshakeSec, c.transcriptHash())
		if err := c.queueHandshakeRecord(handshakeTypeFinished, serverVerifyData); err != nil {
			return nil, err
		}
		return &serverStateWaitClientFinished13{}, nil
	}

	if len(c.cfg.Certificates) == 0 {
		return nil, &ConfigError{Msg: "server has no certificate configured"}
	}
	leaf := c.cfg.Certificates[0]
	certBody, err := certificateBody{chain: leaf.Chain}.marshal()
	if err != nil {
		return nil, err
	}
	if err := c.queueHandshakeRecord(handshakeTypeCertificate, certBody); err != nil {
		return nil, err
	}

	scheme, err := signatureSchemeFor(leaf.PrivateKey)
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	cvHash := c.transcriptHash()
	sig, err := signCertificateVerify(leaf.PrivateKey, cvHash)
	if err != nil {
		return nil, fmt.Errorf("tlsio: failed to sign CertificateVerify: %w", err)
	}
	cvBody, err := certificateVerifyBody{Algorithm: scheme, Signature: sig}.marshal()
	if err != nil {
		return nil, err
	}
	if err := c.queueHandshakeRecord(handshakeTypeCertificateVerify, cvBody); err != nil {
		return nil, err
	}

	serverVerifyData := c.ks13.verifyData(c.ks13.serverHandshakeSec, c.transcriptHash())
	if err := c.queueHandshakeRecord(handshakeTypeFinished, serverVerifyData); err != nil {
		return nil, err
	}

	return &serverStateWaitClientFinished13{}, nil
}

// negotiateSuite13 returns the first of the server's configured TLS 1.3
// suites (in server-preference order) that the client also offered.
func negotiateSuite13(serverSuites, clientSuites []CipherSuite) (suiteParams, CipherSuite, error) {
	offered := make(map[CipherSuite]bool, len(clientSuites))
	for _, cs := range clientSuites {
		offered[cs] = true
	}
	for _, cs := range serverSuites {
		switch cs {
		case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384, TLS_CHACHA20_POLY1305_SHA256:
		default:
			continue
		}
		if offered[cs] {
			suite, err := lookupSuite(cs)
			if err != nil {
				return suiteParams{}, 0, err
			}
			return suite, cs, nil
		}
	}
	return suiteParams{}, 0, fmt.Errorf("no shared TLS 1.3 cipher suite")
}

// verifyPSKBinder checks the client's PSK binder against the ticket's
// resumption secret, using a fixed SHA-256 binder hash (a simplification
// this engine always makes for resumption regardless of the negotiated
// suite's own hash; recorded in DESIGN.md).
func verifyPSKBinder(ch clientHelloBody, psk preSharedKeyClientBody, ticket SessionTicket) bool {
	if len(psk.Binders) == 0 {
		return false
	}
	raw, err := ch.marshal()
	if err != nil {
		return false
	}
	hashSize := sha256.Size
	if len(raw) < hashSize {
		return false
	}
	binderInput := raw[:len(raw)-hashSize]

	h := sha256.New()
	h.Write(handshakeHeaderBytes(handshakeTypeClientHello, len(raw)))
	h.Write(binderInput)
	binderTranscriptHash := h.Sum(nil)

	ks := newTrafficKeySchedule13(sha256.New)
	ks.initEarlySecret(ticket.ResumptionSecret)
	binderKey := ks.deriveSecret(ks.earlySecret, "res binder", emptyTranscriptHash(sha256.New))
	expected := ks.verifyData(binderKey, binderTranscriptHash)

	return subtle.ConstantTimeCompare(expected, psk.Binders[0].Binder) == 1
}

type serverStateWaitClientFinished13 struct{}

func (serverStateWaitClientFinished13) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeFinished {
		return nil, &ProtocolError{Msg: "expected client Finished"}
	}

	hashBefore := c.transcriptHash()
	expected := c.ks13.verifyData(c.ks13.clientHandshakeSec, hashBefore)
	fin, err := parseFinished(body, len(expected))
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed Finished", Err: err}
	}
	if subtle.ConstantTimeCompare(fin.verifyData, expected) != 1 {
		return nil, &ProtocolError{Msg: "client Finished verify_data mismatch"}
	}
	c.appendTranscript(raw)
	c.earlyReadProtector = nil

	c.ks13.deriveMasterSecret()
	appHash := c.transcriptHash()
	c.ks13.deriveApplicationTrafficSecrets(appHash)
	c.ks13.deriveResumptionMasterSecret(appHash)

	writeKeys := c.ks13.deriveTrafficKeys(c.ks13.serverApplicationSec, c.suite)
	readKeys := c.ks13.deriveTrafficKeys(c.ks13.clientApplicationSec, c.suite)
	waead, err := c.suite.newAEAD(writeKeys.key)
	if err != nil {
		return nil, err
	}
	raead, err := c.suite.newAEAD(readKeys.key)
	if err != nil {
		return nil, err
	}
	c.writeProtector = newRecordProtector(VersionTLS13, waead, writeKeys.iv)
	c.readProtector = newRecordProtector(VersionTLS13, raead, readKeys.iv)
	c.maySendApplicationData = true
	c.logger.Info("handshake complete",
		zap.String("role", c.role.String()),
		zap.String("version", "tls1.3"),
	)

	if c.cfg.SendSessionTicket {
		if err := c.issueSessionTicket(); err != nil {
			c.logger.Warn("failed to issue session ticket", zap.Error(err))
		}
	}

	return nil, nil
}

// issueSessionTicket builds and queues a NewSessionTicket under the newly
// installed application write key, and remembers the PSK it grants so a
// later ClientHello offering it can be matched (spec §4.5 "session
// tickets").
func (c *Connection) issueSessionTicket() error {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ticketID := make([]byte, 16)
	if _, err := rand.Read(ticketID); err != nil {
		return err
	}
	var ageAddBuf [4]byte
	if _, err := rand.Read(ageAddBuf[:]); err != nil {
		return err
	}

	psk := hkdfExpandLabel(c.suite.newHash, c.ks13.resumptionMasterSec, "resumption", nonce, c.suite.newHash().Size())

	var extensions ExtensionList
	if c.cfg.AllowEarlyData && c.cfg.MaxEarlyDataSize > 0 {
		if ext, err := newTicketEarlyDataExtension(c.cfg.MaxEarlyDataSize); err == nil {
			extensions = append(extensions, ext)
		}
	}

	nst := newSessionTicketBody{
		TicketLifetime: c.cfg.TicketLifetime,
		TicketAgeAdd:   uint32(ageAddBuf[0])<<24 | uint32(ageAddBuf[1])<<16 | uint32(ageAddBuf[2])<<8 | uint32(ageAddBuf[3]),
		TicketNonce:    nonce,
		Ticket:         ticketID,
		Extensions:     extensions,
	}
	body, err := nst.marshal()
	if err != nil {
		return err
	}

	c.cfg.Tickets.Put(string(ticketID), SessionTicket{
		CipherSuite:      c.cipherSuite,
		Ticket:           ticketID,
		ResumptionSecret: psk,
		ReceivedAt:       time.Now(),
		MaxEarlyDataSize: c.cfg.MaxEarlyDataSize,
	})

	return c.queueHandshakeRecord(handshakeTypeNewSessionTicket, body)
}
