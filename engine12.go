package tlsio

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"fmt"

	"github.com/bifurcation/mint/syntax"
	"go.uber.org/zap"
)

// This file implements the TLS 1.2 handshake state machines for both roles
// (RFC 5246 §7.3), trimmed to the one key-exchange this engine ever uses:
// ephemeral ECDHE with server-only authentication. No static RSA/DH key
// exchange, no client certificates, and no session resumption — a second
// connection to the same peer always runs a full handshake (TLS 1.3's
// PSK/ticket machinery in engine13.go is not mirrored here).
//
// Record protection reuses recordProtector's TLS 1.3-style implicit 12-byte
// nonce (record.go) instead of RFC 5288's explicit-nonce AEAD construction,
// since this engine only ever talks to itself.

var tls12Suites = map[CipherSuite]bool{
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:         true,
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:         true,
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256:   true,
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:       true,
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:       true,
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256: true,
}

func isTLS12Suite(cs CipherSuite) bool { return tls12Suites[cs] }

func negotiateSuite12(serverSuites, clientSuites []CipherSuite) (suiteParams, CipherSuite, error) {
	offered := make(map[CipherSuite]bool, len(clientSuites))
	for _, cs := range clientSuites {
		offered[cs] = true
	}
	for _, cs := range serverSuites {
		if !isTLS12Suite(cs) {
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
	return suiteParams{}, 0, fmt.Errorf("no shared TLS 1.2 cipher suite")
}

// --- ServerKeyExchange / ClientKeyExchange ---

type serverKeyExchangeBody struct {
	CurveType uint8
	Curve     NamedGroup
	PublicKey []byte `tls:"head=1"`
	Algorithm SignatureScheme
	Signature []byte `tls:"head=2"`
}

func (ske serverKeyExchangeBody) marshal() ([]byte, error) { return syntax.Marshal(ske) }

func parseServerKeyExchange(data []byte) (serverKeyExchangeBody, error) {
	var ske serverKeyExchangeBody
	if _, err := syntax.Unmarshal(data, &ske); err != nil {
		return serverKeyExchangeBody{}, fmt.Errorf("tlsio: malformed ServerKeyExchange: %w", err)
	}
	return ske, nil
}

// serverKeyExchangeSignatureInput is the params the server signs (RFC 5246
// §7.4.3): client_random || server_random || ECParameters || public point.
func serverKeyExchangeSignatureInput(clientRandom, serverRandom [32]byte, group NamedGroup, pubkey []byte) []byte {
	input := make([]byte, 0, 32+32+1+2+1+len(pubkey))
	input = append(input, clientRandom[:]...)
	input = append(input, serverRandom[:]...)
	input = append(input, 3) // named_curve
	input = append(input, byte(group>>8), byte(group))
	input = append(input, byte(len(pubkey)))
	input = append(input, pubkey...)
	return input
}

func signServerKeyExchange(c *Connection, group NamedGroup, pubkey []byte) (SignatureScheme, []byte, error) {
	leaf := c.cfg.Certificates[0]
	scheme, err := signatureSchemeFor(leaf.PrivateKey)
	if err != nil {
		return 0, nil, &ConfigError{Msg: err.Error()}
	}
	input := serverKeyExchangeSignatureInput(c.clientRandom, c.serverRandom, group, pubkey)
	digest := sha256.Sum256(input)
	sig, err := leaf.PrivateKey.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return 0, nil, err
	}
	return scheme, sig, nil
}

func verifyServerKeyExchangeSignature(leaf *x509.Certificate, ske serverKeyExchangeBody, clientRandom, serverRandom [32]byte) error {
	if ske.Algorithm != SignatureSchemeECDSAP256SHA256 {
		return fmt.Errorf("tlsio: unsupported ServerKeyExchange signature scheme %#04x", uint16(ske.Algorithm))
	}
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("tlsio: certificate key type %T cannot verify ECDSA signatures", leaf.PublicKey)
	}
	input := serverKeyExchangeSignatureInput(clientRandom, serverRandom, ske.Curve, ske.PublicKey)
	digest := sha256.Sum256(input)
	if !ecdsa.VerifyASN1(pub, digest[:], ske.Signature) {
		return fmt.Errorf("tlsio: ServerKeyExchange signature verification failed")
	}
	return nil
}

type clientKeyExchangeBody struct {
	PublicKey []byte `tls:"head=1"`
}

func (cke clientKeyExchangeBody) marshal() ([]byte, error) { return syntax.Marshal(cke) }

func parseClientKeyExchange(data []byte) (clientKeyExchangeBody, error) {
	var cke clientKeyExchangeBody
	if _, err := syntax.Unmarshal(data, &cke); err != nil {
		return clientKeyExchangeBody{}, fmt.Errorf("tlsio: malformed ClientKeyExchange: %w", err)
	}
	return cke, nil
}

// installTLS12Keys derives the master secret and both directions' record
// keys from the negotiated pre-master secret (RFC 5246 §6.3, §8.1).
func installTLS12Keys(c *Connection, preMasterSecret []byte) (clientProtector, serverProtector *recordProtector, err error) {
	c.ms12 = masterSecret12(c.suite.newHash, preMasterSecret, c.clientRandom[:], c.serverRandom[:])
	km := keysFromMasterSecret12(c.suite.newHash, c.ms12, c.clientRandom[:], c.serverRandom[:], c.suite)

	caead, err := c.suite.newAEAD(km.clientKey)
	if err != nil {
		return nil, nil, err
	}
	saead, err := c.suite.newAEAD(km.serverKey)
	if err != nil {
		return nil, nil, err
	}
	clientProtector = newRecordProtector(VersionTLS12, caead, km.clientIV)
	serverProtector = newRecordProtector(VersionTLS12, saead, km.serverIV)
	return clientProtector, serverProtector, nil
}

// --- client ---

// clientContinueHandshake12 picks up right after the client recognises a
// legacy (non-1.3) ServerHello, per RFC 5246 §7.3's flow: Certificate,
// ServerKeyExchange, ServerHelloDone, then the client's own
// ClientKeyExchange/ChangeCipherSpec/Finished.
func clientContinueHandshake12(c *Connection, sh serverHelloBody, raw []byte) (handshakeState, error) {
	suite, err := lookupSuite(sh.CipherSuite)
	if err != nil {
		return nil, &ProtocolError{Msg: err.Error()}
	}
	c.version = VersionTLS12
	c.suite = suite
	c.cipherSuite = sh.CipherSuite
	c.serverRandom = sh.Random
	c.appendTranscript(raw)
	return &clientStateWaitCert12{}, nil
}

type clientStateWaitCert12 struct{}

func (clientStateWaitCert12) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
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
	return &clientStateWaitSKE12{chain: cert.chain}, nil
}

type clientStateWaitSKE12 struct {
	chain []*x509.Certificate
}

func (s clientStateWaitSKE12) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeServerKeyExchange {
		return nil, &ProtocolError{Msg: "expected ServerKeyExchange"}
	}
	ske, err := parseServerKeyExchange(body)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed ServerKeyExchange", Err: err}
	}
	if err := verifyServerKeyExchangeSignature(s.chain[0], ske, c.clientRandom, c.serverRandom); err != nil {
		return nil, &ProtocolError{Msg: "ServerKeyExchange signature invalid", Err: err}
	}
	c.appendTranscript(raw)
	return &clientStateWaitSHD12{chain: s.chain, group: ske.Curve, serverPublic: ske.PublicKey}, nil
}

type clientStateWaitSHD12 struct {
	chain        []*x509.Certificate
	group        NamedGroup
	serverPublic []byte
}

func (s clientStateWaitSHD12) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeServerHelloDone {
		return nil, &ProtocolError{Msg: "expected ServerHelloDone"}
	}
	if len(body) != 0 {
		return nil, &ProtocolError{Msg: "ServerHelloDone must be empty"}
	}
	c.appendTranscript(raw)
	c.peerCertificates = s.chain

	clientShare, err := newKeyShare(s.group)
	if err != nil {
		return nil, &ProtocolError{Msg: "failed to generate client key share", Err: err}
	}
	preMaster, err := clientShare.private.sharedSecret(s.serverPublic)
	if err != nil {
		return nil, &ProtocolError{Msg: "ECDHE computation failed", Err: err}
	}

	ckeBody, err := clientKeyExchangeBody{PublicKey: clientShare.public}.marshal()
	if err != nil {
		return nil, err
	}
	if err := c.queueHandshakeRecord(handshakeTypeClientKeyExchange, ckeBody); err != nil {
		return nil, err
	}

	clientProtector, serverProtector, err := installTLS12Keys(c, preMaster)
	if err != nil {
		return nil, err
	}
	c.pendingReadProtector12 = serverProtector

	c.pushRecord(contentTypeChangeCipherSpec, []byte{1})
	c.writeProtector = clientProtector

	verifyData := prf12(c.suite.newHash, c.ms12, "client finished", c.transcriptHash(), 12)
	if err := c.queueHandshakeRecord(handshakeTypeFinished, verifyData); err != nil {
		return nil, err
	}

	return &clientStateWaitFinished12{}, nil
}

type clientStateWaitFinished12 struct{}

func (clientStateWaitFinished12) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeFinished {
		return nil, &ProtocolError{Msg: "expected server Finished"}
	}
	expected := prf12(c.suite.newHash, c.ms12, "server finished", c.transcriptHash(), 12)
	fin, err := parseFinished(body, len(expected))
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed Finished", Err: err}
	}
	if subtle.ConstantTimeCompare(fin.verifyData, expected) != 1 {
		return nil, &ProtocolError{Msg: "server Finished verify_data mismatch"}
	}
	c.appendTranscript(raw)
	c.maySendApplicationData = true
	c.logger.Info("handshake complete",
		zap.String("role", c.role.String()),
		zap.String("version", "tls1.2"),
	)
	return nil, nil
}

// --- server ---

// continueServerHandshake12 drives the server's RFC 5246 §7.3 legacy flow:
// ServerHello, Certificate, ServerKeyExchange, ServerHelloDone.
func continueServerHandshake12(c *Connection, ch clientHelloBody) (handshakeState, error) {
	suite, cipherSuite, err := negotiateSuite12(c.cfg.CipherSuites, ch.cipherSuites)
	if err != nil {
		return nil, &ProtocolError{Msg: err.Error()}
	}
	c.suite = suite
	c.cipherSuite = cipherSuite
	c.clientRandom = ch.random

	if _, err := rand.Read(c.serverRandom[:]); err != nil {
		return nil, err
	}

	if len(c.cfg.Certificates) == 0 {
		return nil, &ConfigError{Msg: "server has no certificate configured"}
	}
	leaf := c.cfg.Certificates[0]

	sh := serverHelloBody{
		Version:     uint16(VersionTLS12),
		Random:      c.serverRandom,
		SessionID:   ch.sessionID,
		CipherSuite: cipherSuite,
	}
	shBody, err := sh.marshal()
	if err != nil {
		return nil, err
	}
	if err := c.queueHandshakeRecord(handshakeTypeServerHello, shBody); err != nil {
		return nil, err
	}

	certBody, err := certificateBody{chain: leaf.Chain}.marshal()
	if err != nil {
		return nil, err
	}
	if err := c.queueHandshakeRecord(handshakeTypeCertificate, certBody); err != nil {
		return nil, err
	}

	group := c.cfg.Groups[0]
	serverShare, err := newKeyShare(group)
	if err != nil {
		return nil, err
	}
	scheme, sig, err := signServerKeyExchange(c, group, serverShare.public)
	if err != nil {
		return nil, fmt.Errorf("tlsio: failed to sign ServerKeyExchange: %w", err)
	}
	skeBody, err := serverKeyExchangeBody{
		CurveType: 3,
		Curve:     group,
		PublicKey: serverShare.public,
		Algorithm: scheme,
		Signature: sig,
	}.marshal()
	if err != nil {
		return nil, err
	}
	if err := c.queueHandshakeRecord(handshakeTypeServerKeyExchange, skeBody); err != nil {
		return nil, err
	}

	if err := c.queueHandshakeRecord(handshakeTypeServerHelloDone, nil); err != nil {
		return nil, err
	}

	return &serverStateWaitCKE12{group: group, priv: serverShare.private}, nil
}

type serverStateWaitCKE12 struct {
	group NamedGroup
	priv  keyShareSecret
}

func (s serverStateWaitCKE12) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeClientKeyExchange {
		return nil, &ProtocolError{Msg: "expected ClientKeyExchange"}
	}
	cke, err := parseClientKeyExchange(body)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed ClientKeyExchange", Err: err}
	}
	preMaster, err := s.priv.sharedSecret(cke.PublicKey)
	if err != nil {
		return nil, &ProtocolError{Msg: "ECDHE computation failed", Err: err}
	}
	c.appendTranscript(raw)

	clientProtector, serverProtector, err := installTLS12Keys(c, preMaster)
	if err != nil {
		return nil, err
	}
	c.pendingReadProtector12 = clientProtector

	return &serverStateWaitClientFinished12{writeProtector: serverProtector}, nil
}

// serverStateWaitClientFinished12 holds the server's write key until the
// client's Finished is verified: the server's change_cipher_spec and
// Finished follow the client's (RFC 5246 §7.3), so the server's verify_data
// covers the client Finished.
type serverStateWaitClientFinished12 struct {
	writeProtector *recordProtector
}

func (s serverStateWaitClientFinished12) advance(c *Connection, t handshakeType, body, raw []byte) (handshakeState, error) {
	if t != handshakeTypeFinished {
		return nil, &ProtocolError{Msg: "expected client Finished"}
	}
	expected := prf12(c.suite.newHash, c.ms12, "client finished", c.transcriptHash(), 12)
	fin, err := parseFinished(body, len(expected))
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed Finished", Err: err}
	}
	if subtle.ConstantTimeCompare(fin.verifyData, expected) != 1 {
		return nil, &ProtocolError{Msg: "client Finished verify_data mismatch"}
	}
	c.appendTranscript(raw)

	c.pushRecord(contentTypeChangeCipherSpec, []byte{1})
	c.writeProtector = s.writeProtector

	verifyData := prf12(c.suite.newHash, c.ms12, "server finished", c.transcriptHash(), 12)
	if err := c.queueHandshakeRecord(handshakeTypeFinished, verifyData); err != nil {
		return nil, err
	}

	c.maySendApplicationData = true
	c.logger.Info("handshake complete",
		zap.String("role", c.role.String()),
		zap.String("version", "tls1.2"),
	)
	return nil, nil
}
