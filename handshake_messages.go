package tlsio

import (
	"crypto/x509"
	"fmt"

	"github.com/bifurcation/mint/syntax"
)

// handshakeMessage is one parsed (but not yet dispatched) handshake-layer
// message: a type plus its body bytes, mirroring the teacher's
// HandshakeMessage (referenced throughout client-state-machine.go).
type handshakeMessage struct {
	msgType handshakeType
	body    []byte
}

func encodeHandshakeMessage(t handshakeType, body []byte) []byte {
	out := make([]byte, handshakeHeaderLen, handshakeHeaderLen+len(body))
	out[0] = byte(t)
	l := len(body)
	out[1] = byte(l >> 16)
	out[2] = byte(l >> 8)
	out[3] = byte(l)
	return append(out, body...)
}

// --- ClientHello ---

type clientHelloBody struct {
	random       [32]byte
	sessionID    []byte
	cipherSuites []CipherSuite
	extensions   ExtensionList
}

type clientHelloInner struct {
	LegacyVersion            uint16
	Random                   [32]byte
	LegacySessionID          []byte        `tls:"head=1,max=32"`
	CipherSuites             []CipherSuite `tls:"head=2,min=2"`
	LegacyCompressionMethods []byte        `tls:"head=1,min=1"`
	Extensions               ExtensionList `tls:"head=2"`
}

func (ch clientHelloBody) marshal() ([]byte, error) {
	return syntax.Marshal(clientHelloInner{
		LegacyVersion:            uint16(VersionTLS12),
		Random:                   ch.random,
		LegacySessionID:          ch.sessionID,
		CipherSuites:             ch.cipherSuites,
		LegacyCompressionMethods: []byte{0},
		Extensions:               ch.extensions,
	})
}

func parseClientHello(data []byte) (clientHelloBody, error) {
	var inner clientHelloInner
	if _, err := syntax.Unmarshal(data, &inner); err != nil {
		return clientHelloBody{}, fmt.Errorf("tlsio: malformed ClientHello: %w", err)
	}
	if len(inner.LegacyCompressionMethods) != 1 || inner.LegacyCompressionMethods[0] != 0 {
		return clientHelloBody{}, fmt.Errorf("tlsio: ClientHello carries an invalid compression method")
	}
	return clientHelloBody{
		random:       inner.Random,
		sessionID:    inner.LegacySessionID,
		cipherSuites: inner.CipherSuites,
		extensions:   inner.Extensions,
	}, nil
}

// --- ServerHello ---

type serverHelloBody struct {
	Version     uint16
	Random      [32]byte
	SessionID   []byte `tls:"head=1,max=32"`
	CipherSuite CipherSuite
	Extensions  ExtensionList `tls:"head=2"`
}

func (sh serverHelloBody) marshal() ([]byte, error) { return syntax.Marshal(sh) }

func parseServerHello(data []byte) (serverHelloBody, error) {
	var sh serverHelloBody
	if _, err := syntax.Unmarshal(data, &sh); err != nil {
		return serverHelloBody{}, fmt.Errorf("tlsio: malformed ServerHello: %w", err)
	}
	return sh, nil
}

// --- EncryptedExtensions ---

type encryptedExtensionsBody struct {
	Extensions ExtensionList `tls:"head=2"`
}

func (ee encryptedExtensionsBody) marshal() ([]byte, error) { return syntax.Marshal(ee) }

func parseEncryptedExtensions(data []byte) (encryptedExtensionsBody, error) {
	var ee encryptedExtensionsBody
	if _, err := syntax.Unmarshal(data, &ee); err != nil {
		return encryptedExtensionsBody{}, fmt.Errorf("tlsio: malformed EncryptedExtensions: %w", err)
	}
	return ee, nil
}

// --- Certificate ---
//
// Simplified relative to the teacher's CertificateBody (handshake-messages.go):
// no per-certificate-entry extensions, client certificate authentication is
// out of scope (spec.md never asks for it; only the server presents a
// chain), so certificateRequestContext is always empty.
type certificateBody struct {
	chain []*x509.Certificate
}

func (c certificateBody) marshal() ([]byte, error) {
	var certsData []byte
	for _, cert := range c.chain {
		if len(cert.Raw) == 0 {
			return nil, fmt.Errorf("tlsio: certificate entry has no raw DER")
		}
		l := len(cert.Raw)
		certsData = append(certsData, byte(l>>16), byte(l>>8), byte(l))
		certsData = append(certsData, cert.Raw...)
		certsData = append(certsData, 0, 0) // empty per-entry extensions
	}
	l := len(certsData)
	out := []byte{0} // empty certificate_request_context
	out = append(out, byte(l>>16), byte(l>>8), byte(l))
	out = append(out, certsData...)
	return out, nil
}

func parseCertificate(data []byte) (certificateBody, error) {
	if len(data) < 1 {
		return certificateBody{}, fmt.Errorf("tlsio: Certificate message too short")
	}
	contextLen := int(data[0])
	if len(data) < 1+contextLen+3 {
		return certificateBody{}, fmt.Errorf("tlsio: Certificate message too short for context")
	}
	off := 1 + contextLen
	certsLen := int(data[off])<<16 | int(data[off+1])<<8 | int(data[off+2])
	off += 3
	if len(data) < off+certsLen {
		return certificateBody{}, fmt.Errorf("tlsio: Certificate message too short for entries")
	}
	end := off + certsLen

	var chain []*x509.Certificate
	for off < end {
		if end-off < 3 {
			return certificateBody{}, fmt.Errorf("tlsio: truncated certificate entry")
		}
		certLen := int(data[off])<<16 | int(data[off+1])<<8 | int(data[off+2])
		off += 3
		if end-off < certLen+2 {
			return certificateBody{}, fmt.Errorf("tlsio: truncated certificate data")
		}
		cert, err := x509.ParseCertificate(data[off : off+certLen])
		if err != nil {
			return certificateBody{}, fmt.Errorf("tlsio: failed to parse certificate: %w", err)
		}
		chain = append(chain, cert)
		off += certLen
		extLen := int(data[off])<<8 | int(data[off+1])
		off += 2 + extLen
	}
	return certificateBody{chain: chain}, nil
}

// --- CertificateVerify ---

type certificateVerifyBody struct {
	Algorithm SignatureScheme
	Signature []byte `tls:"head=2"`
}

func (cv certificateVerifyBody) marshal() ([]byte, error) { return syntax.Marshal(cv) }

func parseCertificateVerify(data []byte) (certificateVerifyBody, error) {
	var cv certificateVerifyBody
	if _, err := syntax.Unmarshal(data, &cv); err != nil {
		return certificateVerifyBody{}, fmt.Errorf("tlsio: malformed CertificateVerify: %w", err)
	}
	return cv, nil
}

// certificateVerifySignatureInput builds RFC 8446 §4.4.3's signature content: 64
// spaces, a context string, a zero byte, then the transcript hash.
func certificateVerifySignatureInput(serverSide bool, transcriptHash []byte) []byte {
	context := "TLS 1.3, server CertificateVerify"
	if !serverSide {
		context = "TLS 1.3, client CertificateVerify"
	}
	input := make([]byte, 64)
	for i := range input {
		input[i] = 0x20
	}
	input = append(input, []byte(context)...)
	input = append(input, 0)
	input = append(input, transcriptHash...)
	return input
}

// --- Finished ---

type finishedBody struct {
	verifyData []byte
}

func (f finishedBody) marshal() []byte { return append([]byte(nil), f.verifyData...) }

func parseFinished(data []byte, expectedLen int) (finishedBody, error) {
	if len(data) != expectedLen {
		return finishedBody{}, fmt.Errorf("tlsio: Finished has length %d, want %d", len(data), expectedLen)
	}
	return finishedBody{verifyData: append([]byte(nil), data...)}, nil
}

// --- NewSessionTicket ---

type newSessionTicketBody struct {
	TicketLifetime uint32
	TicketAgeAdd   uint32
	TicketNonce    []byte        `tls:"head=1"`
	Ticket         []byte        `tls:"head=2,min=1"`
	Extensions     ExtensionList `tls:"head=2"`
}

func (t newSessionTicketBody) marshal() ([]byte, error) { return syntax.Marshal(t) }

func parseNewSessionTicket(data []byte) (newSessionTicketBody, error) {
	var t newSessionTicketBody
	if _, err := syntax.Unmarshal(data, &t); err != nil {
		return newSessionTicketBody{}, fmt.Errorf("tlsio: malformed NewSessionTicket: %w", err)
	}
	return t, nil
}

// --- Alert ---

func marshalAlert(a AlertDescription) []byte {
	return []byte{byte(levelOf(a)), byte(a)}
}

func parseAlert(data []byte) (alertLevel, AlertDescription, error) {
	if len(data) != 2 {
		return 0, 0, fmt.Errorf("tlsio: malformed alert record (length %d)", len(data))
	}
	return alertLevel(data[0]), AlertDescription(data[1]), nil
}
