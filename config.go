package tlsio

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/idna"
)

// Certificate bundles a leaf-first chain with its signing key, mirroring
// the teacher's Certificate (conn.go).
type Certificate struct {
	Chain      []*x509.Certificate
	PrivateKey crypto.Signer
}

// SessionTicket is a resumable session captured from a NewSessionTicket
// message, keyed by server name in the client's resumption store.
type SessionTicket struct {
	ServerName       string
	CipherSuite      CipherSuite
	Ticket           []byte
	ResumptionSecret []byte
	ReceivedAt       time.Time
	AgeAdd           uint32
	MaxEarlyDataSize uint32
}

// TicketStore caches client-side session tickets across connections so a
// second handshake to the same server name can attempt resumption and, if
// permitted, 0-RTT. Backed by a bounded LRU (replacing the teacher's
// unbounded PSKMapCache, conn.go) so long-lived clients talking to many
// server names can't grow it without limit.
type TicketStore struct {
	cache *lru.Cache[string, SessionTicket]
}

// NewTicketStore builds a resumption store holding up to capacity entries.
func NewTicketStore(capacity int) (*TicketStore, error) {
	cache, err := lru.New[string, SessionTicket](capacity)
	if err != nil {
		return nil, fmt.Errorf("tlsio: failed to build ticket store: %w", err)
	}
	return &TicketStore{cache: cache}, nil
}

func (s *TicketStore) Get(serverName string) (SessionTicket, bool) {
	if s == nil || s.cache == nil {
		return SessionTicket{}, false
	}
	return s.cache.Get(serverName)
}

func (s *TicketStore) Put(serverName string, t SessionTicket) {
	if s == nil || s.cache == nil {
		return
	}
	s.cache.Add(serverName, t)
}

// Config carries the per-connection settings shared by both roles, named
// and grouped the way the teacher's Config does (conn.go), extended with
// the early-data and session-ticket controls spec.md §6.1 asks for.
type Config struct {
	// Shared
	CipherSuites     []CipherSuite
	Groups           []NamedGroup
	SignatureSchemes []SignatureScheme
	NextProtos       []string

	// Server-role
	Certificates      []*Certificate
	SendSessionTicket bool
	TicketLifetime    uint32
	AllowEarlyData    bool
	MaxEarlyDataSize  uint32

	// Client/server shared resumption store. Populated by the client
	// after a handshake that issues a ticket; consulted by the client
	// before the next handshake to the same name.
	Tickets *TicketStore
}

var defaultCipherSuites13 = []CipherSuite{
	TLS_AES_128_GCM_SHA256,
	TLS_CHACHA20_POLY1305_SHA256,
	TLS_AES_256_GCM_SHA384,
}

var defaultCipherSuites12 = []CipherSuite{
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

var defaultGroups = []NamedGroup{GroupX25519, GroupP256}

var defaultSignatureSchemes = []SignatureScheme{
	SignatureSchemeECDSAP256SHA256,
	SignatureSchemeEd25519,
	SignatureSchemeRSAPSSSHA256,
}

// withDefaults returns a copy of cfg with zero-valued fields replaced by
// this engine's defaults, matching the shape of the teacher's Config.Init.
func (c Config) withDefaults(role Role) (Config, error) {
	out := c
	if len(out.CipherSuites) == 0 {
		out.CipherSuites = append(append([]CipherSuite{}, defaultCipherSuites13...), defaultCipherSuites12...)
	}
	if len(out.Groups) == 0 {
		out.Groups = defaultGroups
	}
	if len(out.SignatureSchemes) == 0 {
		out.SignatureSchemes = defaultSignatureSchemes
	}
	if out.MaxEarlyDataSize == 0 && out.AllowEarlyData {
		out.MaxEarlyDataSize = 14336
	}

	if role == RoleServer && len(out.Certificates) == 0 {
		cert, err := newSelfSignedCertificate("tlsio.local")
		if err != nil {
			return Config{}, &ConfigError{Msg: fmt.Sprintf("generating default certificate: %v", err)}
		}
		out.Certificates = []*Certificate{cert}
	}

	if role == RoleServer && len(out.Certificates) == 0 {
		return Config{}, &ConfigError{Msg: "server config requires at least one certificate"}
	}

	return out, nil
}

// validateServerName enforces that a client-supplied name is a syntactically
// valid DNS name (via golang.org/x/net/idna, as caddyserver-caddy depends on
// for its own hostname handling) or an IP literal (net.ParseIP), per spec.md
// §6.1.
func validateServerName(name string) error {
	if name == "" {
		return &ConfigError{Msg: "server name must not be empty"}
	}
	if ip := net.ParseIP(name); ip != nil {
		return nil
	}
	if _, err := idna.Lookup.ToASCII(name); err != nil {
		return &ConfigError{Msg: fmt.Sprintf("invalid server name %q: %v", name, err)}
	}
	return nil
}

// newSelfSignedCertificate mirrors the teacher's newSelfSigned (conn.go),
// generating an ECDSA P-256 leaf so a server Config always has something to
// present even when the caller supplies no certificate.
func newSelfSignedCertificate(commonName string) (*Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &Certificate{Chain: []*x509.Certificate{cert}, PrivateKey: priv}, nil
}

func signatureSchemeFor(priv crypto.Signer) (SignatureScheme, error) {
	switch priv.Public().(type) {
	case *ecdsa.PublicKey:
		return SignatureSchemeECDSAP256SHA256, nil
	default:
		return 0, fmt.Errorf("tlsio: unsupported certificate key type %T", priv.Public())
	}
}
