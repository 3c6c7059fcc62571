package tlsio

// Role distinguishes which side of the handshake a Connection plays. The
// dispatcher (connection.go) is shared between both; only the handshake
// engine's transition tables and the set of legal guards differ (spec §9
// "role parameterisation").
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// ProtocolVersion enumerates the two wire protocols this engine speaks.
type ProtocolVersion uint16

const (
	VersionTLS12 ProtocolVersion = 0x0303
	VersionTLS13 ProtocolVersion = 0x0304
)

// contentType is the TLS record content type (RFC 8446 §5.1).
type contentType uint8

const (
	contentTypeChangeCipherSpec contentType = 20 // TLS 1.2 only
	contentTypeAlert            contentType = 21
	contentTypeHandshake        contentType = 22
	contentTypeApplicationData  contentType = 23
)

func (ct contentType) String() string {
	switch ct {
	case contentTypeChangeCipherSpec:
		return "change_cipher_spec"
	case contentTypeAlert:
		return "alert"
	case contentTypeHandshake:
		return "handshake"
	case contentTypeApplicationData:
		return "application_data"
	default:
		return "unknown_content_type"
	}
}

// handshakeType is the TLS handshake message type (RFC 8446 §4).
type handshakeType uint8

const (
	handshakeTypeClientHello         handshakeType = 1
	handshakeTypeServerHello         handshakeType = 2
	handshakeTypeNewSessionTicket    handshakeType = 4
	handshakeTypeEndOfEarlyData      handshakeType = 5
	handshakeTypeHelloRetryRequest   handshakeType = 6 // pre-RFC draft value; RFC 8446 sends HelloRetryRequest as a ServerHello (2)
	handshakeTypeEncryptedExtensions handshakeType = 8
	handshakeTypeCertificate         handshakeType = 11
	handshakeTypeServerKeyExchange   handshakeType = 12 // TLS 1.2 only
	handshakeTypeCertificateRequest  handshakeType = 13
	handshakeTypeServerHelloDone     handshakeType = 14 // TLS 1.2 only
	handshakeTypeCertificateVerify   handshakeType = 15
	handshakeTypeClientKeyExchange   handshakeType = 16 // TLS 1.2 only
	handshakeTypeFinished            handshakeType = 20
	handshakeTypeKeyUpdate           handshakeType = 24
)

// CipherSuite is the negotiated AEAD + hash pairing.
type CipherSuite uint16

const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303

	// TLS 1.2 ECDHE suites. Key exchange is always ECDHE in this engine;
	// static RSA/DH key exchange is out of scope (matches the teacher,
	// which never implemented them either).
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256         CipherSuite = 0xC02F
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384         CipherSuite = 0xC030
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256   CipherSuite = 0xCCA8
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256       CipherSuite = 0xC02B
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384       CipherSuite = 0xC02C
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 CipherSuite = 0xCCA9
)

// NamedGroup is a (EC)DHE key-exchange group.
type NamedGroup uint16

const (
	GroupX25519 NamedGroup = 29
	GroupP256   NamedGroup = 23
)

// SignatureScheme is a signature algorithm/hash pairing used in
// CertificateVerify and (TLS 1.2) ServerKeyExchange.
type SignatureScheme uint16

const (
	SignatureSchemeECDSAP256SHA256 SignatureScheme = 0x0403
	SignatureSchemeRSAPSSSHA256    SignatureScheme = 0x0804
	SignatureSchemeEd25519         SignatureScheme = 0x0807
)

// AlertDescription mirrors RFC 8446 §6 alert codes, trimmed to the ones this
// engine can itself raise or must recognize from a peer.
type AlertDescription uint8

const (
	AlertCloseNotify          AlertDescription = 0
	AlertUnexpectedMessage    AlertDescription = 10
	AlertBadRecordMAC         AlertDescription = 20
	AlertRecordOverflow       AlertDescription = 22
	AlertHandshakeFailure     AlertDescription = 40
	AlertBadCertificate       AlertDescription = 42
	AlertDecodeError          AlertDescription = 50
	AlertDecryptError         AlertDescription = 51
	AlertProtocolVersion      AlertDescription = 70
	AlertInsufficientSecurity AlertDescription = 71
	AlertInternalError        AlertDescription = 80
	AlertMissingExtension     AlertDescription = 109
)

func (a AlertDescription) String() string {
	switch a {
	case AlertCloseNotify:
		return "close_notify"
	case AlertUnexpectedMessage:
		return "unexpected_message"
	case AlertBadRecordMAC:
		return "bad_record_mac"
	case AlertRecordOverflow:
		return "record_overflow"
	case AlertHandshakeFailure:
		return "handshake_failure"
	case AlertBadCertificate:
		return "bad_certificate"
	case AlertDecodeError:
		return "decode_error"
	case AlertDecryptError:
		return "decrypt_error"
	case AlertProtocolVersion:
		return "protocol_version"
	case AlertInsufficientSecurity:
		return "insufficient_security"
	case AlertInternalError:
		return "internal_error"
	case AlertMissingExtension:
		return "missing_extension"
	default:
		return "unknown_alert"
	}
}

// alertLevel mirrors RFC 8446 §6: warning (1) or fatal (2).
type alertLevel uint8

const (
	alertLevelWarning alertLevel = 1
	alertLevelFatal   alertLevel = 2
)

func levelOf(a AlertDescription) alertLevel {
	if a == AlertCloseNotify {
		return alertLevelWarning
	}
	return alertLevelFatal
}

const (
	recordHeaderLen    = 5       // content type(1) + legacy version(2) + length(2)
	handshakeHeaderLen = 4       // msg type(1) + 24-bit length(3)
	maxFragmentLen     = 1 << 14 // RFC 8446 §5.1
	maxCiphertextLen   = maxFragmentLen + 256
	sequenceNumberLen  = 8
)

// legacyRecordVersion is stamped into every record header regardless of the
// version actually negotiated (RFC 8446 §5.1).
const legacyRecordVersion = uint16(VersionTLS12)

type marshaler interface {
	Marshal() ([]byte, error)
}

type unmarshaler interface {
	Unmarshal([]byte) (int, error)
}
