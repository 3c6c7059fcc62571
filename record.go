package tlsio

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// recordProtector applies or removes AEAD protection for one traffic
// direction (client-write or server-write; handshake or application
// traffic). It is the sole owner of a strictly monotonic sequence number,
// grounded on the teacher's RecordLayer.{encrypt,decrypt,incrementSequenceNumber}
// (record-layer.go), generalized to also protect TLS 1.2 records. Both
// versions use TLS 1.3's implicit sequence-derived nonce (RFC 8446 §5.3);
// no TLS 1.2 explicit nonce is sent (see sealTLS12).
type recordProtector struct {
	aead    cipher.AEAD
	iv      []byte // static IV (TLS 1.3) or salt (TLS 1.2 implicit part)
	seq     uint64
	version ProtocolVersion
}

func newRecordProtector(version ProtocolVersion, aead cipher.AEAD, iv []byte) *recordProtector {
	return &recordProtector{aead: aead, iv: append([]byte(nil), iv...), version: version}
}

// exhausted reports whether the sequence-number space has been used up.
// TLS limits records per traffic secret well before the 64-bit counter
// could wrap; this engine treats the wrap itself as the exhaustion point,
// matching the teacher's record layer, which panics on wraparound instead
// of rotating keys (out of scope here, per spec §1 "no core-initiated
// re-keying").
func (p *recordProtector) exhausted() bool {
	return p.seq == ^uint64(0)
}

func (p *recordProtector) nonce() []byte {
	nonce := make([]byte, len(p.iv))
	copy(nonce, p.iv)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], p.seq)
	off := len(nonce) - 8
	for i := 0; i < 8; i++ {
		nonce[off+i] ^= seqBytes[i]
	}
	return nonce
}

// sealedLen13 reports the wire length sealTLS13 will produce for plaintextLen
// bytes of content plus padLen bytes of padding, without touching the
// sequence number — callers use this to size-check an outgoing buffer
// before sealing actually happens (spec §8 "insufficient buffer must leave
// state untouched").
func (p *recordProtector) sealedLen13(plaintextLen, padLen int) int {
	return recordHeaderLen + plaintextLen + 1 + padLen + p.aead.Overhead()
}

// sealedLen12 is the TLS 1.2 analogue of sealedLen13: no inner content type
// or padding, since the wire content type is carried in the record header.
func (p *recordProtector) sealedLen12(plaintextLen int) int {
	return recordHeaderLen + plaintextLen + p.aead.Overhead()
}

// sealTLS13 protects one TLSInnerPlaintext (RFC 8446 §5.2): the plaintext
// fragment followed by its true content type and zero padding, AEAD-sealed
// with the record header (stamped as application_data) as additional data.
func (p *recordProtector) sealTLS13(innerType contentType, plaintext []byte, padLen int) ([]byte, error) {
	if p.exhausted() {
		return nil, &EncryptExhaustedError{}
	}

	inner := make([]byte, 0, len(plaintext)+1+padLen)
	inner = append(inner, plaintext...)
	inner = append(inner, byte(innerType))
	inner = append(inner, make([]byte, padLen)...)

	ciphertextLen := len(inner) + p.aead.Overhead()
	aad := recordHeaderBytes(contentTypeApplicationData, ciphertextLen)

	sealed := p.aead.Seal(nil, p.nonce(), inner, aad)
	p.seq++
	return sealed, nil
}

func (p *recordProtector) openTLS13(ciphertext []byte) (contentType, []byte, error) {
	if p.exhausted() {
		return 0, nil, &EncryptExhaustedError{}
	}

	aad := recordHeaderBytes(contentTypeApplicationData, len(ciphertext))
	plain, err := p.aead.Open(nil, p.nonce(), ciphertext, aad)
	if err != nil {
		return 0, nil, fmt.Errorf("tlsio: record: AEAD open failed: %w", err)
	}
	p.seq++

	i := len(plain) - 1
	for i >= 0 && plain[i] == 0 {
		i--
	}
	if i < 0 {
		return 0, nil, fmt.Errorf("tlsio: record: inner plaintext has no content type")
	}
	return contentType(plain[i]), plain[:i], nil
}

// sealTLS12 protects one record for a TLS 1.2 AEAD cipher suite. This
// engine always derives the full 12-byte nonce from the sequence number
// (the same implicit-nonce construction TLS 1.3 uses) rather than RFC
// 5288's 4-byte-fixed/8-byte-explicit split: the only peer this engine
// ever talks to is itself, so there is no wire-interop requirement to
// transmit an explicit nonce, and dropping it saves 8 bytes per record.
func (p *recordProtector) sealTLS12(ct contentType, plaintext []byte) ([]byte, error) {
	if p.exhausted() {
		return nil, &EncryptExhaustedError{}
	}

	aad := tls12AAD(p.seq, ct, len(plaintext))
	sealed := p.aead.Seal(nil, p.nonce(), plaintext, aad)
	p.seq++
	return sealed, nil
}

func (p *recordProtector) openTLS12(ct contentType, ciphertext []byte) ([]byte, error) {
	if p.exhausted() {
		return nil, &EncryptExhaustedError{}
	}

	plainLen := len(ciphertext) - p.aead.Overhead()
	if plainLen < 0 {
		return nil, fmt.Errorf("tlsio: record: ciphertext shorter than AEAD overhead")
	}
	aad := tls12AAD(p.seq, ct, plainLen)
	plain, err := p.aead.Open(nil, p.nonce(), ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("tlsio: record: AEAD open failed: %w", err)
	}
	p.seq++
	return plain, nil
}

func tls12AAD(seq uint64, ct contentType, plaintextLen int) []byte {
	aad := make([]byte, 0, 13)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	aad = append(aad, seqBytes[:]...)
	aad = append(aad, byte(ct))
	aad = append(aad, byte(legacyRecordVersion>>8), byte(legacyRecordVersion))
	aad = append(aad, byte(plaintextLen>>8), byte(plaintextLen))
	return aad
}

func recordHeaderBytes(ct contentType, length int) []byte {
	return []byte{
		byte(ct),
		byte(legacyRecordVersion >> 8), byte(legacyRecordVersion),
		byte(length >> 8), byte(length),
	}
}
