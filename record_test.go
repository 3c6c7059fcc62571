package tlsio

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"
)

func newTestAEAD(t *testing.T) cipher.AEAD {
	t.Helper()
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("cipher.NewGCM: %v", err)
	}
	return aead
}

func TestSealOpenTLS13RoundTrip(t *testing.T) {
	iv := make([]byte, 12)
	sealer := newRecordProtector(VersionTLS13, newTestAEAD(t), iv)
	opener := newRecordProtector(VersionTLS13, newTestAEAD(t), iv)

	sealed, err := sealer.sealTLS13(contentTypeApplicationData, []byte("payload"), 0)
	if err != nil {
		t.Fatalf("sealTLS13: %v", err)
	}

	ct, plain, err := opener.openTLS13(sealed)
	if err != nil {
		t.Fatalf("openTLS13: %v", err)
	}
	if ct != contentTypeApplicationData {
		t.Fatalf("content type = %v, want application_data", ct)
	}
	if string(plain) != "payload" {
		t.Fatalf("plaintext = %q, want %q", plain, "payload")
	}
}

func TestSealOpenTLS13WrongSequenceFails(t *testing.T) {
	iv := make([]byte, 12)
	sealer := newRecordProtector(VersionTLS13, newTestAEAD(t), iv)
	opener := newRecordProtector(VersionTLS13, newTestAEAD(t), iv)

	sealed, err := sealer.sealTLS13(contentTypeHandshake, []byte("msg1"), 0)
	if err != nil {
		t.Fatalf("sealTLS13: %v", err)
	}
	// Advance the opener's sequence number without consuming a matching
	// ciphertext so nonce reconstruction diverges from the sealer's.
	opener.seq = 1

	if _, _, err := opener.openTLS13(sealed); err == nil {
		t.Fatalf("expected AEAD open to fail with a mismatched sequence number")
	}
}

func TestSealOpenTLS12RoundTrip(t *testing.T) {
	iv := make([]byte, 12)
	sealer := newRecordProtector(VersionTLS12, newTestAEAD(t), iv)
	opener := newRecordProtector(VersionTLS12, newTestAEAD(t), iv)

	sealed, err := sealer.sealTLS12(contentTypeApplicationData, []byte("hello tls12"))
	if err != nil {
		t.Fatalf("sealTLS12: %v", err)
	}

	plain, err := opener.openTLS12(contentTypeApplicationData, sealed)
	if err != nil {
		t.Fatalf("openTLS12: %v", err)
	}
	if string(plain) != "hello tls12" {
		t.Fatalf("plaintext = %q, want %q", plain, "hello tls12")
	}
}

func TestOpenTLS12WrongContentTypeFails(t *testing.T) {
	iv := make([]byte, 12)
	sealer := newRecordProtector(VersionTLS12, newTestAEAD(t), iv)
	opener := newRecordProtector(VersionTLS12, newTestAEAD(t), iv)

	sealed, err := sealer.sealTLS12(contentTypeApplicationData, []byte("data"))
	if err != nil {
		t.Fatalf("sealTLS12: %v", err)
	}

	if _, err := opener.openTLS12(contentTypeHandshake, sealed); err == nil {
		t.Fatalf("expected AEAD open to fail when the content type used for AAD differs")
	}
}

func TestSequenceNumberExhaustion(t *testing.T) {
	p := newRecordProtector(VersionTLS13, newTestAEAD(t), make([]byte, 12))
	p.seq = ^uint64(0)

	if !p.exhausted() {
		t.Fatalf("expected protector to report exhausted at max sequence number")
	}
	if _, err := p.sealTLS13(contentTypeApplicationData, []byte("x"), 0); err == nil {
		t.Fatalf("expected EncryptExhaustedError")
	}
}
