package tlsio

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// suiteParams bundles the AEAD factory and transcript hash for one cipher
// suite, grounded on the teacher's aeadFactory/hashAlgorithm split
// (record-layer.go, common.go) but concretely wired to stdlib/x/crypto
// implementations instead of being left abstract.
type suiteParams struct {
	keyLen  int
	ivLen   int
	newAEAD func(key []byte) (cipher.AEAD, error)
	newHash func() hash.Hash
}

var suiteTable = map[CipherSuite]suiteParams{
	TLS_AES_128_GCM_SHA256: {
		keyLen: 16, ivLen: 12,
		newAEAD: newAESGCM,
		newHash: sha256.New,
	},
	TLS_AES_256_GCM_SHA384: {
		keyLen: 32, ivLen: 12,
		newAEAD: newAESGCM,
		newHash: sha512.New384,
	},
	TLS_CHACHA20_POLY1305_SHA256: {
		keyLen: chacha20poly1305.KeySize, ivLen: chacha20poly1305.NonceSize,
		newAEAD: chacha20poly1305.New,
		newHash: sha256.New,
	},
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256: {
		keyLen: 16, ivLen: 12,
		newAEAD: newAESGCM,
		newHash: sha256.New,
	},
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256: {
		keyLen: 16, ivLen: 12,
		newAEAD: newAESGCM,
		newHash: sha256.New,
	},
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384: {
		keyLen: 32, ivLen: 12,
		newAEAD: newAESGCM,
		newHash: sha512.New384,
	},
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384: {
		keyLen: 32, ivLen: 12,
		newAEAD: newAESGCM,
		newHash: sha512.New384,
	},
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256: {
		keyLen: chacha20poly1305.KeySize, ivLen: chacha20poly1305.NonceSize,
		newAEAD: chacha20poly1305.New,
		newHash: sha256.New,
	},
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256: {
		keyLen: chacha20poly1305.KeySize, ivLen: chacha20poly1305.NonceSize,
		newAEAD: chacha20poly1305.New,
		newHash: sha256.New,
	},
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func lookupSuite(cs CipherSuite) (suiteParams, error) {
	p, ok := suiteTable[cs]
	if !ok {
		return suiteParams{}, fmt.Errorf("tlsio: unsupported cipher suite %#04x", uint16(cs))
	}
	return p, nil
}

// keyShare holds one side of an ephemeral (EC)DHE exchange.
type keyShare struct {
	group   NamedGroup
	public  []byte
	private keyShareSecret
}

// keyShareSecret performs the group's DH computation. x25519Secret and
// p256Secret below are its two implementations.
type keyShareSecret interface {
	sharedSecret(peerPublic []byte) ([]byte, error)
}

type x25519Secret struct {
	scalar [32]byte
}

func (s x25519Secret) sharedSecret(peerPublic []byte) ([]byte, error) {
	return curve25519.X25519(s.scalar[:], peerPublic)
}

type p256Secret struct {
	key *ecdh.PrivateKey
}

func (s p256Secret) sharedSecret(peerPublic []byte) ([]byte, error) {
	peer, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("tlsio: invalid P-256 peer public key: %w", err)
	}
	shared, err := s.key.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("tlsio: P-256 ECDH failed: %w", err)
	}
	return shared, nil
}

// newKeyShare generates an ephemeral key pair for the given group.
func newKeyShare(group NamedGroup) (keyShare, error) {
	switch group {
	case GroupX25519:
		var scalar [32]byte
		if _, err := rand.Read(scalar[:]); err != nil {
			return keyShare{}, err
		}
		pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
		if err != nil {
			return keyShare{}, err
		}
		return keyShare{group: group, public: pub, private: x25519Secret{scalar: scalar}}, nil

	case GroupP256:
		priv, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return keyShare{}, err
		}
		return keyShare{group: group, public: priv.PublicKey().Bytes(), private: p256Secret{key: priv}}, nil

	default:
		return keyShare{}, fmt.Errorf("tlsio: unsupported named group %#04x", uint16(group))
	}
}
