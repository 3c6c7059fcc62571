package tlsio

import (
	"crypto/hmac"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfExtract and hkdfExpandLabel implement RFC 8446 §7.1's key schedule
// primitives. Grounded on the same HKDF machinery the DTLS/TLS stacks in
// the retrieved pack reach for (golang.org/x/crypto/hkdf, also required by
// caddyserver-caddy and censys-oss-dtls via golang.org/x/crypto) rather than
// a hand-rolled HMAC ladder.
func hkdfExtract(newHash func() hash.Hash, salt, ikm []byte) []byte {
	if ikm == nil {
		ikm = make([]byte, newHash().Size())
	}
	if salt == nil {
		salt = make([]byte, newHash().Size())
	}
	extractor := hmac.New(newHash, salt)
	extractor.Write(ikm)
	return extractor.Sum(nil)
}

func hkdfExpandLabel(newHash func() hash.Hash, secret []byte, label string, context []byte, length int) []byte {
	var hkdfLabel []byte
	hkdfLabel = binary.BigEndian.AppendUint16(hkdfLabel, uint16(length))

	fullLabel := "tls13 " + label
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, fullLabel...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, length)
	reader := hkdf.Expand(newHash, secret, hkdfLabel)
	if _, err := io.ReadFull(reader, out); err != nil {
		panic("tlsio: hkdf expand: " + err.Error())
	}
	return out
}

// trafficKeySchedule13 is the ladder of secrets derived across one TLS 1.3
// handshake (RFC 8446 §7.1). Fields are populated incrementally as the
// engine consumes handshake messages; zero-valued fields mean "not reached
// yet".
type trafficKeySchedule13 struct {
	newHash func() hash.Hash

	earlySecret         []byte
	handshakeSecret     []byte
	masterSecret        []byte
	clientHandshakeSec  []byte
	serverHandshakeSec  []byte
	clientApplicationSec []byte
	serverApplicationSec []byte
	resumptionMasterSec []byte
}

func newTrafficKeySchedule13(newHash func() hash.Hash) *trafficKeySchedule13 {
	return &trafficKeySchedule13{newHash: newHash}
}

// deriveSecret implements RFC 8446 §7.1's Derive-Secret(secret, label,
// transcript-hash) helper.
func (ks *trafficKeySchedule13) deriveSecret(secret []byte, label string, transcriptHash []byte) []byte {
	return hkdfExpandLabel(ks.newHash, secret, label, transcriptHash, ks.newHash().Size())
}

func (ks *trafficKeySchedule13) initEarlySecret(psk []byte) {
	ks.earlySecret = hkdfExtract(ks.newHash, nil, psk)
}

func (ks *trafficKeySchedule13) deriveHandshakeSecret(sharedSecret []byte) {
	if ks.earlySecret == nil {
		ks.initEarlySecret(nil)
	}
	emptyHash := emptyTranscriptHash(ks.newHash)
	derived := ks.deriveSecret(ks.earlySecret, "derived", emptyHash)
	ks.handshakeSecret = hkdfExtract(ks.newHash, derived, sharedSecret)
}

func (ks *trafficKeySchedule13) deriveHandshakeTrafficSecrets(transcriptHash []byte) {
	ks.clientHandshakeSec = ks.deriveSecret(ks.handshakeSecret, "c hs traffic", transcriptHash)
	ks.serverHandshakeSec = ks.deriveSecret(ks.handshakeSecret, "s hs traffic", transcriptHash)
}

func (ks *trafficKeySchedule13) deriveMasterSecret() {
	emptyHash := emptyTranscriptHash(ks.newHash)
	derived := ks.deriveSecret(ks.handshakeSecret, "derived", emptyHash)
	ks.masterSecret = hkdfExtract(ks.newHash, derived, nil)
}

func (ks *trafficKeySchedule13) deriveApplicationTrafficSecrets(transcriptHash []byte) {
	ks.clientApplicationSec = ks.deriveSecret(ks.masterSecret, "c ap traffic", transcriptHash)
	ks.serverApplicationSec = ks.deriveSecret(ks.masterSecret, "s ap traffic", transcriptHash)
}

func (ks *trafficKeySchedule13) deriveResumptionMasterSecret(transcriptHash []byte) {
	ks.resumptionMasterSec = ks.deriveSecret(ks.masterSecret, "res master", transcriptHash)
}

// trafficKeys is the record-layer {key, iv} pair derived from a traffic
// secret via HKDF-Expand-Label("key"/"iv") (RFC 8446 §7.3).
type trafficKeys struct {
	key []byte
	iv  []byte
}

func (ks *trafficKeySchedule13) deriveTrafficKeys(secret []byte, suite suiteParams) trafficKeys {
	return trafficKeys{
		key: hkdfExpandLabel(ks.newHash, secret, "key", nil, suite.keyLen),
		iv:  hkdfExpandLabel(ks.newHash, secret, "iv", nil, suite.ivLen),
	}
}

func (ks *trafficKeySchedule13) finishedKey(secret []byte) []byte {
	return hkdfExpandLabel(ks.newHash, secret, "finished", nil, ks.newHash().Size())
}

// verifyData computes a Finished/PSK-binder value: HMAC(finished_key,
// Transcript-Hash) (RFC 8446 §4.4.4).
func (ks *trafficKeySchedule13) verifyData(secret, transcriptHash []byte) []byte {
	finKey := ks.finishedKey(secret)
	mac := hmac.New(ks.newHash, finKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

func emptyTranscriptHash(newHash func() hash.Hash) []byte {
	h := newHash()
	return h.Sum(nil)
}

// --- TLS 1.2 PRF (RFC 5246 §5), for the legacy state machine ---

func prf12(newHash func() hash.Hash, secret []byte, label string, seed []byte, length int) []byte {
	labelSeed := append([]byte(label), seed...)
	out := make([]byte, 0, length)

	a := pHash12Seed(newHash, secret, labelSeed)
	for len(out) < length {
		out = append(out, pHash12Block(newHash, secret, a, labelSeed)...)
		a = pHash12Seed(newHash, secret, a)
	}
	return out[:length]
}

func pHash12Seed(newHash func() hash.Hash, secret, seed []byte) []byte {
	mac := hmac.New(newHash, secret)
	mac.Write(seed)
	return mac.Sum(nil)
}

func pHash12Block(newHash func() hash.Hash, secret, a, seed []byte) []byte {
	mac := hmac.New(newHash, secret)
	mac.Write(a)
	mac.Write(seed)
	return mac.Sum(nil)
}

func masterSecret12(newHash func() hash.Hash, preMasterSecret, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte{}, clientRandom...), serverRandom...)
	return prf12(newHash, preMasterSecret, "master secret", seed, 48)
}

type keyMaterial12 struct {
	clientKey []byte
	serverKey []byte
	clientIV  []byte
	serverIV  []byte
}

func keysFromMasterSecret12(newHash func() hash.Hash, masterSecret, clientRandom, serverRandom []byte, suite suiteParams) keyMaterial12 {
	seed := append(append([]byte{}, serverRandom...), clientRandom...)
	// This engine derives a full suite.ivLen (12-byte) implicit nonce salt
	// per direction rather than RFC 5246's 4-byte fixed IV, matching
	// sealTLS12/openTLS12's implicit-nonce simplification (record.go).
	needed := 2*suite.keyLen + 2*suite.ivLen
	block := prf12(newHash, masterSecret, "key expansion", seed, needed)

	km := keyMaterial12{}
	off := 0
	km.clientKey = block[off : off+suite.keyLen]
	off += suite.keyLen
	km.serverKey = block[off : off+suite.keyLen]
	off += suite.keyLen
	km.clientIV = block[off : off+suite.ivLen]
	off += suite.ivLen
	km.serverIV = block[off : off+suite.ivLen]
	return km
}
