package tlsio

import (
	"fmt"

	"github.com/bifurcation/mint/syntax"
)

// extensionType enumerates the ClientHello/ServerHello/EncryptedExtensions
// extension types this engine understands (RFC 8446 §4.2), grounded on the
// teacher's helloExtensionType enum (common.go) but renamed to avoid
// colliding with the exported ExtensionType used on the wire struct below.
type extensionType uint16

const (
	extensionTypeServerName          extensionType = 0
	extensionTypeSupportedGroups     extensionType = 10
	extensionTypeSignatureAlgorithms extensionType = 13
	extensionTypeALPN                extensionType = 16
	extensionTypeEarlyData           extensionType = 42
	extensionTypePreSharedKey        extensionType = 41
	extensionTypeSupportedVersions   extensionType = 43
	extensionTypeKeyShare            extensionType = 51
)

// Extension is one opaque {type, data} pair as it appears on the wire
// (RFC 8446 §4.2), adapted from the teacher's identically-shaped type in
// handshake-messages.go (not reproduced in the retrieved pack, but implied
// by ExtensionList's usage there).
type Extension struct {
	ExtensionType extensionType
	ExtensionData []byte `tls:"head=2"`
}

// ExtensionList is the <0..2^16-1> vector of extensions carried by every
// hello-family message.
type ExtensionList []Extension

func (el ExtensionList) find(t extensionType) ([]byte, bool) {
	for _, e := range el {
		if e.ExtensionType == t {
			return e.ExtensionData, true
		}
	}
	return nil, false
}

func marshalExtensionBody(t extensionType, body interface{}) (Extension, error) {
	data, err := syntax.Marshal(body)
	if err != nil {
		return Extension{}, fmt.Errorf("tlsio: marshal extension %d: %w", t, err)
	}
	return Extension{ExtensionType: t, ExtensionData: data}, nil
}

// serverNameExtensionBody is RFC 6066 §3's server_name extension, trimmed to
// the single hostname form this engine sends.
type serverNameExtensionBody struct {
	NameType uint8
	HostName []byte `tls:"head=2"`
}

func newServerNameExtension(name string) (Extension, error) {
	return marshalExtensionBody(extensionTypeServerName, struct {
		Names []serverNameExtensionBody `tls:"head=2"`
	}{Names: []serverNameExtensionBody{{NameType: 0, HostName: []byte(name)}}})
}

func parseServerNameExtension(data []byte) (string, error) {
	var list struct {
		Names []serverNameExtensionBody `tls:"head=2"`
	}
	if _, err := syntax.Unmarshal(data, &list); err != nil {
		return "", err
	}
	if len(list.Names) == 0 {
		return "", fmt.Errorf("tlsio: server_name extension carries no names")
	}
	return string(list.Names[0].HostName), nil
}

type supportedVersionsBody struct {
	Versions []uint16 `tls:"head=1,min=2"`
}

func newSupportedVersionsExtension(versions []ProtocolVersion) (Extension, error) {
	vs := make([]uint16, len(versions))
	for i, v := range versions {
		vs[i] = uint16(v)
	}
	return marshalExtensionBody(extensionTypeSupportedVersions, supportedVersionsBody{Versions: vs})
}

func parseSupportedVersionsClient(data []byte) ([]ProtocolVersion, error) {
	var body supportedVersionsBody
	if _, err := syntax.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	versions := make([]ProtocolVersion, len(body.Versions))
	for i, v := range body.Versions {
		versions[i] = ProtocolVersion(v)
	}
	return versions, nil
}

type supportedVersionBody struct {
	Version uint16
}

func newSupportedVersionExtension(v ProtocolVersion) (Extension, error) {
	return marshalExtensionBody(extensionTypeSupportedVersions, supportedVersionBody{Version: uint16(v)})
}

type supportedGroupsBody struct {
	Groups []NamedGroup `tls:"head=2,min=2"`
}

func newSupportedGroupsExtension(groups []NamedGroup) (Extension, error) {
	return marshalExtensionBody(extensionTypeSupportedGroups, supportedGroupsBody{Groups: groups})
}

type signatureAlgorithmsBody struct {
	Algorithms []SignatureScheme `tls:"head=2,min=2"`
}

func newSignatureAlgorithmsExtension(schemes []SignatureScheme) (Extension, error) {
	return marshalExtensionBody(extensionTypeSignatureAlgorithms, signatureAlgorithmsBody{Algorithms: schemes})
}

type keyShareEntry struct {
	Group       NamedGroup
	KeyExchange []byte `tls:"head=2"`
}

type keyShareClientBody struct {
	Shares []keyShareEntry `tls:"head=2"`
}

func newClientKeyShareExtension(shares []keyShare) (Extension, error) {
	entries := make([]keyShareEntry, len(shares))
	for i, s := range shares {
		entries[i] = keyShareEntry{Group: s.group, KeyExchange: s.public}
	}
	return marshalExtensionBody(extensionTypeKeyShare, keyShareClientBody{Shares: entries})
}

func parseClientKeyShares(data []byte) ([]keyShareEntry, error) {
	var body keyShareClientBody
	if _, err := syntax.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return body.Shares, nil
}

func newServerKeyShareExtension(entry keyShareEntry) (Extension, error) {
	return marshalExtensionBody(extensionTypeKeyShare, entry)
}

func parseServerKeyShare(data []byte) (keyShareEntry, error) {
	var entry keyShareEntry
	if _, err := syntax.Unmarshal(data, &entry); err != nil {
		return keyShareEntry{}, err
	}
	return entry, nil
}

type alpnProtocolList struct {
	Protocols [][]byte `tls:"head=2"`
}

func newALPNExtension(protocols []string) (Extension, error) {
	list := make([][]byte, len(protocols))
	for i, p := range protocols {
		list[i] = []byte(p)
	}
	return marshalExtensionBody(extensionTypeALPN, alpnProtocolList{Protocols: list})
}

func parseALPNList(data []byte) ([]string, error) {
	var body alpnProtocolList
	if _, err := syntax.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	out := make([]string, len(body.Protocols))
	for i, p := range body.Protocols {
		out[i] = string(p)
	}
	return out, nil
}

// newALPNSelectedExtension builds the server's single-protocol ALPN
// response (RFC 7301 §3.2).
func newALPNSelectedExtension(protocol string) (Extension, error) {
	return marshalExtensionBody(extensionTypeALPN, alpnProtocolList{Protocols: [][]byte{[]byte(protocol)}})
}

// selectALPN returns the first of offered that also appears in supported,
// in offered order, mirroring common server-side ALPN negotiation policy.
func selectALPN(offered, supported []string) (string, bool) {
	for _, want := range offered {
		for _, have := range supported {
			if want == have {
				return want, true
			}
		}
	}
	return "", false
}

// earlyDataIndication is the zero-length body of the early_data extension
// when carried in ClientHello/EncryptedExtensions (RFC 8446 §4.2.10); in
// NewSessionTicket it instead carries a uint32 max_early_data_size, handled
// separately by newTicketEarlyDataExtension.
func newEarlyDataIndicationExtension() Extension {
	return Extension{ExtensionType: extensionTypeEarlyData, ExtensionData: []byte{}}
}

type ticketEarlyDataBody struct {
	MaxEarlyDataSize uint32
}

func newTicketEarlyDataExtension(max uint32) (Extension, error) {
	return marshalExtensionBody(extensionTypeEarlyData, ticketEarlyDataBody{MaxEarlyDataSize: max})
}

func parseTicketEarlyDataExtension(data []byte) (uint32, error) {
	var body ticketEarlyDataBody
	if _, err := syntax.Unmarshal(data, &body); err != nil {
		return 0, err
	}
	return body.MaxEarlyDataSize, nil
}

// pskIdentity/pskBinder implement the minimal single-PSK pre_shared_key
// extension (RFC 8446 §4.2.11) this engine uses for ticket-based
// resumption and 0-RTT; multiple identities/binders are not offered.
type pskIdentity struct {
	Identity            []byte `tls:"head=2,min=1"`
	ObfuscatedTicketAge uint32
}

type pskBinder struct {
	Binder []byte `tls:"head=1,min=32"`
}

type preSharedKeyClientBody struct {
	Identities []pskIdentity `tls:"head=2,min=7"`
	Binders    []pskBinder   `tls:"head=2,min=33"`
}

func newClientPSKExtension(identity []byte, obfuscatedAge uint32, binder []byte) (Extension, error) {
	return marshalExtensionBody(extensionTypePreSharedKey, preSharedKeyClientBody{
		Identities: []pskIdentity{{Identity: identity, ObfuscatedTicketAge: obfuscatedAge}},
		Binders:    []pskBinder{{Binder: binder}},
	})
}

func parseClientPSKExtension(data []byte) (preSharedKeyClientBody, error) {
	var body preSharedKeyClientBody
	_, err := syntax.Unmarshal(data, &body)
	return body, err
}

type preSharedKeyServerBody struct {
	SelectedIdentity uint16
}

func newServerPSKExtension(selected uint16) (Extension, error) {
	return marshalExtensionBody(extensionTypePreSharedKey, preSharedKeyServerBody{SelectedIdentity: selected})
}
