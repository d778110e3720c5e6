// Package peer holds the remote- and local-peer state carried by a Secure
// Session: identifier, ephemeral ECDH public key, and long-term signing
// public key. Grounded on the HandshakeState identity fields in the
// teacher's shared/protocol/types.go (LocalID/RemoteID/RemoteECDHPubKey),
// generalized from fixed [32]byte arrays to variable-length identifiers.
package peer

import "github.com/securesession/securesession/shared/container"

// Record is one side's identity as known to a Session: an opaque
// identifier, a framed ECDH public key, and a framed long-term signing
// public key. The local record's signing private key is held separately
// (by the crypto facade caller) and is never stored here.
type Record struct {
	ID            []byte
	ECDHPublicKey []byte // framed with container.TagECPub
	SignPublicKey []byte // framed with container.TagECPub
}

// Zeroize overwrites all key material and clears the identifier. Safe to
// call on a zero-value Record.
func (r *Record) Zeroize() {
	zero(r.ID)
	zero(r.ECDHPublicKey)
	zero(r.SignPublicKey)
	r.ID = nil
	r.ECDHPublicKey = nil
	r.SignPublicKey = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ValidateFramedKey checks that a framed public-key container begins with
// the expected EC public-key tag and that its declared payload is
// non-empty, per the §3 PeerRecord invariant, returning the unframed key
// bytes.
func ValidateFramedKey(framed []byte) ([]byte, error) {
	payload, err := container.Parse(framed, container.TagECPub)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, container.ErrInvalidParameter
	}
	return payload, nil
}
