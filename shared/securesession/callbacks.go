// Package securesession implements the mutually authenticated handshake and
// record layer described in §4-§8: a four-message signed-ECDH handshake
// (client-hello, server-hello, client-finish, server-finish) producing a
// session_id and session_master_key, followed by a ChaCha20-Poly1305
// record layer keyed off per-direction keys derived from that master
// secret. Grounded on the teacher's shared/protocol/handshake.go
// (HandshakeState, CreateXMessage/ProcessXMessage pairs, DeriveSessionKeys)
// and cross-checked against original_source/src/themis/secure_session.c for
// exact message shapes and context ordering.
package securesession

// Transport is the collaborator vocabulary a Session is driven through,
// mirroring §4's send_data/get_public_key_for_id callback table. The third
// callback in the original vocabulary, receive_data, is not modeled as an
// interface method here: Receive takes the inbound bytes directly as a
// parameter, the same restatement the spec's public API signature already
// makes (receive(session, msg, cap)), so there is nothing left for a pull
// callback to do.
type Transport interface {
	// SendData is invoked synchronously by Connect, Receive (while the
	// handshake is in progress) and Send to hand outbound bytes to the
	// wire. A Session never buffers outbound bytes itself.
	SendData(data []byte) error

	// GetPublicKeyForID resolves a peer identifier to its framed,
	// long-term signing public key (a container.TagECPub blob). Returning
	// an error aborts the handshake in progress with sessionerr.Code
	// CodeInvalidParameter; the session does not retry or proceed.
	GetPublicKeyForID(id []byte) ([]byte, error)
}
