package securesession

import (
	"fmt"

	"github.com/securesession/securesession/shared/container"
	"github.com/securesession/securesession/shared/cryptofacade"
	"github.com/securesession/securesession/shared/peer"
	"github.com/securesession/securesession/shared/sessionerr"
)

// clientFirstContexts and serverFirstContexts build the two context
// orderings the handshake's signatures, MACs and KDF calls are sensitive
// to (§4.2, §4.3, §9). Both client and server compute the identical
// absolute sequence for a given role substitution; roleOrderedECDH and
// roleOrderedID pick the right local/remote value to plug into each slot
// regardless of which side is calling.
//
// clientFirstContexts = [client_ecdh, server_ecdh, client_id, server_id]
// is used for: the client-finish signature and the session_id KDF.
//
// serverFirstContexts = [server_ecdh, client_ecdh, server_id, client_id]
// is used only for the server-hello signature.
func roleOrderedECDH(isClient bool, weECDH, peerECDH []byte) (clientECDH, serverECDH []byte) {
	if isClient {
		return weECDH, peerECDH
	}
	return peerECDH, weECDH
}

func roleOrderedID(isClient bool, weID, peerID []byte) (clientID, serverID []byte) {
	if isClient {
		return weID, peerID
	}
	return peerID, weID
}

func (s *Session) clientFirstContexts() [][]byte {
	clientECDH, serverECDH := roleOrderedECDH(s.isClient, s.weECDHFramed, s.themECDHFramed)
	clientID, serverID := roleOrderedID(s.isClient, s.we.ID, s.them.ID)
	return [][]byte{clientECDH, serverECDH, clientID, serverID}
}

func (s *Session) serverFirstContexts() [][]byte {
	return s.serverHelloContexts(s.themECDHFramed, s.them.ID)
}

// serverHelloContexts builds the same ordering as serverFirstContexts but
// takes the peer's ECDH key and id as explicit arguments rather than
// reading them off s.them, so the client side can verify a server-hello's
// signature against a candidate peer record before committing it to the
// Session.
func (s *Session) serverHelloContexts(peerECDHFramed, peerID []byte) [][]byte {
	clientECDH, serverECDH := roleOrderedECDH(s.isClient, s.weECDHFramed, peerECDHFramed)
	clientID, serverID := roleOrderedID(s.isClient, s.we.ID, peerID)
	return [][]byte{serverECDH, clientECDH, serverID, clientID}
}

// resolvePeerVerifyKey looks up and validates the peer's long-term signing key via
// the transport's GetPublicKeyForID collaborator (§4's
// get_public_key_for_id). A lookup failure or malformed key aborts the
// handshake; the session's state is left unchanged so the caller can
// retry with a fresh message if that is ever appropriate.
func (s *Session) resolvePeerVerifyKey(peerID []byte) (*cryptofacade.VerifyKey, []byte, error) {
	framed, err := s.transport.GetPublicKeyForID(peerID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve peer signing key: %w", err)
	}
	raw, err := peer.ValidateFramedKey(framed)
	if err != nil {
		return nil, nil, fmt.Errorf("peer signing key: %w", err)
	}
	vk, err := cryptofacade.ParseVerifyKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse peer signing key: %w", err)
	}
	return vk, append([]byte(nil), framed...), nil
}

// parseHelloPayload splits an hello-style payload (id container, framed
// ECDH container, trailing raw signature) and returns the peer id, the
// framed ECDH bytes exactly as received, the unframed ECDH key, and the
// trailing signature.
func parseHelloPayload(payload []byte) (peerID, ecdhFramed, ecdhRaw, signature []byte, err error) {
	id, idConsumed, err := container.ParsePrefix(payload, container.TagID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ecdh, ecdhConsumed, err := container.ParsePrefix(payload[idConsumed:], container.TagECPub)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if len(ecdh) == 0 {
		return nil, nil, nil, nil, container.ErrInvalidParameter
	}

	framed := payload[idConsumed : idConsumed+ecdhConsumed]
	sig := payload[idConsumed+ecdhConsumed:]

	return append([]byte(nil), id...), append([]byte(nil), framed...), append([]byte(nil), ecdh...), append([]byte(nil), sig...), nil
}

// sendClientHello builds and emits the client-hello message: our id, our
// self-framed ECDH public key, and a signature over the ECDH key alone.
func (s *Session) sendClientHello() error {
	sig := make([]byte, cryptofacade.SignatureSize)
	if _, err := cryptofacade.Sign(s.localSignKey, [][]byte{s.weECDHFramed}, sig); err != nil {
		return sessionerr.New("Connect", sessionerr.CodeInvalidParameter, err)
	}

	payload := concatAll(container.Make(container.TagID, s.we.ID), s.weECDHFramed, sig)
	msg := container.Make(container.TagProto, payload)

	s.state = StateAwaitingServerHello
	if err := s.transport.SendData(msg); err != nil {
		return sessionerr.New("Connect", sessionerr.CodeInvalidParameter, err)
	}
	return nil
}

// acceptClientHello processes an inbound client-hello (server role),
// verifying the embedded signature, then builds and emits a server-hello
// signed over [server_ecdh, client_ecdh, server_id, client_id].
func (s *Session) acceptClientHello(data []byte) error {
	outer, err := container.Parse(data, container.TagProto)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}

	peerID, ecdhFramed, ecdhRaw, signature, err := parseHelloPayload(outer)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}

	peerVerifyKey, framedSignKey, err := s.resolvePeerVerifyKey(peerID)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}

	if err := cryptofacade.Verify(peerVerifyKey, [][]byte{ecdhFramed}, signature); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidSignature, err)
	}

	s.them = peer.Record{ID: peerID, ECDHPublicKey: ecdhRaw, SignPublicKey: framedSignKey}
	s.themECDHFramed = ecdhFramed

	respSig := make([]byte, cryptofacade.SignatureSize)
	if _, err := cryptofacade.Sign(s.localSignKey, s.serverFirstContexts(), respSig); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}

	payload := concatAll(container.Make(container.TagID, s.we.ID), s.weECDHFramed, respSig)
	msg := container.Make(container.TagProto, payload)

	s.state = StateAwaitingClientFinish
	if err := s.transport.SendData(msg); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}
	return nil
}

// proceedFromServerHello processes an inbound server-hello (client role):
// verifies the server's signature, derives session_id and
// session_master_key, then builds and emits the client-finish message
// (a signature over clientFirstContexts followed by a MAC proving
// possession of the derived master key).
func (s *Session) proceedFromServerHello(data []byte) error {
	outer, err := container.Parse(data, container.TagProto)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}

	peerID, ecdhFramed, ecdhRaw, signature, err := parseHelloPayload(outer)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}

	peerVerifyKey, framedSignKey, err := s.resolvePeerVerifyKey(peerID)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}

	// Verify the server's signature before touching s.them/s.themECDHFramed:
	// on a forged server-hello the session must be left exactly as it was,
	// not holding a half-populated, unauthenticated peer record.
	candidateContexts := s.serverHelloContexts(ecdhFramed, peerID)
	if err := cryptofacade.Verify(peerVerifyKey, candidateContexts, signature); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidSignature, err)
	}

	s.them = peer.Record{ID: peerID, ECDHPublicKey: ecdhRaw, SignPublicKey: framedSignKey}
	s.themECDHFramed = ecdhFramed

	peerECDHPub, err := cryptofacade.ParseECDHPublicKey(ecdhRaw)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}
	sharedSecret, err := cryptofacade.DeriveShared(s.localECDHPriv, peerECDHPub)
	if err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}

	ctx := s.clientFirstContexts()
	if err := cryptofacade.KDF(nil, labelSessionID, ctx, s.sessionID[:]); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}
	if err := cryptofacade.KDF(sharedSecret, labelMasterKey, [][]byte{s.sessionID[:]}, s.masterKey[:]); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}

	sig := make([]byte, cryptofacade.SignatureSize)
	if _, err := cryptofacade.Sign(s.localSignKey, ctx, sig); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}
	mac := make([]byte, cryptofacade.MACSize)
	if _, err := cryptofacade.MAC(s.masterKey[:], [][]byte{s.themECDHFramed, s.sessionID[:]}, mac); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}

	payload := concatAll(sig, mac)
	msg := container.Make(container.TagProto, payload)
	s.state = StateAwaitingServerFinish
	if err := s.transport.SendData(msg); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}
	return nil
}

// finishServer processes the inbound client-finish message (server role):
// verifies the client's signature and MAC, derives session_id and
// session_master_key, derives the per-direction record keys, and emits the
// server-finish message (a bare MAC, no signature).
func (s *Session) finishServer(data []byte) error {
	outer, err := container.Parse(data, container.TagProto)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}
	if len(outer) != cryptofacade.SignatureSize+cryptofacade.MACSize {
		return sessionerr.InvalidParameter("Receive", fmt.Errorf("malformed client-finish length"))
	}
	signature := outer[:cryptofacade.SignatureSize]
	mac := outer[cryptofacade.SignatureSize:]

	peerSignRaw, err := peer.ValidateFramedKey(s.them.SignPublicKey)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}
	peerVerifyKey, err := cryptofacade.ParseVerifyKey(peerSignRaw)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}

	ctx := s.clientFirstContexts()
	if err := cryptofacade.Verify(peerVerifyKey, ctx, signature); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidSignature, err)
	}

	peerECDHPub, err := cryptofacade.ParseECDHPublicKey(s.them.ECDHPublicKey)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}
	sharedSecret, err := cryptofacade.DeriveShared(s.localECDHPriv, peerECDHPub)
	if err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}

	if err := cryptofacade.KDF(nil, labelSessionID, ctx, s.sessionID[:]); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}
	if err := cryptofacade.KDF(sharedSecret, labelMasterKey, [][]byte{s.sessionID[:]}, s.masterKey[:]); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}

	if err := cryptofacade.VerifyMAC(s.masterKey[:], [][]byte{s.weECDHFramed, s.sessionID[:]}, mac); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidMAC, err)
	}

	if err := s.deriveRecordKeys(); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}

	respMAC := make([]byte, cryptofacade.MACSize)
	if _, err := cryptofacade.MAC(s.masterKey[:], [][]byte{s.themECDHFramed, s.sessionID[:]}, respMAC); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}
	msg := container.Make(container.TagProto, respMAC)
	if err := s.transport.SendData(msg); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}

	s.state = StateEstablished
	return nil
}

// finishClient processes the inbound server-finish message (client role):
// verifies the bare MAC and, on success, derives the per-direction record
// keys and moves to Established.
func (s *Session) finishClient(data []byte) error {
	outer, err := container.Parse(data, container.TagProto)
	if err != nil {
		return sessionerr.InvalidParameter("Receive", err)
	}
	if len(outer) != cryptofacade.MACSize {
		return sessionerr.InvalidParameter("Receive", fmt.Errorf("malformed server-finish length"))
	}

	if err := cryptofacade.VerifyMAC(s.masterKey[:], [][]byte{s.weECDHFramed, s.sessionID[:]}, outer); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidMAC, err)
	}

	if err := s.deriveRecordKeys(); err != nil {
		return sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}
	s.state = StateEstablished
	return nil
}

func concatAll(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
