package securesession

import (
	"crypto/ecdh"
	"fmt"

	"github.com/securesession/securesession/shared/container"
	"github.com/securesession/securesession/shared/cryptofacade"
	"github.com/securesession/securesession/shared/peer"
	"github.com/securesession/securesession/shared/sessionerr"
)

// State is one of the five handshake states named in §5. Unlike the
// teacher's single HandshakeState struct (which folds client and relay
// roles into one type distinguished by an IsClient bool), a Session here
// tracks its own role and current State explicitly and rejects any message
// that arrives for the wrong state.
type State int

const (
	StateAwaitingClientHello State = iota
	StateAwaitingServerHello
	StateAwaitingClientFinish
	StateAwaitingServerFinish
	StateEstablished
	stateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingClientHello:
		return "AWAITING_CLIENT_HELLO"
	case StateAwaitingServerHello:
		return "AWAITING_SERVER_HELLO"
	case StateAwaitingClientFinish:
		return "AWAITING_CLIENT_FINISH"
	case StateAwaitingServerFinish:
		return "AWAITING_SERVER_FINISH"
	case StateEstablished:
		return "ESTABLISHED"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session drives one mutually authenticated handshake and, once
// Established, wraps and unwraps application records over it. A Session is
// not safe for concurrent use; callers serialize Send/Receive the same way
// the teacher's HandshakeState expects a single driving goroutine.
type Session struct {
	transport Transport

	we   peer.Record
	them peer.Record

	localSignKey  *cryptofacade.SigningKey
	localECDHPriv *ecdh.PrivateKey

	state    State
	isClient bool

	weECDHFramed   []byte // this side's self-framed ECDH public key, as sent
	themECDHFramed []byte // peer's self-framed ECDH public key, as received

	sessionID [SessionIDSize]byte
	masterKey [MasterKeySize]byte

	txKey [32]byte
	rxKey [32]byte
	txSeq uint64
	rxSeq uint64
}

// Init constructs a fresh Session for local identity id with signing
// keypair signKey, driven through transport. The caller chooses Connect
// (client role) or waits for Receive of an inbound client-hello (server
// role, the zero-value starting state) to pick a role; a Session does not
// assume one up front the way the teacher's NewClientHandshakeState /
// NewRelayHandshakeState split does.
func Init(id []byte, signKey *cryptofacade.SigningKey, transport Transport) (*Session, error) {
	if len(id) == 0 {
		return nil, sessionerr.InvalidParameter("Init", fmt.Errorf("empty local id"))
	}
	if signKey == nil || transport == nil {
		return nil, sessionerr.InvalidParameter("Init", fmt.Errorf("nil signing key or transport"))
	}

	signPubFramed, err := framedVerifyKey(signKey.Public())
	if err != nil {
		return nil, sessionerr.New("Init", sessionerr.CodeInvalidParameter, err)
	}

	ecdhPriv, err := cryptofacade.GenerateECDHKeyPair()
	if err != nil {
		return nil, sessionerr.New("Init", sessionerr.CodeNoMemory, err)
	}

	s := &Session{
		transport:    transport,
		localSignKey: signKey,
		state:        StateAwaitingClientHello,
	}
	s.we = peer.Record{
		ID:            append([]byte(nil), id...),
		SignPublicKey: signPubFramed,
	}
	s.setLocalECDH(ecdhPriv)

	return s, nil
}

// Connect switches a freshly Init'd Session into the client role and sends
// the client-hello, moving to AwaitingServerHello.
func (s *Session) Connect() error {
	if s.state != StateAwaitingClientHello {
		return sessionerr.InvalidParameter("Connect", fmt.Errorf("session already in progress"))
	}
	s.isClient = true
	return s.sendClientHello()
}

// Receive feeds inbound bytes to the Session. While the handshake is in
// progress it dispatches to the matching state transition (which may itself
// call transport.SendData to emit the next message) and returns a nil
// plaintext slice on success. Once Established, data is treated as a
// wrapped record and the decrypted plaintext is returned.
func (s *Session) Receive(data []byte) ([]byte, error) {
	switch s.state {
	case StateAwaitingClientHello:
		return nil, s.acceptClientHello(data)
	case StateAwaitingServerHello:
		return nil, s.proceedFromServerHello(data)
	case StateAwaitingClientFinish:
		return nil, s.finishServer(data)
	case StateAwaitingServerFinish:
		return nil, s.finishClient(data)
	case StateEstablished:
		return s.unwrap(data)
	case stateClosed:
		return nil, sessionerr.InvalidParameter("Receive", fmt.Errorf("session closed"))
	default:
		return nil, sessionerr.InvalidParameter("Receive", fmt.Errorf("unknown state %v", s.state))
	}
}

// Send wraps plaintext and hands the resulting record to the transport.
// Send is only valid once the handshake has reached Established.
func (s *Session) Send(plaintext []byte) (int, error) {
	if s.state != StateEstablished {
		return 0, sessionerr.InvalidParameter("Send", fmt.Errorf("session not established"))
	}
	wrapped, err := s.wrap(plaintext)
	if err != nil {
		return 0, err
	}
	if err := s.transport.SendData(wrapped); err != nil {
		return 0, sessionerr.New("Send", sessionerr.CodeInvalidParameter, err)
	}
	return len(plaintext), nil
}

// State reports the Session's current handshake state.
func (s *Session) State() State { return s.state }

// SessionID returns the negotiated session_id. Only meaningful once
// Established.
func (s *Session) SessionID() [SessionIDSize]byte { return s.sessionID }

// Cleanup zeroizes all derived key material and peer identity state. The
// Session must not be used afterward.
func (s *Session) Cleanup() {
	zero(s.masterKey[:])
	zero(s.txKey[:])
	zero(s.rxKey[:])
	zero(s.sessionID[:])
	s.we.Zeroize()
	s.them.Zeroize()
	s.state = stateClosed
	s.weECDHFramed = nil
	s.themECDHFramed = nil
}

func (s *Session) setLocalECDH(priv *ecdh.PrivateKey) {
	s.localECDHPriv = priv
	raw := cryptofacade.ExportECDHPublicKey(priv)
	s.we.ECDHPublicKey = raw
	s.weECDHFramed = container.Make(container.TagECPub, raw)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func framedVerifyKey(vk *cryptofacade.VerifyKey) ([]byte, error) {
	raw, err := vk.Marshal()
	if err != nil {
		return nil, err
	}
	return container.Make(container.TagECPub, raw), nil
}
