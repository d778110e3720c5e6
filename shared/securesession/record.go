package securesession

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/securesession/securesession/shared/cryptofacade"
	"github.com/securesession/securesession/shared/sessionerr"
)

// counterSize is the width of the sequence-number prefix carried by every
// wrapped record; tagSize is ChaCha20-Poly1305's authentication tag.
// RecordOverhead is the fixed per-record cost a caller must budget for on
// top of the plaintext length, grounded on the teacher's
// shared/crypto/symmetric.go OverheadSize constant (there nonce+tag; here
// counter+tag, since the nonce is reconstructed from the counter rather
// than carried in full).
const (
	counterSize = 8
	tagSize     = chacha20poly1305.Overhead

	// RecordOverhead is the number of bytes wrap adds to a plaintext.
	RecordOverhead = counterSize + tagSize
)

// WrappedSize returns the on-wire size of a wrapped record carrying
// plaintextLen bytes of application data.
func WrappedSize(plaintextLen int) int {
	return plaintextLen + RecordOverhead
}

// deriveRecordKeys derives this Session's per-direction record keys from
// the established session_master_key. txKey and rxKey are each a function
// of (session_id, sender_id, receiver_id); because the two sides plug in
// the same pair of ids in opposite roles, Alice's txKey always equals Bob's
// rxKey and vice versa, without either side needing to know which of them
// is "client" or "server" at the record layer. Generalizes the teacher's
// DeriveSessionKeys (shared/protocol/handshake.go), which derives its TX
// and RX keys the same way but with separate HKDF salts instead of a
// shared label plus explicit sender/receiver contexts.
func (s *Session) deriveRecordKeys() error {
	txCtx := [][]byte{s.sessionID[:], s.we.ID, s.them.ID}
	rxCtx := [][]byte{s.sessionID[:], s.them.ID, s.we.ID}

	if err := cryptofacade.KDF(s.masterKey[:], labelDirectional, txCtx, s.txKey[:]); err != nil {
		return fmt.Errorf("derive tx key: %w", err)
	}
	if err := cryptofacade.KDF(s.masterKey[:], labelDirectional, rxCtx, s.rxKey[:]); err != nil {
		return fmt.Errorf("derive rx key: %w", err)
	}
	return nil
}

func recordNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-counterSize:], counter)
	return nonce
}

// wrap encrypts plaintext under this Session's transmit key and returns a
// self-contained record: an 8-byte big-endian sequence counter followed by
// the ChaCha20-Poly1305 ciphertext and tag. Each call consumes the next
// sequence number, so wrap is never called twice for the same counter
// value and the (key, nonce) pair is never reused.
func (s *Session) wrap(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.txKey[:])
	if err != nil {
		return nil, sessionerr.New("Send", sessionerr.CodeInvalidParameter, err)
	}

	counter := s.txSeq
	s.txSeq++
	nonce := recordNonce(counter)

	out := make([]byte, counterSize, counterSize+len(plaintext)+tagSize)
	binary.BigEndian.PutUint64(out, counter)
	out = aead.Seal(out, nonce[:], plaintext, nil)

	return out, nil
}

// unwrap authenticates and decrypts record under this Session's receive
// key. The record's counter must equal the next expected sequence number:
// out-of-order or replayed records are rejected before the AEAD is even
// invoked, the same fail-closed posture as an authentication failure.
func (s *Session) unwrap(record []byte) ([]byte, error) {
	if len(record) < RecordOverhead {
		return nil, sessionerr.InvalidParameter("Receive", fmt.Errorf("record shorter than minimum overhead"))
	}

	counter := binary.BigEndian.Uint64(record[:counterSize])
	if counter != s.rxSeq {
		return nil, sessionerr.InvalidParameter("Receive", fmt.Errorf("unexpected sequence number %d, want %d", counter, s.rxSeq))
	}

	aead, err := chacha20poly1305.New(s.rxKey[:])
	if err != nil {
		return nil, sessionerr.New("Receive", sessionerr.CodeInvalidParameter, err)
	}

	nonce := recordNonce(counter)
	plaintext, err := aead.Open(nil, nonce[:], record[counterSize:], nil)
	if err != nil {
		return nil, sessionerr.New("Receive", sessionerr.CodeInvalidMAC, err)
	}

	s.rxSeq++
	return plaintext, nil
}
