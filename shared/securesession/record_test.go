package securesession

import (
	"bytes"
	"testing"

	"github.com/securesession/securesession/shared/sessionerr"
)

func establishedPair(t *testing.T) (client, server *Session) {
	t.Helper()
	client, server, _, _ = newHandshakePair(t)
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if client.State() != StateEstablished || server.State() != StateEstablished {
		t.Fatalf("handshake did not establish: client = %v, server = %v", client.State(), server.State())
	}
	return client, server
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	client, server := establishedPair(t)

	plaintext := []byte("a short message")
	wrapped, err := client.wrap(plaintext)
	if err != nil {
		t.Fatalf("wrap() error = %v", err)
	}
	if len(wrapped) != WrappedSize(len(plaintext)) {
		t.Errorf("len(wrapped) = %d, want %d", len(wrapped), WrappedSize(len(plaintext)))
	}

	got, err := server.unwrap(wrapped)
	if err != nil {
		t.Fatalf("unwrap() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("unwrap() = %q, want %q", got, plaintext)
	}
}

func TestUnwrapRejectsTamperedCiphertext(t *testing.T) {
	client, server := establishedPair(t)

	wrapped, err := client.wrap([]byte("authenticate me"))
	if err != nil {
		t.Fatalf("wrap() error = %v", err)
	}
	wrapped[len(wrapped)-1] ^= 0xFF

	_, err = server.unwrap(wrapped)
	if err == nil {
		t.Fatal("unwrap() with tampered ciphertext expected error, got nil")
	}
	se, ok := err.(*sessionerr.Error)
	if !ok || se.Code != sessionerr.CodeInvalidMAC {
		t.Errorf("error = %v, want *sessionerr.Error with CodeInvalidMAC", err)
	}
}

func TestUnwrapRejectsReplayedRecord(t *testing.T) {
	client, server := establishedPair(t)

	wrapped, err := client.wrap([]byte("only once"))
	if err != nil {
		t.Fatalf("wrap() error = %v", err)
	}

	if _, err := server.unwrap(wrapped); err != nil {
		t.Fatalf("first unwrap() error = %v", err)
	}
	if _, err := server.unwrap(wrapped); err == nil {
		t.Error("replayed unwrap() expected error, got nil")
	}
}

func TestUnwrapRejectsShortRecord(t *testing.T) {
	_, server := establishedPair(t)

	if _, err := server.unwrap(make([]byte, RecordOverhead-1)); err == nil {
		t.Error("unwrap() with undersized record expected error, got nil")
	}
}

func TestWrapProducesDistinctCiphertextsForRepeatedPlaintext(t *testing.T) {
	client, _ := establishedPair(t)

	plaintext := []byte("same every time")
	first, err := client.wrap(plaintext)
	if err != nil {
		t.Fatalf("wrap() error = %v", err)
	}
	second, err := client.wrap(plaintext)
	if err != nil {
		t.Fatalf("wrap() error = %v", err)
	}

	if bytes.Equal(first, second) {
		t.Error("wrap() produced identical records for the same plaintext on successive calls")
	}
}
