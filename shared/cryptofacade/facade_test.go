package cryptofacade

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	sk, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey() error = %v", err)
	}
	vk := sk.Public()

	contexts := [][]byte{[]byte("ecdh-pub"), []byte("peer-id")}

	n, err := Sign(sk, contexts, nil)
	if be, ok := err.(*ErrBufferTooSmall); !ok || be.Required != n {
		t.Fatalf("Sign(nil) = (%d, %v), want ErrBufferTooSmall{%d}", n, err, n)
	}

	sig := make([]byte, n)
	if _, err := Sign(sk, contexts, sig); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if err := Verify(vk, contexts, sig); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	sk, _ := GenerateSigningKey()
	vk := sk.Public()
	contexts := [][]byte{[]byte("context")}

	sig := make([]byte, SignatureSize)
	Sign(sk, contexts, sig)
	sig[0] ^= 0x01

	if err := Verify(vk, contexts, sig); err == nil {
		t.Error("Verify() with tampered signature expected error, got nil")
	}
}

func TestVerifyRejectsReorderedContexts(t *testing.T) {
	sk, _ := GenerateSigningKey()
	vk := sk.Public()

	a, b := []byte("alpha"), []byte("beta")
	sig := make([]byte, SignatureSize)
	Sign(sk, [][]byte{a, b}, sig)

	if err := Verify(vk, [][]byte{b, a}, sig); err == nil {
		t.Error("Verify() with reordered contexts expected error, got nil")
	}
}

func TestVerifyKeyMarshalRoundTrip(t *testing.T) {
	sk, _ := GenerateSigningKey()
	vk := sk.Public()

	marshaled, err := vk.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	parsed, err := ParseVerifyKey(marshaled)
	if err != nil {
		t.Fatalf("ParseVerifyKey() error = %v", err)
	}

	contexts := [][]byte{[]byte("round-trip")}
	sig := make([]byte, SignatureSize)
	Sign(sk, contexts, sig)

	if err := Verify(parsed, contexts, sig); err != nil {
		t.Errorf("Verify() with re-parsed key error = %v", err)
	}
}

func TestSigningKeyMarshalRoundTrip(t *testing.T) {
	sk, _ := GenerateSigningKey()

	marshaled, err := sk.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	parsed, err := ParseSigningKey(marshaled)
	if err != nil {
		t.Fatalf("ParseSigningKey() error = %v", err)
	}

	contexts := [][]byte{[]byte("signing-key-round-trip")}
	sig := make([]byte, SignatureSize)
	if _, err := Sign(parsed, contexts, sig); err != nil {
		t.Fatalf("Sign() with re-parsed key error = %v", err)
	}
	if err := Verify(sk.Public(), contexts, sig); err != nil {
		t.Errorf("Verify() against original public key error = %v", err)
	}
}

func TestMACVerifyMACRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	contexts := [][]byte{[]byte("peer-ecdh"), []byte("session-id")}

	n, err := MAC(key, contexts, nil)
	if be, ok := err.(*ErrBufferTooSmall); !ok || be.Required != n {
		t.Fatalf("MAC(nil) = (%d, %v), want ErrBufferTooSmall{%d}", n, err, n)
	}

	mac := make([]byte, n)
	if _, err := MAC(key, contexts, mac); err != nil {
		t.Fatalf("MAC() error = %v", err)
	}

	if err := VerifyMAC(key, contexts, mac); err != nil {
		t.Errorf("VerifyMAC() error = %v, want nil", err)
	}
}

func TestVerifyMACRejectsWrongKey(t *testing.T) {
	contexts := [][]byte{[]byte("ctx")}
	mac := make([]byte, MACSize)
	MAC(bytes.Repeat([]byte{0x01}, 32), contexts, mac)

	if err := VerifyMAC(bytes.Repeat([]byte{0x02}, 32), contexts, mac); err == nil {
		t.Error("VerifyMAC() with wrong key expected error, got nil")
	}
}

func TestKDFIsDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{0x11}, 32)
	contexts := [][]byte{[]byte("a"), []byte("b")}

	var out1, out2 [32]byte
	if err := KDF(secret, "label", contexts, out1[:]); err != nil {
		t.Fatalf("KDF() error = %v", err)
	}
	if err := KDF(secret, "label", contexts, out2[:]); err != nil {
		t.Fatalf("KDF() error = %v", err)
	}

	if out1 != out2 {
		t.Error("KDF() not deterministic for identical inputs")
	}
}

func TestKDFEmptySecretActsAsPureKDF(t *testing.T) {
	contexts := [][]byte{[]byte("client-ecdh"), []byte("server-ecdh")}

	var sessionID1, sessionID2 [8]byte
	if err := KDF(nil, "session-id", contexts, sessionID1[:]); err != nil {
		t.Fatalf("KDF() error = %v", err)
	}
	if err := KDF([]byte{}, "session-id", contexts, sessionID2[:]); err != nil {
		t.Fatalf("KDF() error = %v", err)
	}

	if sessionID1 != sessionID2 {
		t.Error("KDF() with nil vs empty secret produced different output")
	}
}

func TestKDFDiffersOnContextOrder(t *testing.T) {
	secret := bytes.Repeat([]byte{0x22}, 32)
	a, b := []byte("alpha"), []byte("beta")

	var out1, out2 [32]byte
	KDF(secret, "label", [][]byte{a, b}, out1[:])
	KDF(secret, "label", [][]byte{b, a}, out2[:])

	if out1 == out2 {
		t.Error("KDF() produced identical output for reordered contexts")
	}
}

func TestECDHDeriveSharedAgrees(t *testing.T) {
	alicePriv, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair() error = %v", err)
	}
	bobPriv, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair() error = %v", err)
	}

	alicePub, err := ParseECDHPublicKey(ExportECDHPublicKey(alicePriv))
	if err != nil {
		t.Fatalf("ParseECDHPublicKey() error = %v", err)
	}
	bobPub, err := ParseECDHPublicKey(ExportECDHPublicKey(bobPriv))
	if err != nil {
		t.Fatalf("ParseECDHPublicKey() error = %v", err)
	}

	aliceSecret, err := DeriveShared(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("DeriveShared() error = %v", err)
	}
	bobSecret, err := DeriveShared(bobPriv, alicePub)
	if err != nil {
		t.Fatalf("DeriveShared() error = %v", err)
	}

	if !bytes.Equal(aliceSecret, bobSecret) {
		t.Error("ECDH shared secrets do not agree between peers")
	}
}
