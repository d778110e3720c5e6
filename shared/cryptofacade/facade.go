// Package cryptofacade gives the handshake state machine uniform,
// side-effect-free access to the primitives named in §4.2 of the spec:
// signature compute/verify, MAC compute/verify, KDF, and ECDH. It is the
// only package in this module that touches concrete cryptographic
// algorithms; everything above it works in terms of these operations.
//
// Signatures are hybrid: an ECDSA P-256 signature (the classical half)
// concatenated with an ML-DSA-87 signature (the post-quantum half),
// exactly the way the teacher's shared/crypto/signature.go concatenates
// its own hybrid ML-DSA-87 + Ed25519 signature and requires both halves
// to verify. ECDH is P-256 per §4.2's explicit requirement.
package cryptofacade

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/cloudflare/circl/sign/dilithium/mode5"
	"golang.org/x/crypto/hkdf"
)

// Sizes of the fixed-length outputs this facade produces.
const (
	ecdsaSignatureSize = 64 // fixed-size r||s encoding for P-256
	mlDSASignatureSize = mode5.SignatureSize

	// SignatureSize is the total length of a hybrid signature.
	SignatureSize = ecdsaSignatureSize + mlDSASignatureSize

	// MACSize is the length of a MAC (HMAC-SHA256).
	MACSize = sha256.Size

	ecdsaPublicKeySize = 65 // uncompressed P-256 point
)

var (
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("cryptofacade: invalid signature")
	// ErrInvalidMAC indicates MAC verification failed.
	ErrInvalidMAC = errors.New("cryptofacade: invalid mac")
	// ErrInvalidKey indicates a key failed to parse or had the wrong length.
	ErrInvalidKey = errors.New("cryptofacade: invalid key")
)

// ErrBufferTooSmall is returned by the two-phase Sign/MAC calls when dst is
// nil or smaller than Required, per §4.2's "call with null output first to
// discover required length" idiom.
type ErrBufferTooSmall struct {
	Required int
}

func (e *ErrBufferTooSmall) Error() string {
	return fmt.Sprintf("cryptofacade: buffer too small, need %d bytes", e.Required)
}

// SigningKey holds the private halves of a hybrid signing identity.
type SigningKey struct {
	ecdsaPriv *ecdsa.PrivateKey
	mldsaPriv *mode5.PrivateKey
}

// VerifyKey holds the public halves of a hybrid signing identity.
type VerifyKey struct {
	ecdsaPub *ecdsa.PublicKey
	mldsaPub *mode5.PublicKey
}

// GenerateSigningKey creates a new hybrid signing identity.
func GenerateSigningKey() (*SigningKey, error) {
	ecdsaPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptofacade: generate ecdsa key: %w", err)
	}

	mldsaPub, mldsaPriv, err := mode5.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptofacade: generate ml-dsa key: %w", err)
	}
	_ = mldsaPub

	return &SigningKey{ecdsaPriv: ecdsaPriv, mldsaPriv: mldsaPriv}, nil
}

// Public returns the verification key matching sk.
func (sk *SigningKey) Public() *VerifyKey {
	return &VerifyKey{
		ecdsaPub: &sk.ecdsaPriv.PublicKey,
		mldsaPub: sk.mldsaPriv.Public().(*mode5.PublicKey),
	}
}

// Marshal serializes sk as [32-byte ECDSA scalar][ML-DSA-87 private key],
// for writing a generated identity to disk.
func (sk *SigningKey) Marshal() ([]byte, error) {
	if sk == nil || sk.ecdsaPriv == nil || sk.mldsaPriv == nil {
		return nil, ErrInvalidKey
	}

	ecdsaBytes := make([]byte, 32)
	sk.ecdsaPriv.D.FillBytes(ecdsaBytes)

	mldsaBytes, err := sk.mldsaPriv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("cryptofacade: marshal ml-dsa private key: %w", err)
	}

	out := make([]byte, 0, len(ecdsaBytes)+len(mldsaBytes))
	out = append(out, ecdsaBytes...)
	out = append(out, mldsaBytes...)
	return out, nil
}

// ParseSigningKey parses the format produced by (*SigningKey).Marshal.
func ParseSigningKey(data []byte) (*SigningKey, error) {
	if len(data) <= 32 {
		return nil, ErrInvalidKey
	}

	d := new(big.Int).SetBytes(data[:32])
	curve := elliptic.P256()
	x, y := curve.ScalarBaseMult(data[:32])

	ecdsaPriv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}

	mldsaPriv := new(mode5.PrivateKey)
	if err := mldsaPriv.UnmarshalBinary(data[32:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return &SigningKey{ecdsaPriv: ecdsaPriv, mldsaPriv: mldsaPriv}, nil
}

// Marshal serializes vk as [ECDSA uncompressed point][ML-DSA-87 public key].
func (vk *VerifyKey) Marshal() ([]byte, error) {
	if vk == nil || vk.ecdsaPub == nil || vk.mldsaPub == nil {
		return nil, ErrInvalidKey
	}

	ecdsaBytes := elliptic.Marshal(elliptic.P256(), vk.ecdsaPub.X, vk.ecdsaPub.Y)
	mldsaBytes, err := vk.mldsaPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("cryptofacade: marshal ml-dsa public key: %w", err)
	}

	out := make([]byte, 0, len(ecdsaBytes)+len(mldsaBytes))
	out = append(out, ecdsaBytes...)
	out = append(out, mldsaBytes...)
	return out, nil
}

// ParseVerifyKey parses the format produced by Marshal.
func ParseVerifyKey(data []byte) (*VerifyKey, error) {
	if len(data) <= ecdsaPublicKeySize {
		return nil, ErrInvalidKey
	}

	x, y := elliptic.Unmarshal(elliptic.P256(), data[:ecdsaPublicKeySize])
	if x == nil {
		return nil, ErrInvalidKey
	}

	mldsaPub := new(mode5.PublicKey)
	if err := mldsaPub.UnmarshalBinary(data[ecdsaPublicKeySize:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return &VerifyKey{
		ecdsaPub: &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y},
		mldsaPub: mldsaPub,
	}, nil
}

// Sign computes a hybrid signature over contexts, processed in the exact
// order given (§4.2: ordering is semantically significant). Two-phase:
// pass dst == nil to learn the required length via *ErrBufferTooSmall;
// pass a dst of sufficient length to fill it and get the byte count back.
func Sign(sk *SigningKey, contexts [][]byte, dst []byte) (int, error) {
	if dst == nil || len(dst) < SignatureSize {
		return SignatureSize, &ErrBufferTooSmall{Required: SignatureSize}
	}
	if sk == nil {
		return 0, ErrInvalidKey
	}

	msg := concat(contexts)

	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, sk.ecdsaPriv, digest[:])
	if err != nil {
		return 0, fmt.Errorf("cryptofacade: ecdsa sign: %w", err)
	}
	r.FillBytes(dst[0:32])
	s.FillBytes(dst[32:64])

	mode5.SignTo(sk.mldsaPriv, msg, dst[ecdsaSignatureSize:SignatureSize])

	return SignatureSize, nil
}

// Verify checks a hybrid signature over contexts (same ordering as Sign).
// Both the ECDSA and the ML-DSA-87 halves must verify.
func Verify(vk *VerifyKey, contexts [][]byte, signature []byte) error {
	if vk == nil {
		return ErrInvalidKey
	}
	if len(signature) != SignatureSize {
		return ErrInvalidSignature
	}

	msg := concat(contexts)

	digest := sha256.Sum256(msg)
	r := new(big.Int).SetBytes(signature[0:32])
	s := new(big.Int).SetBytes(signature[32:64])
	if !ecdsa.Verify(vk.ecdsaPub, digest[:], r, s) {
		return ErrInvalidSignature
	}

	if !mode5.Verify(vk.mldsaPub, msg, signature[ecdsaSignatureSize:SignatureSize]) {
		return ErrInvalidSignature
	}

	return nil
}

// MAC computes HMAC-SHA256(masterKey, contexts) in the exact order given.
// Two-phase, mirroring Sign.
func MAC(masterKey []byte, contexts [][]byte, dst []byte) (int, error) {
	if dst == nil || len(dst) < MACSize {
		return MACSize, &ErrBufferTooSmall{Required: MACSize}
	}

	h := hmac.New(sha256.New, masterKey)
	for _, c := range contexts {
		h.Write(c)
	}
	sum := h.Sum(nil)
	copy(dst[:MACSize], sum)

	return MACSize, nil
}

// VerifyMAC checks a MAC over contexts produced by MAC.
func VerifyMAC(masterKey []byte, contexts [][]byte, mac []byte) error {
	if len(mac) != MACSize {
		return ErrInvalidMAC
	}

	h := hmac.New(sha256.New, masterKey)
	for _, c := range contexts {
		h.Write(c)
	}
	expected := h.Sum(nil)

	if !hmac.Equal(expected, mac) {
		return ErrInvalidMAC
	}
	return nil
}

// KDF fills out deterministically from (secret, label, contexts) via
// HKDF-SHA256. If secret is empty, this behaves as a pure KDF over the
// label and contexts (used for session_id). Contexts are processed in
// order as part of the HKDF info parameter, matching the teacher's
// deriveKey(ikm, salt, info) in shared/protocol/handshake.go.
func KDF(secret []byte, label string, contexts [][]byte, out []byte) error {
	info := make([]byte, 0, len(label)+32*len(contexts))
	info = append(info, label...)
	info = append(info, concat(contexts)...)

	kdf := hkdf.New(sha256.New, secret, nil, info)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return fmt.Errorf("cryptofacade: kdf: %w", err)
	}
	return nil
}

// GenerateECDHKeyPair generates a fresh ephemeral P-256 ECDH keypair.
func GenerateECDHKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptofacade: generate ecdh key: %w", err)
	}
	return priv, nil
}

// ExportECDHPublicKey returns the uncompressed point encoding of priv's
// public key.
func ExportECDHPublicKey(priv *ecdh.PrivateKey) []byte {
	return priv.PublicKey().Bytes()
}

// ParseECDHPublicKey parses an uncompressed P-256 point.
func ParseECDHPublicKey(data []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// DeriveShared performs the ECDH operation, returning the raw shared
// secret (not yet run through a KDF).
func DeriveShared(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("cryptofacade: ecdh derive: %w", err)
	}
	return secret, nil
}

func concat(contexts [][]byte) []byte {
	n := 0
	for _, c := range contexts {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range contexts {
		out = append(out, c...)
	}
	return out
}
