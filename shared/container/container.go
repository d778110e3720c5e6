// Package container implements the tagged, length-prefixed, checksummed
// byte frame used for every field and message on the Secure Session wire.
//
// Layout: [Tag:4][Length:4 big-endian][Checksum:4][Payload:Length bytes].
// Length counts only the payload; it does not include the header itself.
package container

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

const (
	// TagSize is the width of the ASCII tag field.
	TagSize = 4
	// LengthSize is the width of the big-endian payload-length field.
	LengthSize = 4
	// ChecksumSize is the width of the checksum field.
	ChecksumSize = 4
	// HeaderSize is the total size of tag + length + checksum.
	HeaderSize = TagSize + LengthSize + ChecksumSize
)

// Well-known tags used by the handshake (shared/securesession) and peer
// (shared/peer) packages.
var (
	TagProto = [TagSize]byte{'P', 'R', 'O', 'T'} // outer handshake message
	TagID    = [TagSize]byte{'S', 'S', 'I', 'D'} // peer identifier payload
	TagECPub = [TagSize]byte{'T', 'E', 'C', 'P'} // self-framed EC public key
)

// ErrInvalidParameter is returned for any malformed container: short
// buffer, tag mismatch, length overflow, or checksum failure. The spec
// does not distinguish between these cases at the container layer.
var ErrInvalidParameter = errors.New("container: invalid parameter")

// Make prepends a header to payload, carrying tag, big-endian payload
// length, and a checksum over (tag || length || payload).
func Make(tag [TagSize]byte, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	copy(out[0:TagSize], tag[:])
	binary.BigEndian.PutUint32(out[TagSize:TagSize+LengthSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)

	sum := checksum(out[:TagSize+LengthSize], payload)
	copy(out[TagSize+LengthSize:HeaderSize], sum[:])

	return out
}

// Parse verifies data is at least header-sized, that its tag equals
// expectedTag, that the declared length fits within data, and that the
// checksum recomputes, then returns the payload slice (a view into data,
// not a copy). Any violation returns ErrInvalidParameter.
func Parse(data []byte, expectedTag [TagSize]byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, ErrInvalidParameter
	}

	var tag [TagSize]byte
	copy(tag[:], data[0:TagSize])
	if tag != expectedTag {
		return nil, ErrInvalidParameter
	}

	length := binary.BigEndian.Uint32(data[TagSize : TagSize+LengthSize])
	if uint64(length) > uint64(len(data)-HeaderSize) {
		return nil, ErrInvalidParameter
	}

	payload := data[HeaderSize : HeaderSize+int(length)]
	sum := checksum(data[:TagSize+LengthSize], payload)
	if !equal(sum, data[TagSize+LengthSize:HeaderSize]) {
		return nil, ErrInvalidParameter
	}

	return payload, nil
}

// TotalSize returns the on-wire size of a container wrapping a payload of
// the given length.
func TotalSize(payloadLen int) int {
	return HeaderSize + payloadLen
}

// ParsePrefix is Parse, but additionally returns how many bytes of data the
// container consumed (header + payload), so callers can locate the next
// sequential container or trailing bytes (e.g. a signature) without having
// to re-derive the payload length themselves. Used when unpacking handshake
// messages, which pack several containers back to back followed by
// unframed bytes.
func ParsePrefix(data []byte, expectedTag [TagSize]byte) (payload []byte, consumed int, err error) {
	payload, err = Parse(data, expectedTag)
	if err != nil {
		return nil, 0, err
	}
	return payload, HeaderSize + len(payload), nil
}

func checksum(prefix, payload []byte) [ChecksumSize]byte {
	h := sha256.New()
	h.Write(prefix)
	h.Write(payload)
	sum := h.Sum(nil)

	var out [ChecksumSize]byte
	copy(out[:], sum[:ChecksumSize])
	return out
}

func equal(a [ChecksumSize]byte, b []byte) bool {
	if len(b) != ChecksumSize {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
