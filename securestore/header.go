// Package securestore locates, validates, and expands the custom-framed
// secure-store image: a 64-byte header followed by a bzip2/tar payload,
// held either on an MTD partition or at a fixed eMMC sector.
package securestore

import (
	"bytes"
	"encoding/binary"
	"io"
)

// headerSize is the on-disk size of SecureStoreHeader (spec §3): 4-byte
// magic, two uint32 halves of a 64-bit payload length, a 16-byte ASCII
// type field, and reserved padding out to 64 bytes.
const headerSize = 64

// certType is the only header type accepted; the source's equality check
// (!strcmp) is the adopted semantics (spec §9), not its inequality variant.
const certType = "CERT"

// rawHeader is the exact 64-byte wire layout, little-endian.
type rawHeader struct {
	Magic         [4]byte
	PayloadLenLow uint32
	PayloadLenHi  uint32
	Type          [16]byte
	Reserved      [36]byte
}

// Header is a parsed SecureStoreHeader.
type Header struct {
	Magic [4]byte
	Type  string
	Size  uint64
}

// ReadHeader parses exactly headerSize bytes from r.
func ReadHeader(r io.Reader) (Header, error) {
	var raw rawHeader

	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Header{}, err
	}

	return Header{
		Magic: raw.Magic,
		Type:  string(bytes.TrimRight(raw.Type[:], "\x00")),
		Size:  uint64(raw.PayloadLenHi)<<32 | uint64(raw.PayloadLenLow),
	}, nil
}

// Valid reports whether the header is well-formed: type "CERT" and a
// positive payload length (spec §3).
func (h Header) Valid() bool {
	return h.Type == certType && h.Size > 0
}
