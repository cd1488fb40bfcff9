package pagestore

import (
	"encoding/binary"

	"gridworks/pkg/helper/errors"
)

// signature is the fixed magic number stamped into every page file, used to
// reject arbitrary files from being opened as a page store.
const signature uint64 = 0xF19AC4FE60C530B8

// version is the on-disk header layout version this package reads and writes.
const version uint32 = 1

// HeaderSize is the fixed byte length of the file header: 8 (signature) +
// 4 (version) + 1 (type) + 4 (page size).
const HeaderSize = 17

// Header is the 17-byte file header every page store file begins with.
type Header struct {
	Signature uint64
	Version   uint32
	Type      uint8
	PageSize  uint32
}

// Marshal encodes the header into its fixed 17-byte little-endian wire form.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Signature)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	buf[12] = h.Type
	binary.LittleEndian.PutUint32(buf[13:17], h.PageSize)
	return buf
}

// UnmarshalHeader decodes a 17-byte buffer into a Header, verifying the
// magic signature.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.InvalidInputf("header buffer too short: got %d bytes, want %d", len(buf), HeaderSize)
	}

	h := Header{
		Signature: binary.LittleEndian.Uint64(buf[0:8]),
		Version:   binary.LittleEndian.Uint32(buf[8:12]),
		Type:      buf[12],
		PageSize:  binary.LittleEndian.Uint32(buf[13:17]),
	}
	if h.Signature != signature {
		return Header{}, errors.IntegrityViolationf("bad page store signature: got %#x, want %#x", h.Signature, signature)
	}
	if h.Version != version {
		return Header{}, errors.NotSupportedf("page store version %d is not supported by this build", h.Version)
	}
	return h, nil
}
