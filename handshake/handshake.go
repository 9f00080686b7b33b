package handshake

import (
	"fmt"
	"io"
)

// Handshake string consists of (in order):
//   - 1 byte for pstr length (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - BitTorrent protocol)
//   - 8 reserved bytes for extension support
//   - 20 bytes for infohash (SHA-1 of bencoded info dictionary)
//   - 20 bytes for peerID (random id to identify ourselves)
type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// length of handshake string in bytes
const Len = 68

const pstr = "BitTorrent protocol"

// bit 20 from the right (byte 5, 0x10) advertises the extension protocol (BEP-10)
const (
	extensionByte = 5
	extensionBit  = 0x10
)

// New creates a Handshake advertising extension protocol support.
func New(infoHash, peerID [20]byte) *Handshake {
	h := &Handshake{
		Pstr:     pstr,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	h.Reserved[extensionByte] |= extensionBit
	return h
}

// SupportsExtensions reports whether the sender set the BEP-10 bit.
func (h *Handshake) SupportsExtensions() bool {
	return h.Reserved[extensionByte]&extensionBit != 0
}

// Serialize puts together a handshake string.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, len(h.Pstr)+49)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], h.Reserved[:])
	curr += copy(buf[curr:], h.InfoHash[:])
	curr += copy(buf[curr:], h.PeerID[:])
	return buf
}

// Read converts a raw handshake string into a Handshake struct.
func Read(r io.Reader) (*Handshake, error) {
	pstrLenBuf := make([]byte, 1)
	_, err := io.ReadFull(r, pstrLenBuf)
	if err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(pstr) {
		err := fmt.Errorf("pstr length should be 19 (0x13) but is %d", pstrLen)
		return nil, err
	}

	handshakeBuf := make([]byte, Len-1)
	_, err = io.ReadFull(r, handshakeBuf)
	if err != nil {
		return nil, err
	}
	if string(handshakeBuf[:pstrLen]) != pstr {
		return nil, fmt.Errorf("unexpected protocol identifier %q", handshakeBuf[:pstrLen])
	}

	h := Handshake{Pstr: pstr}
	copy(h.Reserved[:], handshakeBuf[pstrLen:pstrLen+8])
	copy(h.InfoHash[:], handshakeBuf[pstrLen+8:pstrLen+8+20])
	copy(h.PeerID[:], handshakeBuf[pstrLen+8+20:])
	return &h, nil
}
