// Package extension implements the BEP-10 extension handshake and the
// BEP-09 ut_metadata messages carried inside extended peer wire messages.
package extension

import (
	"bytes"
	"fmt"

	"github.com/jackpal/bencode-go"

	"magnet2torrent/metadata"
)

// extended message id 0 is always the extension handshake
const HandshakeID uint8 = 0

const MetadataName = "ut_metadata"

// LocalMetadataID is the id we ask peers to use for ut_metadata messages
// sent to us.
const LocalMetadataID uint8 = 1

const clientVersion = "magnet2torrent 0.1"

// Handshake is the payload of the extension handshake.
type Handshake struct {
	M            map[string]int64
	MetadataSize int64
	Version      string
	Reqq         int64
}

// NewHandshake advertises ut_metadata support.
func NewHandshake() *Handshake {
	return &Handshake{
		M:       map[string]int64{MetadataName: int64(LocalMetadataID)},
		Version: clientVersion,
		Reqq:    250,
	}
}

func (h *Handshake) Serialize() ([]byte, error) {
	m := make(map[string]interface{}, len(h.M))
	for name, id := range h.M {
		m[name] = id
	}
	d := map[string]interface{}{"m": m}
	if h.MetadataSize > 0 {
		d["metadata_size"] = h.MetadataSize
	}
	if h.Version != "" {
		d["v"] = h.Version
	}
	if h.Reqq > 0 {
		d["reqq"] = h.Reqq
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MetadataID returns the id the peer wants for ut_metadata messages. ok is
// false when the peer does not support the extension.
func (h *Handshake) MetadataID() (uint8, bool) {
	id, ok := h.M[MetadataName]
	if !ok || id <= 0 || id > 255 {
		return 0, false
	}
	return uint8(id), true
}

// ReadHandshake parses an extension handshake payload.
func ReadHandshake(payload []byte) (*Handshake, error) {
	d, err := decodeDict(payload)
	if err != nil {
		return nil, err
	}
	h := &Handshake{M: make(map[string]int64)}
	if m, ok := d["m"].(map[string]interface{}); ok {
		for name, v := range m {
			if id, ok := v.(int64); ok {
				h.M[name] = id
			}
		}
	}
	if size, ok := d["metadata_size"].(int64); ok {
		h.MetadataSize = size
	}
	if v, ok := d["v"].(string); ok {
		h.Version = v
	}
	if reqq, ok := d["reqq"].(int64); ok {
		h.Reqq = reqq
	}
	return h, nil
}

type MsgType int64

const (
	Request MsgType = 0
	Data    MsgType = 1
	Reject  MsgType = 2
)

func (t MsgType) String() string {
	switch t {
	case Request:
		return "request"
	case Data:
		return "data"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("msg_type(%d)", int64(t))
	}
}

// MetadataMessage is a ut_metadata message. Data messages carry the block
// bytes right after the bencoded dictionary.
type MetadataMessage struct {
	Type      MsgType
	Piece     int
	TotalSize int64
	Data      []byte
}

func RequestPiece(piece int) *MetadataMessage {
	return &MetadataMessage{Type: Request, Piece: piece}
}

func (m *MetadataMessage) Serialize() ([]byte, error) {
	d := map[string]interface{}{
		"msg_type": int64(m.Type),
		"piece":    int64(m.Piece),
	}
	if m.Type == Data {
		d["total_size"] = m.TotalSize
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, d); err != nil {
		return nil, err
	}
	if m.Type == Data {
		buf.Write(m.Data)
	}
	return buf.Bytes(), nil
}

// ReadMetadataMessage parses a ut_metadata payload.
func ReadMetadataMessage(payload []byte) (*MetadataMessage, error) {
	n, err := metadata.Span(payload)
	if err != nil {
		return nil, err
	}
	d, err := decodeDict(payload[:n])
	if err != nil {
		return nil, err
	}
	msgType, ok := d["msg_type"].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: ut_metadata message without msg_type", metadata.ErrMalformedBencode)
	}
	piece, ok := d["piece"].(int64)
	if !ok || piece < 0 {
		return nil, fmt.Errorf("%w: ut_metadata message without piece", metadata.ErrMalformedBencode)
	}
	m := &MetadataMessage{Type: MsgType(msgType), Piece: int(piece)}
	switch m.Type {
	case Data:
		m.TotalSize, _ = d["total_size"].(int64)
		m.Data = payload[n:]
	case Request, Reject:
		if n != len(payload) {
			return nil, fmt.Errorf("%w: %d trailing bytes after %s", metadata.ErrMalformedBencode, len(payload)-n, m.Type)
		}
	}
	return m, nil
}

func decodeDict(b []byte) (map[string]interface{}, error) {
	if err := metadata.Validate(b); err != nil {
		return nil, err
	}
	v, err := bencode.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", metadata.ErrMalformedBencode, err)
	}
	d, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: expected a dictionary", metadata.ErrMalformedBencode)
	}
	return d, nil
}
