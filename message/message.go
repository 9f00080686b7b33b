// Package message frames peer wire messages. Only the extended message (BEP-10)
// is interpreted; everything else a peer sends is read and dropped.
package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

type messageID uint8

// Wire ids of the base protocol, plus the BEP-10 extended message.
const (
	Choke         messageID = 0
	Unchoke       messageID = 1
	Interested    messageID = 2
	NotInterested messageID = 3
	Have          messageID = 4
	Bitfield      messageID = 5
	Request       messageID = 6
	Piece         messageID = 7
	Cancel        messageID = 8
	Port          messageID = 9
	Extended      messageID = 20
)

var names = map[messageID]string{
	Choke:         "Choke",
	Unchoke:       "Unchoke",
	Interested:    "Interested",
	NotInterested: "NotInterested",
	Have:          "Have",
	Bitfield:      "Bitfield",
	Request:       "Request",
	Piece:         "Piece",
	Cancel:        "Cancel",
	Port:          "Port",
	Extended:      "Extended",
}

// MaxLength bounds a frame. Metadata pieces are 16kB, a bitfield of a huge
// torrent stays well below this.
const MaxLength = 1 << 18

// Message is one frame: | length (4) | id (1) | payload |.
// A nil *Message is a keep-alive.
type Message struct {
	ID      messageID
	Payload []byte
}

// NewExtended wraps a bencoded payload for the extended id negotiated with the
// peer (0 is the extension handshake itself).
func NewExtended(extendedID uint8, payload []byte) *Message {
	buf := make([]byte, len(payload)+1)
	buf[0] = extendedID
	copy(buf[1:], payload)
	return &Message{ID: Extended, Payload: buf}
}

// ParseExtended splits an extended message into its extended id and payload.
func (msg *Message) ParseExtended() (uint8, []byte, error) {
	if msg == nil || msg.ID != Extended {
		return 0, nil, fmt.Errorf("expected Extended message, got %s", msg)
	}
	if len(msg.Payload) < 1 {
		return 0, nil, fmt.Errorf("extended message without extended id")
	}
	return msg.Payload[0], msg.Payload[1:], nil
}

func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}
	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// Read reads one frame. It returns nil, nil for a keep-alive.
func Read(r io.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxLength {
		return nil, fmt.Errorf("message length %d exceeds limit %d", length, MaxLength)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: messageID(buf[0]), Payload: buf[1:]}, nil
}

// ReadExtended reads frames until an extended one arrives and returns its
// extended id and payload. Keep-alives, bitfields, haves and the rest are
// dropped.
func ReadExtended(r io.Reader) (uint8, []byte, error) {
	for {
		msg, err := Read(r)
		if err != nil {
			return 0, nil, err
		}
		if msg == nil || msg.ID != Extended {
			continue
		}
		return msg.ParseExtended()
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return "KeepAlive"
	}
	name, ok := names[msg.ID]
	if !ok {
		name = fmt.Sprintf("Unknown(%d)", msg.ID)
	}
	return fmt.Sprintf("%s [%d]", name, len(msg.Payload))
}
