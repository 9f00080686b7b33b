// Package connect implements the BEP-15 connect exchange that precedes every
// UDP tracker announce.
package connect

import (
	"encoding/binary"
	"fmt"

	"magnet2torrent/helper"
)

const connectLen = 16

// magic constant identifying the UDP tracker protocol
const ProtocolID = 0x41727101980

const (
	ActionConnect  uint32 = 0
	ActionAnnounce uint32 = 1
	ActionError    uint32 = 3
)

type Connect struct {
	ProtocolID    uint64 // request
	Action        uint32 // request & response
	TransactionID []byte // request & response

	ConnectionID []byte // response
}

func New() *Connect {
	return &Connect{
		ProtocolID:    ProtocolID,
		Action:        ActionConnect,
		TransactionID: helper.GenerateRandomID(4),
	}
}

func (c *Connect) Serialize() []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint64(buf[0:8], c.ProtocolID)
	binary.BigEndian.PutUint32(buf[8:12], c.Action)
	copy(buf[12:16], c.TransactionID)
	return buf
}

// Read parses a connect response. Error replies from the tracker are
// returned as errors carrying the tracker's message.
func Read(buf []byte) (*Connect, error) {
	if err := CheckError(buf); err != nil {
		return nil, err
	}
	if len(buf) < connectLen {
		return nil, fmt.Errorf("connect response has %d bytes, want %d", len(buf), connectLen)
	}
	return &Connect{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: append([]byte(nil), buf[4:8]...),
		ConnectionID:  append([]byte(nil), buf[8:16]...),
	}, nil
}

// CheckError returns the tracker message of an action=3 reply, nil for any
// other packet.
func CheckError(buf []byte) error {
	if len(buf) < 8 || binary.BigEndian.Uint32(buf[0:4]) != ActionError {
		return nil
	}
	return fmt.Errorf("tracker error: %s", buf[8:])
}
