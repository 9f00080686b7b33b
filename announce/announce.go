// Package announce implements the BEP-15 UDP announce packet.
package announce

import (
	"encoding/binary"
	"fmt"

	"magnet2torrent/connect"
	"magnet2torrent/helper"
)

const announceLen = 98

// response header: action, transaction id, interval, leechers, seeders
const headerLen = 20

type Announce struct {
	Action        uint32 // request & response
	TransactionID []byte // request & response

	ConnectionID []byte   // request
	InfoHash     [20]byte // request
	PeerID       [20]byte // request
	Downloaded   uint64   // request
	Left         uint64   // request
	Uploaded     uint64   // request
	Event        uint32   // request
	IP           uint32   // request
	Key          []byte   // request
	NumWant      int32    // request
	Port         uint16   // request

	Interval uint32 // response
	Leechers uint32 // response
	Seeders  uint32 // response
	Peers    []byte // response
}

// New builds an announce request. left is unknown while resolving metadata,
// trackers only need it to be non-zero for a leecher.
func New(infoHash, peerID [20]byte, left uint64, connectionID []byte, port uint16, numWant int32) *Announce {
	return &Announce{
		ConnectionID:  connectionID,
		Action:        connect.ActionAnnounce,
		TransactionID: helper.GenerateRandomID(4),
		InfoHash:      infoHash,
		PeerID:        peerID,
		Left:          left,
		Key:           helper.GenerateRandomID(4),
		NumWant:       numWant,
		Port:          port,
	}
}

func (a *Announce) Serialize() []byte {
	buf := make([]byte, announceLen)
	copy(buf[:8], a.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], a.Action)
	copy(buf[12:16], a.TransactionID)
	copy(buf[16:36], a.InfoHash[:])
	copy(buf[36:56], a.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], a.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], a.Left)
	binary.BigEndian.PutUint64(buf[72:80], a.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], a.Event)
	binary.BigEndian.PutUint32(buf[84:88], a.IP)
	copy(buf[88:92], a.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(a.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], a.Port)
	return buf
}

// Read parses an announce response. Compact peers follow the header; a
// trailing partial entry is dropped.
func Read(buf []byte) (*Announce, error) {
	if err := connect.CheckError(buf); err != nil {
		return nil, err
	}
	if len(buf) < headerLen {
		return nil, fmt.Errorf("announce response has %d bytes, want at least %d", len(buf), headerLen)
	}
	peers := buf[headerLen:]
	peers = peers[:len(peers)-len(peers)%6]
	return &Announce{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: append([]byte(nil), buf[4:8]...),
		Interval:      binary.BigEndian.Uint32(buf[8:12]),
		Leechers:      binary.BigEndian.Uint32(buf[12:16]),
		Seeders:       binary.BigEndian.Uint32(buf[16:20]),
		Peers:         append([]byte(nil), peers...),
	}, nil
}
