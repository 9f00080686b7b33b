package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Source tells where a peer address was learned from.
type Source uint8

const (
	SourceDHT Source = iota
	SourceTracker
	SourceManual
)

func (s Source) String() string {
	switch s {
	case SourceDHT:
		return "dht"
	case SourceTracker:
		return "tracker"
	case SourceManual:
		return "manual"
	default:
		return fmt.Sprintf("source(%d)", s)
	}
}

type Peer struct {
	IP       net.IP
	Port     uint16
	Source   Source
	LastSeen time.Time
}

// Unmarshal peers list from the tracker or a DHT node.
//
// Each peer is 6 bytes long: 4 for IP and 2 for port number.
// Hence, peers list has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	return unmarshal(peersBinary, net.IPv4len)
}

// Unmarshal6 is Unmarshal for compact IPv6 peers (18 bytes each).
func Unmarshal6(peersBinary []byte) ([]Peer, error) {
	return unmarshal(peersBinary, net.IPv6len)
}

func unmarshal(peersBinary []byte, ipLen int) ([]Peer, error) {
	peerSize := ipLen + 2
	if len(peersBinary)%peerSize != 0 {
		err := fmt.Errorf("received malformed binary of peers (%d bytes)", len(peersBinary))
		return nil, err
	}

	numPeers := len(peersBinary) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		ip := make(net.IP, ipLen)
		copy(ip, peersBinary[offset:offset+ipLen])
		peers[i].IP = ip
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+ipLen : offset+peerSize])
	}

	return peers, nil
}

// Marshal is the inverse of Unmarshal. IPv6 peers are skipped.
func Marshal(peers []Peer) []byte {
	buf := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		ip4 := p.IP.To4()
		if ip4 == nil {
			continue
		}
		buf = append(buf, ip4...)
		buf = append(buf, byte(p.Port>>8), byte(p.Port))
	}
	return buf
}

// Return Peer ip and port with suitable format - ip:port
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Valid reports whether the peer can be dialed at all.
func (p Peer) Valid() bool {
	return p.Port != 0 && p.IP != nil && !p.IP.IsUnspecified()
}

// Parse converts an "ip:port" string into a Peer.
func Parse(addr string, src Source) (Peer, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Peer{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("invalid peer ip %q", host)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid peer port %q", port)
	}
	return Peer{IP: ip, Port: uint16(n), Source: src, LastSeen: time.Now()}, nil
}
