// Package dht is a small Mainline DHT (BEP-05) client that only does what
// metadata resolution needs: bootstrap, then iterative get_peers lookups.
package dht

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"net"
	"time"
)

type NodeID [20]byte

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance is the XOR metric.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// PrefixLen is the number of leading bits id shares with other, 160 when
// they are equal.
func (id NodeID) PrefixLen(other NodeID) int {
	for i := range id {
		if x := id[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return len(id) * 8
}

// Closer reports whether a is closer to target than b.
func Closer(target, a, b NodeID) bool {
	da, db := target.Distance(a), target.Distance(b)
	return bytes.Compare(da[:], db[:]) < 0
}

type Node struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.ID.String()[:8], n.Addr)
}

// compact node info: 20 byte id, 4 byte IPv4, 2 byte port
const compactNodeLen = 26

func decodeNodes(b []byte) ([]Node, error) {
	if len(b)%compactNodeLen != 0 {
		return nil, fmt.Errorf("compact nodes have %d bytes, not a multiple of %d", len(b), compactNodeLen)
	}
	nodes := make([]Node, 0, len(b)/compactNodeLen)
	for off := 0; off < len(b); off += compactNodeLen {
		var n Node
		copy(n.ID[:], b[off:off+20])
		ip := make(net.IP, net.IPv4len)
		copy(ip, b[off+20:off+24])
		port := binary.BigEndian.Uint16(b[off+24 : off+26])
		if port == 0 || ip.IsUnspecified() {
			continue
		}
		n.Addr = &net.UDPAddr{IP: ip, Port: int(port)}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func encodeNodes(nodes []Node) []byte {
	buf := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		ip4 := n.Addr.IP.To4()
		if ip4 == nil {
			continue
		}
		buf = append(buf, n.ID[:]...)
		buf = append(buf, ip4...)
		buf = append(buf, byte(n.Addr.Port>>8), byte(n.Addr.Port))
	}
	return buf
}
