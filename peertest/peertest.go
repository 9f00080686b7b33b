// Package peertest runs in-process peers that serve metadata over the peer
// wire protocol, for tests.
package peertest

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"magnet2torrent/extension"
	"magnet2torrent/handshake"
	"magnet2torrent/message"
	"magnet2torrent/metadata"
	"magnet2torrent/peer"
)

type Behavior int

const (
	Serve        Behavior = iota // answer every request with the right block
	Corrupt                      // flip the first byte of every block
	Reject                       // reject every request
	NoExtensions                 // handshake without the extension bit
	Silent                       // accept the connection and never answer
)

// id the fixture asks clients to use for ut_metadata
const metadataID = 3

type Peer struct {
	InfoHash [20]byte
	Metadata []byte
	Behavior Behavior

	ln       net.Listener
	requests int64
	conns    int64
	wg       sync.WaitGroup

	mu     sync.Mutex
	open   map[net.Conn]struct{}
	closed bool
}

// New serves data for infoHash on a random localhost port.
func New(infoHash [20]byte, data []byte, b Behavior) (*Peer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	p := &Peer{
		InfoHash: infoHash,
		Metadata: data,
		Behavior: b,
		ln:       ln,
		open:     make(map[net.Conn]struct{}),
	}
	p.wg.Add(1)
	go p.accept()
	return p, nil
}

// Addr is the fixture as a dialable peer.
func (p *Peer) Addr() peer.Peer {
	a := p.ln.Addr().(*net.TCPAddr)
	return peer.Peer{IP: a.IP, Port: uint16(a.Port), Source: peer.SourceManual}
}

// Requests counts ut_metadata requests received.
func (p *Peer) Requests() int64 { return atomic.LoadInt64(&p.requests) }

// Connections counts accepted connections.
func (p *Peer) Connections() int64 { return atomic.LoadInt64(&p.conns) }

func (p *Peer) Close() error {
	err := p.ln.Close()
	p.mu.Lock()
	p.closed = true
	for c := range p.open {
		c.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
	return err
}

func (p *Peer) accept() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.open[conn] = struct{}{}
		p.mu.Unlock()
		atomic.AddInt64(&p.conns, 1)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.serve(conn)
			conn.Close()
			p.mu.Lock()
			delete(p.open, conn)
			p.mu.Unlock()
		}()
	}
}

func (p *Peer) serve(conn net.Conn) {
	remote, err := handshake.Read(conn)
	if err != nil || remote.InfoHash != p.InfoHash {
		return
	}
	if p.Behavior == Silent {
		io.Copy(io.Discard, conn)
		return
	}
	reply := handshake.New(p.InfoHash, [20]byte{'-', 'P', 'T', '0', '0', '0', '1', '-'})
	if p.Behavior == NoExtensions {
		reply.Reserved = [8]byte{}
	}
	if _, err := conn.Write(reply.Serialize()); err != nil || p.Behavior == NoExtensions {
		return
	}

	// something clients have to skip
	if _, err := conn.Write((&message.Message{ID: message.Bitfield, Payload: []byte{0x80}}).Serialize()); err != nil {
		return
	}
	ours := &extension.Handshake{
		M:            map[string]int64{extension.MetadataName: metadataID},
		MetadataSize: int64(len(p.Metadata)),
		Version:      "peertest",
	}
	payload, err := ours.Serialize()
	if err != nil {
		return
	}
	if _, err := conn.Write(message.NewExtended(extension.HandshakeID, payload).Serialize()); err != nil {
		return
	}

	clientID := uint8(0)
	for {
		id, payload, err := message.ReadExtended(conn)
		if err != nil {
			return
		}
		switch id {
		case extension.HandshakeID:
			h, err := extension.ReadHandshake(payload)
			if err != nil {
				return
			}
			clientID, _ = h.MetadataID()
		case metadataID:
			req, err := extension.ReadMetadataMessage(payload)
			if err != nil || req.Type != extension.Request || clientID == 0 {
				return
			}
			atomic.AddInt64(&p.requests, 1)
			if err := p.answer(conn, clientID, req.Piece); err != nil {
				return
			}
		}
	}
}

func (p *Peer) answer(conn net.Conn, clientID uint8, piece int) error {
	res := &extension.MetadataMessage{Type: extension.Reject, Piece: piece}
	begin := piece * metadata.BlockSize
	if p.Behavior != Reject && begin < len(p.Metadata) {
		end := begin + metadata.BlockSize
		if end > len(p.Metadata) {
			end = len(p.Metadata)
		}
		block := append([]byte(nil), p.Metadata[begin:end]...)
		if p.Behavior == Corrupt {
			block[0] ^= 0xff
		}
		res = &extension.MetadataMessage{Type: extension.Data, Piece: piece, TotalSize: int64(len(p.Metadata)), Data: block}
	}
	b, err := res.Serialize()
	if err != nil {
		return err
	}
	_, err = conn.Write(message.NewExtended(clientID, b).Serialize())
	return err
}

// InfoDict builds a valid single-file info dictionary named name that is
// exactly size bytes long, padded with an extra key.
func InfoDict(name string, size int) ([]byte, error) {
	head := fmt.Sprintf("d6:lengthi5e4:name%d:%s7:padding", len(name), name)
	tail := "12:piece lengthi16384e6:pieces20:" + strings.Repeat("p", 20) + "e"
	for n := size - len(head) - len(tail); n > 0; n-- {
		pad := strconv.Itoa(n) + ":" + strings.Repeat("x", n)
		if len(head)+len(pad)+len(tail) == size {
			var b bytes.Buffer
			b.WriteString(head)
			b.WriteString(pad)
			b.WriteString(tail)
			return b.Bytes(), nil
		}
	}
	return nil, fmt.Errorf("cannot build a %d byte info dictionary", size)
}

// Hash is the info-hash of data.
func Hash(data []byte) [20]byte {
	return sha1.Sum(data)
}
