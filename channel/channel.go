// Package channel is a single peer session that only speaks what is needed
// to fetch metadata: handshake, extension handshake and ut_metadata.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"

	"magnet2torrent/extension"
	"magnet2torrent/handshake"
	"magnet2torrent/message"
	"magnet2torrent/peer"
)

// State is where a session is in its lifecycle.
type State int32

const (
	Connecting State = iota
	Handshaking
	ExtensionHandshake
	RequestingPieces
	Completed
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case ExtensionHandshake:
		return "extension-handshake"
	case RequestingPieces:
		return "requesting-pieces"
	case Completed:
		return "completed"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNoExtensions = errors.New("peer does not support the extension protocol")
	ErrNoMetadata   = errors.New("peer does not support ut_metadata")
)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	Dial        DialFunc
	DialTimeout time.Duration
	// IdleTimeout closes a session that receives nothing for this long.
	IdleTimeout time.Duration
	// MaxMetadataSize rejects peers announcing larger metadata.
	MaxMetadataSize int
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.Dial == nil {
		d := &net.Dialer{Timeout: o.DialTimeout}
		o.Dial = d.DialContext
	}
	return o
}

// Represents the communication channel between client and peer.
type Channel struct {
	Conn             net.Conn
	Peer             peer.Peer
	RemoteID         [20]byte
	SupportsMetadata bool
	MetadataID       uint8 // remote id for ut_metadata messages
	MetadataSize     int
	Received         *roaring.Bitmap // metadata pieces received

	state    int32
	opts     Options
	infoHash [20]byte
	peerID   [20]byte
	stop     chan struct{}
	once     sync.Once
}

func completeHandshake(conn net.Conn, infoHash, peerID [20]byte) (*handshake.Handshake, error) {
	request := handshake.New(infoHash, peerID) // initialize Handshake struct
	if _, err := conn.Write(request.Serialize()); err != nil {
		return nil, err
	}

	// convert handshake response to Handshake struct
	result, err := handshake.Read(conn)
	if err != nil {
		return nil, err
	}

	// check if info hash sent equals to the one received
	if !bytes.Equal(result.InfoHash[:], infoHash[:]) {
		return nil, fmt.Errorf("expected infohash %x but got %x", infoHash, result.InfoHash)
	}
	if !result.SupportsExtensions() {
		return nil, ErrNoExtensions
	}
	return result, nil
}

// New dials p and runs both handshakes. The returned channel knows the
// peer's ut_metadata id and the metadata size it announced.
func New(ctx context.Context, p peer.Peer, infoHash, peerID [20]byte, opts Options) (*Channel, error) {
	ch := &Channel{
		Peer:     p,
		Received: roaring.New(),
		opts:     opts.withDefaults(),
		infoHash: infoHash,
		peerID:   peerID,
		stop:     make(chan struct{}),
	}
	ch.setState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, ch.opts.DialTimeout)
	conn, err := ch.opts.Dial(dialCtx, "tcp", p.String())
	cancel()
	if err != nil {
		ch.setState(Disconnected)
		return nil, err
	}
	ch.Conn = conn
	go func() {
		// unblock any read when the resolution ends
		select {
		case <-ctx.Done():
			conn.Close()
		case <-ch.stop:
		}
	}()

	if err := ch.handshake(); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

func (ch *Channel) handshake() error {
	ch.setState(Handshaking)
	ch.Conn.SetDeadline(time.Now().Add(ch.opts.DialTimeout))
	remote, err := completeHandshake(ch.Conn, ch.infoHash, ch.peerID)
	if err != nil {
		return err
	}
	ch.RemoteID = remote.PeerID

	ch.setState(ExtensionHandshake)
	ours, err := extension.NewHandshake().Serialize()
	if err != nil {
		return err
	}
	if err := ch.send(message.NewExtended(extension.HandshakeID, ours)); err != nil {
		return err
	}
	var theirs *extension.Handshake
	for theirs == nil {
		id, payload, err := ch.readExtended()
		if err != nil {
			return err
		}
		if id != extension.HandshakeID {
			continue
		}
		if theirs, err = extension.ReadHandshake(payload); err != nil {
			return err
		}
	}

	metadataID, ok := theirs.MetadataID()
	if !ok {
		return ErrNoMetadata
	}
	if theirs.MetadataSize <= 0 {
		return fmt.Errorf("peer announced metadata size %d", theirs.MetadataSize)
	}
	if ch.opts.MaxMetadataSize > 0 && theirs.MetadataSize > int64(ch.opts.MaxMetadataSize) {
		return fmt.Errorf("peer announced metadata size %d above limit %d", theirs.MetadataSize, ch.opts.MaxMetadataSize)
	}
	ch.SupportsMetadata = true
	ch.MetadataID = metadataID
	ch.MetadataSize = int(theirs.MetadataSize)
	return nil
}

func (ch *Channel) State() State {
	return State(atomic.LoadInt32(&ch.state))
}

func (ch *Channel) setState(s State) {
	atomic.StoreInt32(&ch.state, int32(s))
}

func (ch *Channel) send(msg *message.Message) error {
	ch.Conn.SetWriteDeadline(time.Now().Add(ch.opts.IdleTimeout))
	_, err := ch.Conn.Write(msg.Serialize())
	return err
}

// readExtended returns the next extended message. The peer has one idle
// timeout to produce it, whatever else it sends meanwhile.
func (ch *Channel) readExtended() (uint8, []byte, error) {
	ch.Conn.SetReadDeadline(time.Now().Add(ch.opts.IdleTimeout))
	return message.ReadExtended(ch.Conn)
}

// RequestPiece asks for metadata piece index.
func (ch *Channel) RequestPiece(index int) error {
	ch.setState(RequestingPieces)
	payload, err := extension.RequestPiece(index).Serialize()
	if err != nil {
		return err
	}
	return ch.send(message.NewExtended(ch.MetadataID, payload))
}

// ReadMetadata returns the next ut_metadata message addressed to us. Requests
// from the peer are answered with a reject.
func (ch *Channel) ReadMetadata() (*extension.MetadataMessage, error) {
	for {
		id, payload, err := ch.readExtended()
		if err != nil {
			return nil, err
		}
		if id != extension.LocalMetadataID {
			continue
		}
		msg, err := extension.ReadMetadataMessage(payload)
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case extension.Request:
			reject, err := (&extension.MetadataMessage{Type: extension.Reject, Piece: msg.Piece}).Serialize()
			if err != nil {
				return nil, err
			}
			if err := ch.send(message.NewExtended(ch.MetadataID, reject)); err != nil {
				return nil, err
			}
			continue
		case extension.Data:
			ch.Received.Add(uint32(msg.Piece))
		}
		return msg, nil
	}
}

// MarkCompleted records that the metadata was assembled.
func (ch *Channel) MarkCompleted() {
	ch.setState(Completed)
}

// Close ends the session. A completed session keeps its state.
func (ch *Channel) Close() error {
	var err error
	ch.once.Do(func() {
		close(ch.stop)
		if ch.State() != Completed {
			ch.setState(Disconnected)
		}
		if ch.Conn != nil {
			err = ch.Conn.Close()
		}
	})
	return err
}
