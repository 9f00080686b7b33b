// Package torrent fans metadata requests out over peer sessions and feeds
// the blocks into a single assembler.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/semaphore"

	"magnet2torrent/channel"
	"magnet2torrent/extension"
	"magnet2torrent/logger"
	"magnet2torrent/metadata"
	"magnet2torrent/peer"
)

const DefaultMaxSessions = 40

// a peer rejecting this many requests in a row is not worth keeping
const maxRejects = 3

// ErrExhausted means every discovered peer was tried without success.
var ErrExhausted = errors.New("no peer could serve the metadata")

type Torrent struct {
	InfoHash        [20]byte
	PeerID          [20]byte
	Log             logger.Logger
	MaxSessions     int64
	MaxMetadataSize int
	Session         channel.Options
	// Banned is shared between resolutions; nil disables banning.
	Banned     *lru.Cache
	OnProgress func(filled, total int)
	// OnMetadata is called once, as soon as the metadata is verified and
	// before the sessions have wound down.
	OnMetadata func()

	dials    int64
	sessions int64
}

// NewBanlist returns a process-wide LRU of banned peer addresses.
func NewBanlist(size int) *lru.Cache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return c
}

// Dials returns how many peers were dialed.
func (t *Torrent) Dials() int64 {
	return atomic.LoadInt64(&t.dials)
}

// Active returns the number of running sessions.
func (t *Torrent) Active() int64 {
	return atomic.LoadInt64(&t.sessions)
}

// FetchMetadata pulls peers from pool until the assembler produces a
// verified info dictionary, the pool is exhausted, or ctx is done. Running
// sessions are canceled as soon as a result exists.
func (t *Torrent) FetchMetadata(ctx context.Context, pool *peer.Pool) (*metadata.TorrentInfo, error) {
	max := t.MaxSessions
	if max <= 0 {
		max = DefaultMaxSessions
	}
	asm := metadata.NewAssembler(t.InfoHash, t.MaxMetadataSize)
	asm.OnProgress = t.OnProgress
	opts := t.Session
	opts.MaxMetadataSize = t.MaxMetadataSize

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-asm.Done():
		case <-sctx.Done():
		}
		select {
		case <-asm.Done():
			if t.OnMetadata != nil {
				t.OnMetadata()
			}
			cancel()
		default:
		}
	}()

	sem := semaphore.NewWeighted(max)
	var wg sync.WaitGroup
	for {
		p, ok := pool.Next(sctx)
		if !ok {
			break
		}
		if t.Banned != nil && t.Banned.Contains(p.String()) {
			t.Log.Debugf("skipping banned peer %s", p)
			continue
		}
		if err := sem.Acquire(sctx, 1); err != nil {
			break
		}
		if sctx.Err() != nil {
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(p peer.Peer) {
			defer wg.Done()
			defer sem.Release(1)
			atomic.AddInt64(&t.sessions, 1)
			defer atomic.AddInt64(&t.sessions, -1)
			if err := t.fetchFrom(sctx, asm, p, opts); err != nil {
				t.Log.Debugf("peer %s (%s): %v", p, p.Source, err)
			}
		}(p)
	}
	wg.Wait()
	cancel()
	<-watched

	select {
	case <-asm.Done():
		return asm.Result()
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n := asm.Mismatches(); n > 0 {
		return nil, fmt.Errorf("%w: %d assembled copies failed verification", metadata.ErrHashMismatch, n)
	}
	return nil, ErrExhausted
}

func (t *Torrent) ban(p peer.Peer, reason string) {
	if t.Banned == nil {
		return
	}
	t.Banned.Add(p.String(), reason)
	t.Log.Infof("banned peer %s: %s", p, reason)
}

// fetchFrom runs one session: handshake, then request missing blocks one at
// a time until nothing is missing.
func (t *Torrent) fetchFrom(ctx context.Context, asm *metadata.Assembler, p peer.Peer, opts channel.Options) error {
	atomic.AddInt64(&t.dials, 1)
	ch, err := channel.New(ctx, p, t.InfoHash, t.PeerID, opts)
	if err != nil {
		return err
	}
	defer ch.Close()
	session := p.String()
	defer asm.ReleaseAll(session)

	t.Log.Debugf("peer %s has %d bytes of metadata", p, ch.MetadataSize)

	rejects := 0
	for {
		if !asm.Agreed(session) {
			// first round, or the agreed size was dropped; a peer announcing
			// another size waits until its own can be agreed
			if err := asm.AwaitSize(ctx, session, ch.MetadataSize); err != nil {
				if errors.Is(err, metadata.ErrClosed) {
					return nil
				}
				return err
			}
		}
		index, ok := asm.Next(session)
		if !ok {
			if !asm.Agreed(session) {
				continue
			}
			return nil
		}
		if err := ch.RequestPiece(index); err != nil {
			return err
		}
		msg, err := ch.ReadMetadata()
		if err != nil {
			if errors.Is(err, metadata.ErrMalformedBencode) {
				t.ban(p, err.Error())
			}
			return err
		}

		switch msg.Type {
		case extension.Reject:
			asm.Release(session, msg.Piece)
			rejects++
			if rejects >= maxRejects {
				return fmt.Errorf("peer rejected %d requests", rejects)
			}
			continue
		case extension.Data:
			rejects = 0
		default:
			continue
		}
		if msg.TotalSize != int64(ch.MetadataSize) {
			return fmt.Errorf("%w: data message says %d, handshake said %d", metadata.ErrSizeMismatch, msg.TotalSize, ch.MetadataSize)
		}

		status, err := asm.Write(session, msg.Piece, msg.Data)
		var mismatch *metadata.MismatchError
		switch {
		case errors.As(err, &mismatch):
			t.Log.Warnf("metadata from %d peers failed verification", len(mismatch.Suspects))
			if mismatch.IsBanned(session) {
				t.ban(p, "served metadata that failed verification")
				return err
			}
		case errors.Is(err, metadata.ErrNoSize):
			continue
		case err != nil && !asm.Agreed(session):
			// the size changed under the request
			continue
		case err != nil:
			return err
		}
		switch status {
		case metadata.Valid:
			ch.MarkCompleted()
			t.Log.Debugf("metadata completed by %s", p)
			return nil
		case metadata.Closed:
			return nil
		}
	}
}
