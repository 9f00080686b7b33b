// Package resolver turns a magnet URI into a .torrent file: discovery,
// metadata exchange, verification and output, under one wall-clock budget.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"magnet2torrent/channel"
	"magnet2torrent/file"
	"magnet2torrent/helper"
	"magnet2torrent/logger"
	"magnet2torrent/magnet"
	"magnet2torrent/metadata"
	"magnet2torrent/peer"
	"magnet2torrent/torrent"
	"magnet2torrent/tracker"
)

const DefaultTimeout = 90 * time.Second

var (
	ErrNoPeersFound      = errors.New("no peers found")
	ErrResolutionTimeout = errors.New("resolution timed out")
)

// PeerSource finds peers for an info-hash, streaming them through found.
// Both DHT backends implement it.
type PeerSource interface {
	FindPeers(ctx context.Context, infoHash [20]byte, found func([]peer.Peer)) error
}

type Resolver struct {
	Log logger.Logger
	// DHT is nil when disabled.
	DHT PeerSource
	// Trackers is nil when disabled. Magnets without trackers use
	// TrackerList.
	Trackers    *tracker.Client
	TrackerList *tracker.List
	// Peers are always tried, whatever the sources find.
	Peers []peer.Peer

	PeerID          [20]byte
	Timeout         time.Duration
	MaxSessions     int64
	MaxMetadataSize int
	Session         channel.Options
	Banned          *lru.Cache

	OutputDir string
	Overwrite bool
	CreatedBy string
	// OnProgress receives the metadata block count of each attempt.
	OnProgress func(filled, total int)

	now func() time.Time
}

// Result describes a finished resolution.
type Result struct {
	ID         string
	Descriptor *magnet.Descriptor
	Info       *metadata.TorrentInfo
	Trackers   []string
	Path       string
	Peers      int
	Dials      int64
	Elapsed    time.Duration
}

func (r *Resolver) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Resolve parses uri, fetches and verifies its metadata and writes
// <OutputDir>/<name>.torrent. Nothing is written on failure.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*Result, error) {
	d, err := magnet.Parse(uri)
	if err != nil {
		return nil, err
	}
	dir := r.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := file.CheckDir(dir); err != nil {
		return nil, err
	}

	res, err := r.Fetch(ctx, d)
	if err != nil {
		return nil, err
	}
	data, err := file.Encode(res.Info, res.Trackers, file.Options{
		CreatedBy:    r.CreatedBy,
		CreationDate: r.clock().Unix(),
		WebSeeds:     d.WebSeeds,
	})
	if err != nil {
		return nil, err
	}
	res.Path, err = file.Write(dir, file.Name(d.DisplayName, res.Info, d.InfoHash), data, r.Overwrite)
	if err != nil {
		return nil, err
	}
	r.Log.Named(res.ID).Infof("wrote %s (%s)", res.Path, humanize.Bytes(uint64(len(data))))
	return res, nil
}

// Fetch discovers peers for d and returns its verified metadata.
func (r *Resolver) Fetch(ctx context.Context, d *magnet.Descriptor) (*Result, error) {
	start := r.clock()
	res := &Result{
		ID:         uuid.New().String()[:8],
		Descriptor: d,
	}
	log := r.Log.Named(res.ID)
	log.Infof("resolving %x (%s)", d.InfoHash, d.DisplayName)

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool := peer.NewPool()
	pool.Add(r.Peers, peer.SourceManual)

	var (
		mu       sync.Mutex
		trackers = d.Trackers
	)
	var g errgroup.Group
	if r.DHT != nil {
		g.Go(func() error {
			err := r.DHT.FindPeers(rctx, d.InfoHash, func(peers []peer.Peer) {
				if n := pool.Add(peers, peer.SourceDHT); n > 0 {
					log.Debugf("dht: %d new peers", n)
				}
			})
			if err != nil {
				return fmt.Errorf("dht: %w", err)
			}
			return nil
		})
	}
	if r.Trackers != nil {
		g.Go(func() error {
			list := d.Trackers
			if len(list) == 0 && r.TrackerList != nil {
				var err error
				if list, err = r.TrackerList.Get(rctx); err != nil {
					return fmt.Errorf("tracker list: %w", err)
				}
				mu.Lock()
				trackers = list
				mu.Unlock()
			}
			err := r.Trackers.FindPeers(rctx, d.InfoHash, list, func(peers []peer.Peer) {
				if n := pool.Add(peers, peer.SourceTracker); n > 0 {
					log.Debugf("trackers: %d new peers", n)
				}
			})
			if err != nil {
				return fmt.Errorf("trackers: %w", err)
			}
			return nil
		})
	}
	discovered := make(chan error, 1)
	go func() {
		err := g.Wait()
		pool.Close()
		discovered <- err
	}()

	tor := &torrent.Torrent{
		InfoHash:        d.InfoHash,
		PeerID:          r.peerID(),
		Log:             log,
		MaxSessions:     r.MaxSessions,
		MaxMetadataSize: r.MaxMetadataSize,
		Session:         r.Session,
		Banned:          r.Banned,
		OnProgress:      r.OnProgress,
		// discovery stops the moment the metadata is verified
		OnMetadata: cancel,
	}
	info, err := tor.FetchMetadata(rctx, pool)
	cancel()
	if derr := <-discovered; derr != nil && err != nil {
		log.Warnf("peer discovery: %v", derr)
	}
	res.Peers = pool.Seen()
	res.Dials = tor.Dials()
	res.Elapsed = r.clock().Sub(start)

	if err != nil {
		return nil, r.classify(ctx, err, res, timeout)
	}
	mu.Lock()
	res.Trackers = trackers
	mu.Unlock()
	res.Info = info

	if d.ExactLength > 0 && info.TotalLength() != d.ExactLength {
		log.Warnf("magnet says %d bytes, metadata says %d", d.ExactLength, info.TotalLength())
	}
	files := len(info.Files)
	if files == 0 {
		files = 1
	}
	log.Infof("resolved %q: %s in %d files, %d peers seen, %d dialed, took %s",
		info.Name, humanize.Bytes(uint64(info.TotalLength())), files,
		res.Peers, res.Dials, res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// classify maps a failed fetch to the resolution-level error.
func (r *Resolver) classify(parent context.Context, err error, res *Result, timeout time.Duration) error {
	switch {
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s (%d peers seen, %d dialed)", ErrResolutionTimeout, timeout, res.Peers, res.Dials)
	case errors.Is(err, metadata.ErrHashMismatch):
		return err
	case errors.Is(err, torrent.ErrExhausted):
		if res.Peers == 0 {
			return ErrNoPeersFound
		}
		return fmt.Errorf("%w: none of %d peers served the metadata", ErrNoPeersFound, res.Peers)
	}
	return err
}

func (r *Resolver) peerID() [20]byte {
	if r.PeerID == ([20]byte{}) {
		return helper.GeneratePeerID()
	}
	return r.PeerID
}
