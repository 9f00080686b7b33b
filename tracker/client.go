// Package tracker announces an info-hash to HTTP and UDP trackers and
// collects the peers they return.
package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/dnscache"

	"magnet2torrent/logger"
	"magnet2torrent/peer"
)

const DefaultTimeout = 10 * time.Second

// sent as "left" since the torrent size is unknown until metadata arrives
const unknownLeft = 1

type Client struct {
	Log     logger.Logger
	PeerID  [20]byte
	Port    uint16
	NumWant int
	// Timeout bounds one announce, trackers are never retried.
	Timeout time.Duration

	resolver  *dnscache.Resolver
	http      *http.Client
	announces int64
}

func NewClient(peerID [20]byte, timeout time.Duration, log logger.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &dnscache.Resolver{}
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := r.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				var conn net.Conn
				conn, err = dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
			}
			return nil, err
		},
		MaxIdleConns:        20,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: timeout,
	}
	return &Client{
		Log:      log,
		PeerID:   peerID,
		Port:     6881,
		NumWant:  200,
		Timeout:  timeout,
		resolver: r,
		http:     &http.Client{Transport: transport},
	}
}

// Announces returns how many announces were issued.
func (c *Client) Announces() int64 {
	return atomic.LoadInt64(&c.announces)
}

// FindPeers announces infoHash to every tracker concurrently and streams the
// returned peers through found. A failing tracker does not affect the others;
// an error is returned only when every tracker failed.
func (c *Client) FindPeers(ctx context.Context, infoHash [20]byte, trackers []string, found func([]peer.Peer)) error {
	if len(trackers) == 0 {
		return nil
	}
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   *multierror.Error
		failed int
	)
	for _, tr := range trackers {
		wg.Add(1)
		go func(tr string) {
			defer wg.Done()
			peers, err := c.Announce(ctx, tr, infoHash)
			if err != nil {
				c.Log.Debugf("tracker %s: %v", tr, err)
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", tr, err))
				failed++
				mu.Unlock()
				return
			}
			c.Log.Debugf("tracker %s returned %d peers", tr, len(peers))
			if len(peers) > 0 {
				found(peers)
			}
		}(tr)
	}
	wg.Wait()
	if failed == len(trackers) {
		return errs.ErrorOrNil()
	}
	if failed > 0 {
		c.Log.Debugf("%d of %d trackers failed", failed, len(trackers))
	}
	return nil
}

// Announce sends a single announce to tracker.
func (c *Client) Announce(ctx context.Context, tracker string, infoHash [20]byte) ([]peer.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(tracker)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	atomic.AddInt64(&c.announces, 1)
	var peers []peer.Peer
	switch u.Scheme {
	case "http", "https":
		peers, err = c.announceHTTP(ctx, u, infoHash)
	case "udp":
		peers, err = c.announceUDP(ctx, u.Host, infoHash)
	default:
		err = fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range peers {
		peers[i].Source = peer.SourceTracker
		peers[i].LastSeen = now
	}
	return peers, nil
}
