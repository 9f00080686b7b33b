package dht

import (
	"context"
	"strings"
	"time"

	"github.com/nictuku/dht"

	"magnet2torrent/logger"
	"magnet2torrent/peer"
)

// MainlineConfig tunes the nictuku/dht backend.
type MainlineConfig struct {
	Port int
	// Routers replace nictuku's built-in bootstrap routers when set.
	Routers []string
	// Window bounds one lookup since nictuku keeps searching on its own.
	Window time.Duration
	// Retry is how often the request is repeated during the window.
	Retry time.Duration
}

// Mainline is the alternative lookup backend built on nictuku/dht. It
// satisfies the same FindPeers contract as Client.
type Mainline struct {
	Log logger.Logger
	cfg MainlineConfig

	node *dht.DHT
}

func NewMainline(cfg MainlineConfig, log logger.Logger) (*Mainline, error) {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 5 * time.Second
	}
	dcfg := dht.NewConfig()
	dcfg.Port = cfg.Port
	dcfg.SaveRoutingTable = false
	if len(cfg.Routers) > 0 {
		dcfg.DHTRouters = strings.Join(cfg.Routers, ",")
	}
	node, err := dht.New(dcfg)
	if err != nil {
		return nil, err
	}
	if err := node.Start(); err != nil {
		return nil, err
	}
	return &Mainline{Log: log, cfg: cfg, node: node}, nil
}

func (m *Mainline) FindPeers(ctx context.Context, infoHash [20]byte, found func([]peer.Peer)) error {
	ih := dht.InfoHash(infoHash[:])
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Window)
	defer cancel()

	m.node.PeersRequest(string(ih), false)
	ticker := time.NewTicker(m.cfg.Retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.node.PeersRequest(string(ih), false)
		case r := <-m.node.PeersRequestResults:
			peers := r[ih]
			if len(peers) == 0 {
				continue
			}
			var out []peer.Peer
			for _, x := range peers {
				p, err := peer.Parse(dht.DecodePeerAddress(x), peer.SourceDHT)
				if err != nil {
					continue
				}
				out = append(out, p)
			}
			m.Log.Debugf("mainline dht returned %d peers", len(out))
			found(out)
		}
	}
}

func (m *Mainline) Close() error {
	m.node.Stop()
	return nil
}
