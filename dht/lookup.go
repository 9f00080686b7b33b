package dht

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"magnet2torrent/peer"
)

// candidate is a shortlist entry ordered by distance to the lookup target.
type candidate struct {
	node    Node
	dist    NodeID
	queried bool
}

func (a *candidate) Less(than btree.Item) bool {
	b := than.(*candidate)
	return bytes.Compare(a.dist[:], b.dist[:]) < 0
}

type shortlist struct {
	target NodeID
	tree   *btree.BTree
}

func newShortlist(target NodeID) *shortlist {
	return &shortlist{target: target, tree: btree.New(2)}
}

// add inserts n unless already present and reports whether it was new.
func (s *shortlist) add(n Node) bool {
	c := &candidate{node: n, dist: s.target.Distance(n.ID)}
	if s.tree.Has(c) {
		return false
	}
	s.tree.ReplaceOrInsert(c)
	return true
}

// next returns up to alpha unqueried candidates among the K closest.
func (s *shortlist) next(alpha int) []*candidate {
	var out []*candidate
	seen := 0
	s.tree.Ascend(func(i btree.Item) bool {
		c := i.(*candidate)
		seen++
		if !c.queried {
			out = append(out, c)
		}
		return len(out) < alpha && seen < K
	})
	return out
}

func (s *shortlist) closest() (NodeID, bool) {
	min := s.tree.Min()
	if min == nil {
		return NodeID{}, false
	}
	return min.(*candidate).dist, true
}

// FindPeers runs an iterative get_peers lookup for infoHash and streams the
// peers through found. It stops when a round brings no closer node, after
// MaxHops rounds, or when ctx is done. Finding no peers is not an error.
func (c *Client) FindPeers(ctx context.Context, infoHash [20]byte, found func([]peer.Peer)) error {
	if c.table.Len() == 0 {
		if err := c.Bootstrap(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Log.Warnf("dht: %v", err)
			return nil
		}
	}

	target := NodeID(infoHash)
	list := newShortlist(target)
	for _, n := range c.table.Closest(target, K) {
		list.add(n)
	}
	best, ok := list.closest()
	if !ok {
		return nil
	}

	var (
		mu    sync.Mutex
		total int
	)
	for hop := 0; hop < c.cfg.MaxHops; hop++ {
		if ctx.Err() != nil {
			return nil
		}
		batch := list.next(c.cfg.Alpha)
		if len(batch) == 0 {
			break
		}
		var (
			wg      sync.WaitGroup
			replies [][]Node
		)
		for _, cand := range batch {
			cand.queried = true
			wg.Add(1)
			go func(n Node) {
				defer wg.Done()
				peers, nodes, err := c.GetPeers(ctx, n, infoHash)
				if err != nil {
					c.Log.Debugf("get_peers %s: %v", n, err)
					return
				}
				mu.Lock()
				replies = append(replies, nodes)
				total += len(peers)
				mu.Unlock()
				if len(peers) > 0 {
					for i := range peers {
						peers[i].Source = peer.SourceDHT
					}
					found(peers)
				}
			}(cand.node)
		}
		wg.Wait()

		improved := false
		for _, nodes := range replies {
			for _, n := range nodes {
				if n.ID == c.id {
					continue
				}
				d := target.Distance(n.ID)
				if list.add(n) && bytes.Compare(d[:], best[:]) < 0 {
					improved = true
				}
			}
		}
		if d, ok := list.closest(); ok {
			best = d
		}
		if !improved {
			break
		}
	}
	c.Log.Debugf("dht lookup %x done, %d peers", infoHash, total)
	return nil
}
