package peer

import (
	"context"
	"sync"
	"time"
)

// Pool collects peer addresses from several discovery sources and hands
// each distinct ip:port out exactly once.
type Pool struct {
	mu     sync.Mutex
	seen   map[string]Source
	queue  []Peer
	notify chan struct{}
	closed bool
}

func NewPool() *Pool {
	return &Pool{
		seen:   make(map[string]Source),
		notify: make(chan struct{}, 1),
	}
}

// Add queues the peers not seen before and returns how many were new.
func (p *Pool) Add(peers []Peer, src Source) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	added := 0
	for _, peer := range peers {
		if !peer.Valid() {
			continue
		}
		key := peer.String()
		if _, ok := p.seen[key]; ok {
			continue
		}
		p.seen[key] = src
		peer.Source = src
		if peer.LastSeen.IsZero() {
			peer.LastSeen = time.Now()
		}
		p.queue = append(p.queue, peer)
		added++
	}
	if added > 0 {
		p.wake()
	}
	return added
}

// Close marks the pool as exhausted. Peers already queued are still
// returned by Next.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.wake()
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a new peer is available. It returns false once the
// pool is closed and drained, or ctx is done.
func (p *Pool) Next(ctx context.Context) (Peer, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			peer := p.queue[0]
			p.queue = p.queue[1:]
			if len(p.queue) > 0 {
				p.wake()
			}
			p.mu.Unlock()
			return peer, true
		}
		if p.closed {
			p.mu.Unlock()
			p.wake()
			return Peer{}, false
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Peer{}, false
		case <-p.notify:
		}
	}
}

// Seen returns the number of distinct peers ever added.
func (p *Pool) Seen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

// SourceOf returns the first source peer was learned from.
func (p *Pool) SourceOf(peer Peer) (Source, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src, ok := p.seen[peer.String()]
	return src, ok
}
