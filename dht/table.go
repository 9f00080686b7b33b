package dht

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

// K is the bucket capacity.
const K = 8

const DefaultBuckets = 20

// Table is the routing table: a fixed number of buckets indexed by the
// length of the prefix a node shares with our id. Nodes sharing Buckets-1 or
// more bits all land in the last bucket.
type Table struct {
	mu      sync.Mutex
	self    NodeID
	buckets [][]Node
}

func NewTable(self NodeID, buckets int) *Table {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	t := &Table{self: self, buckets: make([][]Node, buckets)}
	for i := range t.buckets {
		t.buckets[i] = make([]Node, 0, K)
	}
	return t
}

func (t *Table) bucketIndex(id NodeID) int {
	i := t.self.PrefixLen(id)
	if i >= len(t.buckets) {
		i = len(t.buckets) - 1
	}
	return i
}

// Insert adds n or refreshes it. A full bucket keeps its current nodes.
func (t *Table) Insert(n Node) bool {
	if n.ID == t.self || n.Addr == nil {
		return false
	}
	if n.LastSeen.IsZero() {
		n.LastSeen = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketIndex(n.ID)
	bucket := t.buckets[b]
	for i := range bucket {
		if bucket[i].ID == n.ID {
			// most recently seen at the tail
			copy(bucket[i:], bucket[i+1:])
			bucket[len(bucket)-1] = n
			return true
		}
	}
	if len(bucket) >= K {
		return false
	}
	t.buckets[b] = append(bucket, n)
	return true
}

// MarkFailed evicts the node with id.
func (t *Table) MarkFailed(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketIndex(id)
	bucket := t.buckets[b]
	for i := range bucket {
		if bucket[i].ID == id {
			t.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (t *Table) Contains(id NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.buckets[t.bucketIndex(id)] {
		if n.ID == id {
			return true
		}
	}
	return false
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, b := range t.buckets {
		total += len(b)
	}
	return total
}

// Nodes returns a copy of every node.
func (t *Table) Nodes() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Node
	for _, b := range t.buckets {
		out = append(out, b...)
	}
	return out
}

// Closest returns up to n nodes ordered by distance to target.
func (t *Table) Closest(target NodeID, n int) []Node {
	nodes := t.Nodes()
	sort.Slice(nodes, func(i, j int) bool {
		di, dj := target.Distance(nodes[i].ID), target.Distance(nodes[j].ID)
		return bytes.Compare(di[:], dj[:]) < 0
	})
	if len(nodes) > n {
		nodes = nodes[:n]
	}
	return nodes
}
