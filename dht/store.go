package dht

import (
	"fmt"
	"net"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	metaBucket  = []byte("meta")
	nodesBucket = []byte("nodes")
	selfKey     = []byte("self")
)

// Store persists our node id and the good nodes of the routing table.
type Store struct {
	db *bolt.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dht state %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored nodes.
func (s *Store) Save(self NodeID, nodes []Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if err := meta.Put(selfKey, self[:]); err != nil {
			return err
		}
		if tx.Bucket(nodesBucket) != nil {
			if err := tx.DeleteBucket(nodesBucket); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(nodesBucket)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.Addr == nil {
				continue
			}
			if err := b.Put(n.ID[:], []byte(n.Addr.String())); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the stored id (ok is false when there is none) and nodes.
func (s *Store) Load() (self NodeID, ok bool, nodes []Node, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		if meta := tx.Bucket(metaBucket); meta != nil {
			if v := meta.Get(selfKey); len(v) == len(self) {
				copy(self[:], v)
				ok = true
			}
		}
		b := tx.Bucket(nodesBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != len(NodeID{}) {
				return nil
			}
			addr, err := net.ResolveUDPAddr("udp", string(v))
			if err != nil {
				return nil
			}
			var n Node
			copy(n.ID[:], k)
			n.Addr = addr
			nodes = append(nodes, n)
			return nil
		})
	})
	return self, ok, nodes, err
}
