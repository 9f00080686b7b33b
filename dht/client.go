package dht

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"magnet2torrent/helper"
	"magnet2torrent/logger"
	"magnet2torrent/peer"
)

var DefaultBootstrap = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
	"dht.libtorrent.org:25401",
}

var errQueryTimeout = errors.New("dht query timed out")

type Config struct {
	// ListenAddr is the local UDP address, ":0" picks a random port.
	ListenAddr   string
	Bootstrap    []string
	Buckets      int
	QueryTimeout time.Duration
	// QueryRate limits outgoing queries per second.
	QueryRate float64
	Alpha     int
	MaxHops   int
	// StatePath, if set, is a bbolt file keeping our id and good nodes
	// between runs.
	StatePath string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":0",
		Bootstrap:    DefaultBootstrap,
		Buckets:      DefaultBuckets,
		QueryTimeout: 3 * time.Second,
		QueryRate:    200,
		Alpha:        3,
		MaxHops:      8,
	}
}

type Client struct {
	Log logger.Logger

	cfg     Config
	id      NodeID
	conn    *net.UDPConn
	table   *Table
	limiter *rate.Limiter
	store   *Store
	saved   []Node
	token   string

	mu      sync.Mutex
	pending map[string]*call
	tid     uint16

	queries int64
	done    chan struct{}
	wg      sync.WaitGroup
}

// New listens on cfg.ListenAddr and starts answering the network.
func New(cfg Config, log logger.Logger) (*Client, error) {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.QueryRate <= 0 {
		cfg.QueryRate = def.QueryRate
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}

	c := &Client{
		Log:     log,
		cfg:     cfg,
		id:      NodeID(helper.GenerateNodeID()),
		limiter: rate.NewLimiter(rate.Limit(cfg.QueryRate), cfg.Alpha),
		token:   string(helper.GenerateRandomID(8)),
		pending: make(map[string]*call),
		done:    make(chan struct{}),
	}
	if cfg.StatePath != "" {
		store, err := OpenStore(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		id, ok, nodes, err := store.Load()
		if err != nil {
			store.Close()
			return nil, err
		}
		if ok {
			c.id = id
		}
		c.store = store
		c.saved = nodes
	}
	c.table = NewTable(c.id, cfg.Buckets)

	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.conn, err = net.ListenUDP("udp", laddr)
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

func (c *Client) ID() NodeID { return c.id }

func (c *Client) Addr() *net.UDPAddr { return c.conn.LocalAddr().(*net.UDPAddr) }

func (c *Client) Table() *Table { return c.table }

// Queries returns how many queries were sent, retries included.
func (c *Client) Queries() int64 {
	return atomic.LoadInt64(&c.queries)
}

// Close stops the client and persists the routing table.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	err := c.conn.Close()
	c.wg.Wait()
	if c.store != nil {
		if serr := c.store.Save(c.id, c.table.Nodes()); serr != nil {
			c.Log.Warnf("saving dht state: %v", serr)
		}
		c.closeStore()
	}
	return err
}

func (c *Client) closeStore() {
	if c.store != nil {
		c.store.Close()
		c.store = nil
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			c.Log.Debugf("dht read: %v", err)
			return
		}
		msg, err := decodeKRPC(buf[:n])
		if err != nil {
			continue
		}
		switch msg.Y {
		case typeQuery:
			c.answer(msg, addr)
		case typeResponse, typeError:
			c.mu.Lock()
			pc, ok := c.pending[msg.T]
			if ok && pc.from(addr) {
				delete(c.pending, msg.T)
			} else {
				ok = false
			}
			c.mu.Unlock()
			if ok {
				pc.reply <- msg
			} else {
				c.Log.Debugf("dht: unsolicited reply from %s", addr)
			}
		}
	}
}

// answer replies to incoming queries so other nodes keep us in their tables.
func (c *Client) answer(q *krpc, addr *net.UDPAddr) {
	if id, ok := q.id(); ok {
		c.table.Insert(Node{ID: id, Addr: addr})
	}
	r := map[string]interface{}{"id": string(c.id[:])}
	switch q.Q {
	case methodPing:
	case methodFindNode, methodGetPeers:
		var target NodeID
		key := "target"
		if q.Q == methodGetPeers {
			key = "info_hash"
			r["token"] = c.token
		}
		s, _ := q.A[key].(string)
		copy(target[:], s)
		r["nodes"] = string(encodeNodes(c.table.Closest(target, K)))
	default:
		c.send(&krpc{T: q.T, Y: typeError, E: []interface{}{int64(204), "Method Unknown"}}, addr)
		return
	}
	c.send(&krpc{T: q.T, Y: typeResponse, R: r}, addr)
}

func (c *Client) send(m *krpc, addr *net.UDPAddr) error {
	b, err := m.encode()
	if err != nil {
		return err
	}
	_, err = c.conn.WriteToUDP(b, addr)
	return err
}

func (c *Client) nextTID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tid++
	var t [2]byte
	binary.BigEndian.PutUint16(t[:], c.tid)
	return string(t[:])
}

// call is an outstanding query; only its node may answer it.
type call struct {
	addr  *net.UDPAddr
	reply chan *krpc
}

func (pc *call) from(addr *net.UDPAddr) bool {
	return addr != nil && pc.addr.Port == addr.Port && pc.addr.IP.Equal(addr.IP)
}

// query sends q to addr and waits for the reply. A timed out query is sent
// once more before giving up.
func (c *Client) query(ctx context.Context, addr *net.UDPAddr, method string, args map[string]interface{}) (*krpc, error) {
	args["id"] = string(c.id[:])
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var reply *krpc
		reply, err = c.roundTrip(ctx, addr, method, args)
		if err == nil {
			if reply.Y == typeError {
				return nil, reply.err()
			}
			if id, ok := reply.id(); ok {
				c.table.Insert(Node{ID: id, Addr: addr})
			}
			return reply, nil
		}
		if !errors.Is(err, errQueryTimeout) {
			return nil, err
		}
	}
	return nil, err
}

func (c *Client) roundTrip(ctx context.Context, addr *net.UDPAddr, method string, args map[string]interface{}) (*krpc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, net.ErrClosed
	default:
	}
	tid := c.nextTID()
	pc := &call{addr: addr, reply: make(chan *krpc, 1)}
	c.mu.Lock()
	c.pending[tid] = pc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, tid)
		c.mu.Unlock()
	}()

	atomic.AddInt64(&c.queries, 1)
	if err := c.send(&krpc{T: tid, Y: typeQuery, Q: method, A: args}, addr); err != nil {
		return nil, err
	}
	timer := time.NewTimer(c.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case reply := <-pc.reply:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s to %s", errQueryTimeout, method, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, net.ErrClosed
	}
}

// queryNode is query for a known node; unresponsive nodes are evicted.
func (c *Client) queryNode(ctx context.Context, n Node, method string, args map[string]interface{}) (*krpc, error) {
	reply, err := c.query(ctx, n.Addr, method, args)
	if err != nil && ctx.Err() == nil {
		c.table.MarkFailed(n.ID)
	}
	return reply, err
}

func (c *Client) Ping(ctx context.Context, addr *net.UDPAddr) (NodeID, error) {
	reply, err := c.query(ctx, addr, methodPing, map[string]interface{}{})
	if err != nil {
		return NodeID{}, err
	}
	id, ok := reply.id()
	if !ok {
		return NodeID{}, fmt.Errorf("ping reply from %s without id", addr)
	}
	return id, nil
}

func (c *Client) FindNode(ctx context.Context, addr *net.UDPAddr, target NodeID) ([]Node, error) {
	reply, err := c.query(ctx, addr, methodFindNode, map[string]interface{}{"target": string(target[:])})
	if err != nil {
		return nil, err
	}
	nodes, _ := reply.R["nodes"].(string)
	return decodeNodes([]byte(nodes))
}

// GetPeers asks n for peers of infoHash. Nodes closer to the info-hash are
// returned when n knows no peers.
func (c *Client) GetPeers(ctx context.Context, n Node, infoHash [20]byte) ([]peer.Peer, []Node, error) {
	reply, err := c.queryNode(ctx, n, methodGetPeers, map[string]interface{}{"info_hash": string(infoHash[:])})
	if err != nil {
		return nil, nil, err
	}
	var peers []peer.Peer
	if values, ok := reply.R["values"].([]interface{}); ok {
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			ps, err := peer.Unmarshal([]byte(s))
			if err != nil {
				continue
			}
			peers = append(peers, ps...)
		}
	}
	var nodes []Node
	if s, ok := reply.R["nodes"].(string); ok {
		nodes, err = decodeNodes([]byte(s))
		if err != nil {
			return peers, nil, err
		}
	}
	return peers, nodes, nil
}

// Bootstrap fills the routing table from the saved nodes and the bootstrap
// routers.
func (c *Client) Bootstrap(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, n := range c.saved {
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()
			if id, err := c.Ping(ctx, n.Addr); err == nil {
				c.table.Insert(Node{ID: id, Addr: n.Addr})
			}
		}(n)
	}
	for _, router := range c.cfg.Bootstrap {
		wg.Add(1)
		go func(router string) {
			defer wg.Done()
			addr, err := net.ResolveUDPAddr("udp", router)
			if err != nil {
				c.Log.Debugf("bootstrap %s: %v", router, err)
				return
			}
			nodes, err := c.FindNode(ctx, addr, c.id)
			if err != nil {
				c.Log.Debugf("bootstrap %s: %v", router, err)
				return
			}
			for _, n := range nodes {
				c.table.Insert(n)
			}
		}(router)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.table.Len() == 0 {
		return fmt.Errorf("dht bootstrap found no nodes")
	}
	c.Log.Debugf("bootstrapped with %d nodes", c.table.Len())
	return nil
}
