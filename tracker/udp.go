package tracker

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"magnet2torrent/announce"
	"magnet2torrent/connect"
	"magnet2torrent/peer"
)

func (c *Client) announceUDP(ctx context.Context, hostport string, infoHash [20]byte) ([]peer.Peer, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	ips, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ips[0], port))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	go func() {
		// unblock reads when the resolution is canceled
		<-ctx.Done()
		conn.Close()
	}()

	connectReq := connect.New()
	if _, err = conn.Write(connectReq.Serialize()); err != nil {
		return nil, err
	}
	connectBuf := make([]byte, 2048)
	n, err := conn.Read(connectBuf)
	if err != nil {
		return nil, err
	}
	connectRes, err := connect.Read(connectBuf[:n])
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(connectReq.TransactionID, connectRes.TransactionID) {
		return nil, fmt.Errorf("expected TID %x received %x", connectReq.TransactionID, connectRes.TransactionID)
	}
	if connectRes.Action != connect.ActionConnect {
		return nil, fmt.Errorf("expected action %d (connect) received %d", connect.ActionConnect, connectRes.Action)
	}

	announceReq := announce.New(infoHash, c.PeerID, unknownLeft, connectRes.ConnectionID, c.Port, int32(c.NumWant))
	if _, err = conn.Write(announceReq.Serialize()); err != nil {
		return nil, err
	}
	announceBuf := make([]byte, 2048)
	n, err = conn.Read(announceBuf)
	if err != nil {
		return nil, err
	}
	announceRes, err := announce.Read(announceBuf[:n])
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(announceReq.TransactionID, announceRes.TransactionID) {
		return nil, fmt.Errorf("expected TID %x received %x", announceReq.TransactionID, announceRes.TransactionID)
	}
	if announceRes.Action != connect.ActionAnnounce {
		return nil, fmt.Errorf("expected action %d (announce) received %d", connect.ActionAnnounce, announceRes.Action)
	}
	return peer.Unmarshal(announceRes.Peers)
}
