package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jackpal/bencode-go"

	"magnet2torrent/peer"
)

const maxResponseSize = 1 << 20

// GET request to tracker URL returns:
//   - interval (time to send GET request for list of peers again)
//   - peers (compact string or list of dictionaries)
//   - peers6 (compact IPv6, optional)
//   - failure reason (instead of the above)
func (c *Client) announceHTTP(ctx context.Context, base *url.URL, infoHash [20]byte) ([]peer.Peer, error) {
	u := *base
	params := u.Query()
	params.Set("info_hash", string(infoHash[:]))
	params.Set("peer_id", string(c.PeerID[:]))
	params.Set("port", strconv.Itoa(int(c.Port)))
	params.Set("uploaded", "0")
	params.Set("downloaded", "0")
	params.Set("left", strconv.Itoa(unknownLeft))
	params.Set("compact", "1")
	params.Set("numwant", strconv.Itoa(c.NumWant))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("http status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	return parseHTTPResponse(body)
}

func parseHTTPResponse(body []byte) ([]peer.Peer, error) {
	v, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode tracker response: %w", err)
	}
	d, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dictionary")
	}
	if reason, ok := d["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker failure: %s", reason)
	}

	var peers []peer.Peer
	switch p := d["peers"].(type) {
	case string:
		peers, err = peer.Unmarshal([]byte(p))
		if err != nil {
			return nil, err
		}
	case []interface{}:
		for _, entry := range p {
			e, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := e["ip"].(string)
			port, _ := e["port"].(int64)
			if port <= 0 || port > 65535 {
				continue
			}
			pr, err := peer.Parse(net.JoinHostPort(ip, strconv.FormatInt(port, 10)), peer.SourceTracker)
			if err != nil {
				continue
			}
			peers = append(peers, pr)
		}
	}
	if p6, ok := d["peers6"].(string); ok {
		more, err := peer.Unmarshal6([]byte(p6))
		if err != nil {
			return nil, err
		}
		peers = append(peers, more...)
	}
	return peers, nil
}
