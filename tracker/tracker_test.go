package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"

	"magnet2torrent/connect"
	"magnet2torrent/logger"
	"magnet2torrent/peer"
)

var testHash = [20]byte{0xde, 0xad, 0xbe, 0xef}

func newTestClient() *Client {
	return NewClient([20]byte{'-', 'T', 'T'}, 2*time.Second, logger.Discard)
}

func addrs(peers []peer.Peer) []string {
	var out []string
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out
}

func TestParseHTTPResponse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []string
		wantErr bool
	}{
		{
			name: "compact",
			body: "d8:intervali1800e5:peers12:" + string([]byte{10, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 2, 0x1a, 0xe2}) + "e",
			want: []string{"10.0.0.1:6881", "10.0.0.2:6882"},
		},
		{
			name: "dictionary",
			body: "d8:intervali1800e5:peersld2:ip8:10.0.0.37:peer id20:aaaaaaaaaaaaaaaaaaaa4:porti6881eed2:ip0:4:porti1eeee",
			want: []string{"10.0.0.3:6881"},
		},
		{
			name: "peers6",
			body: "d5:peers0:6:peers618:" + string(append(net.ParseIP("::1"), 0x1a, 0xe1)) + "e",
			want: []string{"[::1]:6881"},
		},
		{name: "failure", body: "d14:failure reason9:forbiddene", wantErr: true},
		{name: "not bencode", body: "<html>", wantErr: true},
		{name: "bad compact", body: "d5:peers5:abcdee", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHTTPResponse([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseHTTPResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(addrs(got), tt.want) {
				t.Errorf("parseHTTPResponse() = %v, want %v", addrs(got), tt.want)
			}
		})
	}
}

func TestAnnounceHTTP(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte("d5:peers6:" + string([]byte{127, 0, 0, 1, 0x1a, 0xe1}) + "e"))
	}))
	defer srv.Close()

	c := newTestClient()
	peers, err := c.Announce(context.Background(), srv.URL+"/announce?passkey=x", testHash)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(addrs(peers), []string{"127.0.0.1:6881"}) {
		t.Errorf("peers = %v", addrs(peers))
	}
	if peers[0].Source != peer.SourceTracker {
		t.Errorf("source = %v", peers[0].Source)
	}
	for _, key := range []string{"passkey", "info_hash", "peer_id", "port", "compact", "left", "numwant"} {
		if len(query[key]) != 1 {
			t.Errorf("query parameter %s missing", key)
		}
	}
	if query["info_hash"][0] != string(testHash[:]) {
		t.Errorf("info_hash = %q", query["info_hash"][0])
	}
}

func TestAnnounceHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if _, err := newTestClient().Announce(context.Background(), srv.URL, testHash); err == nil {
		t.Error("non-2xx response accepted")
	}
}

// fakeUDPTracker answers one connect and one announce.
func fakeUDPTracker(t *testing.T, fail bool) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 2048)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil || n != 16 {
			return
		}
		res := make([]byte, 16)
		binary.BigEndian.PutUint32(res[0:4], connect.ActionConnect)
		copy(res[4:8], buf[12:16])
		copy(res[8:16], "connid!!")
		conn.WriteToUDP(res, addr)

		n, addr, err = conn.ReadFromUDP(buf)
		if err != nil || n != 98 {
			return
		}
		if fail {
			res = make([]byte, 8)
			binary.BigEndian.PutUint32(res[0:4], connect.ActionError)
			copy(res[4:8], buf[12:16])
			res = append(res, "unregistered torrent"...)
			conn.WriteToUDP(res, addr)
			return
		}
		res = make([]byte, 20)
		binary.BigEndian.PutUint32(res[0:4], connect.ActionAnnounce)
		copy(res[4:8], buf[12:16])
		binary.BigEndian.PutUint32(res[8:12], 1800)
		binary.BigEndian.PutUint32(res[16:20], 1)
		res = append(res, 10, 1, 2, 3, 0x1a, 0xe1)
		conn.WriteToUDP(res, addr)
	}()
	return "udp://" + conn.LocalAddr().String() + "/announce"
}

func TestAnnounceUDP(t *testing.T) {
	peers, err := newTestClient().Announce(context.Background(), fakeUDPTracker(t, false), testHash)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(addrs(peers), []string{"10.1.2.3:6881"}) {
		t.Errorf("peers = %v", addrs(peers))
	}
}

func TestAnnounceUDPError(t *testing.T) {
	_, err := newTestClient().Announce(context.Background(), fakeUDPTracker(t, true), testHash)
	if err == nil || err.Error() != "tracker error: unregistered torrent" {
		t.Errorf("Announce() error = %v", err)
	}
}

func TestFindPeersIsolatesFailures(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d5:peers6:" + string([]byte{10, 9, 9, 9, 0, 80}) + "e"))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason4:nopee"))
	}))
	defer bad.Close()

	c := newTestClient()
	var (
		mu  sync.Mutex
		got []string
	)
	err := c.FindPeers(context.Background(), testHash, []string{bad.URL, good.URL}, func(peers []peer.Peer) {
		mu.Lock()
		got = append(got, addrs(peers)...)
		mu.Unlock()
	})
	if err != nil {
		t.Errorf("FindPeers() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"10.9.9.9:80"}) {
		t.Errorf("found %v", got)
	}
	if c.Announces() != 2 {
		t.Errorf("Announces() = %d, want 2", c.Announces())
	}

	err = c.FindPeers(context.Background(), testHash, []string{bad.URL, "ftp://x/announce"}, func([]peer.Peer) {})
	var merr *multierror.Error
	if !errors.As(err, &merr) || len(merr.Errors) != 2 {
		t.Errorf("FindPeers() error = %v, want two failures", err)
	}
}

func TestFindPeersTimeout(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(block)

	c := newTestClient()
	c.Timeout = 100 * time.Millisecond
	start := time.Now()
	err := c.FindPeers(context.Background(), testHash, []string{slow.URL}, func([]peer.Peer) {})
	if err == nil {
		t.Error("slow tracker did not fail")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("FindPeers() took %v", time.Since(start))
	}
}

func TestList(t *testing.T) {
	var hits int32
	fail := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("udp://tracker.example.org:1337/announce\n\n# comment\nhttp://t.example.com/announce\nnot a url\nudp://tracker.example.org:1337/announce\n"))
	}))
	defer srv.Close()

	now := time.Unix(1000, 0)
	l := NewList(srv.URL, time.Hour, logger.Discard)
	l.now = func() time.Time { return now }

	want := []string{"udp://tracker.example.org:1337/announce", "http://t.example.com/announce"}
	for i := 0; i < 2; i++ {
		got, err := l.Get(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Get() = %v, want %v", got, want)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("fetched %d times within TTL", hits)
	}

	now = now.Add(2 * time.Hour)
	atomic.StoreInt32(&fail, 1)
	got, err := l.Get(context.Background())
	if err != nil || !reflect.DeepEqual(got, want) {
		t.Errorf("stale Get() = %v, %v", got, err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expired list was not refreshed")
	}

	empty := NewList(srv.URL, time.Hour, logger.Discard)
	if _, err := empty.Get(context.Background()); err == nil {
		t.Error("failed first fetch returned no error")
	}
}

func TestStaticList(t *testing.T) {
	l := StaticList([]string{"udp://a:1"})
	got, err := l.Get(context.Background())
	if err != nil || !reflect.DeepEqual(got, []string{"udp://a:1"}) {
		t.Errorf("Get() = %v, %v", got, err)
	}
}
