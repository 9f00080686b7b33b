package tracker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"magnet2torrent/logger"
	"magnet2torrent/magnet"
)

const (
	DefaultListURL = "https://raw.githubusercontent.com/ngosang/trackerslist/master/trackers_all.txt"
	DefaultListTTL = 24 * time.Hour
)

var errEmptyList = errors.New("tracker list is empty")

// List is the default tracker list: fetched over HTTP, one tracker per line,
// and cached for TTL. A failed refresh keeps serving the previous list.
type List struct {
	URL string
	TTL time.Duration
	Log logger.Logger

	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	trackers []string
	fetched  time.Time
}

func NewList(url string, ttl time.Duration, log logger.Logger) *List {
	if url == "" {
		url = DefaultListURL
	}
	if ttl <= 0 {
		ttl = DefaultListTTL
	}
	return &List{
		URL:    url,
		TTL:    ttl,
		Log:    log,
		client: &http.Client{Timeout: DefaultTimeout},
		now:    time.Now,
	}
}

// StaticList returns a List that never fetches.
func StaticList(trackers []string) *List {
	l := NewList("", 0, logger.Discard)
	l.trackers = append([]string{}, trackers...)
	l.fetched = time.Unix(1<<40, 0)
	return l
}

// Get returns the cached list, refreshing it when older than TTL.
func (l *List) Get(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trackers != nil && l.now().Sub(l.fetched) < l.TTL {
		return l.trackers, nil
	}
	trackers, err := l.fetch(ctx)
	if err != nil {
		if l.trackers != nil {
			l.Log.Warnf("refreshing tracker list failed, keeping %d cached trackers: %v", len(l.trackers), err)
			return l.trackers, nil
		}
		return nil, err
	}
	l.Log.Debugf("loaded %d trackers from %s", len(trackers), l.URL)
	l.trackers = trackers
	l.fetched = l.now()
	return trackers, nil
}

func (l *List) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", l.URL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	return parseList(body)
}

func parseList(body []byte) ([]string, error) {
	var trackers []string
	seen := map[string]bool{}
	s := bufio.NewScanner(bytes.NewReader(body))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") || seen[line] {
			continue
		}
		if magnet.ValidateTracker(line) != nil {
			continue
		}
		seen[line] = true
		trackers = append(trackers, line)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(trackers) == 0 {
		return nil, errEmptyList
	}
	return trackers, nil
}
