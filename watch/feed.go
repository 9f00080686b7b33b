package watch

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"magnet2torrent/logger"
)

// FeedMagnets returns the magnet links of a feed's items, newest first, from
// item links and enclosures.
func FeedMagnets(feedURL string, timeout time.Duration) ([]string, error) {
	fp := gofeed.NewParser()
	fp.Client = &http.Client{
		Timeout: timeout,
	}
	feed, err := fp.ParseURL(feedURL)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var magnets []string
	add := func(link string) {
		link = strings.TrimSpace(link)
		if !strings.HasPrefix(strings.ToLower(link), "magnet:") || seen[link] {
			return
		}
		seen[link] = true
		magnets = append(magnets, link)
	}
	for _, item := range feed.Items {
		add(item.Link)
		for _, l := range item.Links {
			add(l)
		}
		for _, e := range item.Enclosures {
			add(e.URL)
		}
	}
	return magnets, nil
}

// Feed resolves every magnet of the feed one after another and returns how
// many succeeded.
func Feed(ctx context.Context, feedURL string, log logger.Logger, resolve ResolveFunc) (int, error) {
	magnets, err := FeedMagnets(feedURL, 10*time.Second)
	if err != nil {
		return 0, err
	}
	log.Infof("feed %s has %d magnets", feedURL, len(magnets))
	ok := 0
	for _, m := range magnets {
		if ctx.Err() != nil {
			return ok, ctx.Err()
		}
		if err := resolve(ctx, m); err != nil {
			log.Warnf("feed item: %v", err)
			continue
		}
		ok++
	}
	return ok, nil
}
