// Package magnet parses BitTorrent magnet URIs (BEP-09).
//
// A magnet link has the form:
//
//	magnet:?xt=urn:btih:<hash>&dn=<name>&tr=<url>&tr=<url>...
//
// The hash is either 40 hex characters or 32 base32 characters, both
// decoding to the 20 byte info-hash.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

var ErrMalformedURI = errors.New("malformed magnet uri")

const btihPrefix = "urn:btih:"

// Descriptor is everything a magnet link tells us about a torrent.
type Descriptor struct {
	InfoHash    [20]byte
	DisplayName string
	Trackers    []string
	WebSeeds    []string
	ExactLength int64
}

func malformed(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedURI, fmt.Sprintf(format, v...))
}

// Parse validates uri and returns its descriptor.
func Parse(uri string) (*Descriptor, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, malformed("%v", err)
	}
	if u.Scheme != "magnet" {
		return nil, malformed("scheme %q is not magnet", u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, malformed("%v", err)
	}

	d := &Descriptor{}
	found := false
	for _, xt := range params["xt"] {
		if !strings.HasPrefix(strings.ToLower(xt), btihPrefix) {
			continue
		}
		d.InfoHash, err = decodeInfoHash(xt[len(btihPrefix):])
		if err != nil {
			return nil, err
		}
		found = true
		break
	}
	if !found {
		return nil, malformed("missing urn:btih exact topic")
	}

	d.DisplayName = params.Get("dn")

	for _, tr := range trackerParams(params) {
		if err := ValidateTracker(tr); err != nil {
			return nil, err
		}
		if !contains(d.Trackers, tr) {
			d.Trackers = append(d.Trackers, tr)
		}
	}

	for _, ws := range params["ws"] {
		if !contains(d.WebSeeds, ws) {
			d.WebSeeds = append(d.WebSeeds, ws)
		}
	}

	if xl := params.Get("xl"); xl != "" {
		n, err := strconv.ParseInt(xl, 10, 64)
		if err != nil || n < 0 {
			return nil, malformed("exact length %q", xl)
		}
		d.ExactLength = n
	}

	return d, nil
}

func decodeInfoHash(s string) ([20]byte, error) {
	var ih [20]byte
	var b []byte
	var err error
	switch len(s) {
	case 40:
		b, err = hex.DecodeString(s)
	case 32:
		b, err = base32.StdEncoding.DecodeString(strings.ToUpper(s))
	default:
		return ih, malformed("info-hash has %d characters, want 40 (hex) or 32 (base32)", len(s))
	}
	if err != nil {
		return ih, malformed("info-hash %q: %v", s, err)
	}
	if len(b) != len(ih) {
		return ih, malformed("info-hash decodes to %d bytes", len(b))
	}
	copy(ih[:], b)
	return ih, nil
}

// trackerParams returns the tr values followed by the indexed tr.N values
// in index order.
func trackerParams(params url.Values) []string {
	trackers := append([]string{}, params["tr"]...)

	type indexed struct {
		n   int
		val []string
	}
	var extra []indexed
	for k, v := range params {
		if !strings.HasPrefix(k, "tr.") {
			continue
		}
		n, err := strconv.Atoi(k[3:])
		if err != nil {
			continue
		}
		extra = append(extra, indexed{n, v})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].n < extra[j].n })
	for _, e := range extra {
		trackers = append(trackers, e.val...)
	}
	return trackers
}

// ValidateTracker checks tr is an absolute http, https or udp url with a host.
func ValidateTracker(tr string) error {
	u, err := url.Parse(tr)
	if err != nil {
		return malformed("tracker %q: %v", tr, err)
	}
	switch u.Scheme {
	case "http", "https", "udp":
	default:
		return malformed("tracker %q: unsupported scheme", tr)
	}
	if u.Host == "" {
		return malformed("tracker %q: missing host", tr)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// HexHash returns the info-hash as 40 lowercase hex characters.
func (d *Descriptor) HexHash() string {
	return hex.EncodeToString(d.InfoHash[:])
}

// String renders the descriptor back into a canonical magnet link.
func (d *Descriptor) String() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=")
	b.WriteString(btihPrefix)
	b.WriteString(d.HexHash())
	if d.DisplayName != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(d.DisplayName))
	}
	if d.ExactLength > 0 {
		b.WriteString("&xl=")
		b.WriteString(strconv.FormatInt(d.ExactLength, 10))
	}
	for _, tr := range d.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	for _, ws := range d.WebSeeds {
		b.WriteString("&ws=")
		b.WriteString(url.QueryEscape(ws))
	}
	return b.String()
}
