package file

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/anacrolix/torrent/metainfo"

	"magnet2torrent/metadata"
)

// verified info with a key the canonical encoder would drop
var rawInfo = []byte("d6:lengthi5e4:name4:test7:padding3:xyz12:piece lengthi16384e6:pieces20:" + strings.Repeat("p", 20) + "e")

func decoded(t *testing.T) *metadata.TorrentInfo {
	t.Helper()
	info, err := metadata.DecodeInfo(rawInfo)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestEncode(t *testing.T) {
	info := decoded(t)
	trackers := []string{"udp://a.example:80/announce", "http://b.example/announce"}
	data, err := Encode(info, trackers, Options{CreatedBy: "m2t", CreationDate: 1700000000, WebSeeds: []string{"http://ws.example/"}})
	if err != nil {
		t.Fatal(err)
	}
	want := "d8:announce27:udp://a.example:80/announce" +
		"13:announce-listll27:udp://a.example:80/announceel25:http://b.example/announceee" +
		"10:created by3:m2t13:creation datei1700000000e" +
		"4:info" + string(rawInfo) +
		"8:url-listl18:http://ws.example/ee"
	if string(data) != want {
		t.Errorf("Encode() =\n%q\nwant\n%q", data, want)
	}

	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if [20]byte(mi.HashInfoBytes()) != sha1.Sum(rawInfo) {
		t.Errorf("info-hash changed: %x", mi.HashInfoBytes())
	}
	if mi.Announce != trackers[0] || len(mi.AnnounceList) != 2 {
		t.Errorf("announce = %q, list = %v", mi.Announce, mi.AnnounceList)
	}
}

func TestEncodeNoTrackers(t *testing.T) {
	data, err := Encode(decoded(t), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if want := "d4:info" + string(rawInfo) + "e"; string(data) != want {
		t.Errorf("Encode() = %q, want %q", data, want)
	}
}

func TestWriteAndOpen(t *testing.T) {
	dir := t.TempDir()
	info := decoded(t)
	data, err := Encode(info, []string{"http://t.example/announce"}, Options{WebSeeds: []string{"http://ws.example/"}})
	if err != nil {
		t.Fatal(err)
	}
	path, err := Write(dir, "a/b", data, false)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "a_b.torrent") {
		t.Errorf("Write() path = %s", path)
	}
	if _, err := Write(dir, "a/b", data, false); !errors.Is(err, ErrIO) {
		t.Errorf("second Write() = %v, want ErrIO", err)
	}
	if _, err := Write(dir, "a/b", data, true); err != nil {
		t.Errorf("Write() with overwrite = %v", err)
	}

	tf, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if tf.InfoHash != sha1.Sum(rawInfo) || tf.Info.Name != "test" {
		t.Errorf("Open() = %+v", tf)
	}
	if !reflect.DeepEqual(tf.AnnounceList, []string{"http://t.example/announce"}) ||
		!reflect.DeepEqual(tf.WebSeeds, []string{"http://ws.example/"}) {
		t.Errorf("Open() trackers = %v, web seeds = %v", tf.AnnounceList, tf.WebSeeds)
	}
}

func TestWriteMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	if _, err := Write(dir, "x", []byte("de"), false); !errors.Is(err, ErrIO) {
		t.Errorf("Write() = %v, want ErrIO", err)
	}
	if err := CheckDir(dir); !errors.Is(err, ErrIO) {
		t.Errorf("CheckDir() = %v, want ErrIO", err)
	}
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := CheckDir(f); !errors.Is(err, ErrIO) {
		t.Errorf("CheckDir(file) = %v, want ErrIO", err)
	}
	if err := CheckDir(t.TempDir()); err != nil {
		t.Errorf("CheckDir() = %v", err)
	}
}

func TestName(t *testing.T) {
	ih := [20]byte{0xab}
	info := &metadata.TorrentInfo{Name: "info name"}
	tests := []struct {
		display string
		info    *metadata.TorrentInfo
		want    string
	}{
		{"Display", info, "Display"},
		{"", info, "info name"},
		{"../..", info, ".._.."},
		{"..", nil, "ab00000000000000000000000000000000000000"},
		{" ", &metadata.TorrentInfo{}, "ab00000000000000000000000000000000000000"},
	}
	for _, tt := range tests {
		if got := Name(tt.display, tt.info, ih); got != tt.want {
			t.Errorf("Name(%q) = %q, want %q", tt.display, got, tt.want)
		}
	}
}

func TestReadMalformed(t *testing.T) {
	for _, in := range []string{"", "d8:announce1:xe", "l"} {
		if _, err := Read(strings.NewReader(in)); !errors.Is(err, metadata.ErrMalformedBencode) {
			t.Errorf("Read(%q) = %v", in, err)
		}
	}
}
