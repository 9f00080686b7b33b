// Package file turns verified metadata into .torrent files on disk.
package file

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/bencode"

	"magnet2torrent/metadata"
)

// ErrIO covers every failure to check or write the output location.
var ErrIO = errors.New("output i/o error")

// Options are the optional top-level keys.
type Options struct {
	CreatedBy    string
	CreationDate int64 // unix seconds, 0 omits the key
	WebSeeds     []string
}

// bencodeTorrent is the top-level dictionary. Keys are written sorted.
type bencodeTorrent struct {
	Announce     string        `bencode:"announce,omitempty"`
	AnnounceList [][]string    `bencode:"announce-list,omitempty"`
	CreatedBy    string        `bencode:"created by,omitempty"`
	CreationDate int64         `bencode:"creation date,omitempty"`
	Info         bencode.Bytes `bencode:"info"`
	URLList      []string      `bencode:"url-list,omitempty"`
}

// TorrentFile is what Open reads back from disk.
type TorrentFile struct {
	Announce     string
	AnnounceList []string
	InfoHash     [20]byte
	Info         *metadata.TorrentInfo
	WebSeeds     []string
	CreatedBy    string
	CreationDate int64
}

// EncodeInfo returns the info dictionary exactly as it was verified, or its
// canonical encoding for infos built in memory.
func EncodeInfo(info *metadata.TorrentInfo) ([]byte, error) {
	return info.Encode()
}

// Encode builds a .torrent. The first tracker is the announce URL and every
// tracker gets a tier of its own.
func Encode(info *metadata.TorrentInfo, trackers []string, opts Options) ([]byte, error) {
	raw, err := EncodeInfo(info)
	if err != nil {
		return nil, err
	}
	bto := bencodeTorrent{
		CreatedBy:    opts.CreatedBy,
		CreationDate: opts.CreationDate,
		Info:         raw,
		URLList:      opts.WebSeeds,
	}
	if len(trackers) > 0 {
		bto.Announce = trackers[0]
		for _, tr := range trackers {
			bto.AnnounceList = append(bto.AnnounceList, []string{tr})
		}
	}
	return bencode.Marshal(bto)
}

// Open reads a .torrent from path.
func Open(path string) (*TorrentFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a .torrent. The info-hash is taken over the info bytes as
// found in the file.
func Read(r io.Reader) (*TorrentFile, error) {
	bto := bencodeTorrent{}
	if err := bencode.NewDecoder(r).Decode(&bto); err != nil {
		return nil, fmt.Errorf("%w: %v", metadata.ErrMalformedBencode, err)
	}
	if len(bto.Info) == 0 {
		return nil, fmt.Errorf("%w: missing info dictionary", metadata.ErrMalformedBencode)
	}
	info, err := metadata.DecodeInfo(bto.Info)
	if err != nil {
		return nil, err
	}
	return &TorrentFile{
		Announce:     bto.Announce,
		AnnounceList: flattenAnnounceList(bto.AnnounceList),
		InfoHash:     sha1.Sum(bto.Info),
		Info:         info,
		WebSeeds:     bto.URLList,
		CreatedBy:    bto.CreatedBy,
		CreationDate: bto.CreationDate,
	}, nil
}

func flattenAnnounceList(announceList [][]string) []string {
	var flat []string
	for _, tier := range announceList {
		flat = append(flat, tier...)
	}
	return flat
}

// Name picks the output file name: the display name, else the info name,
// else the info-hash in hex.
func Name(displayName string, info *metadata.TorrentInfo, infoHash [20]byte) string {
	for _, candidate := range []string{displayName, nameOf(info)} {
		if s := sanitize(candidate); s != "" {
			return s
		}
	}
	return hex.EncodeToString(infoHash[:])
}

func nameOf(info *metadata.TorrentInfo) string {
	if info == nil {
		return ""
	}
	return info.Name
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if strings.Trim(name, ".") == "" {
		return ""
	}
	return name
}

// CheckDir makes sure dir exists and files can be created in it.
func CheckDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrIO, dir)
	}
	tmp, err := os.CreateTemp(dir, ".magnet2torrent-*")
	if err != nil {
		return fmt.Errorf("%w: %s is not writable: %v", ErrIO, dir, err)
	}
	tmp.Close()
	os.Remove(tmp.Name())
	return nil
}

// Write stores data as <dir>/<name>.torrent and returns the path. An
// existing file is only replaced when overwrite is set.
func Write(dir, name string, data []byte, overwrite bool) (string, error) {
	name = sanitize(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty file name", ErrIO)
	}
	path := filepath.Join(dir, name+".torrent")
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	outFile, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := io.Copy(outFile, bytes.NewReader(data)); err != nil {
		outFile.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := outFile.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	return path, nil
}
