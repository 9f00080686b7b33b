package metadata

import (
	"crypto/sha1"
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/bencode"
)

// FileInfo is one entry of a multi-file torrent.
type FileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// TorrentInfo is the decoded info dictionary of a torrent.
type TorrentInfo struct {
	Name        string
	PieceLength int64
	Pieces      []byte
	Length      int64
	Files       []FileInfo
	Private     bool

	// Raw holds the exact bytes the info-hash was computed over, when the
	// info was decoded rather than built.
	Raw []byte
}

// infoDict is the wire form of TorrentInfo.
type infoDict struct {
	Name        string     `bencode:"name"`
	PieceLength int64      `bencode:"piece length"`
	Pieces      []byte     `bencode:"pieces"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []FileInfo `bencode:"files,omitempty"`
	Private     int64      `bencode:"private,omitempty"`
}

// DecodeInfo strictly parses a bencoded info dictionary.
func DecodeInfo(raw []byte) (*TorrentInfo, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	if raw[0] != 'd' {
		return nil, malformed("info is not a dictionary")
	}
	var d infoDict
	if err := bencode.Unmarshal(raw, &d); err != nil {
		return nil, malformed("%v", err)
	}
	info := TorrentInfo{
		Name:        d.Name,
		PieceLength: d.PieceLength,
		Pieces:      d.Pieces,
		Length:      d.Length,
		Files:       d.Files,
		Private:     d.Private == 1,
	}
	if err := info.check(); err != nil {
		return nil, err
	}
	info.Raw = append([]byte(nil), raw...)
	return &info, nil
}

func (info *TorrentInfo) check() error {
	switch {
	case info.Name == "":
		return malformed("info has no name")
	case info.PieceLength <= 0:
		return malformed("piece length %d", info.PieceLength)
	case len(info.Pieces)%sha1.Size != 0:
		return malformed("pieces length %d is not a multiple of %d", len(info.Pieces), sha1.Size)
	case info.Length < 0:
		return malformed("negative length")
	case info.Length > 0 && len(info.Files) > 0:
		return malformed("info has both length and files")
	}
	for i, f := range info.Files {
		if f.Length < 0 {
			return malformed("file %d has negative length", i)
		}
		if len(f.Path) == 0 {
			return malformed("file %d has no path", i)
		}
		for _, elem := range f.Path {
			if elem == "" || elem == ".." || strings.ContainsAny(elem, "/\\") {
				return malformed("file %d has unsafe path %q", i, f.Path)
			}
		}
	}
	return nil
}

// Encode returns the bencoded info dictionary. Decoded infos return their
// original bytes so the info-hash is preserved.
func (info *TorrentInfo) Encode() ([]byte, error) {
	if info.Raw != nil {
		return info.Raw, nil
	}
	d := infoDict{
		Name:        info.Name,
		PieceLength: info.PieceLength,
		Pieces:      info.Pieces,
		Length:      info.Length,
		Files:       info.Files,
	}
	if info.Private {
		d.Private = 1
	}
	return bencode.Marshal(d)
}

// Hash is the SHA-1 of the encoded info dictionary.
func (info *TorrentInfo) Hash() ([20]byte, error) {
	b, err := info.Encode()
	if err != nil {
		return [20]byte{}, err
	}
	return sha1.Sum(b), nil
}

// TotalLength is the sum of all file lengths.
func (info *TorrentInfo) TotalLength() int64 {
	if len(info.Files) == 0 {
		return info.Length
	}
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// NumPieces is the number of piece hashes.
func (info *TorrentInfo) NumPieces() int {
	return len(info.Pieces) / sha1.Size
}

func (info *TorrentInfo) String() string {
	return fmt.Sprintf("%s (%d files, %d pieces of %d)", info.Name, max(1, len(info.Files)), info.NumPieces(), info.PieceLength)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
