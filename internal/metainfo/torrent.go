package metainfo

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"

	"github.com/leorafaelmb/bittorrent-client/internal/bencode"
)

// TorrentFile represents a parsed .torrent file
type TorrentFile struct {
	Announce     string
	AnnounceList [][]string
	Info         *Info
	InfoHash     InfoHash
}

// ParseTorrent parses the contents of a .torrent file. The info hash is the SHA-1 of
// the re-encoded info dictionary.
func ParseTorrent(contents []byte) (*TorrentFile, error) {
	d, err := bencode.DecodeDict(contents)
	if err != nil {
		return nil, fmt.Errorf("error decoding torrent file contents: %w", err)
	}
	infoMap, ok := bencode.Dict(d, "info")
	if !ok {
		return nil, errors.New("torrent: info value is not a map")
	}
	raw, err := bencode.Encode(infoMap)
	if err != nil {
		return nil, fmt.Errorf("error re-encoding info dictionary: %w", err)
	}
	info, err := ParseInfo(raw)
	if err != nil {
		return nil, fmt.Errorf("error creating Info struct: %w", err)
	}

	t := &TorrentFile{Info: info, InfoHash: info.Hash}
	if announce, ok := bencode.String(d, "announce"); ok {
		t.Announce = announce
	}
	if tiers, ok := bencode.List(d, "announce-list"); ok {
		for _, tier := range tiers {
			urls, ok := tier.([]any)
			if !ok {
				continue
			}
			var list []string
			for _, u := range urls {
				if s, ok := u.(string); ok && s != "" {
					list = append(list, s)
				}
			}
			if len(list) > 0 {
				t.AnnounceList = append(t.AnnounceList, list)
			}
		}
	}
	return t, nil
}

// DeserializeTorrent reads and parses a .torrent file from disk.
func DeserializeTorrent(filePath string) (*TorrentFile, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error opening torrent file: %w", err)
	}
	return ParseTorrent(contents)
}

// Trackers returns every announce URL, the primary one first, without duplicates.
func (t *TorrentFile) Trackers() []string {
	all := append([]string{t.Announce}, lo.Flatten(t.AnnounceList)...)
	return lo.Uniq(lo.Compact(all))
}

// String returns a string representation of the torrent file
func (t *TorrentFile) String() string {
	return fmt.Sprintf("Tracker URL: %s\n%s", strings.Join(t.Trackers(), ", "), t.Info)
}
