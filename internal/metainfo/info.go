package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/leorafaelmb/bittorrent-client/internal/bencode"
)

// Info represents the 'info' dictionary from a torrent file.
// This contains all metadata about the file(s) being shared.
type Info struct {
	Name        string
	PieceLength int
	Pieces      [][20]byte
	// Length is the total size of all files.
	Length  int
	Files   []File
	Private bool

	// Raw is the bencoded dictionary the info hash was computed over.
	Raw  []byte
	Hash InfoHash
}

// File is one entry of a multi-file torrent. Offset is its position in the
// concatenated piece space.
type File struct {
	Path   []string
	Length int
	Offset int
}

// ParseInfo decodes a bencoded info dictionary and hashes the bytes as given.
func ParseInfo(raw []byte) (*Info, error) {
	d, err := bencode.DecodeDict(raw)
	if err != nil {
		return nil, fmt.Errorf("error decoding info dictionary: %w", err)
	}
	info, err := NewInfo(d)
	if err != nil {
		return nil, err
	}
	info.Raw = raw
	info.Hash = sha1.Sum(raw)
	return info, nil
}

// NewInfo constructs an Info struct from the decoded 'info' dictionary. Raw and Hash
// are left empty; ParseInfo fills them.
func NewInfo(d map[string]any) (*Info, error) {
	name, ok := bencode.String(d, "name")
	if !ok || name == "" {
		return nil, errors.New("info: name missing or not a string")
	}
	pieceLength, ok := bencode.Int(d, "piece length")
	if !ok || pieceLength <= 0 {
		return nil, errors.New("info: piece length missing or not positive")
	}
	pieces, ok := bencode.String(d, "pieces")
	if !ok {
		return nil, errors.New("info: pieces missing or not a byte string")
	}
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("info: pieces length %d is not a multiple of 20", len(pieces))
	}

	info := &Info{
		Name:        name,
		PieceLength: int(pieceLength),
		Pieces:      make([][20]byte, len(pieces)/20),
	}
	for i := range info.Pieces {
		copy(info.Pieces[i][:], pieces[i*20:])
	}
	if p, ok := bencode.Int(d, "private"); ok && p == 1 {
		info.Private = true
	}

	length, hasLength := bencode.Int(d, "length")
	files, hasFiles := bencode.List(d, "files")
	switch {
	case hasLength && hasFiles:
		return nil, errors.New("info: both length and files present")
	case hasLength:
		if length < 0 {
			return nil, fmt.Errorf("info: negative length %d", length)
		}
		info.Length = int(length)
	case hasFiles:
		parsed, err := parseFiles(files)
		if err != nil {
			return nil, err
		}
		info.Files = parsed
		for _, f := range parsed {
			info.Length += f.Length
		}
	default:
		return nil, errors.New("info: neither length nor files present")
	}

	want := (info.Length + info.PieceLength - 1) / info.PieceLength
	if want != len(info.Pieces) {
		return nil, fmt.Errorf("info: %d piece hashes for %d bytes, want %d", len(info.Pieces), info.Length, want)
	}
	return info, nil
}

func parseFiles(list []any) ([]File, error) {
	files := make([]File, 0, len(list))
	offset := 0
	for i, entry := range list {
		fileMap, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("file %d is not a map", i)
		}
		length, ok := bencode.Int(fileMap, "length")
		if !ok || length < 0 {
			return nil, fmt.Errorf("file %d length is not a non-negative int", i)
		}
		components, ok := bencode.List(fileMap, "path")
		if !ok || len(components) == 0 {
			return nil, fmt.Errorf("file %d path is not a list", i)
		}
		path := make([]string, 0, len(components))
		for j, c := range components {
			s, ok := c.(string)
			if !ok || s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\") {
				return nil, fmt.Errorf("file %d path component %d is invalid", i, j)
			}
			path = append(path, s)
		}
		files = append(files, File{Path: path, Length: int(length), Offset: offset})
		offset += int(length)
	}
	return files, nil
}

func (i *Info) IsSingleFile() bool {
	return len(i.Files) == 0
}

// GetFiles returns the file list; a single-file torrent yields one entry named after
// the torrent.
func (i *Info) GetFiles() []File {
	if i.IsSingleFile() {
		return []File{{Length: i.Length, Path: []string{i.Name}}}
	}
	return i.Files
}

func (i *Info) NumPieces() int {
	return len(i.Pieces)
}

// PieceOffset is the byte offset of piece index in the concatenated file data.
func (i *Info) PieceOffset(index int) int {
	return index * i.PieceLength
}

// PieceSize returns the length of piece index; only the last piece may be shorter.
func (i *Info) PieceSize(index int) int {
	if index < 0 || index >= len(i.Pieces) {
		return 0
	}
	if index == len(i.Pieces)-1 {
		return i.Length - index*i.PieceLength
	}
	return i.PieceLength
}

// PieceRangeForFile returns the half-open range of pieces overlapping file index.
// Empty files overlap no piece.
func (i *Info) PieceRangeForFile(index int) (begin, end int) {
	files := i.GetFiles()
	if index < 0 || index >= len(files) || files[index].Length == 0 {
		return 0, 0
	}
	f := files[index]
	begin = f.Offset / i.PieceLength
	end = (f.Offset+f.Length-1)/i.PieceLength + 1
	return begin, end
}

// PowerOfTwo reports whether the piece length follows the usual convention.
func (i *Info) PowerOfTwo() bool {
	return bits.OnesCount(uint(i.PieceLength)) == 1
}

// HexPieceHashes formats piece hashes for display in hexadecimal format
func (i *Info) HexPieceHashes() []string {
	hashes := make([]string, len(i.Pieces))
	for j, p := range i.Pieces {
		hashes[j] = hex.EncodeToString(p[:])
	}
	return hashes
}

// String renders the summary printed by the info commands.
func (i *Info) String() string {
	var b strings.Builder
	if i.IsSingleFile() {
		fmt.Fprintf(&b, "Single File: %s (%d bytes)\n", i.Name, i.Length)
	} else {
		fmt.Fprintf(&b, "Multi-File: %s (root directory)\n", i.Name)
		for n, f := range i.Files {
			fmt.Fprintf(&b, "  File %d: %s (%d bytes)\n", n+1, strings.Join(f.Path, "/"), f.Length)
		}
	}
	fmt.Fprintf(&b, "Length: %d\nInfo Hash: %s\nPiece Length: %d\nPiece Hashes:\n%s",
		i.Length, i.Hash, i.PieceLength, strings.Join(i.HexPieceHashes(), "\n"))
	return b.String()
}
