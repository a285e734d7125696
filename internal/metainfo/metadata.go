package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
)

const (
	// MetadataPieceSize is the ut_metadata fragment size; only the last one is shorter.
	MetadataPieceSize = 1 << 14
	// MaxMetadataSize bounds the metadata_size a peer may advertise.
	MaxMetadataSize = 1 << 24
)

var (
	// ErrMetadataIncomplete is returned while fragments are outstanding, and by the
	// swarm once every peer able to supply metadata has been exhausted.
	ErrMetadataIncomplete = errors.New("metadata incomplete")
	// ErrMetadataHashMismatch means the reassembled bytes do not hash to the info hash.
	ErrMetadataHashMismatch = errors.New("metadata hash mismatch")
)

// MetadataAssembler collects ut_metadata fragments, in any order and from any peer,
// into a verified info dictionary.
type MetadataAssembler struct {
	hash InfoHash
	size int

	mu     sync.Mutex
	pieces [][]byte
	have   int
}

// NewMetadataAssembler prepares assembly of size bytes expected to hash to hash.
func NewMetadataAssembler(hash InfoHash, size int) (*MetadataAssembler, error) {
	if size <= 0 || size > MaxMetadataSize {
		return nil, fmt.Errorf("metadata size %d out of range", size)
	}
	n := (size + MetadataPieceSize - 1) / MetadataPieceSize
	return &MetadataAssembler{hash: hash, size: size, pieces: make([][]byte, n)}, nil
}

// Size is the advertised metadata size.
func (a *MetadataAssembler) Size() int {
	return a.size
}

// NumPieces is the number of fragments.
func (a *MetadataAssembler) NumPieces() int {
	return len(a.pieces)
}

func (a *MetadataAssembler) pieceLen(index int) int {
	if index == len(a.pieces)-1 {
		return a.size - index*MetadataPieceSize
	}
	return MetadataPieceSize
}

// Add stores fragment index. Duplicates are ignored; a fragment of the wrong length is
// rejected.
func (a *MetadataAssembler) Add(index int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 || index >= len(a.pieces) {
		return fmt.Errorf("metadata piece %d out of range [0, %d)", index, len(a.pieces))
	}
	if want := a.pieceLen(index); len(data) != want {
		return fmt.Errorf("metadata piece %d has %d bytes, want %d", index, len(data), want)
	}
	if a.pieces[index] != nil {
		return nil
	}
	a.pieces[index] = append([]byte(nil), data...)
	a.have++
	return nil
}

// Missing lists the fragment indexes still outstanding.
func (a *MetadataAssembler) Missing() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var missing []int
	for i, p := range a.pieces {
		if p == nil {
			missing = append(missing, i)
		}
	}
	return missing
}

// Complete reports whether every fragment is present.
func (a *MetadataAssembler) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.have == len(a.pieces)
}

// Assemble concatenates the fragments and verifies them against the info hash. On a
// hash mismatch or an undecodable dictionary every fragment is dropped so assembly can
// restart with other peers.
func (a *MetadataAssembler) Assemble() (*Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.have != len(a.pieces) {
		return nil, fmt.Errorf("%w: %d of %d pieces", ErrMetadataIncomplete, a.have, len(a.pieces))
	}
	raw := make([]byte, 0, a.size)
	for _, p := range a.pieces {
		raw = append(raw, p...)
	}
	if sha1.Sum(raw) != a.hash {
		a.reset()
		return nil, ErrMetadataHashMismatch
	}
	info, err := ParseInfo(raw)
	if err != nil {
		a.reset()
		return nil, fmt.Errorf("%w: %w", ErrMetadataHashMismatch, err)
	}
	return info, nil
}

func (a *MetadataAssembler) reset() {
	clear(a.pieces)
	a.have = 0
}

// MetadataPiece returns fragment index of raw, for serving ut_metadata requests.
func MetadataPiece(raw []byte, index int) ([]byte, bool) {
	begin := index * MetadataPieceSize
	if index < 0 || begin >= len(raw) {
		return nil, false
	}
	return raw[begin:min(begin+MetadataPieceSize, len(raw))], true
}
