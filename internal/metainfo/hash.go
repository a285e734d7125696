package metainfo

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

// InfoHash is the SHA-1 digest of a torrent's bencoded info dictionary.
type InfoHash [20]byte

// String returns the lowercase hex form.
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseInfoHash accepts the 40-character hex or 32-character base32 form.
func ParseInfoHash(s string) (InfoHash, error) {
	var h InfoHash
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return h, fmt.Errorf("invalid hex info hash: %w", err)
		}
		copy(h[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return h, fmt.Errorf("invalid base32 info hash: %w", err)
		}
		copy(h[:], b)
	default:
		return h, fmt.Errorf("info hash has length %d, want 40 (hex) or 32 (base32)", len(s))
	}
	return h, nil
}

// HashPiece computes the SHA1 hash of a piece for verification
func HashPiece(piece []byte) [20]byte {
	return sha1.Sum(piece)
}
