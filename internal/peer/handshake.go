package peer

import (
	"fmt"
	"io"

	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
)

const (
	ProtocolString  = "BitTorrent protocol"
	HandshakeLength = 1 + len(ProtocolString) + 8 + 20 + 20

	// Reserved bits: byte 5 0x10 is the extension protocol, byte 7 0x01 the DHT.
	ExtensionBitPosition = 5
	ExtensionID          = 0x10
	DHTBitPosition       = 7
	DHTID                = 0x01
)

// Handshake represents the first message exchanged between peers.
type Handshake struct {
	Reserved [8]byte
	InfoHash metainfo.InfoHash
	PeerID   [20]byte
}

// NewHandshake builds a handshake advertising the extension protocol and,
// optionally, DHT support.
func NewHandshake(infoHash metainfo.InfoHash, peerID [20]byte, dht bool) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[ExtensionBitPosition] |= ExtensionID
	if dht {
		h.Reserved[DHTBitPosition] |= DHTID
	}
	return h
}

// Marshal returns the 68-byte wire form.
func (h Handshake) Marshal() []byte {
	message := make([]byte, 0, HandshakeLength)
	message = append(message, byte(len(ProtocolString)))
	message = append(message, ProtocolString...)
	message = append(message, h.Reserved[:]...)
	message = append(message, h.InfoHash[:]...)
	message = append(message, h.PeerID[:]...)
	return message
}

// SupportsExtensions reports the LTEP reserved bit.
func (h Handshake) SupportsExtensions() bool {
	return h.Reserved[ExtensionBitPosition]&ExtensionID != 0
}

// SupportsDHT reports the DHT reserved bit.
func (h Handshake) SupportsDHT() bool {
	return h.Reserved[DHTBitPosition]&DHTID != 0
}

// ReadHandshake reads and parses a handshake message from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, fmt.Errorf("error reading handshake: %w", err)
	}
	if int(buf[0]) != len(ProtocolString) || string(buf[1:20]) != ProtocolString {
		return h, fmt.Errorf("%w: protocol string %q", ErrInvalidHandshake, buf[1:1+min(int(buf[0]), 19)])
	}
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// validate checks a received handshake against the expected torrent and local id.
func (h Handshake) validate(infoHash metainfo.InfoHash, localID [20]byte) error {
	if h.InfoHash != infoHash {
		return ErrInfoHashMismatch
	}
	if h.PeerID == localID {
		return ErrSelfConnection
	}
	return nil
}
