package peer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidHandshake = errors.New("invalid handshake")
	ErrInfoHashMismatch = errors.New("handshake info hash does not match torrent info hash")
	ErrSelfConnection   = errors.New("connected to self")

	ErrChoked          = errors.New("peer is choking us")
	ErrNotInterested   = errors.New("not interested in peer")
	ErrPipelineFull    = errors.New("request pipeline full")
	ErrPeerLacksPiece  = errors.New("peer does not have piece")
	ErrChoking         = errors.New("choking peer")
	ErrNotRequested    = errors.New("block was not requested or was cancelled")
	ErrUnsupported     = errors.New("peer does not support extension")
	ErrClosed          = errors.New("session closed")
	ErrRequestTimeout  = errors.New("block request timed out")
	ErrMessageTooLarge = errors.New("message exceeds maximum length")
	ErrWriteStalled    = errors.New("peer is not reading: write queue full")
)

// ProtocolError reports a peer that broke the wire protocol. The session is closed.
type ProtocolError struct {
	Peer   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation by %s: %s", e.Peer, e.Reason)
}
