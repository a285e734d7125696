package peer

import (
	"encoding/binary"
	"fmt"
	"io"
)

type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort
	MsgExtended MessageID = 20
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgPort:
		return "port"
	case MsgExtended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a length-prefixed peer wire message. A nil *Message is a keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Marshal serializes m with its 4-byte length prefix.
func (m *Message) Marshal() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one complete message from r. It returns nil, nil for a keep-alive.
func ReadMessage(r io.Reader, maxLen int) (*Message, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBytes[:])
	if length == 0 {
		return nil, nil
	}
	if uint64(length) > uint64(maxLen) {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, maxLen)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("error reading message body: %w", err)
	}
	return &Message{ID: MessageID(buf[0]), Payload: buf[1:]}, nil
}

// Request identifies one block of a piece.
type Request struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

func (r Request) String() string {
	return fmt.Sprintf("piece %d [%d+%d]", r.Index, r.Begin, r.Length)
}

func NewHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: MsgHave, Payload: payload}
}

func NewBitfield(bf []byte) *Message {
	return &Message{ID: MsgBitfield, Payload: append([]byte(nil), bf...)}
}

func NewRequest(r Request) *Message {
	return &Message{ID: MsgRequest, Payload: marshalRequest(r)}
}

func NewCancel(r Request) *Message {
	return &Message{ID: MsgCancel, Payload: marshalRequest(r)}
}

func marshalRequest(r Request) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], r.Index)
	binary.BigEndian.PutUint32(payload[4:8], r.Begin)
	binary.BigEndian.PutUint32(payload[8:12], r.Length)
	return payload
}

func NewPiece(index, begin uint32, data []byte) *Message {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], data)
	return &Message{ID: MsgPiece, Payload: payload}
}

func NewPort(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)
	return &Message{ID: MsgPort, Payload: payload}
}

func NewExtended(extID uint8, payload []byte) *Message {
	return &Message{ID: MsgExtended, Payload: append([]byte{extID}, payload...)}
}

func ParseHave(m *Message) (uint32, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("have payload length %d, want 4", len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// ParseRequest decodes the payload of a request or cancel message.
func ParseRequest(m *Message) (Request, error) {
	if len(m.Payload) != 12 {
		return Request{}, fmt.Errorf("%s payload length %d, want 12", m.ID, len(m.Payload))
	}
	return Request{
		Index:  binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin:  binary.BigEndian.Uint32(m.Payload[4:8]),
		Length: binary.BigEndian.Uint32(m.Payload[8:12]),
	}, nil
}

// ParsePiece returns the block carried by a piece message. data aliases the payload.
func ParsePiece(m *Message) (index, begin uint32, data []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("piece message payload too short: %d bytes", len(m.Payload))
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	return index, begin, m.Payload[8:], nil
}

func ParsePort(m *Message) (uint16, error) {
	if len(m.Payload) != 2 {
		return 0, fmt.Errorf("port payload length %d, want 2", len(m.Payload))
	}
	return binary.BigEndian.Uint16(m.Payload), nil
}

// ParseExtended splits an extended message into its extension id and body.
func ParseExtended(m *Message) (uint8, []byte, error) {
	if len(m.Payload) < 1 {
		return 0, nil, fmt.Errorf("empty extended message")
	}
	return m.Payload[0], m.Payload[1:], nil
}
