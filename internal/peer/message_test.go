package peer

import (
	"bytes"
	"errors"
	"net/netip"
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	r := Request{Index: 3, Begin: 1 << 14, Length: 1 << 14}
	msgs := []*Message{
		{ID: MsgChoke},
		NewHave(42),
		NewRequest(r),
		NewCancel(r),
		NewPiece(3, 16, []byte("block")),
		NewPort(6881),
		NewExtended(UtMetadataID, []byte("d8:msg_typei0e5:piecei0ee")),
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		buf.Write(m.Marshal())
	}
	for _, want := range msgs {
		got, err := ReadMessage(&buf, DefaultMaxMessageLen)
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("ReadMessage = %v %x, want %v %x", got.ID, got.Payload, want.ID, want.Payload)
		}
	}

	if got, _ := ParseRequest(NewRequest(r)); got != r {
		t.Errorf("ParseRequest = %v, want %v", got, r)
	}
	index, begin, data, err := ParsePiece(NewPiece(3, 16, []byte("block")))
	if err != nil || index != 3 || begin != 16 || string(data) != "block" {
		t.Errorf("ParsePiece = %d %d %q %v", index, begin, data, err)
	}
	if port, _ := ParsePort(NewPort(6881)); port != 6881 {
		t.Errorf("ParsePort = %d", port)
	}
}

func TestReadMessageKeepAliveAndLimit(t *testing.T) {
	m, err := ReadMessage(bytes.NewReader((*Message)(nil).Marshal()), DefaultMaxMessageLen)
	if m != nil || err != nil {
		t.Errorf("keep-alive = %v, %v; want nil, nil", m, err)
	}

	big := (&Message{ID: MsgPiece, Payload: make([]byte, 100)}).Marshal()
	if _, err := ReadMessage(bytes.NewReader(big), 50); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized message err = %v, want ErrMessageTooLarge", err)
	}
}

func TestMalformedPayloads(t *testing.T) {
	if _, err := ParseHave(&Message{ID: MsgHave, Payload: []byte{1}}); err == nil {
		t.Error("short have accepted")
	}
	if _, err := ParseRequest(&Message{ID: MsgRequest, Payload: make([]byte, 11)}); err == nil {
		t.Error("short request accepted")
	}
	if _, _, _, err := ParsePiece(&Message{ID: MsgPiece, Payload: make([]byte, 7)}); err == nil {
		t.Error("short piece accepted")
	}
}

func TestExtendedHandshake(t *testing.T) {
	h := &ExtendedHandshake{
		M:            map[string]int{ExtMetadata: 3, ExtPex: 0},
		V:            "test 1.0",
		P:            51413,
		MetadataSize: 31235,
		Reqq:         250,
		YourIP:       netip.MustParseAddr("192.0.2.7"),
	}
	b, err := h.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := ParseExtendedHandshake(b)
	if err != nil {
		t.Fatalf("ParseExtendedHandshake: %v", err)
	}
	if !reflect.DeepEqual(got, h) {
		t.Errorf("ParseExtendedHandshake = %+v, want %+v", got, h)
	}
	if got.Supports(ExtMetadata) != 3 {
		t.Errorf("Supports(ut_metadata) = %d, want 3", got.Supports(ExtMetadata))
	}
	if got.Supports(ExtPex) != 0 {
		t.Error("extension with id 0 reported as supported")
	}

	if _, err := ParseExtendedHandshake([]byte("d13:metadata_sizei-1ee")); err == nil {
		t.Error("negative metadata_size accepted")
	}
}

func TestMetadataMsg(t *testing.T) {
	data := &MetadataMsg{Type: MetadataData, Piece: 1, TotalSize: 20000, Data: []byte("fragment")}
	b, err := data.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if want := "d8:msg_typei1e5:piecei1e10:total_sizei20000eefragment"; string(b) != want {
		t.Errorf("Marshal = %q, want %q", b, want)
	}
	got, err := ParseMetadataMsg(b)
	if err != nil {
		t.Fatalf("ParseMetadataMsg: %v", err)
	}
	if !reflect.DeepEqual(got, data) {
		t.Errorf("ParseMetadataMsg = %+v, want %+v", got, data)
	}

	req, err := ParseMetadataMsg([]byte("d8:msg_typei0e5:piecei2ee"))
	if err != nil || req.Type != MetadataRequest || req.Piece != 2 {
		t.Errorf("request = %+v, %v", req, err)
	}
	for _, bad := range []string{"d5:piecei0ee", "d8:msg_typei7e5:piecei0ee", "d8:msg_typei1e5:piecei0ee", "le"} {
		if _, err := ParseMetadataMsg([]byte(bad)); err == nil {
			t.Errorf("ParseMetadataMsg(%q) succeeded", bad)
		}
	}
}

func TestPexMsg(t *testing.T) {
	m := &PexMsg{
		Added: []PexPeer{
			{Addr: netip.MustParseAddrPort("192.0.2.1:6881"), Flags: PexSeed},
			{Addr: netip.MustParseAddrPort("[2001:db8::1]:51413"), Flags: PexEncryption | PexUTP},
		},
		Dropped: []netip.AddrPort{
			netip.MustParseAddrPort("198.51.100.9:1000"),
			netip.MustParseAddrPort("[2001:db8::2]:2000"),
		},
	}
	b, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := ParsePexMsg(b)
	if err != nil {
		t.Fatalf("ParsePexMsg: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("ParsePexMsg = %+v, want %+v", got, m)
	}

	if _, err := ParsePexMsg([]byte("d5:added5:12345e")); err == nil {
		t.Error("truncated added list accepted")
	}
}
