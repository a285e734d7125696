package metainfo

import (
	"bytes"
	"crypto/sha1"
	"encoding/base32"
	"errors"
	"testing"

	"github.com/leorafaelmb/bittorrent-client/internal/bencode"
)

func infoDict(t *testing.T, data []byte, pieceLen int) map[string]any {
	t.Helper()
	var pieces []byte
	for off := 0; off < len(data); off += pieceLen {
		h := sha1.Sum(data[off:min(off+pieceLen, len(data))])
		pieces = append(pieces, h[:]...)
	}
	return map[string]any{
		"name":         "sample.bin",
		"length":       len(data),
		"piece length": pieceLen,
		"pieces":       pieces,
	}
}

func encodeTorrent(t *testing.T, d map[string]any) []byte {
	t.Helper()
	b, err := bencode.Encode(d)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func TestParseTorrent(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 5000)
	info := infoDict(t, data, 16384)
	raw := encodeTorrent(t, map[string]any{
		"announce":      "http://a.example/announce",
		"announce-list": []any{[]any{"http://a.example/announce", "udp://b.example:80"}, []any{"http://c.example/announce"}},
		"info":          info,
	})

	tf, err := ParseTorrent(raw)
	if err != nil {
		t.Fatalf("ParseTorrent: %v", err)
	}
	if tf.Info.NumPieces() != 3 {
		t.Errorf("NumPieces = %d, want 3", tf.Info.NumPieces())
	}
	if got, want := tf.Info.PieceSize(2), len(data)-2*16384; got != want {
		t.Errorf("PieceSize(2) = %d, want %d", got, want)
	}
	if tf.Info.PieceSize(0) != 16384 {
		t.Errorf("PieceSize(0) = %d, want 16384", tf.Info.PieceSize(0))
	}
	want := []string{"http://a.example/announce", "udp://b.example:80", "http://c.example/announce"}
	got := tf.Trackers()
	if len(got) != len(want) {
		t.Fatalf("Trackers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Trackers[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInfoHashDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 40000)
	d := infoDict(t, data, 16384)

	first, err := ParseTorrent(encodeTorrent(t, map[string]any{"info": d}))
	if err != nil {
		t.Fatal(err)
	}
	second, err := ParseTorrent(encodeTorrent(t, map[string]any{"info": d, "comment": "other"}))
	if err != nil {
		t.Fatal(err)
	}
	if first.InfoHash != second.InfoHash {
		t.Errorf("info hash changed with outer dict: %s vs %s", first.InfoHash, second.InfoHash)
	}
	enc, _ := bencode.Encode(d)
	if first.InfoHash != sha1.Sum(enc) {
		t.Errorf("info hash = %s, want SHA-1 of encoded info", first.InfoHash)
	}

	// Changing a single data byte changes a piece hash, so the original data would fail
	// verification against the new torrent.
	corrupt := bytes.Clone(data)
	corrupt[20000] ^= 0xff
	other, err := ParseTorrent(encodeTorrent(t, map[string]any{"info": infoDict(t, corrupt, 16384)}))
	if err != nil {
		t.Fatal(err)
	}
	if other.InfoHash == first.InfoHash {
		t.Error("info hash unchanged after data change")
	}
	if HashPiece(data[16384:32768]) == other.Info.Pieces[1] {
		t.Error("original piece 1 verifies against corrupted torrent")
	}
}

func TestMultiFileLayout(t *testing.T) {
	d := map[string]any{
		"name":         "dir",
		"piece length": int64(10),
		"pieces":       string(bytes.Repeat([]byte{1}, 20*4)),
		"files": []any{
			map[string]any{"length": int64(15), "path": []any{"a.txt"}},
			map[string]any{"length": int64(0), "path": []any{"empty"}},
			map[string]any{"length": int64(20), "path": []any{"sub", "b.txt"}},
		},
	}
	info, err := NewInfo(d)
	if err != nil {
		t.Fatalf("NewInfo: %v", err)
	}
	if info.Length != 35 {
		t.Errorf("Length = %d, want 35", info.Length)
	}
	if info.Files[2].Offset != 15 {
		t.Errorf("Files[2].Offset = %d, want 15", info.Files[2].Offset)
	}
	tests := []struct{ file, begin, end int }{
		{0, 0, 2},
		{1, 0, 0},
		{2, 1, 4},
	}
	for _, tt := range tests {
		b, e := info.PieceRangeForFile(tt.file)
		if b != tt.begin || e != tt.end {
			t.Errorf("PieceRangeForFile(%d) = [%d, %d), want [%d, %d)", tt.file, b, e, tt.begin, tt.end)
		}
	}
	if info.PieceSize(3) != 5 {
		t.Errorf("PieceSize(3) = %d, want 5", info.PieceSize(3))
	}
}

func TestNewInfoRejects(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"name":         "x",
			"piece length": int64(4),
			"pieces":       string(bytes.Repeat([]byte{1}, 40)),
			"length":       int64(8),
		}
	}
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"no name", func(d map[string]any) { delete(d, "name") }},
		{"zero piece length", func(d map[string]any) { d["piece length"] = int64(0) }},
		{"ragged pieces", func(d map[string]any) { d["pieces"] = "short" }},
		{"both layouts", func(d map[string]any) { d["files"] = []any{} }},
		{"no layout", func(d map[string]any) { delete(d, "length") }},
		{"piece count", func(d map[string]any) { d["length"] = int64(20) }},
		{"path escape", func(d map[string]any) {
			delete(d, "length")
			d["files"] = []any{map[string]any{"length": int64(8), "path": []any{".."}}}
		}},
	}
	for _, tt := range tests {
		d := base()
		tt.mutate(d)
		if _, err := NewInfo(d); err == nil {
			t.Errorf("%s: NewInfo succeeded", tt.name)
		}
	}
	if _, err := NewInfo(base()); err != nil {
		t.Errorf("base dict rejected: %v", err)
	}
}

func TestDeserializeMagnet(t *testing.T) {
	hash := InfoHash{0xd6, 0x9f, 0x91, 0xe6, 0xb2, 0xae, 0x4c, 0x54, 0x24, 0x68,
		0xd1, 0x07, 0x3a, 0x71, 0xd4, 0xea, 0x13, 0x87, 0x9a, 0x7f}
	b32 := base32.StdEncoding.EncodeToString(hash[:])

	tests := []string{
		"magnet:?xt=urn:btih:" + hash.String() + "&dn=sample&tr=http%3A%2F%2Ft.example%2Fannounce&tr=udp%3A%2F%2Fu.example%3A80&x.pe=10.0.0.1:6881",
		"magnet:?xt=urn:btih:" + b32 + "&dn=sample&tr=http%3A%2F%2Ft.example%2Fannounce&tr=udp%3A%2F%2Fu.example%3A80&x.pe=10.0.0.1:6881",
	}
	for _, uri := range tests {
		m, err := DeserializeMagnet(uri)
		if err != nil {
			t.Fatalf("DeserializeMagnet(%q): %v", uri, err)
		}
		if m.InfoHash != hash {
			t.Errorf("InfoHash = %s, want %s", m.InfoHash, hash)
		}
		if m.Name != "sample" {
			t.Errorf("Name = %q, want sample", m.Name)
		}
		if len(m.Trackers) != 2 || m.Trackers[1] != "udp://u.example:80" {
			t.Errorf("Trackers = %v", m.Trackers)
		}
		if len(m.Peers) != 1 || m.Peers[0].Port() != 6881 {
			t.Errorf("Peers = %v", m.Peers)
		}
	}

	for _, bad := range []string{
		"http://example.com",
		"magnet:?dn=nohash",
		"magnet:?xt=urn:btih:1234",
	} {
		if _, err := DeserializeMagnet(bad); err == nil {
			t.Errorf("DeserializeMagnet(%q) succeeded", bad)
		}
	}
}

func metadataFixture(t *testing.T) ([]byte, InfoHash) {
	t.Helper()
	// Enough pieces that the info dictionary spans three metadata fragments.
	data := bytes.Repeat([]byte{0x5a}, 2000*1024)
	raw, err := bencode.Encode(infoDict(t, data, 1024))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) <= 2*MetadataPieceSize {
		t.Fatalf("fixture too small: %d bytes", len(raw))
	}
	return raw, sha1.Sum(raw)
}

// Fragments arrive out of order from two peers.
func TestMetadataAssembler_OutOfOrder(t *testing.T) {
	raw, hash := metadataFixture(t)
	a, err := NewMetadataAssembler(hash, len(raw))
	if err != nil {
		t.Fatal(err)
	}
	if a.NumPieces() != 3 {
		t.Fatalf("NumPieces = %d, want 3", a.NumPieces())
	}

	peerA := []int{2}
	peerB := []int{1, 0}
	for _, idx := range append(peerA, peerB...) {
		frag, _ := MetadataPiece(raw, idx)
		if a.Complete() {
			t.Fatal("complete before all fragments")
		}
		if err := a.Add(idx, frag); err != nil {
			t.Fatalf("Add(%d): %v", idx, err)
		}
	}
	frag, _ := MetadataPiece(raw, 1)
	if err := a.Add(1, frag); err != nil {
		t.Errorf("duplicate Add: %v", err)
	}

	info, err := a.Assemble()
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if info.Hash != hash {
		t.Errorf("Hash = %s, want %s", info.Hash, hash)
	}
	if !bytes.Equal(info.Raw, raw) {
		t.Error("Raw differs from assembled bytes")
	}
}

func TestMetadataAssembler_Truncated(t *testing.T) {
	raw, hash := metadataFixture(t)

	// A short final fragment is refused and assembly stays incomplete.
	a, _ := NewMetadataAssembler(hash, len(raw))
	for i := range 2 {
		frag, _ := MetadataPiece(raw, i)
		if err := a.Add(i, frag); err != nil {
			t.Fatal(err)
		}
	}
	last, _ := MetadataPiece(raw, 2)
	if err := a.Add(2, last[:len(last)-1]); err == nil {
		t.Error("truncated fragment accepted")
	}
	if _, err := a.Assemble(); !errors.Is(err, ErrMetadataIncomplete) {
		t.Errorf("Assemble error = %v, want ErrMetadataIncomplete", err)
	}
	if m := a.Missing(); len(m) != 1 || m[0] != 2 {
		t.Errorf("Missing = %v, want [2]", m)
	}

	// A peer advertising a truncated size yields bytes that do not hash to the info
	// hash; the assembler resets.
	short := raw[:len(raw)-10]
	b, _ := NewMetadataAssembler(hash, len(short))
	for i := range b.NumPieces() {
		frag, _ := MetadataPiece(short, i)
		if err := b.Add(i, frag); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := b.Assemble(); !errors.Is(err, ErrMetadataHashMismatch) {
		t.Errorf("Assemble error = %v, want ErrMetadataHashMismatch", err)
	}
	if b.Complete() {
		t.Error("assembler not reset after mismatch")
	}
}

func TestParseInfoHash(t *testing.T) {
	if _, err := ParseInfoHash("zz"); err == nil {
		t.Error("short hash accepted")
	}
	h, err := ParseInfoHash("0123456789abcdef0123456789abcdef01234567")
	if err != nil {
		t.Fatal(err)
	}
	if h.String() != "0123456789abcdef0123456789abcdef01234567" {
		t.Errorf("String = %s", h)
	}
}
