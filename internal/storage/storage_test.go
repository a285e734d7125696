package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
)

func multiFileInfo() *metainfo.Info {
	return &metainfo.Info{
		Name:        "album",
		PieceLength: 4,
		Length:      10,
		Pieces:      make([][20]byte, 3),
		Files: []metainfo.File{
			{Path: []string{"a.txt"}, Length: 3, Offset: 0},
			{Path: []string{"sub", "empty"}, Length: 0, Offset: 3},
			{Path: []string{"sub", "c.txt"}, Length: 7, Offset: 3},
		},
	}
}

func TestDiskMultiFile(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir, multiFileInfo())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	defer d.Close()

	// Crosses the boundary between a.txt and sub/c.txt.
	if n, err := d.WriteAt([]byte("bcdef"), 1); err != nil || n != 5 {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	if _, err := d.WriteAt([]byte("a"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := d.WriteAt([]byte("ghij"), 6); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, 10)
	if _, err := d.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "abcdefghij" {
		t.Errorf("ReadAt = %q, want %q", buf, "abcdefghij")
	}

	a, _ := os.ReadFile(filepath.Join(dir, "album", "a.txt"))
	c, _ := os.ReadFile(filepath.Join(dir, "album", "sub", "c.txt"))
	if string(a) != "abc" || string(c) != "defghij" {
		t.Errorf("files = %q, %q", a, c)
	}

	if err := d.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	st, err := os.Stat(filepath.Join(dir, "album", "sub", "empty"))
	if err != nil || st.Size() != 0 {
		t.Errorf("empty file: %v, %v", st, err)
	}
}

func TestDiskBounds(t *testing.T) {
	d, err := NewDisk(t.TempDir(), multiFileInfo())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	defer d.Close()

	if _, err := d.WriteAt([]byte("xx"), 9); err == nil {
		t.Error("write past end succeeded")
	}
	if _, err := d.ReadAt(make([]byte, 2), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("read of unwritten file: err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestDiskSingleFile(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{Name: "file.bin", PieceLength: 4, Length: 6, Pieces: make([][20]byte, 2)}
	d, err := NewDisk(dir, info)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	if _, err := d.WriteAt([]byte("hello!"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "file.bin"))
	if string(got) != "hello!" {
		t.Errorf("file = %q", got)
	}
	if _, err := d.WriteAt([]byte("x"), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("write after Close: err = %v, want ErrClosed", err)
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory(8)
	if _, err := m.WriteAt([]byte("abcd"), 4); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := m.WriteAt([]byte("abcd"), 6); err == nil {
		t.Error("write past end succeeded")
	}
	buf := make([]byte, 4)
	if n, err := m.ReadAt(buf, 4); n != 4 || err != nil {
		t.Errorf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(m.Bytes()[4:], []byte("abcd")) {
		t.Errorf("Bytes = %q", m.Bytes())
	}
}
