// Package storage maps the concatenated piece space of a torrent onto files.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
)

var ErrClosed = errors.New("storage closed")

// Disk lays a torrent out on disk: single-file torrents as dir/name, multi-file
// torrents under dir/name/. Files are created on first write.
type Disk struct {
	files  []*diskFile
	length int64

	mu     sync.Mutex
	closed bool
}

type diskFile struct {
	path   string
	offset int64
	length int64

	mu sync.Mutex
	f  *os.File
}

func NewDisk(dir string, info *metainfo.Info) (*Disk, error) {
	if info.Name == "" {
		return nil, fmt.Errorf("torrent has no name")
	}
	d := &Disk{length: int64(info.Length)}
	if info.IsSingleFile() {
		d.files = []*diskFile{{path: filepath.Join(dir, info.Name), length: int64(info.Length)}}
		return d, nil
	}
	base := filepath.Join(dir, info.Name)
	for _, f := range info.GetFiles() {
		pathComponents := append([]string{base}, f.Path...)
		d.files = append(d.files, &diskFile{
			path:   filepath.Join(pathComponents...),
			offset: int64(f.Offset),
			length: int64(f.Length),
		})
	}
	return d, nil
}

// Paths lists the file paths in torrent order.
func (d *Disk) Paths() []string {
	paths := make([]string, len(d.files))
	for i, f := range d.files {
		paths[i] = f.path
	}
	return paths
}

// span calls fn for each file region overlapping [off, off+n).
func (d *Disk) span(off int64, n int, fn func(f *diskFile, fileOff int64, lo, hi int) error) error {
	if off < 0 || off+int64(n) > d.length {
		return fmt.Errorf("range [%d, %d) outside torrent of %d bytes", off, off+int64(n), d.length)
	}
	i := sort.Search(len(d.files), func(i int) bool {
		return d.files[i].offset+d.files[i].length > off
	})
	pos := 0
	for ; i < len(d.files) && pos < n; i++ {
		f := d.files[i]
		if f.length == 0 {
			continue
		}
		fileOff := off + int64(pos) - f.offset
		chunk := int(min(f.length-fileOff, int64(n-pos)))
		if err := fn(f, fileOff, pos, pos+chunk); err != nil {
			return err
		}
		pos += chunk
	}
	return nil
}

func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	if d.isClosed() {
		return 0, ErrClosed
	}
	written := 0
	err := d.span(off, len(p), func(f *diskFile, fileOff int64, lo, hi int) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := f.open(); err != nil {
			return err
		}
		n, err := f.f.WriteAt(p[lo:hi], fileOff)
		written += n
		if err != nil {
			return fmt.Errorf("error writing file %s: %w", f.path, err)
		}
		return nil
	})
	return written, err
}

// ReadAt reads stored data. Regions of files not yet created read as io.ErrUnexpectedEOF.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	if d.isClosed() {
		return 0, ErrClosed
	}
	read := 0
	err := d.span(off, len(p), func(f *diskFile, fileOff int64, lo, hi int) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.f == nil {
			file, err := os.OpenFile(f.path, os.O_RDWR, 0)
			if errors.Is(err, fs.ErrNotExist) {
				return io.ErrUnexpectedEOF
			}
			if err != nil {
				return fmt.Errorf("error opening file %s: %w", f.path, err)
			}
			f.f = file
		}
		n, err := f.f.ReadAt(p[lo:hi], fileOff)
		read += n
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	})
	return read, err
}

func (f *diskFile) open() error {
	if f.f != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("error creating directory %s: %w", filepath.Dir(f.path), err)
	}
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("error opening file %s: %w", f.path, err)
	}
	f.f = file
	return nil
}

// Finalize creates every file at its final size, including empty ones, and syncs them.
func (d *Disk) Finalize() error {
	if d.isClosed() {
		return ErrClosed
	}
	for _, f := range d.files {
		f.mu.Lock()
		err := f.open()
		if err == nil {
			err = f.f.Truncate(f.length)
		}
		if err == nil {
			err = f.f.Sync()
		}
		f.mu.Unlock()
		if err != nil {
			return fmt.Errorf("error finalizing %s: %w", f.path, err)
		}
	}
	return nil
}

func (d *Disk) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var errs []error
	for _, f := range d.files {
		f.mu.Lock()
		if f.f != nil {
			errs = append(errs, f.f.Close())
			f.f = nil
		}
		f.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (d *Disk) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Memory keeps the whole torrent in a byte slice.
type Memory struct {
	mu  sync.RWMutex
	buf []byte
}

func NewMemory(size int) *Memory {
	return &Memory{buf: make([]byte, size)}
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("write [%d, %d) outside %d bytes", off, off+int64(len(p)), len(m.buf))
	}
	return copy(m.buf[off:], p), nil
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Bytes returns a copy of the stored data.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.buf...)
}

func (m *Memory) Finalize() error { return nil }
func (m *Memory) Close() error    { return nil }
