// Package nv is the byte-addressed settings store.
//
// Components own fixed regions of the image (see the layout constants) and
// read them once at init. A magic key at offset 0 tells whether the image
// has ever been written; until it has, components write their defaults.
package nv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Layout of the image.
const (
	KeyOffset   = 0
	KeySize     = 8
	GotoOffset  = 16
	ParkOffset  = 40
	AxisOffset  = 64
	AxisSize    = 64
	MaxAxes     = 4
	DefaultSize = AxisOffset + AxisSize*MaxAxes
)

// Key marks an initialised image.
const Key uint64 = 0x314f47544e554f4d // "MOUNTGO1"

// ErrOutOfRange is returned for accesses past the end of the image.
var ErrOutOfRange = errors.New("nv: access out of range")

// Store is a byte-addressed non-volatile store.
type Store interface {
	ReadBytes(offset int, buf []byte) error
	WriteBytes(offset int, buf []byte) error
	HasValidKey() bool
	// WriteKey marks the image as initialised.
	WriteKey() error
	// Commit flushes pending writes to the backing medium.
	Commit() error
}

// AxisOffsetFor returns the offset of the settings region of axis n (1-based).
func AxisOffsetFor(n int) int {
	return AxisOffset + (n-1)*AxisSize
}

// Read decodes a fixed-size value at offset.
func Read(s Store, offset int, v any) error {
	buf := make([]byte, binary.Size(v))
	if err := s.ReadBytes(offset, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// Write encodes a fixed-size value at offset.
func Write(s Store, offset int, v any) error {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("nv: encode: %w", err)
	}
	return s.WriteBytes(offset, b.Bytes())
}

// Memory is an in-memory Store.
type Memory struct {
	mu    sync.Mutex
	image []byte
	dirty bool
}

// NewMemory returns a blank image of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{image: make([]byte, size)}
}

func (m *Memory) ReadBytes(offset int, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset < 0 || offset+len(buf) > len(m.image) {
		return ErrOutOfRange
	}
	copy(buf, m.image[offset:])
	return nil
}

func (m *Memory) WriteBytes(offset int, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset < 0 || offset+len(buf) > len(m.image) {
		return ErrOutOfRange
	}
	if !bytes.Equal(m.image[offset:offset+len(buf)], buf) {
		copy(m.image[offset:], buf)
		m.dirty = true
	}
	return nil
}

func (m *Memory) HasValidKey() bool {
	var k uint64
	if err := Read(m, KeyOffset, &k); err != nil {
		return false
	}
	return k == Key
}

func (m *Memory) WriteKey() error {
	return Write(m, KeyOffset, Key)
}

func (m *Memory) Commit() error {
	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
	return nil
}

// Dirty reports whether writes happened since the last Commit.
func (m *Memory) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

func (m *Memory) snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.image...)
}

// File is a Store backed by an image file. Writes stay in memory until
// Commit, which replaces the file atomically.
type File struct {
	*Memory
	path string
}

// OpenFile loads the image at path, or starts a blank one when the file
// does not exist yet.
func OpenFile(path string, size int) (*File, error) {
	f := &File{Memory: NewMemory(size), path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read nv image: %w", err)
	}
	if len(data) > size {
		return nil, fmt.Errorf("nv image %s is %d bytes, max %d", path, len(data), size)
	}
	copy(f.image, data)
	return f, nil
}

func (f *File) Commit() error {
	if !f.Dirty() {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".nv-*")
	if err != nil {
		return fmt.Errorf("commit nv image: %w", err)
	}
	if _, err := tmp.Write(f.snapshot()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("commit nv image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit nv image: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit nv image: %w", err)
	}
	return f.Memory.Commit()
}
