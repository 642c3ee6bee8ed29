// Package mem models guest absolute storage for the s390x translation unit.
//
// Storage is big-endian and starts at absolute address zero. Accesses beyond
// the configured size fail with ErrAddressing, which the DAT walker turns into
// an addressing exception.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = ^uint64(PageSize - 1)
)

// ErrAddressing is returned for accesses outside of configured storage.
var ErrAddressing = errors.New("address not available")

var storageEndian = binary.BigEndian

// Reader is the view of storage the DAT walker needs. Table entries are
// always fetched as doublewords from absolute storage.
type Reader interface {
	Read64(addr uint64) (uint64, error)
}

// Storage is a contiguous block of guest absolute storage.
type Storage struct {
	data []byte
}

// New creates zeroed storage of the given size. The size is rounded up to a
// whole number of pages.
func New(size uint64) *Storage {
	size = (size + PageSize - 1) &^ (PageSize - 1)
	return &Storage{data: make([]byte, size)}
}

// FromBytes wraps an existing image. The slice is used directly.
func FromBytes(data []byte) *Storage {
	return &Storage{data: data}
}

// Size returns the storage size in bytes.
func (s *Storage) Size() uint64 {
	return uint64(len(s.data))
}

// Pages returns the number of 4K pages backing the storage.
func (s *Storage) Pages() uint64 {
	return s.Size() >> PageShift
}

func (s *Storage) check(addr uint64, size int) error {
	end := addr + uint64(size)
	if end < addr || end > uint64(len(s.data)) {
		return fmt.Errorf("%w: addr=0x%x size=%d len=0x%x", ErrAddressing, addr, size, len(s.data))
	}
	return nil
}

// Read reads an integer of the given width.
func (s *Storage) Read(addr uint64, size int) (uint64, error) {
	if err := s.check(addr, size); err != nil {
		return 0, err
	}

	switch size {
	case 1:
		return uint64(s.data[addr]), nil
	case 2:
		return uint64(storageEndian.Uint16(s.data[addr:])), nil
	case 4:
		return uint64(storageEndian.Uint32(s.data[addr:])), nil
	case 8:
		return storageEndian.Uint64(s.data[addr:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

// Write writes an integer of the given width.
func (s *Storage) Write(addr uint64, size int, value uint64) error {
	if err := s.check(addr, size); err != nil {
		return err
	}

	switch size {
	case 1:
		s.data[addr] = byte(value)
	case 2:
		storageEndian.PutUint16(s.data[addr:], uint16(value))
	case 4:
		storageEndian.PutUint32(s.data[addr:], uint32(value))
	case 8:
		storageEndian.PutUint64(s.data[addr:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

func (s *Storage) Read8(addr uint64) (uint8, error) {
	v, err := s.Read(addr, 1)
	return uint8(v), err
}

func (s *Storage) Read32(addr uint64) (uint32, error) {
	v, err := s.Read(addr, 4)
	return uint32(v), err
}

func (s *Storage) Read64(addr uint64) (uint64, error) {
	return s.Read(addr, 8)
}

func (s *Storage) Write8(addr uint64, value uint8) error {
	return s.Write(addr, 1, uint64(value))
}

func (s *Storage) Write32(addr uint64, value uint32) error {
	return s.Write(addr, 4, uint64(value))
}

func (s *Storage) Write64(addr uint64, value uint64) error {
	return s.Write(addr, 8, value)
}

// ReadAt implements io.ReaderAt.
func (s *Storage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (s *Storage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.data)) {
		return 0, fmt.Errorf("%w: write at 0x%x len=%d", ErrAddressing, off, len(p))
	}
	return copy(s.data[off:], p), nil
}

// Bytes exposes the backing image, used when handing storage to an
// accelerator or writing a dump.
func (s *Storage) Bytes() []byte {
	return s.data
}

var (
	_ Reader      = (*Storage)(nil)
	_ io.ReaderAt = (*Storage)(nil)
	_ io.WriterAt = (*Storage)(nil)
)
