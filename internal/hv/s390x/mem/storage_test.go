package mem

import (
	"errors"
	"testing"
)

func TestReadWriteBigEndian(t *testing.T) {
	s := New(PageSize)

	if err := s.Write64(0x10, 0x0102030405060708); err != nil {
		t.Fatalf("Write64: %v", err)
	}

	b, err := s.Read8(0x10)
	if err != nil {
		t.Fatalf("Read8: %v", err)
	}
	if b != 0x01 {
		t.Fatalf("expected most significant byte first, got 0x%02x", b)
	}

	w, err := s.Read32(0x14)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if w != 0x05060708 {
		t.Fatalf("Read32 = 0x%x, want 0x05060708", w)
	}
}

func TestAddressingError(t *testing.T) {
	s := New(PageSize)

	if _, err := s.Read64(PageSize - 4); !errors.Is(err, ErrAddressing) {
		t.Fatalf("read across end: expected ErrAddressing, got %v", err)
	}
	if _, err := s.Read64(^uint64(0) - 2); !errors.Is(err, ErrAddressing) {
		t.Fatalf("wrapping read: expected ErrAddressing, got %v", err)
	}
	if err := s.Write8(PageSize, 1); !errors.Is(err, ErrAddressing) {
		t.Fatalf("write past end: expected ErrAddressing, got %v", err)
	}
}

func TestSizeRoundsToPages(t *testing.T) {
	s := New(PageSize + 1)
	if s.Pages() != 2 {
		t.Fatalf("Pages = %d, want 2", s.Pages())
	}
}

func TestWriteAtBounds(t *testing.T) {
	s := New(PageSize)
	if _, err := s.WriteAt([]byte{1, 2}, PageSize-1); err == nil {
		t.Fatal("expected error for WriteAt past end")
	}
	if n, err := s.WriteAt([]byte{1, 2}, 8); err != nil || n != 2 {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	buf := make([]byte, 2)
	if _, err := s.ReadAt(buf, 8); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if buf[0] != 1 || buf[1] != 2 {
		t.Fatalf("ReadAt = %v", buf)
	}
}
