// Package stattrib implements the s390x storage-attribute store: one CMMA
// usage-state byte per guest page, with dirty tracking used to stream the
// attributes during live migration.
package stattrib

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrOutOfRange   = errors.New("storage attribute range out of bounds")
	ErrNotMigrating = errors.New("migration mode is off")
)

// MaxPages is the largest guest the software store can track. The dirty
// bitmap rounds its uint32 size up to whole 64-bit blocks, which must not
// overflow.
const MaxPages = 1<<32 - 64

// Cursor tracks the outbound position of a migration. After Get, GFN is the
// first page of the returned block and Remaining the dirty pages left.
type Cursor struct {
	GFN       uint64
	Remaining uint64
}

// Store is the storage-attribute capability. Values are copied through
// caller-owned buffers.
type Store interface {
	// Get returns the next block of attributes. In migration mode the block
	// starts at the first dirty page at or after the cursor and the returned
	// pages are marked clean.
	Get(cursor *Cursor, values []byte) (int, error)
	// Peek returns attributes from start without touching dirty state.
	Peek(start uint64, values []byte) (int, error)
	// Set buffers inbound attributes until Synchronize.
	Set(start uint64, values []byte) error
	DirtyCount() uint64
	// Synchronize validates and applies everything buffered by Set.
	Synchronize() error
	SetMigrationMode(enabled bool) error
	MigrationMode() bool
}

// Accelerator is the hardware-virtualization capability the accelerated
// backend delegates to.
type Accelerator interface {
	// GetCMMA returns attributes of dirty pages from start, clearing their
	// dirty state. first is the page the returned block starts at.
	GetCMMA(start uint64, values []byte) (first uint64, n int, remaining uint64, err error)
	PeekCMMA(start uint64, values []byte) (int, error)
	SetCMMA(start uint64, values []byte) error
	SetMigrationMode(enabled bool) error
}

// New selects the backend for a machine with the given number of pages.
func New(pages uint64, accel Accelerator, logger *slog.Logger) Store {
	if accel != nil {
		return NewAccelerated(pages, accel, logger)
	}
	return NewSoftware(pages, logger)
}

func checkRange(start, count, limit uint64) error {
	end := start + count
	if end < start || end > limit {
		return fmt.Errorf("%w: start=%d count=%d limit=%d", ErrOutOfRange, start, count, limit)
	}
	return nil
}

// pending is inbound data buffered by Set.
type pending struct {
	start  uint64
	values []byte
}

// validatePending checks every buffered range before any of them is applied.
func validatePending(p []pending, limit uint64) error {
	for _, r := range p {
		if err := checkRange(r.start, uint64(len(r.values)), limit); err != nil {
			return err
		}
	}
	return nil
}
