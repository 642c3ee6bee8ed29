// Package skeys implements the s390x storage-key store: one key byte per 4K
// guest page recording access control, fetch protection, reference and
// change state.
//
// Two backends satisfy Store. Software keeps the keys in a process-local
// array that is allocated on first use. Accelerated forwards every request to
// an Accelerator, normally the KVM provider in internal/hv/kvm.
package skeys

import (
	"errors"
	"fmt"
	"log/slog"
)

// Storage key bits.
const (
	KeyACC    = 0xf0 // access-control bits
	KeyFetch  = 0x08 // fetch protection
	KeyRef    = 0x04 // reference
	KeyChange = 0x02 // change
)

var (
	ErrOutOfRange    = errors.New("storage key range out of bounds")
	ErrDisabled      = errors.New("storage keys not enabled")
	ErrUninitialized = errors.New("storage key store not initialized")
)

// State is the lifecycle state of a key store.
type State uint8

const (
	StateUninitialized State = iota
	StateDisabled
	StateEnabled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Store is the storage-key capability. Keys are copied in and out of
// caller-owned buffers; the number of keys is len(keys).
type Store interface {
	// Enabled reports whether any key operation has enabled the store.
	Enabled() bool
	// Enable switches key handling on and reports whether it already was.
	Enable() bool
	Get(start uint64, keys []byte) error
	Set(start uint64, keys []byte) error
}

// Accelerator is the hardware-virtualization capability the accelerated
// backend delegates to.
type Accelerator interface {
	// GetKeys fills keys starting at page start. enabled is false when the
	// guest has never used storage keys, in which case keys is untouched.
	GetKeys(start uint64, keys []byte) (enabled bool, err error)
	SetKeys(start uint64, keys []byte) error
}

// New selects the backend for a machine with the given number of pages.
// A non-nil accelerator wins over the software model.
func New(pages uint64, accel Accelerator, logger *slog.Logger) Store {
	if accel != nil {
		return NewAccelerated(accel, logger)
	}
	return NewSoftware(pages, logger)
}

// checkRange validates [start, start+count) against limit without overflow.
func checkRange(start, count, limit uint64) error {
	end := start + count
	if end < start || end > limit {
		return fmt.Errorf("%w: start=%d count=%d limit=%d", ErrOutOfRange, start, count, limit)
	}
	return nil
}
