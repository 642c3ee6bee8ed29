package stattrib

import (
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// maxCleanRun is how many clean pages a migration Get skips over inside one
// block before it ends the block at the last dirty page.
const maxCleanRun = 16

// Software keeps attributes in a process-local array with a dirty bitmap
// that is only maintained while migration mode is on.
type Software struct {
	mu        sync.Mutex
	log       *slog.Logger
	limit     uint64
	values    []byte
	dirty     bitmap.Bitmap
	migrating bool
	inbound   []pending
}

// NewSoftware returns a store covering pages pages, all in the stable state.
func NewSoftware(pages uint64, logger *slog.Logger) *Software {
	if logger == nil {
		logger = slog.Default()
	}
	if pages > MaxPages {
		logger.Warn("stattrib: clamping page count", "pages", pages, "max", MaxPages)
		pages = MaxPages
	}
	return &Software{
		log:    logger,
		limit:  pages,
		values: make([]byte, pages),
		dirty:  bitmap.New(uint32(pages)),
	}
}

// Pages returns the configured page limit.
func (s *Software) Pages() uint64 {
	return s.limit
}

// Update records a guest-side change of the attribute of page gfn.
func (s *Software) Update(gfn uint64, value byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkRange(gfn, 1, s.limit); err != nil {
		return err
	}
	s.values[gfn] = value
	if s.migrating {
		s.dirty.Add(uint32(gfn))
	}
	return nil
}

// Get implements Store.
func (s *Software) Get(cursor *Cursor, values []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.migrating {
		n, err := s.peekLocked(cursor.GFN, values)
		if err != nil {
			return 0, err
		}
		cursor.Remaining = s.limit - cursor.GFN - uint64(n)
		return n, nil
	}

	first, ok := s.nextDirtyLocked(cursor.GFN)
	if !ok {
		cursor.Remaining = 0
		return 0, nil
	}

	n := 0
	gfn := first
	for n < len(values) && gfn < s.limit {
		values[n] = s.values[gfn]
		s.dirty.Remove(uint32(gfn))
		n++
		gfn++

		next, err := s.dirty.FirstOne(uint32(gfn))
		if err != nil || uint64(next)-gfn > maxCleanRun {
			break
		}
	}

	cursor.GFN = first
	cursor.Remaining = uint64(s.dirty.GetNumOnes())
	return n, nil
}

// nextDirtyLocked finds the first dirty page at or after start, wrapping
// around to page 0.
func (s *Software) nextDirtyLocked(start uint64) (uint64, bool) {
	if s.dirty.IsEmpty() {
		return 0, false
	}
	if start < s.limit {
		if gfn, err := s.dirty.FirstOne(uint32(start)); err == nil {
			return uint64(gfn), true
		}
	}
	gfn, err := s.dirty.FirstOne(0)
	if err != nil {
		return 0, false
	}
	return uint64(gfn), true
}

// Peek implements Store. A request running past the end is truncated.
func (s *Software) Peek(start uint64, values []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peekLocked(start, values)
}

func (s *Software) peekLocked(start uint64, values []byte) (int, error) {
	if start >= s.limit {
		if len(values) == 0 && start == s.limit {
			return 0, nil
		}
		return 0, checkRange(start, uint64(len(values)), s.limit)
	}
	return copy(values, s.values[start:]), nil
}

// Set implements Store.
func (s *Software) Set(start uint64, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inbound = append(s.inbound, pending{start: start, values: append([]byte(nil), values...)})
	return nil
}

// Synchronize implements Store. Nothing is applied unless every buffered
// range fits.
func (s *Software) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.inbound
	s.inbound = nil
	if err := validatePending(in, s.limit); err != nil {
		s.log.Warn("stattrib: discarding inbound attributes", "ranges", len(in), "error", err)
		return err
	}
	for _, r := range in {
		copy(s.values[r.start:], r.values)
	}
	return nil
}

// DirtyCount implements Store.
func (s *Software) DirtyCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.dirty.GetNumOnes())
}

// SetMigrationMode implements Store. Turning it on marks every page dirty.
func (s *Software) SetMigrationMode(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if enabled == s.migrating {
		return nil
	}
	s.migrating = enabled
	s.dirty = bitmap.New(uint32(s.limit))
	if enabled {
		for gfn := uint32(0); uint64(gfn) < s.limit; gfn++ {
			s.dirty.Add(gfn)
		}
	}
	s.log.Debug("stattrib: migration mode", "enabled", enabled, "pages", s.limit)
	return nil
}

// MigrationMode implements Store.
func (s *Software) MigrationMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrating
}

var _ Store = (*Software)(nil)
