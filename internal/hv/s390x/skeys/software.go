package skeys

import (
	"log/slog"
	"sync"
)

// Software keeps storage keys in a flat array sized to the guest memory
// limit. The array is only allocated once the guest (or a migration stream)
// first touches keys.
type Software struct {
	mu    sync.Mutex
	log   *slog.Logger
	limit uint64
	state State
	keys  []byte
}

// NewSoftware returns a disabled store covering pages pages.
func NewSoftware(pages uint64, logger *slog.Logger) *Software {
	if logger == nil {
		logger = slog.Default()
	}
	return &Software{
		log:   logger,
		limit: pages,
		state: StateDisabled,
	}
}

func (s *Software) logger() *slog.Logger {
	if s.log == nil {
		return slog.Default()
	}
	return s.log
}

// State returns the current lifecycle state.
func (s *Software) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pages returns the configured page limit.
func (s *Software) Pages() uint64 {
	return s.limit
}

// Enabled implements Store.
func (s *Software) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEnabled
}

// Enable implements Store.
func (s *Software) Enable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.state == StateEnabled
	if err := s.enableLocked(); err != nil {
		s.logger().Error("skeys: enable", "error", err)
	}
	return was
}

func (s *Software) enableLocked() error {
	switch s.state {
	case StateEnabled:
		return nil
	case StateUninitialized:
		return ErrUninitialized
	}
	s.keys = make([]byte, s.limit)
	s.state = StateEnabled
	s.logger().Debug("skeys: enabled software storage keys", "pages", s.limit)
	return nil
}

// Get implements Store.
func (s *Software) Get(start uint64, keys []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareLocked(start, uint64(len(keys))); err != nil {
		s.logger().Warn("skeys: get", "start", start, "count", len(keys), "error", err)
		return err
	}
	copy(keys, s.keys[start:])
	return nil
}

// Set implements Store.
func (s *Software) Set(start uint64, keys []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareLocked(start, uint64(len(keys))); err != nil {
		s.logger().Warn("skeys: set", "start", start, "count", len(keys), "error", err)
		return err
	}
	copy(s.keys[start:], keys)
	return nil
}

// prepareLocked validates the range before allocating so that a bad request
// never changes the store.
func (s *Software) prepareLocked(start, count uint64) error {
	if s.state == StateUninitialized {
		return ErrUninitialized
	}
	if err := checkRange(start, count, s.limit); err != nil {
		return err
	}
	return s.enableLocked()
}

// Reset frees the key array and returns the store to the disabled state.
func (s *Software) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnabled {
		s.keys = nil
		s.state = StateDisabled
	}
}

var _ Store = (*Software)(nil)
