package stattrib

import (
	"fmt"
	"log/slog"
	"sync"
)

// MaxValuesPerCall matches the KVM limit for one CMMA transfer.
const MaxValuesPerCall = 1 << 20

// Accelerated delegates attribute state to an Accelerator. Only the inbound
// buffer and the migration flag live here.
type Accelerated struct {
	mu        sync.Mutex
	accel     Accelerator
	log       *slog.Logger
	limit     uint64
	migrating bool
	inbound   []pending
}

func NewAccelerated(pages uint64, accel Accelerator, logger *slog.Logger) *Accelerated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accelerated{accel: accel, log: logger, limit: pages}
}

// Get implements Store. Outside migration mode the accelerator has no dirty
// state to report, so Get falls back to Peek.
func (a *Accelerated) Get(cursor *Cursor, values []byte) (int, error) {
	if !a.MigrationMode() {
		n, err := a.Peek(cursor.GFN, values)
		if err != nil {
			return 0, err
		}
		cursor.Remaining = a.limit - min(a.limit, cursor.GFN+uint64(n))
		return n, nil
	}

	values = values[:min(len(values), MaxValuesPerCall)]
	first, n, remaining, err := a.accel.GetCMMA(cursor.GFN, values)
	if err != nil {
		a.log.Warn("stattrib: accelerator get", "start", cursor.GFN, "error", err)
		return 0, fmt.Errorf("get storage attributes: %w", err)
	}
	cursor.GFN = first
	cursor.Remaining = remaining
	return n, nil
}

// Peek implements Store.
func (a *Accelerated) Peek(start uint64, values []byte) (int, error) {
	total := 0
	for total < len(values) {
		chunk := values[total:min(total+MaxValuesPerCall, len(values))]
		n, err := a.accel.PeekCMMA(start+uint64(total), chunk)
		if err != nil {
			return total, fmt.Errorf("peek storage attributes: %w", err)
		}
		total += n
		if n < len(chunk) {
			break
		}
	}
	return total, nil
}

// Set implements Store.
func (a *Accelerated) Set(start uint64, values []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inbound = append(a.inbound, pending{start: start, values: append([]byte(nil), values...)})
	return nil
}

// Synchronize implements Store.
func (a *Accelerated) Synchronize() error {
	a.mu.Lock()
	in := a.inbound
	a.inbound = nil
	a.mu.Unlock()

	if err := validatePending(in, a.limit); err != nil {
		a.log.Warn("stattrib: discarding inbound attributes", "ranges", len(in), "error", err)
		return err
	}
	for _, r := range in {
		for off := 0; off < len(r.values); off += MaxValuesPerCall {
			chunk := r.values[off:min(off+MaxValuesPerCall, len(r.values))]
			if err := a.accel.SetCMMA(r.start+uint64(off), chunk); err != nil {
				return fmt.Errorf("set storage attributes at gfn %d: %w", r.start+uint64(off), err)
			}
		}
	}
	return nil
}

// DirtyCount implements Store. The accelerator reports the count with an
// empty get.
func (a *Accelerated) DirtyCount() uint64 {
	if !a.MigrationMode() {
		return 0
	}
	_, _, remaining, err := a.accel.GetCMMA(0, nil)
	if err != nil {
		a.log.Warn("stattrib: accelerator dirty count", "error", err)
		return 0
	}
	return remaining
}

// SetMigrationMode implements Store.
func (a *Accelerated) SetMigrationMode(enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if enabled == a.migrating {
		return nil
	}
	if err := a.accel.SetMigrationMode(enabled); err != nil {
		return fmt.Errorf("set migration mode %t: %w", enabled, err)
	}
	a.migrating = enabled
	return nil
}

// MigrationMode implements Store.
func (a *Accelerated) MigrationMode() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.migrating
}

var _ Store = (*Accelerated)(nil)
