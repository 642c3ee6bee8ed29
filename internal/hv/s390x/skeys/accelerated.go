package skeys

import (
	"fmt"
	"log/slog"
)

// MaxKeysPerCall bounds a single accelerator request. It matches the limit
// KVM places on KVM_S390_GET_SKEYS and KVM_S390_SET_SKEYS.
const MaxKeysPerCall = 1 << 20

// Accelerated delegates storage keys to an Accelerator. The accelerator owns
// the key state, so this type keeps none of its own.
type Accelerated struct {
	accel Accelerator
	log   *slog.Logger
}

func NewAccelerated(accel Accelerator, logger *slog.Logger) *Accelerated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accelerated{accel: accel, log: logger}
}

// Enabled implements Store. The accelerator reports keys as disabled until
// the guest or a Set call has used them.
func (a *Accelerated) Enabled() bool {
	var probe [1]byte
	enabled, err := a.accel.GetKeys(0, probe[:])
	if err != nil {
		a.log.Warn("skeys: probe accelerator keys", "error", err)
		return false
	}
	return enabled
}

// Enable implements Store. Setting any key makes the accelerator switch key
// handling on; page 0 is rewritten with its default key.
func (a *Accelerated) Enable() bool {
	if a.Enabled() {
		return true
	}
	if err := a.accel.SetKeys(0, []byte{0}); err != nil {
		a.log.Error("skeys: enable accelerator keys", "error", err)
	}
	return false
}

// Get implements Store.
func (a *Accelerated) Get(start uint64, keys []byte) error {
	for off := 0; off < len(keys); off += MaxKeysPerCall {
		chunk := keys[off:min(off+MaxKeysPerCall, len(keys))]
		enabled, err := a.accel.GetKeys(start+uint64(off), chunk)
		if err != nil {
			a.log.Warn("skeys: accelerator get", "start", start+uint64(off), "count", len(chunk), "error", err)
			return fmt.Errorf("get storage keys: %w", err)
		}
		if !enabled {
			return ErrDisabled
		}
	}
	return nil
}

// Set implements Store.
func (a *Accelerated) Set(start uint64, keys []byte) error {
	for off := 0; off < len(keys); off += MaxKeysPerCall {
		chunk := keys[off:min(off+MaxKeysPerCall, len(keys))]
		if err := a.accel.SetKeys(start+uint64(off), chunk); err != nil {
			a.log.Warn("skeys: accelerator set", "start", start+uint64(off), "count", len(chunk), "error", err)
			return fmt.Errorf("set storage keys: %w", err)
		}
	}
	return nil
}

var _ Store = (*Accelerated)(nil)
