// Package s390x assembles the guest storage, storage-key store,
// storage-attribute store and DAT translator of one s390x machine.
package s390x

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/s390mmu/internal/hv"
	"github.com/tinyrange/s390mmu/internal/hv/factory"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/dat"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/mem"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/skeys"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/stattrib"
)

// Machine owns the storage-related state of a guest. When an accelerator is
// in use, storage, keys and attributes all live in it.
type Machine struct {
	cfg   Config
	log   *slog.Logger
	accel hv.Accelerator

	storage    *mem.Storage
	keys       skeys.Store
	attributes stattrib.Store
	translator *dat.Translator
}

// New builds a machine from cfg, probing for an accelerator as the backend
// setting asks.
func New(cfg Config, logger *slog.Logger) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	accel, err := factory.Select(cfg.Backend, cfg.MemorySize, logger)
	if err != nil {
		return nil, fmt.Errorf("select backend: %w", err)
	}
	return newMachine(cfg, accel, logger), nil
}

// NewWithAccelerator builds a machine on an accelerator the caller already
// opened. A nil accelerator selects the software stores.
func NewWithAccelerator(cfg Config, accel hv.Accelerator, logger *slog.Logger) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newMachine(cfg, accel, logger), nil
}

func newMachine(cfg Config, accel hv.Accelerator, logger *slog.Logger) *Machine {
	pages := cfg.MemorySize >> mem.PageShift
	m := &Machine{cfg: cfg, log: logger, accel: accel}

	if accel != nil {
		m.storage = mem.FromBytes(accel.Memory())
		m.keys = skeys.New(pages, accel, logger)
		m.attributes = stattrib.New(pages, accel, logger)
	} else {
		m.storage = mem.New(cfg.MemorySize)
		m.keys = skeys.New(pages, nil, logger)
		m.attributes = stattrib.New(pages, nil, logger)
	}

	m.translator = dat.NewTranslator(dat.Config{
		Memory:   m.storage,
		Keys:     m.keys,
		Features: cfg.features(),
		Controls: cfg.controls(),
		Logger:   logger,
	})

	logger.Debug("s390x: machine ready",
		"memory", cfg.MemorySize,
		"accelerated", accel != nil,
		"features", fmt.Sprintf("%+v", cfg.features()))
	return m
}

func (m *Machine) Config() Config { return m.cfg }
func (m *Machine) Storage() *mem.Storage { return m.storage }
func (m *Machine) Keys() skeys.Store { return m.keys }
func (m *Machine) Attributes() stattrib.Store { return m.attributes }
func (m *Machine) Translator() *dat.Translator { return m.translator }
func (m *Machine) Controls() *dat.Controls { return m.translator.Controls() }
func (m *Machine) Accelerated() bool { return m.accel != nil }
func (m *Machine) Pages() uint64 { return m.cfg.MemorySize >> mem.PageShift }

// Translate translates an address with the machine's current controls.
func (m *Machine) Translate(addr uint64, intent dat.Intent) (dat.Result, error) {
	return m.translator.Translate(dat.Request{
		Addr:     addr,
		Intent:   intent,
		Selector: m.Controls().Selector(),
	})
}

// SaveKeys writes the storage-key migration stream.
func (m *Machine) SaveKeys(w io.Writer) error {
	return skeys.Save(w, m.keys, m.Pages())
}

// LoadKeys applies a storage-key migration stream.
func (m *Machine) LoadKeys(r io.Reader) error {
	return skeys.Load(r, m.keys, m.Pages())
}

// DumpKeys writes a listing of every storage key.
func (m *Machine) DumpKeys(w io.Writer) error {
	return skeys.Dump(w, m.keys, m.Pages())
}

// UpdateAttribute changes the attribute of one page the way a guest would.
// Accelerated attributes are owned by the kernel and cannot be updated here.
func (m *Machine) UpdateAttribute(gfn uint64, value byte) error {
	u, ok := m.attributes.(interface{ Update(uint64, byte) error })
	if !ok {
		return fmt.Errorf("update attribute: not supported by %T", m.attributes)
	}
	return u.Update(gfn, value)
}

// NewAttributeSaver returns a saver configured from the machine's migration
// settings.
func (m *Machine) NewAttributeSaver(w io.Writer) *stattrib.Saver {
	return stattrib.NewSaver(w, m.attributes, m.saverConfig())
}

func (m *Machine) saverConfig() stattrib.SaverConfig {
	return stattrib.SaverConfig{
		BlockSize:      m.cfg.Migration.BlockSize,
		BytesPerSecond: m.cfg.Migration.BytesPerSecond,
		Logger:         m.log,
	}
}

// SaveAttributes writes a complete storage-attribute stream.
func (m *Machine) SaveAttributes(ctx context.Context, w io.Writer) error {
	return stattrib.Save(ctx, w, m.attributes, m.saverConfig())
}

// LoadAttributes applies a complete storage-attribute stream.
func (m *Machine) LoadAttributes(r io.Reader) error {
	return stattrib.Load(r, m.attributes)
}

// DumpAttributes lists count attributes from page start.
func (m *Machine) DumpAttributes(w io.Writer, start, count uint64) error {
	return stattrib.Dump(w, m.attributes, start, count)
}

// Close releases the accelerator, if any.
func (m *Machine) Close() error {
	if m.accel == nil {
		return nil
	}
	return m.accel.Close()
}
