package s390x

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/s390mmu/internal/hv/factory"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/dat"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/mem"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/stattrib"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMemorySize = 64 << 20
	maxConfigSize     = 1024 * 1024
	prefixAreaSize    = 0x2000
)

var ErrInvalidConfig = errors.New("invalid machine config")

// Config describes one guest machine. Zero values are replaced by defaults
// in Normalize.
type Config struct {
	MemorySize uint64          `yaml:"memory_size"`
	Prefix     uint64          `yaml:"prefix"`
	Backend    string          `yaml:"backend"` // auto, software or kvm
	Features   FeatureConfig   `yaml:"features"`
	Controls   ControlConfig   `yaml:"controls"`
	Migration  MigrationConfig `yaml:"migration"`
}

// FeatureConfig is the CPU model. Unset features default to installed.
type FeatureConfig struct {
	EDAT1 *bool `yaml:"edat1"`
	EDAT2 *bool `yaml:"edat2"`
	IEP   *bool `yaml:"iep"`
}

// ControlConfig is the initial PSW and control register state.
type ControlConfig struct {
	DAT                  bool   `yaml:"dat"`
	LowAddressProtection bool   `yaml:"low_address_protection"`
	AddressSpace         string `yaml:"address_space"` // primary, secondary or home
	PrimaryASCE          uint64 `yaml:"primary_asce"`
	SecondaryASCE        uint64 `yaml:"secondary_asce"`
	HomeASCE             uint64 `yaml:"home_asce"`
}

type MigrationConfig struct {
	BlockSize      int     `yaml:"block_size"`
	BytesPerSecond float64 `yaml:"bytes_per_second"` // 0 is unlimited
}

// LoadConfig reads a YAML machine config. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("%w: %s is %d bytes", ErrInvalidConfig, path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes, normalizes and validates a YAML machine config.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func boolPtr(v bool) *bool { return &v }

// Normalize fills in defaults.
func (c *Config) Normalize() {
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.Backend == "" {
		c.Backend = factory.BackendAuto
	}
	if c.Features.EDAT1 == nil {
		c.Features.EDAT1 = boolPtr(true)
	}
	if c.Features.EDAT2 == nil {
		c.Features.EDAT2 = boolPtr(true)
	}
	if c.Features.IEP == nil {
		c.Features.IEP = boolPtr(true)
	}
	if c.Controls.AddressSpace == "" {
		c.Controls.AddressSpace = "primary"
	}
	if c.Migration.BlockSize == 0 {
		c.Migration.BlockSize = stattrib.DefaultBlockSize
	}
}

func (c *Config) Validate() error {
	switch {
	case c.MemorySize == 0 || c.MemorySize%mem.PageSize != 0:
		return fmt.Errorf("%w: memory size %#x is not a positive multiple of %#x", ErrInvalidConfig, c.MemorySize, mem.PageSize)
	case c.MemorySize>>mem.PageShift > stattrib.MaxPages:
		return fmt.Errorf("%w: memory size %#x too large", ErrInvalidConfig, c.MemorySize)
	case c.Prefix%prefixAreaSize != 0 || c.Prefix+prefixAreaSize > c.MemorySize:
		return fmt.Errorf("%w: prefix %#x must be 8K aligned and inside storage", ErrInvalidConfig, c.Prefix)
	case c.Migration.BlockSize < 0 || c.Migration.BlockSize > stattrib.MaxValuesPerCall:
		return fmt.Errorf("%w: migration block size %d", ErrInvalidConfig, c.Migration.BlockSize)
	case c.Migration.BytesPerSecond < 0:
		return fmt.Errorf("%w: negative migration rate", ErrInvalidConfig)
	}

	switch c.Backend {
	case factory.BackendAuto, factory.BackendSoftware, factory.BackendKVM:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}

	if _, err := c.Controls.selector(); err != nil {
		return err
	}
	if boolOr(c.Features.EDAT2, false) && !boolOr(c.Features.EDAT1, false) {
		return fmt.Errorf("%w: edat2 requires edat1", ErrInvalidConfig)
	}
	return nil
}

func (c *ControlConfig) selector() (dat.Selector, error) {
	switch c.AddressSpace {
	case "", "primary":
		return dat.SelectorPrimary, nil
	case "secondary":
		return dat.SelectorSecondary, nil
	case "home":
		return dat.SelectorHome, nil
	default:
		return 0, fmt.Errorf("%w: address space %q", ErrInvalidConfig, c.AddressSpace)
	}
}

// features returns the CPU model features.
func (c *Config) features() dat.Features {
	return dat.Features{
		EDAT1: boolOr(c.Features.EDAT1, true),
		EDAT2: boolOr(c.Features.EDAT2, true),
		IEP:   boolOr(c.Features.IEP, true),
	}
}

// controls builds the initial CPU control state. Installed features are
// also enabled in CR0.
func (c *Config) controls() *dat.Controls {
	ctl := &dat.Controls{Prefix: c.Prefix}
	if c.Controls.DAT {
		ctl.PSWMask |= dat.PSWMaskDAT
	}
	sel, _ := c.Controls.selector()
	ctl.SetSelector(sel)

	f := c.features()
	if c.Controls.LowAddressProtection {
		ctl.CR[0] |= dat.CR0LowAddress
	}
	if f.EDAT1 {
		ctl.CR[0] |= dat.CR0EDAT
	}
	if f.IEP {
		ctl.CR[0] |= dat.CR0IEP
	}
	ctl.CR[1] = c.Controls.PrimaryASCE
	ctl.CR[7] = c.Controls.SecondaryASCE
	ctl.CR[13] = c.Controls.HomeASCE
	return ctl
}
