//go:build linux

// Package kvm backs the s390x storage-key and storage-attribute stores with
// the state KVM keeps for a guest.
package kvm

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/s390mmu/internal/hv/s390x/skeys"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/stattrib"
	"golang.org/x/sys/unix"
)

var ErrCMMAMigrationUnsupported = errors.New("kvm: CMMA migration not supported")

type Hypervisor struct {
	fd int
}

func Open() (*Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &Hypervisor{fd: fd}, nil
}

func (h *Hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

// CheckExtension returns the KVM_CHECK_EXTENSION value for cap.
func (h *Hypervisor) CheckExtension(cap int) (int, error) {
	return checkExtension(h.fd, cap)
}

// VM is a KVM guest whose memory, storage keys and CMMA attributes are owned
// by the kernel. It implements skeys.Accelerator and stattrib.Accelerator.
type VM struct {
	hv  *Hypervisor
	fd  int
	mem []byte
	log *slog.Logger

	cmmaMigration bool
	closeOnce     sync.Once
	closeErr      error
}

// NewVM creates a guest with memSize bytes of storage at absolute address 0.
// The VM takes ownership of h.
func (h *Hypervisor) NewVM(memSize uint64, logger *slog.Logger) (*VM, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if memSize == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}

	vmFd, err := createVm(h.fd, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &VM{hv: h, fd: vmFd, log: logger}

	enable := kvmDeviceAttr{Group: kvmS390VmMemCtrl, Attr: kvmS390VmMemEnableCmma}
	if hasDeviceAttr(vmFd, &enable) {
		if err := setDeviceAttr(vmFd, &enable); err != nil {
			logger.Warn("kvm: enable CMMA", "error", err)
		}
	}
	if v, err := h.CheckExtension(kvmCapS390CmmaMigration); err == nil && v > 0 {
		vm.cmmaMigration = true
	}

	mem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	vm.mem = mem

	if err := setUserMemoryRegion(vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("set user memory region: %w", err)
	}

	logger.Debug("kvm: created VM", "memory", memSize, "cmma_migration", vm.cmmaMigration)
	return vm, nil
}

// Memory returns guest absolute storage.
func (v *VM) Memory() []byte {
	return v.mem
}

func (v *VM) Close() error {
	v.closeOnce.Do(func() {
		if err := unix.Munmap(v.mem); err != nil {
			slog.Error("kvm: munmap memory", "error", err)
		}
		if err := unix.Close(v.fd); err != nil {
			v.closeErr = fmt.Errorf("close vm fd: %w", err)
		}
		if err := v.hv.Close(); err != nil && v.closeErr == nil {
			v.closeErr = err
		}
	})
	return v.closeErr
}

// GetKeys implements skeys.Accelerator.
func (v *VM) GetKeys(start uint64, keys []byte) (bool, error) {
	if len(keys) == 0 {
		return true, nil
	}
	args := kvmS390Skeys{
		StartGfn:     start,
		Count:        uint64(len(keys)),
		SkeydataAddr: uint64(uintptr(unsafe.Pointer(&keys[0]))),
	}
	r, err := getSkeys(v.fd, &args)
	runtime.KeepAlive(keys)
	if err != nil {
		return false, fmt.Errorf("kvm: get storage keys: %w", err)
	}
	return r != kvmS390GetSkeysNone, nil
}

// SetKeys implements skeys.Accelerator.
func (v *VM) SetKeys(start uint64, keys []byte) error {
	if len(keys) == 0 {
		return nil
	}
	args := kvmS390Skeys{
		StartGfn:     start,
		Count:        uint64(len(keys)),
		SkeydataAddr: uint64(uintptr(unsafe.Pointer(&keys[0]))),
	}
	err := setSkeys(v.fd, &args)
	runtime.KeepAlive(keys)
	if err != nil {
		return fmt.Errorf("kvm: set storage keys: %w", err)
	}
	return nil
}

// GetCMMA implements stattrib.Accelerator. An empty request only reports
// the dirty count.
func (v *VM) GetCMMA(start uint64, values []byte) (uint64, int, uint64, error) {
	if len(values) == 0 {
		var scratch [1]byte
		log := kvmS390CmmaLog{
			StartGfn: start,
			Count:    1,
			Flags:    kvmS390CmmaPeek,
			Values:   uint64(uintptr(unsafe.Pointer(&scratch[0]))),
		}
		err := getCmmaBits(v.fd, &log)
		runtime.KeepAlive(&scratch)
		if err != nil {
			return start, 0, 0, fmt.Errorf("kvm: get CMMA dirty count: %w", err)
		}
		return start, 0, log.Remaining, nil
	}

	log := kvmS390CmmaLog{
		StartGfn: start,
		Count:    uint32(min(len(values), kvmS390CmmaSizeMax)),
		Values:   uint64(uintptr(unsafe.Pointer(&values[0]))),
	}
	err := getCmmaBits(v.fd, &log)
	runtime.KeepAlive(values)
	if err != nil {
		return start, 0, 0, fmt.Errorf("kvm: get CMMA bits: %w", err)
	}
	return log.StartGfn, int(log.Count), log.Remaining, nil
}

// PeekCMMA implements stattrib.Accelerator.
func (v *VM) PeekCMMA(start uint64, values []byte) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}
	log := kvmS390CmmaLog{
		StartGfn: start,
		Count:    uint32(min(len(values), kvmS390CmmaSizeMax)),
		Flags:    kvmS390CmmaPeek,
		Values:   uint64(uintptr(unsafe.Pointer(&values[0]))),
	}
	err := getCmmaBits(v.fd, &log)
	runtime.KeepAlive(values)
	if err != nil {
		return 0, fmt.Errorf("kvm: peek CMMA bits: %w", err)
	}
	return int(log.Count), nil
}

// SetCMMA implements stattrib.Accelerator.
func (v *VM) SetCMMA(start uint64, values []byte) error {
	if len(values) == 0 {
		return nil
	}
	log := kvmS390CmmaLog{
		StartGfn:  start,
		Count:     uint32(min(len(values), kvmS390CmmaSizeMax)),
		Remaining: ^uint64(0), // mask
		Values:    uint64(uintptr(unsafe.Pointer(&values[0]))),
	}
	err := setCmmaBits(v.fd, &log)
	runtime.KeepAlive(values)
	if err != nil {
		return fmt.Errorf("kvm: set CMMA bits: %w", err)
	}
	return nil
}

// SetMigrationMode implements stattrib.Accelerator.
func (v *VM) SetMigrationMode(enabled bool) error {
	if !v.cmmaMigration {
		return ErrCMMAMigrationUnsupported
	}
	attr := kvmDeviceAttr{Group: kvmS390VmMigration, Attr: kvmS390VmMigrationStop}
	if enabled {
		attr.Attr = kvmS390VmMigrationStart
	}
	if err := setDeviceAttr(v.fd, &attr); err != nil {
		return fmt.Errorf("kvm: set migration mode %t: %w", enabled, err)
	}
	return nil
}

// MigrationStatus reports whether the kernel has migration mode on.
func (v *VM) MigrationStatus() (bool, error) {
	var status uint64
	attr := kvmDeviceAttr{
		Group: kvmS390VmMigration,
		Attr:  kvmS390VmMigrationStatus,
		Addr:  uint64(uintptr(unsafe.Pointer(&status))),
	}
	err := getDeviceAttr(v.fd, &attr)
	runtime.KeepAlive(&status)
	if err != nil {
		return false, fmt.Errorf("kvm: get migration status: %w", err)
	}
	return status != 0, nil
}

var (
	_ skeys.Accelerator    = (*VM)(nil)
	_ stattrib.Accelerator = (*VM)(nil)
)
