//go:build linux && s390x

package factory

import (
	"log/slog"

	"github.com/tinyrange/s390mmu/internal/hv"
	"github.com/tinyrange/s390mmu/internal/hv/kvm"
)

func Open(memSize uint64, logger *slog.Logger) (hv.Accelerator, error) {
	h, err := kvm.Open()
	if err != nil {
		return nil, err
	}
	vm, err := h.NewVM(memSize, logger)
	if err != nil {
		h.Close()
		return nil, err
	}
	return vm, nil
}
