package factory

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/s390mmu/internal/hv"
)

// Backend names accepted by Select.
const (
	BackendAuto     = "auto"
	BackendSoftware = "software"
	BackendKVM      = "kvm"
)

// Select resolves a backend name to an accelerator. A nil accelerator means
// the software stores are used. "auto" prefers the host accelerator and
// quietly falls back when none is available.
func Select(backend string, memSize uint64, logger *slog.Logger) (hv.Accelerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend {
	case BackendSoftware:
		return nil, nil
	case BackendKVM:
		return Open(memSize, logger)
	case "", BackendAuto:
		accel, err := Open(memSize, logger)
		if err != nil {
			logger.Debug("factory: no accelerator, using software stores", "error", err)
			return nil, nil
		}
		return accel, nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", backend)
	}
}
