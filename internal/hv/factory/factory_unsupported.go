//go:build !(linux && s390x)

package factory

import (
	"log/slog"

	"github.com/tinyrange/s390mmu/internal/hv"
)

func Open(memSize uint64, logger *slog.Logger) (hv.Accelerator, error) {
	return nil, hv.ErrHypervisorUnsupported
}
