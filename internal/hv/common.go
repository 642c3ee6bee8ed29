package hv

import (
	"errors"

	"github.com/tinyrange/s390mmu/internal/hv/s390x/skeys"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/stattrib"
)

var ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

// Accelerator is a host virtualization backend that owns guest storage
// together with its storage keys and storage attributes.
type Accelerator interface {
	skeys.Accelerator
	stattrib.Accelerator

	// Memory returns guest absolute storage starting at address 0.
	Memory() []byte
	Close() error
}
