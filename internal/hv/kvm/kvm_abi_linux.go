//go:build linux

package kvm

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmDeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

type kvmS390Skeys struct {
	StartGfn     uint64
	Count        uint64
	SkeydataAddr uint64
	Flags        uint32
	Reserved     [9]uint32
}

// kvmS390CmmaLog is struct kvm_s390_cmma_log. Remaining is written by
// KVM_S390_GET_CMMA_BITS and read as the mask by KVM_S390_SET_CMMA_BITS.
type kvmS390CmmaLog struct {
	StartGfn  uint64
	Count     uint32
	Flags     uint32
	Remaining uint64
	Values    uint64
}
