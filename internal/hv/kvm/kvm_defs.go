//go:build linux

package kvm

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetDeviceAttr       = 0x4018aee1
	kvmGetDeviceAttr       = 0x4018aee2
	kvmHasDeviceAttr       = 0x4018aee3

	kvmS390GetSkeys    = 0x4040aeb2
	kvmS390SetSkeys    = 0x4040aeb3
	kvmS390GetCmmaBits = 0xc020aeb8
	kvmS390SetCmmaBits = 0x4020aeb9

	kvmCapS390CmmaMigration = 145
)

const (
	kvmS390GetSkeysNone = 1
	kvmS390SkeysMax     = 1048576
	kvmS390CmmaPeek     = 1
	kvmS390CmmaSizeMax  = kvmS390SkeysMax
)

// VM device attribute groups and attributes.
const (
	kvmS390VmMemCtrl         = 0
	kvmS390VmMemEnableCmma   = 0
	kvmS390VmMigration       = 6
	kvmS390VmMigrationStop   = 0
	kvmS390VmMigrationStart  = 1
	kvmS390VmMigrationStatus = 2
)
