//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(ioctl int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(ioctl), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var getApiVersion = ioctlInt(kvmGetApiVersion)

func createVm(fd int, typ uintptr) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), kvmCreateVm, typ)
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func checkExtension(fd int, cap int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), kvmCheckExtension, uintptr(cap))
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

func setDeviceAttr(fd int, attr *kvmDeviceAttr) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmSetDeviceAttr, uintptr(unsafe.Pointer(attr)))
	return err
}

func getDeviceAttr(fd int, attr *kvmDeviceAttr) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmGetDeviceAttr, uintptr(unsafe.Pointer(attr)))
	return err
}

func hasDeviceAttr(fd int, attr *kvmDeviceAttr) bool {
	_, err := ioctlWithRetry(uintptr(fd), kvmHasDeviceAttr, uintptr(unsafe.Pointer(attr)))
	return err == nil
}

// getSkeys returns the raw ioctl result so the caller can tell
// kvmS390GetSkeysNone apart from success.
func getSkeys(fd int, args *kvmS390Skeys) (uintptr, error) {
	return ioctlWithRetry(uintptr(fd), kvmS390GetSkeys, uintptr(unsafe.Pointer(args)))
}

func setSkeys(fd int, args *kvmS390Skeys) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmS390SetSkeys, uintptr(unsafe.Pointer(args)))
	return err
}

func getCmmaBits(fd int, log *kvmS390CmmaLog) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmS390GetCmmaBits, uintptr(unsafe.Pointer(log)))
	return err
}

func setCmmaBits(fd int, log *kvmS390CmmaLog) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmS390SetCmmaBits, uintptr(unsafe.Pointer(log)))
	return err
}
