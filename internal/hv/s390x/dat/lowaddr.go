package dat

// IsLowAddress reports whether addr lies in one of the two ranges covered by
// low-address protection: 0-511 and 4096-4607.
func IsLowAddress(addr uint64) bool {
	return addr <= 511 || (addr >= 4096 && addr <= 4607)
}

// LowAddressActive reports whether low-address protection applies: CR0
// enables it and either DAT is off or the address space is not private.
func LowAddressActive(control, dat, private bool) bool {
	return control && (!dat || !private)
}

// CheckLowAddress reports whether a store to vaddr through sel must be
// blocked by low-address protection. Access-register mode is only rejected
// when the selector actually has to be resolved.
func CheckLowAddress(vaddr uint64, sel Selector, c *Controls) (bool, error) {
	if !IsLowAddress(vaddr) || !c.LowAddressControl() {
		return false, nil
	}
	if !c.DATEnabled() {
		return true, nil
	}
	asce, err := c.ASCE(sel)
	if err != nil {
		return false, err
	}
	return LowAddressActive(true, true, asce.Private()), nil
}
