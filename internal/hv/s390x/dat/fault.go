package dat

import "fmt"

// Code is a program-interruption code raised by translation.
type Code uint16

const (
	CodeProtection              Code = 0x04
	CodeAddressing              Code = 0x05
	CodeSegmentTranslation      Code = 0x10
	CodePageTranslation         Code = 0x11
	CodeTranslationSpec         Code = 0x12
	CodeASCEType                Code = 0x38
	CodeRegionFirstTranslation  Code = 0x39
	CodeRegionSecondTranslation Code = 0x3a
	CodeRegionThirdTranslation  Code = 0x3b
)

func (c Code) String() string {
	switch c {
	case CodeProtection:
		return "protection"
	case CodeAddressing:
		return "addressing"
	case CodeSegmentTranslation:
		return "segment-translation"
	case CodePageTranslation:
		return "page-translation"
	case CodeTranslationSpec:
		return "translation-specification"
	case CodeASCEType:
		return "asce-type"
	case CodeRegionFirstTranslation:
		return "region-first-translation"
	case CodeRegionSecondTranslation:
		return "region-second-translation"
	case CodeRegionThirdTranslation:
		return "region-third-translation"
	default:
		return fmt.Sprintf("Code(%#x)", uint16(c))
	}
}

// Translation-exception-code bits. The page address occupies the high bits,
// the address-space control the two low bits.
const (
	TECFetch         = 0x800
	TECStore         = 0x400
	TECLowAddress    = 0x80
	TECDATProtection = 0x04
	TECIEP           = TECLowAddress | TECDATProtection
	TECASCMask       = 0x03
)

// Fault is a guest-recoverable translation failure. The instruction
// execution layer turns it into a program interruption.
type Fault struct {
	Code   Code
	TEC    uint64
	HasTEC bool
}

func (f *Fault) Error() string {
	if !f.HasTEC {
		return fmt.Sprintf("program exception: %s", f.Code)
	}
	return fmt.Sprintf("program exception: %s tec=%#x", f.Code, f.TEC)
}

func fault(code Code) *Fault {
	return &Fault{Code: code}
}

// baseTEC is the TEC stored with any translation fault for vaddr.
func baseTEC(vaddr uint64, sel Selector, intent Intent) uint64 {
	tec := vaddr&pageMask | uint64(sel)&TECASCMask
	if intent == IntentWrite {
		return tec | TECStore
	}
	return tec | TECFetch
}
