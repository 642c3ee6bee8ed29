package dat

import (
	"errors"
	"fmt"
)

// ASCE fields.
const (
	ASCEOrigin      = ^uint64(0xfff)
	ASCEPrivate     = 0x100
	ASCERealSpace   = 0x20
	ASCETypeMask    = 0x0c
	ASCETableLength = 0x03

	ASCETypeRegionFirst  = 0x0c
	ASCETypeRegionSecond = 0x08
	ASCETypeRegionThird  = 0x04
	ASCETypeSegment      = 0x00
)

// SpaceType is the kind of address space an ASCE designates.
type SpaceType uint8

const (
	SpaceSegment SpaceType = iota
	SpaceRegionThird
	SpaceRegionSecond
	SpaceRegionFirst
	SpaceReal
)

func (t SpaceType) String() string {
	switch t {
	case SpaceSegment:
		return "segment"
	case SpaceRegionThird:
		return "region-third"
	case SpaceRegionSecond:
		return "region-second"
	case SpaceRegionFirst:
		return "region-first"
	case SpaceReal:
		return "real"
	default:
		return fmt.Sprintf("SpaceType(%d)", uint8(t))
	}
}

// ASCE is an address-space-control element.
type ASCE uint64

// NewASCE builds an ASCE for a table of the given type.
func NewASCE(origin uint64, typ SpaceType, tableLength uint8, private bool) ASCE {
	v := origin & ASCEOrigin
	if typ == SpaceReal {
		v |= ASCERealSpace
	} else {
		v |= uint64(typ) << 2
	}
	v |= uint64(tableLength) & ASCETableLength
	if private {
		v |= ASCEPrivate
	}
	return ASCE(v)
}

func (a ASCE) Origin() uint64     { return uint64(a) & ASCEOrigin }
func (a ASCE) TableLength() uint8 { return uint8(uint64(a) & ASCETableLength) }
func (a ASCE) Private() bool      { return uint64(a)&ASCEPrivate != 0 }

// Type returns the designated space type. The real-space control overrides
// the table type.
func (a ASCE) Type() SpaceType {
	if uint64(a)&ASCERealSpace != 0 {
		return SpaceReal
	}
	return SpaceType((uint64(a) & ASCETypeMask) >> 2)
}

// firstLevel is the level of the table the ASCE points at. Only valid for
// non-real spaces.
func (a ASCE) firstLevel() Level {
	return LevelSegment - Level(a.Type())
}

func (a ASCE) String() string {
	return fmt.Sprintf("asce{origin=%#x type=%s tl=%d private=%t}", a.Origin(), a.Type(), a.TableLength(), a.Private())
}

// Selector chooses which ASCE an access is translated through.
type Selector uint8

const (
	SelectorPrimary Selector = iota
	SelectorAccessRegister
	SelectorSecondary
	SelectorHome
)

func (s Selector) String() string {
	switch s {
	case SelectorPrimary:
		return "primary"
	case SelectorAccessRegister:
		return "access-register"
	case SelectorSecondary:
		return "secondary"
	case SelectorHome:
		return "home"
	default:
		return fmt.Sprintf("Selector(%d)", uint8(s))
	}
}

// ErrAccessRegisterMode is returned for access-register mode, which this
// translation unit does not implement.
var ErrAccessRegisterMode = errors.New("access-register mode is not supported")

// PSW and control register bits consulted by translation.
const (
	PSWMaskDAT      = 0x0400000000000000
	PSWMaskASC      = 0x0000c00000000000
	pswASCShift     = 46
	CR0LowAddress   = 0x0000000010000000
	CR0EDAT         = 0x0000000000800000
	CR0IEP          = 0x0000000000100000
	prefixMask      = 0x7fffe000
	prefixAreaBytes = 0x2000
)

// Controls is the CPU state that steers translation: the PSW mask, the
// control registers holding the ASCEs and CR0 enables, and the prefix.
type Controls struct {
	PSWMask uint64
	CR      [16]uint64
	Prefix  uint64
}

// DATEnabled reports the PSW DAT bit.
func (c *Controls) DATEnabled() bool {
	return c.PSWMask&PSWMaskDAT != 0
}

// Selector returns the address-space control from the PSW.
func (c *Controls) Selector() Selector {
	return Selector((c.PSWMask & PSWMaskASC) >> pswASCShift)
}

// SetSelector replaces the PSW address-space control.
func (c *Controls) SetSelector(sel Selector) {
	c.PSWMask = c.PSWMask&^PSWMaskASC | uint64(sel)<<pswASCShift&PSWMaskASC
}

// ASCE returns the ASCE the selector designates.
func (c *Controls) ASCE(sel Selector) (ASCE, error) {
	switch sel {
	case SelectorPrimary:
		return ASCE(c.CR[1]), nil
	case SelectorSecondary:
		return ASCE(c.CR[7]), nil
	case SelectorHome:
		return ASCE(c.CR[13]), nil
	case SelectorAccessRegister:
		return 0, ErrAccessRegisterMode
	default:
		return 0, fmt.Errorf("invalid address-space selector %d", sel)
	}
}

// LowAddressControl reports the CR0 low-address-protection control.
func (c *Controls) LowAddressControl() bool {
	return c.CR[0]&CR0LowAddress != 0
}

// RealToAbsolute applies prefixing: the first 8K of real storage and the
// 8K prefix area swap places.
func (c *Controls) RealToAbsolute(raddr uint64) uint64 {
	prefix := c.Prefix & prefixMask
	switch {
	case raddr < prefixAreaBytes:
		return raddr + prefix
	case raddr >= prefix && raddr < prefix+prefixAreaBytes:
		return raddr - prefix
	default:
		return raddr
	}
}
