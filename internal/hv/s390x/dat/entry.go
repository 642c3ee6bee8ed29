package dat

import "fmt"

// Level identifies one table level of the translation walk, ordered from
// the root down.
type Level uint8

const (
	LevelRegionFirst Level = iota
	LevelRegionSecond
	LevelRegionThird
	LevelSegment
	LevelPage
)

func (l Level) String() string {
	switch l {
	case LevelRegionFirst:
		return "region-first"
	case LevelRegionSecond:
		return "region-second"
	case LevelRegionThird:
		return "region-third"
	case LevelSegment:
		return "segment"
	case LevelPage:
		return "page"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// typeTag is the table-type value a region or segment entry of this level
// must carry in its TT field.
func (l Level) typeTag() uint8 {
	return uint8(LevelSegment - l)
}

// translationCode is the exception reported for an invalid entry or an index
// outside the table length at this level.
func (l Level) translationCode() Code {
	switch l {
	case LevelRegionFirst:
		return CodeRegionFirstTranslation
	case LevelRegionSecond:
		return CodeRegionSecondTranslation
	case LevelRegionThird:
		return CodeRegionThirdTranslation
	case LevelSegment:
		return CodeSegmentTranslation
	default:
		return CodePageTranslation
	}
}

// Index returns the table index the logical address selects at level l.
func Index(vaddr uint64, l Level) uint64 {
	switch l {
	case LevelRegionFirst:
		return vaddr >> 53 & 0x7ff
	case LevelRegionSecond:
		return vaddr >> 42 & 0x7ff
	case LevelRegionThird:
		return vaddr >> 31 & 0x7ff
	case LevelSegment:
		return vaddr >> 20 & 0x7ff
	default:
		return vaddr >> 12 & 0xff
	}
}

// lengthIndex returns the two leftmost bits of the level's index, which are
// compared against table-length fields.
func lengthIndex(vaddr uint64, l Level) uint8 {
	return uint8(Index(vaddr, l) >> 9)
}

// Region table entry fields.
const (
	RegionOrigin      = 0xfffffffffffff000
	RegionProtect     = 0x200
	RegionTableOffset = 0xc0
	RegionInvalid     = 0x20
	RegionTypeTag     = 0x0c
	RegionTableLength = 0x03

	Region3FrameAddr = 0xffffffff80000000
	Region3Large     = 0x400
	Region3IEP       = 0x100
	Region3Common    = 0x10
)

// Segment table entry fields.
const (
	SegmentOrigin    = 0xfffffffffffff800
	SegmentFrameAddr = 0xfffffffffff00000
	SegmentLarge     = 0x400
	SegmentProtect   = 0x200
	SegmentIEP       = 0x100
	SegmentInvalid   = 0x20
	SegmentCommon    = 0x10
	SegmentTypeTag   = 0x0c
)

// Page table entry fields.
const (
	PageFrame    = 0xfffffffffffff000
	PageReserved = 0x800
	PageInvalid  = 0x400
	PageProtect  = 0x200
	PageIEP      = 0x100
)

// layout is the bit assignment of one entry format. Zero masks mean the
// field does not exist in that format.
type layout struct {
	origin, frame                     uint64
	invalid, protect, iep, large, cmn uint64
	typeTag, tableOffset, tableLength uint64
	reserved                          uint64
}

var (
	regionLayout = layout{
		origin: RegionOrigin, invalid: RegionInvalid, protect: RegionProtect,
		typeTag: RegionTypeTag, tableOffset: RegionTableOffset, tableLength: RegionTableLength,
	}
	region3Layout = layout{
		origin: RegionOrigin, invalid: RegionInvalid, protect: RegionProtect,
		iep: Region3IEP, large: Region3Large, cmn: Region3Common,
		typeTag: RegionTypeTag, tableOffset: RegionTableOffset, tableLength: RegionTableLength,
	}
	region3LargeLayout = layout{
		frame: Region3FrameAddr, invalid: RegionInvalid, protect: RegionProtect,
		iep: Region3IEP, large: Region3Large, cmn: Region3Common,
		typeTag: RegionTypeTag, tableOffset: RegionTableOffset, tableLength: RegionTableLength,
	}
	segmentLayout = layout{
		origin: SegmentOrigin, invalid: SegmentInvalid, protect: SegmentProtect,
		iep: SegmentIEP, large: SegmentLarge, cmn: SegmentCommon, typeTag: SegmentTypeTag,
	}
	segmentLargeLayout = layout{
		frame: SegmentFrameAddr, invalid: SegmentInvalid, protect: SegmentProtect,
		iep: SegmentIEP, large: SegmentLarge, cmn: SegmentCommon, typeTag: SegmentTypeTag,
	}
	pageLayout = layout{
		origin: PageFrame, invalid: PageInvalid, protect: PageProtect,
		iep: PageIEP, reserved: PageReserved,
	}
)

func (lo *layout) named() uint64 {
	return lo.origin | lo.frame | lo.invalid | lo.protect | lo.iep | lo.large |
		lo.cmn | lo.typeTag | lo.tableOffset | lo.tableLength | lo.reserved
}

func layoutFor(l Level, large bool) *layout {
	switch l {
	case LevelRegionFirst, LevelRegionSecond:
		return &regionLayout
	case LevelRegionThird:
		if large {
			return &region3LargeLayout
		}
		return &region3Layout
	case LevelSegment:
		if large {
			return &segmentLargeLayout
		}
		return &segmentLayout
	default:
		return &pageLayout
	}
}

// Entry is a decoded table entry. Origin holds the next table origin for
// region and segment entries and the page frame for page entries. Large
// entries carry FrameAddr instead of Origin. Bits without a named field
// (access-control and fetch bits of large frames, software bits) are kept
// in Other so that encoding is lossless.
type Entry struct {
	Level       Level
	Origin      uint64
	FrameAddr   uint64
	Invalid     bool
	Protect     bool
	IEP         bool
	Large       bool
	Common      bool
	Reserved    bool
	TypeTag     uint8
	TableOffset uint8
	TableLength uint8
	Other       uint64
}

// DecodeEntry splits a raw table entry read at level l into its fields.
func DecodeEntry(l Level, raw uint64) Entry {
	large := (l == LevelRegionThird && raw&Region3Large != 0) ||
		(l == LevelSegment && raw&SegmentLarge != 0)
	lo := layoutFor(l, large)

	return Entry{
		Level:       l,
		Origin:      raw & lo.origin,
		FrameAddr:   raw & lo.frame,
		Invalid:     raw&lo.invalid != 0,
		Protect:     raw&lo.protect != 0,
		IEP:         raw&lo.iep != 0,
		Large:       raw&lo.large != 0,
		Common:      raw&lo.cmn != 0,
		Reserved:    raw&lo.reserved != 0,
		TypeTag:     uint8((raw & lo.typeTag) >> 2),
		TableOffset: uint8((raw & lo.tableOffset) >> 6),
		TableLength: uint8(raw & lo.tableLength),
		Other:       raw &^ lo.named(),
	}
}

// Encode packs the entry back into its 8-byte form.
func (e Entry) Encode() uint64 {
	lo := layoutFor(e.Level, e.Large)

	raw := e.Origin&lo.origin | e.FrameAddr&lo.frame | e.Other&^lo.named()
	raw |= flag(e.Invalid, lo.invalid) | flag(e.Protect, lo.protect) |
		flag(e.IEP, lo.iep) | flag(e.Large, lo.large) | flag(e.Common, lo.cmn) |
		flag(e.Reserved, lo.reserved)
	raw |= uint64(e.TypeTag)<<2&lo.typeTag |
		uint64(e.TableOffset)<<6&lo.tableOffset |
		uint64(e.TableLength)&lo.tableLength
	return raw
}

func flag(set bool, mask uint64) uint64 {
	if set {
		return mask
	}
	return 0
}

// RegionEntry builds a valid region entry of level l pointing at origin with
// the full table length.
func RegionEntry(l Level, origin uint64) uint64 {
	return Entry{Level: l, Origin: origin, TypeTag: l.typeTag(), TableLength: 3}.Encode()
}

// SegmentEntry builds a valid segment entry pointing at a page table.
func SegmentEntry(pageTable uint64) uint64 {
	return Entry{Level: LevelSegment, Origin: pageTable}.Encode()
}

// PageEntry builds a valid page entry mapping frame.
func PageEntry(frame uint64) uint64 {
	return Entry{Level: LevelPage, Origin: frame}.Encode()
}
