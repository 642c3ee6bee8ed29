package dat

import (
	"github.com/tinyrange/s390mmu/internal/hv/s390x/mem"
	"gvisor.dev/gvisor/pkg/hostarch"
)

const (
	pageMask         = mem.PageMask
	segmentFrameMask = SegmentFrameAddr
	regionFrameMask  = Region3FrameAddr
)

// Features are the translation facilities in effect for a walk: the CPU
// model must offer them and CR0 must enable them.
type Features struct {
	EDAT1 bool // 1M segment frames, region protection
	EDAT2 bool // 2G region-third frames
	IEP   bool // instruction-execution protection
}

// Effective masks the model features with the CR0 enables.
func (f Features) Effective(cr0 uint64) Features {
	edat1 := f.EDAT1 && cr0&CR0EDAT != 0
	return Features{
		EDAT1: edat1,
		EDAT2: edat1 && f.EDAT2,
		IEP:   f.IEP && cr0&CR0IEP != 0,
	}
}

// Walked is the outcome of a successful table walk.
type Walked struct {
	Real  uint64
	Perms hostarch.AccessType
	// Level is the level of the entry that ended the walk.
	Level Level
}

// step is the result of visiting one table entry: either the walk ends at a
// frame, or it continues with the table at next.
type step struct {
	terminal bool
	frame    uint64
	offset   uint64 // mask of vaddr bits kept below the frame
	next     uint64
}

// walker holds the state of one translation walk.
type walker struct {
	mem      mem.Reader
	asce     ASCE
	vaddr    uint64
	features Features
	perms    hostarch.AccessType
}

// Walk translates vaddr through the tables designated by asce. Table entries
// are read from absolute storage. Returned errors are *Fault values without
// a TEC; the caller knows the access context needed to build one.
func Walk(m mem.Reader, asce ASCE, vaddr uint64, features Features) (Walked, error) {
	w := walker{
		mem:      m,
		asce:     asce,
		vaddr:    vaddr,
		features: features,
		perms:    hostarch.AnyAccess,
	}

	if asce.Type() == SpaceReal {
		return Walked{Real: vaddr, Perms: w.perms, Level: LevelPage}, nil
	}

	first := asce.firstLevel()
	for l := LevelRegionFirst; l < first; l++ {
		if Index(vaddr, l) != 0 {
			return Walked{}, fault(CodeASCEType)
		}
	}
	if lengthIndex(vaddr, first) > asce.TableLength() {
		return Walked{}, fault(first.translationCode())
	}

	origin := asce.Origin()
	for l := first; l <= LevelPage; l++ {
		raw, err := w.mem.Read64(origin + Index(vaddr, l)*8)
		if err != nil {
			return Walked{}, fault(CodeAddressing)
		}

		s, f := w.visit(DecodeEntry(l, raw))
		if f != nil {
			return Walked{}, f
		}
		if s.terminal {
			return Walked{Real: s.frame | vaddr&s.offset, Perms: w.perms, Level: l}, nil
		}
		origin = s.next
	}

	// Shouldn't reach here, page entries always end the walk.
	return Walked{}, fault(CodeTranslationSpec)
}

func (w *walker) visit(e Entry) (step, *Fault) {
	switch e.Level {
	case LevelPage:
		return w.visitPage(e)
	case LevelSegment:
		return w.visitSegment(e)
	default:
		return w.visitRegion(e)
	}
}

func (w *walker) visitRegion(e Entry) (step, *Fault) {
	if e.Invalid {
		return step{}, fault(e.Level.translationCode())
	}
	if e.TypeTag != e.Level.typeTag() {
		return step{}, fault(CodeTranslationSpec)
	}
	if e.Level == LevelRegionThird && w.features.EDAT2 && e.Common && w.asce.Private() {
		return step{}, fault(CodeTranslationSpec)
	}
	if w.features.EDAT1 && e.Protect {
		w.perms.Write = false
	}
	if e.Level == LevelRegionThird && w.features.EDAT2 && e.Large {
		w.narrowExec(e)
		return step{terminal: true, frame: e.FrameAddr, offset: ^uint64(regionFrameMask)}, nil
	}

	next := e.Level + 1
	if idx := lengthIndex(w.vaddr, next); idx < e.TableOffset || idx > e.TableLength {
		return step{}, fault(next.translationCode())
	}
	return step{next: tableOrigin(e, RegionOrigin)}, nil
}

// tableOrigin returns the next table origin of a non-terminal entry. An
// entry decoded as large keeps its address bits in FrameAddr and Other, so
// it is re-read through the table-origin mask.
func tableOrigin(e Entry, mask uint64) uint64 {
	if e.Large {
		return e.Encode() & mask
	}
	return e.Origin
}

func (w *walker) visitSegment(e Entry) (step, *Fault) {
	if e.Invalid {
		return step{}, fault(CodeSegmentTranslation)
	}
	if e.TypeTag != LevelSegment.typeTag() {
		return step{}, fault(CodeTranslationSpec)
	}
	if e.Common && w.asce.Private() {
		return step{}, fault(CodeTranslationSpec)
	}
	if e.Protect {
		w.perms.Write = false
	}
	if w.features.EDAT1 && e.Large {
		w.narrowExec(e)
		return step{terminal: true, frame: e.FrameAddr, offset: ^uint64(segmentFrameMask)}, nil
	}

	// Without EDAT-1 the large bit is ignored and the entry designates a
	// page table.
	return step{next: tableOrigin(e, SegmentOrigin)}, nil
}

func (w *walker) visitPage(e Entry) (step, *Fault) {
	if e.Invalid {
		return step{}, fault(CodePageTranslation)
	}
	if e.Reserved {
		return step{}, fault(CodeTranslationSpec)
	}
	if e.Protect {
		w.perms.Write = false
	}
	w.narrowExec(e)
	return step{terminal: true, frame: e.Origin, offset: ^uint64(pageMask)}, nil
}

// narrowExec applies instruction-execution protection at a terminal entry.
// Large frames and page entries are treated alike.
func (w *walker) narrowExec(e Entry) {
	if w.features.IEP && e.IEP {
		w.perms.Execute = false
	}
}
