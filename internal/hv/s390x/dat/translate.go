package dat

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/s390mmu/internal/hv/s390x/mem"
	"github.com/tinyrange/s390mmu/internal/hv/s390x/skeys"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Intent is the kind of access a translation is made for.
type Intent uint8

const (
	IntentRead Intent = iota
	IntentWrite
	IntentFetch
	// IntentRealQuery translates without DAT-off shortcut, protection
	// checks or storage-key updates, as LOAD REAL ADDRESS does.
	IntentRealQuery
)

func (i Intent) String() string {
	switch i {
	case IntentRead:
		return "read"
	case IntentWrite:
		return "write"
	case IntentFetch:
		return "fetch"
	case IntentRealQuery:
		return "real-query"
	default:
		return fmt.Sprintf("Intent(%d)", uint8(i))
	}
}

// Request is one translation request from the instruction layer.
type Request struct {
	Addr     uint64
	Intent   Intent
	Selector Selector
}

// Result is a successful translation.
type Result struct {
	Absolute uint64
	Perms    hostarch.AccessType
	// WriteInvalidate is set when part of the page is under low-address
	// protection, so a writable mapping of it must not be cached.
	WriteInvalidate bool
}

// Config wires a Translator to its collaborators.
type Config struct {
	Memory   mem.Reader
	Keys     skeys.Store // optional
	Features Features
	Controls *Controls
	Logger   *slog.Logger
}

// Translator performs dynamic address translation for one CPU.
type Translator struct {
	mem      mem.Reader
	keys     skeys.Store
	features Features
	ctl      *Controls
	log      *slog.Logger
}

func NewTranslator(cfg Config) *Translator {
	t := &Translator{
		mem:      cfg.Memory,
		keys:     cfg.Keys,
		features: cfg.Features,
		ctl:      cfg.Controls,
		log:      cfg.Logger,
	}
	if t.ctl == nil {
		t.ctl = &Controls{}
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	return t
}

// Controls returns the CPU controls the translator reads.
func (t *Translator) Controls() *Controls {
	return t.ctl
}

// Translate translates req using the PSW and control registers.
func (t *Translator) Translate(req Request) (Result, error) {
	return t.translate(req, nil)
}

// TranslateASCE translates req through an explicit ASCE. DAT is treated as
// enabled and the low-address check uses the ASCE's private-space control.
func (t *Translator) TranslateASCE(req Request, asce ASCE) (Result, error) {
	return t.translate(req, &asce)
}

func (t *Translator) translate(req Request, override *ASCE) (Result, error) {
	c := t.ctl
	tec := baseTEC(req.Addr, req.Selector, req.Intent)
	vaddr := req.Addr & pageMask
	offset := req.Addr &^ pageMask
	dat := override != nil || req.Intent == IntentRealQuery || c.DATEnabled()

	res := Result{Perms: hostarch.AnyAccess}

	if IsLowAddress(vaddr) {
		active, err := t.lowAddressActive(req.Selector, override)
		if err != nil {
			return Result{}, err
		}
		if active {
			res.WriteInvalidate = true
			if IsLowAddress(req.Addr) && req.Intent == IntentWrite {
				return Result{}, &Fault{Code: CodeProtection, TEC: tec | TECLowAddress, HasTEC: true}
			}
		}
	}

	real := vaddr
	if dat {
		asce, err := t.selectASCE(req.Selector, override)
		if err != nil {
			return Result{}, err
		}

		w, err := Walk(t.mem, asce, vaddr, t.features.Effective(c.CR[0]))
		if err != nil {
			var f *Fault
			if errors.As(err, &f) && f.Code != CodeAddressing {
				f.TEC, f.HasTEC = tec, true
			}
			return Result{}, err
		}

		switch {
		case req.Intent == IntentWrite && !w.Perms.Write:
			return Result{}, &Fault{Code: CodeProtection, TEC: tec | TECDATProtection, HasTEC: true}
		case req.Intent == IntentFetch && !w.Perms.Execute:
			return Result{}, &Fault{Code: CodeProtection, TEC: tec | TECIEP, HasTEC: true}
		}

		res.Perms = w.Perms
		real = w.Real
	}

	res.Absolute = c.RealToAbsolute(real) | offset
	if req.Intent == IntentRealQuery {
		return res, nil
	}

	t.updateKey(res.Absolute, req.Intent, &res.Perms)
	return res, nil
}

func (t *Translator) selectASCE(sel Selector, override *ASCE) (ASCE, error) {
	if override != nil {
		return *override, nil
	}
	return t.ctl.ASCE(sel)
}

func (t *Translator) lowAddressActive(sel Selector, override *ASCE) (bool, error) {
	c := t.ctl
	if !c.LowAddressControl() {
		return false, nil
	}
	if override != nil {
		return LowAddressActive(true, true, override.Private()), nil
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

// updateKey sets the reference bit, and the change bit for stores, of the
// page containing abs. A read or fetch of a page whose change bit is still
// clear loses write permission so that the first store translates again and
// records the change. Failures leave translation unaffected.
func (t *Translator) updateKey(abs uint64, intent Intent, perms *hostarch.AccessType) {
	if t.keys == nil || !t.keys.Enabled() {
		return
	}

	gfn := abs >> mem.PageShift
	var key [1]byte
	if err := t.keys.Get(gfn, key[:]); err != nil {
		t.log.Debug("dat: get storage key", "gfn", gfn, "error", err)
		return
	}

	old := key[0]
	if intent == IntentWrite {
		key[0] |= skeys.KeyChange
	} else if key[0]&skeys.KeyChange == 0 {
		perms.Write = false
	}
	key[0] |= skeys.KeyRef
	if key[0] == old {
		return
	}

	if err := t.keys.Set(gfn, key[:]); err != nil {
		t.log.Debug("dat: set storage key", "gfn", gfn, "error", err)
	}
}
