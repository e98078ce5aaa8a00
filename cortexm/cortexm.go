// Package cortexm implements the Cortex-M debug engine: core halt/step/
// resume via DHCSR/DCRSR/DCRDR, register transfer, FPB breakpoints and
// DWT watchpoints (spec.md §4.4, grounded on cortex.c).
//
// The v8-M FPBv2 comparator encoding (halfword-aligned address + enable
// bit in COMP, vs the v6/v7-M "replace low/high halfword" encoding) is a REDESIGN FLAG:
// callers select it via Profile rather than the original's compile-time
// #ifdef.
package cortexm

import (
	"errors"

	"swdprobe/memap"
)

// Core debug register addresses (ARMv6/7/8-M Debug block).
const (
	addrDHCSR uint32 = 0xE000EDF0
	addrDCRSR uint32 = 0xE000EDF4
	addrDCRDR uint32 = 0xE000EDF8
	addrDEMCR uint32 = 0xE000EDFC
	addrAIRCR uint32 = 0xE000ED0C
	addrCPUID uint32 = 0xE000ED00
	addrDFSR  uint32 = 0xE000ED30
)

// DFSR.DWTTRAP (bit 2) is set sticky by a DWT comparator match and
// cleared by writing 1 back to it.
const dfsrDWTTRAP = 1 << 2

const (
	dhcsrDebugKey   = 0xA05F0000
	dhcsrCDebugEn   = 1 << 0
	dhcsrCHalt      = 1 << 1
	dhcsrCStep      = 1 << 2
	dhcsrCMaskInts  = 1 << 3
	dhcsrSRegRdy    = 1 << 16
	dhcsrSHalt      = 1 << 17
)

const (
	dcrsrRegWnR = 1 << 16
)

const demcrDWTEna = 1 << 24 // TRCENA, required before DWT registers are live

// ErrRegisterTimeout is returned when S_REGRDY never sets after a DCRSR
// transfer.
var ErrRegisterTimeout = errors.New("cortexm: register transfer timeout")

// Profile selects the FPB/DWT register layout, since v8-M changed both
// (spec.md REDESIGN FLAGS).
type Profile int

const (
	ProfileV6M Profile = iota // ARMv6-M / ARMv7-M: FPBv1, DWT v1
	ProfileV8M                // ARMv8-M: FPBv2, DWT v2
)

// FPB (Flash Patch Breakpoint) register addresses.
const (
	addrFPCTRL uint32 = 0xE0002000
	addrFPCOMP uint32 = 0xE0002008 // FP_COMP0; entries are 4 bytes apart
)

// DWT (Data Watchpoint and Trace) register addresses.
const (
	addrDWTCTRL uint32 = 0xE0001000
	addrDWTCOMP uint32 = 0xE0001020 // DWT_COMP0
	addrDWTMASK uint32 = 0xE0001024 // DWT_MASK0
	addrDWTFUNC uint32 = 0xE0001028 // DWT_FUNCTION0
	dwtEntrySize       = 16
)

// DWT_FUNCTION values selecting watchpoint type (v1 layout; v2 reuses
// the same FUNCTION codes for its base comparator).
const (
	dwtFuncDisabled    = 0x0
	dwtFuncReadWatch   = 0x5
	dwtFuncWriteWatch  = 0x6
	dwtFuncAccessWatch = 0x7
)

// DWT v2 range matching: comparator n holds the base address and links
// to comparator n+1 (LNK1ENA) which holds the exclusive limit address
// and is itself programmed with the "address limit" FUNCTION code, in
// place of v1's MASK register (spec.md REDESIGN FLAGS).
const (
	dwtFuncAddrLimit = 0x1
	dwtFuncLink1Ena  = 1 << 5
)

// Core is a halted/running Cortex-M debug engine bound to one MEM-AP.
type Core struct {
	Mem     *memap.MemAP
	Profile Profile

	numBP   int
	numWP   int
}

// Halt requests a core halt and polls until S_HALT is set.
func (c *Core) Halt() error {
	if err := c.Mem.WriteWord(addrDHCSR, dhcsrDebugKey|dhcsrCDebugEn|dhcsrCHalt); err != nil {
		return err
	}
	for i := 0; i < 1000; i++ {
		v, err := c.Mem.ReadWord(addrDHCSR)
		if err != nil {
			return err
		}
		if v&dhcsrSHalt != 0 {
			return nil
		}
	}
	return ErrRegisterTimeout
}

// Continue resumes execution, clearing C_HALT and C_STEP.
func (c *Core) Continue() error {
	return c.Mem.WriteWord(addrDHCSR, dhcsrDebugKey|dhcsrCDebugEn)
}

// Step executes exactly one instruction with interrupts masked, matching
// cortex.c's single-step sequence (C_MASKINTS set before C_STEP).
func (c *Core) Step() error {
	if err := c.Mem.WriteWord(addrDHCSR, dhcsrDebugKey|dhcsrCDebugEn|dhcsrCHalt|dhcsrCMaskInts); err != nil {
		return err
	}
	if err := c.Mem.WriteWord(addrDHCSR, dhcsrDebugKey|dhcsrCDebugEn|dhcsrCStep|dhcsrCMaskInts); err != nil {
		return err
	}
	for i := 0; i < 1000; i++ {
		v, err := c.Mem.ReadWord(addrDHCSR)
		if err != nil {
			return err
		}
		if v&dhcsrSHalt != 0 {
			return c.Mem.WriteWord(addrDHCSR, dhcsrDebugKey|dhcsrCDebugEn|dhcsrCHalt)
		}
	}
	return ErrRegisterTimeout
}

// Halted reports whether S_HALT is currently set.
func (c *Core) Halted() (bool, error) {
	v, err := c.Mem.ReadWord(addrDHCSR)
	if err != nil {
		return false, err
	}
	return v&dhcsrSHalt != 0, nil
}

// ReadRegister reads core register regno via DCRSR/DCRDR (regno follows
// the GDB/ADI register numbering: r0-r15, xPSR at 16).
func (c *Core) ReadRegister(regno uint8) (uint32, error) {
	if err := c.Mem.WriteWord(addrDCRSR, uint32(regno)); err != nil {
		return 0, err
	}
	if err := c.waitRegRdy(); err != nil {
		return 0, err
	}
	return c.Mem.ReadWord(addrDCRDR)
}

// WriteRegister writes v into core register regno.
func (c *Core) WriteRegister(regno uint8, v uint32) error {
	if err := c.Mem.WriteWord(addrDCRDR, v); err != nil {
		return err
	}
	if err := c.Mem.WriteWord(addrDCRSR, uint32(regno)|dcrsrRegWnR); err != nil {
		return err
	}
	return c.waitRegRdy()
}

func (c *Core) waitRegRdy() error {
	for i := 0; i < 1000; i++ {
		v, err := c.Mem.ReadWord(addrDHCSR)
		if err != nil {
			return err
		}
		if v&dhcsrSRegRdy != 0 {
			return nil
		}
	}
	return ErrRegisterTimeout
}

// EnableDWT sets TRCENA in DEMCR, required before DWT comparators take
// effect.
func (c *Core) EnableDWT() error {
	v, err := c.Mem.ReadWord(addrDEMCR)
	if err != nil {
		return err
	}
	return c.Mem.WriteWord(addrDEMCR, v|demcrDWTEna)
}

// SetBreakpoint programs hardware breakpoint slot n to trigger on addr.
//
// ProfileV6M uses the FPBv1 "replace half" encoding: COMP holds addr[28:2]
// plus a REPLACE field selecting which halfword of the flash word to
// substitute with a BKPT instruction. ProfileV8M (FPBv2) instead stores
// the halfword-aligned address (bit 0 cleared) with the enable bit in
// bit 0 (spec.md REDESIGN FLAGS).
func (c *Core) SetBreakpoint(n int, addr uint32) error {
	compAddr := addrFPCOMP + uint32(n)*4
	switch c.Profile {
	case ProfileV8M:
		const enable = 1
		v := (addr &^ 1) | enable
		return c.Mem.WriteWord(compAddr, v)
	default:
		var replace uint32 = 1 << 30
		if addr&2 != 0 {
			replace = 2 << 30
		}
		const compEnable = 1
		v := replace | (addr & 0x1FFFFFFC) | compEnable
		return c.Mem.WriteWord(compAddr, v)
	}
}

// ClearBreakpoint disables hardware breakpoint slot n.
func (c *Core) ClearBreakpoint(n int) error {
	compAddr := addrFPCOMP + uint32(n)*4
	return c.Mem.WriteWord(compAddr, 0)
}

// EnableFPB turns on the Flash Patch unit and latches NUM_CODE from
// FP_CTRL so callers know how many breakpoint slots exist.
func (c *Core) EnableFPB() error {
	v, err := c.Mem.ReadWord(addrFPCTRL)
	if err != nil {
		return err
	}
	numCodeLo := (v >> 4) & 0xF
	numCodeHi := (v >> 12) & 0x7
	c.numBP = int(numCodeLo | numCodeHi<<4)
	const fpKey = 1 << 1
	const fpEnable = 1 << 0
	return c.Mem.WriteWord(addrFPCTRL, fpKey|fpEnable)
}

// NumBreakpoints reports the hardware breakpoint slot count latched by
// EnableFPB.
func (c *Core) NumBreakpoints() int { return c.numBP }

// EnableDWTWatchpoints latches NUMCOMP from DWT_CTRL.
func (c *Core) EnableDWTWatchpoints() error {
	v, err := c.Mem.ReadWord(addrDWTCTRL)
	if err != nil {
		return err
	}
	c.numWP = int((v >> 28) & 0xF)
	return nil
}

// NumWatchpoints reports the DWT comparator count latched by
// EnableDWTWatchpoints.
func (c *Core) NumWatchpoints() int { return c.numWP }

// WatchKind selects read/write/access watch semantics, independent of
// the v1/v2 DWT comparator layout.
type WatchKind int

const (
	WatchRead WatchKind = iota
	WatchWrite
	WatchAccess
)

// SetWatchpoint programs DWT comparator n.
//
// ProfileV6M's DWT v1 comparators match a power-of-two address range via
// a MASK field (number of low address bits ignored). ProfileV8M's DWT v2
// has no MASK register at all: an arbitrary byte length is expressed by
// pairing comparator n (base address, FUNCTION = the watch kind, linked
// via LNK1ENA) with comparator n+1 (exclusive limit address = addr+length,
// FUNCTION = address-limit), per spec.md's DWT v2 requirement (spec.md
// REDESIGN FLAGS).
func (c *Core) SetWatchpoint(n int, addr uint32, length uint32, kind WatchKind) error {
	compAddr := addrDWTCOMP + uint32(n)*dwtEntrySize
	funcAddr := addrDWTFUNC + uint32(n)*dwtEntrySize

	var fn uint32
	switch kind {
	case WatchRead:
		fn = dwtFuncReadWatch
	case WatchWrite:
		fn = dwtFuncWriteWatch
	default:
		fn = dwtFuncAccessWatch
	}

	if c.Profile == ProfileV8M {
		limitCompAddr := addrDWTCOMP + uint32(n+1)*dwtEntrySize
		limitFuncAddr := addrDWTFUNC + uint32(n+1)*dwtEntrySize
		if err := c.Mem.WriteWord(compAddr, addr); err != nil {
			return err
		}
		if err := c.Mem.WriteWord(limitCompAddr, addr+length); err != nil {
			return err
		}
		if err := c.Mem.WriteWord(limitFuncAddr, dwtFuncAddrLimit); err != nil {
			return err
		}
		return c.Mem.WriteWord(funcAddr, fn|dwtFuncLink1Ena)
	}

	if err := c.Mem.WriteWord(compAddr, addr); err != nil {
		return err
	}
	maskAddr := addrDWTMASK + uint32(n)*dwtEntrySize
	mask := uint32(0)
	for (uint32(1) << mask) < length {
		mask++
	}
	if err := c.Mem.WriteWord(maskAddr, mask); err != nil {
		return err
	}
	return c.Mem.WriteWord(funcAddr, fn)
}

// ClearWatchpoint disables DWT comparator n, and its linked limit
// comparator n+1 on ProfileV8M.
func (c *Core) ClearWatchpoint(n int) error {
	funcAddr := addrDWTFUNC + uint32(n)*dwtEntrySize
	if err := c.Mem.WriteWord(funcAddr, dwtFuncDisabled); err != nil {
		return err
	}
	if c.Profile == ProfileV8M {
		limitFuncAddr := addrDWTFUNC + uint32(n+1)*dwtEntrySize
		return c.Mem.WriteWord(limitFuncAddr, dwtFuncDisabled)
	}
	return nil
}

// dwtFuncMatched is DWT_FUNCTIONn.MATCHED (bit 24), sticky-set by the
// comparator on a match and cleared by this read.
const dwtFuncMatched = 1 << 24

// WatchpointHit reads DFSR and, only if DWTTRAP is set, walks the
// installed comparators for the sticky MATCHED bit that fired, clearing
// DFSR.DWTTRAP afterward so the next halt doesn't report a stale hit
// (spec.md §4.4 "hit(): read DFSR; if DWTTRAP ... set, walk comparators
// ... clear DWTTRAP by writing 1").
func (c *Core) WatchpointHit(slots []WatchSlot) (kind WatchKind, addr uint32, hit bool, err error) {
	dfsr, err := c.Mem.ReadWord(addrDFSR)
	if err != nil {
		return 0, 0, false, err
	}
	if dfsr&dfsrDWTTRAP == 0 {
		return 0, 0, false, nil
	}
	for _, s := range slots {
		if !s.Used {
			continue
		}
		funcAddr := addrDWTFUNC + uint32(s.N)*dwtEntrySize
		v, rerr := c.Mem.ReadWord(funcAddr)
		if rerr != nil {
			return 0, 0, false, rerr
		}
		if v&dwtFuncMatched == 0 {
			continue
		}
		if werr := c.Mem.WriteWord(addrDFSR, dfsrDWTTRAP); werr != nil {
			return 0, 0, false, werr
		}
		return s.Kind, s.Addr, true, nil
	}
	if werr := c.Mem.WriteWord(addrDFSR, dfsrDWTTRAP); werr != nil {
		return 0, 0, false, werr
	}
	return 0, 0, false, nil
}

// WatchSlot describes one installed DWT comparator, supplied by the
// caller (package target owns the addr/kind bookkeeping per slot).
type WatchSlot struct {
	N    int
	Addr uint32
	Kind WatchKind
	Used bool
}

// ReadCPUID reads the CPUID register, used by package target to pick a
// Profile and register/XML layout for the attached core.
func (c *Core) ReadCPUID() (uint32, error) {
	return c.Mem.ReadWord(addrCPUID)
}

// SystemReset issues a core+system reset via AIRCR (VECTRESET is not
// used; SYSRESETREQ matches cortex.c's reset path across all profiles).
func (c *Core) SystemReset() error {
	const vectKey = 0x05FA0000
	const sysResetReq = 1 << 2
	return c.Mem.WriteWord(addrAIRCR, vectKey|sysResetReq)
}
