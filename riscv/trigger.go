package riscv

// Trigger module CSR addresses.
const (
	csrTSelect uint32 = 0x7A0
	csrTData1  uint32 = 0x7A1
	csrTData2  uint32 = 0x7A2
)

// mcontrol (tdata1, type=2) fields, RV32.
const (
	mcontrolTypeMControl uint32 = 2 << 28
	mcontrolDMode        uint32 = 1 << 27
	mcontrolHit          uint32 = 1 << 20
	mcontrolActionDebug  uint32 = 1 << 12
	mcontrolM            uint32 = 1 << 6
	mcontrolU            uint32 = 1 << 3
	mcontrolExecute      uint32 = 1 << 2
	mcontrolStore        uint32 = 1 << 1
	mcontrolLoad         uint32 = 1 << 0
)

// maxTriggers bounds how many trigger slots this package will probe for,
// matching the original firmware's fixed-size trigger table.
const maxTriggers = 4

// WatchKind selects the access type a trigger watches for.
type WatchKind int

const (
	WatchWrite WatchKind = iota
	WatchRead
	WatchAccess
)

type triggerKind uint8

const (
	triggerUnused triggerKind = iota
	triggerBreakpoint
	triggerWatchpoint
)

type trigger struct {
	addr  uint32
	kind  triggerKind
	watch WatchKind
	used  bool
}

// Triggers manages the hart's hardware trigger module for software
// breakpoints-as-hardware-breakpoints and watchpoints, since RISC-V has
// no separate FPB/DWT-style unit (spec.md §4.6 "Breakpoint support via
// trigger module").
type Triggers struct {
	dm     *DM
	probed bool
	slots  [maxTriggers]trigger
	n      int
}

// NewTriggers returns a Triggers manager bound to dm.
func NewTriggers(dm *DM) *Triggers { return &Triggers{dm: dm} }

// init probes how many trigger slots exist, by selecting each index in
// turn and checking tselect reads back and tdata1's type field is
// nonzero, matching riscv_triggers_init().
func (tr *Triggers) init() bool {
	if tr.probed {
		return tr.n > 0
	}
	tr.probed = true
	tr.n = 0
	for i := range tr.slots {
		tr.slots[i].used = false
	}

	for i := 0; i < maxTriggers; i++ {
		if err := tr.dm.writeCSR(csrTSelect, uint32(i)); err != nil {
			break
		}
		sel, err := tr.dm.readCSR(csrTSelect)
		if err != nil || sel != uint32(i) {
			break
		}
		tdata1, err := tr.dm.readCSR(csrTData1)
		if err != nil {
			break
		}
		if (tdata1>>28)&0xF == 0 {
			break
		}
		tr.n = i + 1
	}
	return tr.n > 0
}

// InsertBreakpoint programs a free trigger slot to fire on instruction
// execution at addr, or reports it's already installed.
func (tr *Triggers) InsertBreakpoint(addr uint32) error {
	if !tr.init() {
		return ErrCmdFailed
	}
	for i := 0; i < tr.n; i++ {
		if tr.slots[i].used && tr.slots[i].kind == triggerBreakpoint && tr.slots[i].addr == addr {
			return nil
		}
	}
	for i := 0; i < tr.n; i++ {
		if tr.slots[i].used {
			continue
		}
		if err := tr.dm.writeCSR(csrTSelect, uint32(i)); err != nil {
			return err
		}
		if err := tr.dm.writeCSR(csrTData1, 0); err != nil {
			return err
		}
		if err := tr.dm.writeCSR(csrTData2, addr); err != nil {
			return err
		}
		cfg := mcontrolTypeMControl | mcontrolDMode | mcontrolActionDebug |
			mcontrolM | mcontrolU | mcontrolExecute
		if err := tr.dm.writeCSR(csrTData1, cfg); err != nil {
			return err
		}
		tr.slots[i] = trigger{addr: addr, kind: triggerBreakpoint, used: true}
		return nil
	}
	return ErrCmdFailed
}

// RemoveBreakpoint disables the trigger slot matching addr, if any.
func (tr *Triggers) RemoveBreakpoint(addr uint32) error {
	for i := 0; i < tr.n; i++ {
		if tr.slots[i].used && tr.slots[i].kind == triggerBreakpoint && tr.slots[i].addr == addr {
			_ = tr.dm.writeCSR(csrTSelect, uint32(i))
			_ = tr.dm.writeCSR(csrTData1, 0)
			tr.slots[i].used = false
			return nil
		}
	}
	return nil
}

// WatchpointsSupported reports whether any trigger slots are available.
func (tr *Triggers) WatchpointsSupported() bool {
	return tr.init()
}

// InsertWatchpoint programs a free trigger slot as a load/store/access
// watchpoint, or reports success if the same kind is already installed
// at addr. length is accepted for interface symmetry with cortexm's
// DWT but unused: RISC-V mcontrol triggers match a single address, not a
// range (spec.md §4.6 note).
func (tr *Triggers) InsertWatchpoint(kind WatchKind, addr uint32, length uint32) error {
	if !tr.init() {
		return ErrCmdFailed
	}
	for i := 0; i < tr.n; i++ {
		if tr.slots[i].used && tr.slots[i].kind == triggerWatchpoint &&
			tr.slots[i].addr == addr && tr.slots[i].watch == kind {
			return nil
		}
	}
	for i := 0; i < tr.n; i++ {
		if tr.slots[i].used {
			continue
		}
		if err := tr.dm.writeCSR(csrTSelect, uint32(i)); err != nil {
			return err
		}
		if err := tr.dm.writeCSR(csrTData1, 0); err != nil {
			return err
		}
		if err := tr.dm.writeCSR(csrTData2, addr); err != nil {
			return err
		}
		cfg := mcontrolTypeMControl | mcontrolDMode | mcontrolActionDebug | mcontrolM | mcontrolU
		switch kind {
		case WatchWrite:
			cfg |= mcontrolStore
		case WatchRead:
			cfg |= mcontrolLoad
		default:
			cfg |= mcontrolLoad | mcontrolStore
		}
		if err := tr.dm.writeCSR(csrTData1, cfg); err != nil {
			return err
		}
		tr.slots[i] = trigger{addr: addr, kind: triggerWatchpoint, watch: kind, used: true}
		return nil
	}
	return ErrCmdFailed
}

// RemoveWatchpoint disables the matching watchpoint trigger slot.
func (tr *Triggers) RemoveWatchpoint(kind WatchKind, addr uint32) error {
	for i := 0; i < tr.n; i++ {
		if tr.slots[i].used && tr.slots[i].kind == triggerWatchpoint &&
			tr.slots[i].addr == addr && tr.slots[i].watch == kind {
			_ = tr.dm.writeCSR(csrTSelect, uint32(i))
			_ = tr.dm.writeCSR(csrTData1, 0)
			tr.slots[i].used = false
			return nil
		}
	}
	return nil
}

// WatchpointHit checks each installed watchpoint's tdata1.hit bit,
// clearing it and reporting the first match found.
func (tr *Triggers) WatchpointHit() (kind WatchKind, addr uint32, hit bool) {
	for i := 0; i < tr.n; i++ {
		if !tr.slots[i].used || tr.slots[i].kind != triggerWatchpoint {
			continue
		}
		if err := tr.dm.writeCSR(csrTSelect, uint32(i)); err != nil {
			continue
		}
		tdata1, err := tr.dm.readCSR(csrTData1)
		if err != nil || tdata1&mcontrolHit == 0 {
			continue
		}
		_ = tr.dm.writeCSR(csrTData1, tdata1&^mcontrolHit)
		return tr.slots[i].watch, tr.slots[i].addr, true
	}
	return 0, 0, false
}
