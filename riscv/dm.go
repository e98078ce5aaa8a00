// Package riscv implements the RISC-V Debug Module client: DM
// activation, halt/resume/step, abstract register commands, System Bus
// Access memory transfers, and trigger-module breakpoints/watchpoints
// (spec.md §4.6, grounded on riscv.c).
//
// DMI transactions go through a jtag.DTM. A busy response
// (jtag.ErrDMIBusy) is retried exactly once after issuing dmireset, the
// REDESIGN FLAG resolution for the "open question" left by the original
// firmware, which fails upward on busy without a dmireset (spec.md §9).
package riscv

import (
	"errors"
	"time"

	"swdprobe/jtag"
)

// dmiTransport is the DMI access surface DM needs from a DTM: reading
// and writing DMI registers, plus clearing a stuck op via dmireset. A
// *jtag.DTM satisfies this; tests substitute a fake to avoid re-deriving
// the JTAG bit-level shift protocol for every DM-level scenario.
type dmiTransport interface {
	ReadIDCode() uint32
	ReadDTMCS() uint32
	ReadDMI(addr uint32) (uint32, error)
	WriteDMI(addr, data uint32) error
	ResetDMI()
}

// Debug Module DMI register addresses (Debug Spec 0.13/1.0).
const (
	dmData0        uint32 = 0x04
	dmDMControl    uint32 = 0x10
	dmDMStatus     uint32 = 0x11
	dmAbstractCS   uint32 = 0x16
	dmCommand      uint32 = 0x17
	dmSBCS         uint32 = 0x38
	dmSBAddress0   uint32 = 0x39
	dmSBData0      uint32 = 0x3C
)

const (
	dmcontrolDMActive  uint32 = 1 << 0
	dmcontrolHaltReq   uint32 = 1 << 31
	dmcontrolResumeReq uint32 = 1 << 30
)

const (
	dmstatusVersionMask    uint32 = 0x0F
	dmstatusAllHalted      uint32 = 1 << 9
	dmstatusAllResumeAck   uint32 = 1 << 17
	dmstatusAuthenticated  uint32 = 1 << 7
)

const (
	abstractcsDataCountMask   uint32 = 0x0F
	abstractcsCmdErrMask      uint32 = 7 << 8
	abstractcsCmdErrShift     uint32 = 8
	abstractcsBusy            uint32 = 1 << 12
	abstractcsProgBufSizeMask uint32 = 0x1F << 24
	abstractcsProgBufShift    uint32 = 24
)

const (
	acAccessRegister uint32 = 0
	acAccessMemory   uint32 = 2
)

const (
	acARTransfer  uint32 = 1 << 17
	acARWrite     uint32 = 1 << 16
	acARAARSize32 uint32 = 2 << 20
)

func acARRegno(n uint32) uint32 { return n & 0xFFFF }

const (
	regGPRBase uint32 = 0x1000
	regDPC     uint32 = 0x7B1
	regDCSR    uint32 = 0x7B0
)

const (
	sbcsSBAccess32      uint32 = 2 << 17
	sbcsSBReadOnAddr    uint32 = 1 << 20
	sbcsSBAutoIncrement uint32 = 1 << 16
	sbcsSBBusy          uint32 = 1 << 21
	sbcsSBErrorMask     uint32 = 7 << 12
)

const dmTimeout = 100 * time.Millisecond

// Errors returned by DM operations.
var (
	ErrNotActive   = errors.New("riscv: debug module not active")
	ErrVersion     = errors.New("riscv: unsupported or absent debug module")
	ErrAuth        = errors.New("riscv: debug module requires authentication")
	ErrTimeout     = errors.New("riscv: operation timed out")
	ErrCmdFailed   = errors.New("riscv: abstract command error")
	ErrBadRegister = errors.New("riscv: unsupported register number")
)

// DM is a RISC-V Debug Module client bound to one DTM.
type DM struct {
	DTM dmiTransport

	active      bool
	dataCount   uint8
	progBufSize uint8
	hasSBA      bool
}

// dmiRead issues a DMI read, retrying once via dmireset on a busy
// response (spec.md REDESIGN FLAGS: "dmireset retry policy").
func (d *DM) dmiRead(addr uint32) (uint32, error) {
	v, err := d.DTM.ReadDMI(addr)
	if errors.Is(err, jtag.ErrDMIBusy) {
		d.DTM.ResetDMI()
		v, err = d.DTM.ReadDMI(addr)
	}
	return v, err
}

// dmiWrite issues a DMI write with the same busy-retry policy.
func (d *DM) dmiWrite(addr, data uint32) error {
	err := d.DTM.WriteDMI(addr, data)
	if errors.Is(err, jtag.ErrDMIBusy) {
		d.DTM.ResetDMI()
		err = d.DTM.WriteDMI(addr, data)
	}
	return err
}

func (d *DM) waitNotBusy() error {
	deadline := time.Now().Add(dmTimeout)
	for time.Now().Before(deadline) {
		acs, err := d.dmiRead(dmAbstractCS)
		if err != nil {
			return err
		}
		if acs&abstractcsBusy == 0 {
			return nil
		}
	}
	return ErrTimeout
}

func (d *DM) clearCmdErr() error {
	return d.dmiWrite(dmAbstractCS, abstractcsCmdErrMask)
}

// execAbstract runs an abstract command and optionally returns DATA0.
func (d *DM) execAbstract(cmd uint32, wantData bool) (uint32, error) {
	if err := d.clearCmdErr(); err != nil {
		return 0, err
	}
	if err := d.dmiWrite(dmCommand, cmd); err != nil {
		return 0, err
	}
	if err := d.waitNotBusy(); err != nil {
		return 0, err
	}
	acs, err := d.dmiRead(dmAbstractCS)
	if err != nil {
		return 0, err
	}
	if cmderr := (acs & abstractcsCmdErrMask) >> abstractcsCmdErrShift; cmderr != 0 {
		_ = d.clearCmdErr()
		return 0, ErrCmdFailed
	}
	if !wantData {
		return 0, nil
	}
	return d.dmiRead(dmData0)
}

func (d *DM) readCSR(csr uint32) (uint32, error) {
	cmd := acAccessRegister<<24 | acARAARSize32 | acARTransfer | acARRegno(csr)
	return d.execAbstract(cmd, true)
}

func (d *DM) writeCSR(csr, val uint32) error {
	if err := d.dmiWrite(dmData0, val); err != nil {
		return err
	}
	cmd := acAccessRegister<<24 | acARAARSize32 | acARTransfer | acARWrite | acARRegno(csr)
	_, err := d.execAbstract(cmd, false)
	return err
}

// Init activates the Debug Module: checks DTMCS version, sets dmactive,
// verifies DMSTATUS version/authentication, and learns abstract-command
// and System Bus Access capabilities.
func (d *DM) Init() error {
	d.DTM.ReadIDCode()
	dtmcs := d.DTM.ReadDTMCS()
	if dtmcs&0x0F == 0 {
		return ErrVersion
	}

	if err := d.dmiWrite(dmDMControl, dmcontrolDMActive); err != nil {
		return err
	}

	dmstatus, err := d.dmiRead(dmDMStatus)
	if err != nil {
		return err
	}
	if dmstatus&dmstatusVersionMask < 2 {
		return ErrVersion
	}
	if dmstatus&dmstatusAuthenticated == 0 {
		return ErrAuth
	}

	acs, err := d.dmiRead(dmAbstractCS)
	if err != nil {
		return err
	}
	d.dataCount = uint8(acs & abstractcsDataCountMask)
	d.progBufSize = uint8((acs & abstractcsProgBufSizeMask) >> abstractcsProgBufShift)

	if sbcs, err := d.dmiRead(dmSBCS); err == nil {
		d.hasSBA = sbcs != 0
	}

	d.active = true
	return nil
}

// HasSBA reports whether System Bus Access is available, for memory
// transfer policy (spec.md §4.6).
func (d *DM) HasSBA() bool { return d.hasSBA }

// IsHalted reports whether the hart is currently halted.
func (d *DM) IsHalted() (bool, error) {
	if !d.active {
		return false, ErrNotActive
	}
	dmstatus, err := d.dmiRead(dmDMStatus)
	if err != nil {
		return false, err
	}
	return dmstatus&dmstatusAllHalted != 0, nil
}

// Halt requests a hart halt and blocks until DMSTATUS reports it.
func (d *DM) Halt() error {
	if !d.active {
		return ErrNotActive
	}
	if err := d.dmiWrite(dmDMControl, dmcontrolDMActive|dmcontrolHaltReq); err != nil {
		return err
	}

	deadline := time.Now().Add(dmTimeout)
	for time.Now().Before(deadline) {
		dmstatus, err := d.dmiRead(dmDMStatus)
		if err != nil {
			return err
		}
		if dmstatus&dmstatusAllHalted != 0 {
			return d.dmiWrite(dmDMControl, dmcontrolDMActive)
		}
	}
	_ = d.dmiWrite(dmDMControl, dmcontrolDMActive)
	return ErrTimeout
}

// Continue requests hart resume and blocks until DMSTATUS acknowledges.
func (d *DM) Continue() error {
	if !d.active {
		return ErrNotActive
	}
	if err := d.dmiWrite(dmDMControl, dmcontrolDMActive|dmcontrolResumeReq); err != nil {
		return err
	}

	deadline := time.Now().Add(dmTimeout)
	for time.Now().Before(deadline) {
		dmstatus, err := d.dmiRead(dmDMStatus)
		if err != nil {
			return err
		}
		if dmstatus&dmstatusAllResumeAck != 0 {
			return d.dmiWrite(dmDMControl, dmcontrolDMActive)
		}
	}
	_ = d.dmiWrite(dmDMControl, dmcontrolDMActive)
	return ErrTimeout
}

// Step sets dcsr.step, resumes for exactly one instruction, and waits
// for the re-halt before clearing the step bit.
func (d *DM) Step() error {
	if !d.active {
		return ErrNotActive
	}
	if halted, err := d.IsHalted(); err != nil {
		return err
	} else if !halted {
		if err := d.Halt(); err != nil {
			return err
		}
	}

	dcsr, err := d.readCSR(regDCSR)
	if err != nil {
		return err
	}
	dcsr |= 1 << 2
	if err := d.writeCSR(regDCSR, dcsr); err != nil {
		return err
	}

	if err := d.Continue(); err != nil {
		return err
	}

	deadline := time.Now().Add(dmTimeout)
	for time.Now().Before(deadline) {
		if halted, err := d.IsHalted(); err == nil && halted {
			dcsr &^= 1 << 2
			return d.writeCSR(regDCSR, dcsr)
		}
	}
	return ErrTimeout
}

func gdbRegno(regnum uint32) (uint32, error) {
	switch {
	case regnum < 32:
		return regGPRBase + regnum, nil
	case regnum == 32:
		return regDPC, nil
	default:
		return 0, ErrBadRegister
	}
}

// ReadRegister reads GDB register regnum (x0-x31 then pc=32).
func (d *DM) ReadRegister(regnum uint32) (uint32, error) {
	regno, err := gdbRegno(regnum)
	if err != nil {
		return 0, err
	}
	cmd := acAccessRegister<<24 | acARAARSize32 | acARTransfer | acARRegno(regno)
	return d.execAbstract(cmd, true)
}

// WriteRegister writes v into GDB register regnum.
func (d *DM) WriteRegister(regnum, v uint32) error {
	regno, err := gdbRegno(regnum)
	if err != nil {
		return err
	}
	if err := d.dmiWrite(dmData0, v); err != nil {
		return err
	}
	cmd := acAccessRegister<<24 | acARAARSize32 | acARTransfer | acARWrite | acARRegno(regno)
	_, err = d.execAbstract(cmd, false)
	return err
}

// GDBRegCount is the RV32I register-file size GDB expects: 32 GPRs + pc.
const GDBRegCount = 33

// ReadGDBRegs reads the full GDB register set.
func (d *DM) ReadGDBRegs() ([GDBRegCount]uint32, error) {
	var regs [GDBRegCount]uint32
	for i := uint32(0); i < GDBRegCount; i++ {
		v, err := d.ReadRegister(i)
		if err != nil {
			return regs, err
		}
		regs[i] = v
	}
	return regs, nil
}

// WriteGDBRegs writes the full GDB register set, skipping x0 which is
// hardwired to zero.
func (d *DM) WriteGDBRegs(regs [GDBRegCount]uint32) error {
	for i := uint32(1); i < GDBRegCount; i++ {
		if err := d.WriteRegister(i, regs[i]); err != nil {
			return err
		}
	}
	return nil
}

// MemRead reads len(buf) bytes from addr, using System Bus Access when
// available and falling back to byte-granular Abstract Memory Access
// commands otherwise (spec.md §4.6 "Memory access").
func (d *DM) MemRead(addr uint32, buf []byte) error {
	if !d.active {
		return ErrNotActive
	}
	if d.hasSBA {
		return d.sbaRead(addr, buf)
	}
	for i := range buf {
		cmd := acAccessMemory<<24 | (addr + uint32(i))
		v, err := d.execAbstract(cmd, true)
		if err != nil {
			return err
		}
		buf[i] = byte(v)
	}
	return nil
}

func (d *DM) sbaRead(addr uint32, buf []byte) error {
	sbcs := sbcsSBAccess32 | sbcsSBReadOnAddr | sbcsSBAutoIncrement
	if err := d.dmiWrite(dmSBCS, sbcs); err != nil {
		return err
	}

	aligned := addr &^ 3
	offset := int(addr & 3)
	n := len(buf)
	out := 0

	for n > 0 {
		if err := d.dmiWrite(dmSBAddress0, aligned); err != nil {
			return err
		}
		if err := d.sbaWaitReady(); err != nil {
			return err
		}
		word, err := d.dmiRead(dmSBData0)
		if err != nil {
			return err
		}
		for offset < 4 && n > 0 {
			buf[out] = byte(word >> uint(offset*8))
			out++
			offset++
			n--
		}
		aligned += 4
		offset = 0
	}
	return nil
}

func (d *DM) sbaWaitReady() error {
	deadline := time.Now().Add(dmTimeout)
	for time.Now().Before(deadline) {
		status, err := d.dmiRead(dmSBCS)
		if err != nil {
			return err
		}
		if status&sbcsSBBusy == 0 {
			if status&sbcsSBErrorMask != 0 {
				_ = d.dmiWrite(dmSBCS, status)
				return ErrCmdFailed
			}
			return nil
		}
	}
	return ErrTimeout
}

// MemWrite writes data to addr, via SBA when available or byte-granular
// Abstract Memory Access otherwise.
func (d *DM) MemWrite(addr uint32, data []byte) error {
	if !d.active {
		return ErrNotActive
	}
	if d.hasSBA {
		return d.sbaWrite(addr, data)
	}
	for i, b := range data {
		if err := d.dmiWrite(dmData0, uint32(b)); err != nil {
			return err
		}
		cmd := acAccessMemory<<24 | (1 << 16) | (addr + uint32(i))
		if _, err := d.execAbstract(cmd, false); err != nil {
			return err
		}
	}
	return nil
}

func (d *DM) sbaWrite(addr uint32, data []byte) error {
	sbcs := sbcsSBAccess32 | sbcsSBAutoIncrement
	if err := d.dmiWrite(dmSBCS, sbcs); err != nil {
		return err
	}
	if err := d.dmiWrite(dmSBAddress0, addr&^3); err != nil {
		return err
	}

	aligned := addr &^ 3
	offset := int(addr & 3)
	n := len(data)
	in := 0

	for n > 0 {
		var word uint32
		if offset != 0 || n < 4 {
			if err := d.dmiWrite(dmSBAddress0, aligned); err != nil {
				return err
			}
			readSBCS := sbcsSBAccess32 | sbcsSBReadOnAddr
			if err := d.dmiWrite(dmSBCS, readSBCS); err != nil {
				return err
			}
			w, err := d.dmiRead(dmSBData0)
			if err != nil {
				return err
			}
			word = w
		}

		for offset < 4 && n > 0 {
			word &^= 0xFF << uint(offset*8)
			word |= uint32(data[in]) << uint(offset*8)
			in++
			offset++
			n--
		}

		if err := d.dmiWrite(dmSBAddress0, aligned); err != nil {
			return err
		}
		if err := d.dmiWrite(dmSBData0, word); err != nil {
			return err
		}
		if err := d.sbaWaitReady(); err != nil {
			return err
		}

		aligned += 4
		offset = 0
	}
	return nil
}

// StopReason reads dcsr.cause and maps it to a GDB/Unix signal number,
// matching riscv_stop_reason().
func (d *DM) StopReason() uint8 {
	const sigtrap = 5
	const sigstop = 17

	dcsr, err := d.readCSR(regDCSR)
	if err != nil {
		return sigtrap
	}
	cause := (dcsr >> 6) & 0x7
	switch cause {
	case 3: // haltreq
		return sigstop
	default: // ebreak, trigger, step, or unknown
		return sigtrap
	}
}
