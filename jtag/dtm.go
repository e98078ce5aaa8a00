package jtag

import "errors"

// IR values for the standard RISC-V JTAG DTM, per the RISC-V Debug
// Specification (spec.md §4.5).
const (
	IRIDCode uint8 = 0x01
	IRDTMCS  uint8 = 0x10
	IRDMI    uint8 = 0x11
	IRBypass uint8 = 0x1F

	irLen = 5
)

// DMI request op codes.
const (
	dmiOpNop   = 0
	dmiOpRead  = 1
	dmiOpWrite = 2
)

// DMI response op codes.
const (
	dmiRespOK     = 0
	dmiRespFailed = 2
	dmiRespBusy   = 3
)

// ErrDMIBusy is returned by DMI when the target reports op=busy.
var ErrDMIBusy = errors.New("jtag: DMI busy")

// DTM wraps a TAP with RISC-V Debug Transport Module access: IDCODE,
// DTMCS and DMI read/write (spec.md §4.5).
type DTM struct {
	TAP   *TAP
	abits uint8
}

// NewDTM returns a DTM driving tap. abits defaults to 7 until
// ReadDTMCS learns the real value, matching the original firmware's
// fallback.
func NewDTM(tap *TAP) *DTM {
	return &DTM{TAP: tap, abits: 7}
}

func (d *DTM) writeIR(ir uint8) {
	b := [1]byte{ir}
	d.TAP.WriteIR(b[:], irLen)
}

// ReadIDCode shifts IDCODE into IR and reads the 32-bit ID register.
func (d *DTM) ReadIDCode() uint32 {
	d.writeIR(IRIDCode)
	return d.TAP.ReadDR32(32)
}

// ReadDTMCS reads DTMCS and latches `abits` (bits[9:4]) for subsequent
// DMI shifts, falling back to 7 if the field reads zero.
func (d *DTM) ReadDTMCS() uint32 {
	d.writeIR(IRDTMCS)
	dtmcs := d.TAP.ReadDR32(32)
	d.abits = uint8((dtmcs >> 4) & 0x3F)
	if d.abits == 0 {
		d.abits = 7
	}
	return dtmcs
}

// ABits reports the address-width learned from DTMCS (or the default 7
// if ReadDTMCS has not been called yet).
func (d *DTM) ABits() uint8 { return d.abits }

func (d *DTM) dmiOp(addr, dataIn uint32, op uint8) (uint32, uint8) {
	d.writeIR(IRDMI)

	totalBits := int(2 + 32 + d.abits)
	request := uint64(op&3) | (uint64(dataIn) << 2) | (uint64(addr) << 34)

	var tdi, tdo [8]byte
	for i := 0; i < 8; i++ {
		tdi[i] = byte(request >> uint(i*8))
	}
	d.TAP.ShiftDR(tdi[:], tdo[:], totalBits)
	d.TAP.TMS(1)
	d.TAP.TMS(0)

	if op == dmiOpRead {
		// First shift sent the request; a second (NOP) shift clocks the
		// response out, matching the original's two-phase DMI protocol.
		request = dmiOpNop
		for i := 0; i < 8; i++ {
			tdi[i] = byte(request >> uint(i*8))
		}
		d.TAP.ShiftDR(tdi[:], tdo[:], totalBits)
		d.TAP.TMS(1)
		d.TAP.TMS(0)
	}

	var response uint64
	for i := 0; i < 8; i++ {
		response |= uint64(tdo[i]) << uint(i*8)
	}
	respOp := uint8(response & 3)
	respData := uint32((response >> 2) & 0xFFFFFFFF)
	return respData, respOp
}

// ReadDMI issues a DMI read of addr. A busy response is reported as
// ErrDMIBusy so callers (package riscv) can apply the dmireset retry
// policy from spec.md §9.
func (d *DTM) ReadDMI(addr uint32) (uint32, error) {
	data, op := d.dmiOp(addr, 0, dmiOpRead)
	switch op {
	case dmiRespOK:
		return data, nil
	case dmiRespBusy:
		return 0, ErrDMIBusy
	default:
		return 0, errors.New("jtag: DMI read failed")
	}
}

// WriteDMI issues a DMI write of data to addr.
func (d *DTM) WriteDMI(addr, data uint32) error {
	_, op := d.dmiOp(addr, data, dmiOpWrite)
	switch op {
	case dmiRespOK:
		return nil
	case dmiRespBusy:
		return ErrDMIBusy
	default:
		return errors.New("jtag: DMI write failed")
	}
}

// ResetDMI clears a stuck DMI by issuing dmireset via DTMCS (bit 16),
// used by package riscv's busy-retry policy.
func (d *DTM) ResetDMI() {
	d.writeIR(IRDTMCS)
	const dmireset = 1 << 16
	var tdi [4]byte
	v := uint32(dmireset)
	for i := 0; i < 4; i++ {
		tdi[i] = byte(v >> uint(i*8))
	}
	d.TAP.WriteDR(tdi[:], 32)
}
