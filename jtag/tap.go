// Package jtag implements a bit-banged IEEE-1149.1 Test Access Port
// state machine and IR/DR shifting, plus the RISC-V Debug Transport
// Module (DTM) access built on top of it (spec.md §4.5).
package jtag

import (
	"time"

	"periph.io/x/conn/v3/gpio"
)

// State is one of the 16 TAP controller states.
type State int

const (
	TestLogicReset State = iota
	Idle
	SelectDR
	CaptureDR
	ShiftDR
	Exit1DR
	PauseDR
	Exit2DR
	UpdateDR
	SelectIR
	CaptureIR
	ShiftIR
	Exit1IR
	PauseIR
	Exit2IR
	UpdateIR
)

// next[state][tms] is the deterministic TMS-indexed transition table
// from spec.md's Data Model ("JTAG TAP state").
var next = [16][2]State{
	TestLogicReset: {Idle, TestLogicReset},
	Idle:           {Idle, SelectDR},
	SelectDR:       {CaptureDR, SelectIR},
	CaptureDR:      {ShiftDR, Exit1DR},
	ShiftDR:        {ShiftDR, Exit1DR},
	Exit1DR:        {PauseDR, UpdateDR},
	PauseDR:        {PauseDR, Exit2DR},
	Exit2DR:        {ShiftDR, UpdateDR},
	UpdateDR:       {Idle, SelectDR},
	SelectIR:       {CaptureIR, TestLogicReset},
	CaptureIR:      {ShiftIR, Exit1IR},
	ShiftIR:        {ShiftIR, Exit1IR},
	Exit1IR:        {PauseIR, UpdateIR},
	PauseIR:        {PauseIR, Exit2IR},
	Exit2IR:        {ShiftIR, UpdateIR},
	UpdateIR:       {Idle, SelectDR},
}

// TAP drives TCK/TMS/TDI/TDO bit-banged. All public shift operations
// begin from Idle; WriteIR, WriteDR and ReadDR32 also return to Idle,
// while ShiftIR and ShiftDR stop in Exit1-IR/DR for the caller to
// complete (spec.md Data Model invariant).
type TAP struct {
	Tck   gpio.PinOut
	Tms   gpio.PinOut
	Tdi   gpio.PinOut
	Tdo   gpio.PinIn
	Delay time.Duration

	state State
}

func (t *TAP) delay() {
	if t.Delay > 0 {
		time.Sleep(t.Delay)
	}
}

func (t *TAP) clock(tms, tdi int) {
	t.Tms.Out(gpio.Level(tms != 0))
	t.Tdi.Out(gpio.Level(tdi != 0))
	t.delay()
	t.Tck.Out(gpio.High)
	t.delay()
	t.Tck.Out(gpio.Low)
}

func (t *TAP) clockCapture(tms, tdi int) int {
	t.Tms.Out(gpio.Level(tms != 0))
	t.Tdi.Out(gpio.Level(tdi != 0))
	t.delay()
	t.Tck.Out(gpio.High)
	tdo := 0
	if t.Tdo.Read() == gpio.High {
		tdo = 1
	}
	t.delay()
	t.Tck.Out(gpio.Low)
	return tdo
}

// Init resets the TAP to a known state, matching jtag_init() in the
// original firmware.
func (t *TAP) Init() {
	t.Tck.Out(gpio.Low)
	t.Tms.Out(gpio.High)
	t.Tdi.Out(gpio.Low)
	t.Reset()
}

// State reports the current TAP state.
func (t *TAP) State() State { return t.state }

// TMS clocks a single TMS bit and updates the FSM.
func (t *TAP) TMS(tms int) {
	if tms != 0 {
		tms = 1
	}
	t.clock(tms, 0)
	t.state = next[t.state][tms]
}

// Reset drives 6 TCK cycles with TMS=1, landing in TestLogicReset from
// any starting state.
func (t *TAP) Reset() {
	for i := 0; i < 6; i++ {
		t.clock(1, 0)
	}
	t.state = TestLogicReset
}

// GoIdle navigates to Run-Test/Idle from any state.
func (t *TAP) GoIdle() {
	if t.state == TestLogicReset {
		t.TMS(0)
		return
	}
	t.Reset()
	t.TMS(0)
}

func (t *TAP) goShiftIR() {
	if t.state != Idle {
		t.GoIdle()
	}
	t.TMS(1) // Idle -> Select-DR
	t.TMS(1) // Select-DR -> Select-IR
	t.TMS(0) // Select-IR -> Capture-IR
	t.TMS(0) // Capture-IR -> Shift-IR
}

func (t *TAP) goShiftDR() {
	if t.state != Idle {
		t.GoIdle()
	}
	t.TMS(1) // Idle -> Select-DR
	t.TMS(0) // Select-DR -> Capture-DR
	t.TMS(0) // Capture-DR -> Shift-DR
}

// shiftBits shifts bits LSB-first from tdi (may be nil to shift zeros),
// capturing into tdo (may be nil to discard). The final bit asserts
// TMS=1, leaving the FSM in Exit1-IR/DR.
func (t *TAP) shiftBits(tdi, tdo []byte, bits int) {
	for i := 0; i < bits; i++ {
		tdiBit := 0
		if tdi != nil {
			tdiBit = int(tdi[i/8]>>uint(i%8)) & 1
		}
		tms := 0
		if i == bits-1 {
			tms = 1
		}
		tdoBit := t.clockCapture(tms, tdiBit)
		if tdo != nil {
			if i%8 == 0 {
				tdo[i/8] = 0
			}
			tdo[i/8] |= byte(tdoBit << uint(i%8))
		}
	}
	switch t.state {
	case ShiftIR:
		t.state = Exit1IR
	case ShiftDR:
		t.state = Exit1DR
	}
}

// ShiftIR shifts bits into/out of the instruction register, leaving the
// FSM in Exit1-IR. Caller completes Update+return-to-Idle.
func (t *TAP) ShiftIR(tdi, tdo []byte, bits int) {
	t.goShiftIR()
	t.shiftBits(tdi, tdo, bits)
}

// ShiftDR shifts bits into/out of the data register, leaving the FSM in
// Exit1-DR.
func (t *TAP) ShiftDR(tdi, tdo []byte, bits int) {
	t.goShiftDR()
	t.shiftBits(tdi, tdo, bits)
}

// WriteIR shifts data into IR and returns the FSM to Idle.
func (t *TAP) WriteIR(data []byte, bits int) {
	t.ShiftIR(data, nil, bits)
	t.TMS(1) // Exit1-IR -> Update-IR
	t.TMS(0) // Update-IR -> Idle
}

// WriteDR shifts data into DR and returns the FSM to Idle.
func (t *TAP) WriteDR(data []byte, bits int) {
	t.ShiftDR(data, nil, bits)
	t.TMS(1) // Exit1-DR -> Update-DR
	t.TMS(0) // Update-DR -> Idle
}

// ReadDR32 shifts `bits` (<=32) zeros into DR, returns the captured
// value LSB-first, and returns the FSM to Idle.
func (t *TAP) ReadDR32(bits int) uint32 {
	if bits > 32 {
		bits = 32
	}
	var tdo, tdi [4]byte
	t.ShiftDR(tdi[:], tdo[:], bits)
	t.TMS(1)
	t.TMS(0)

	var result uint32
	n := (bits + 7) / 8
	if n > 4 {
		n = 4
	}
	for i := 0; i < n; i++ {
		result |= uint32(tdo[i]) << uint(i*8)
	}
	return result
}
