// Package swd implements the bit-banged ADIv5 Serial Wire Debug wire
// protocol: line framing, parity, ACK decoding and turnaround handling.
//
// It drives the two SWD wires (SWCLK, bidirectional SWDIO) through
// periph.io/x/conn/v3/gpio pins. Nothing above the wire contract lives
// here: bank selection, posted reads and retry-on-WAIT policy belong to
// package adiv5.
package swd

import (
	"errors"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Ack is the 3-bit acknowledge response returned by the target.
type Ack uint8

const (
	AckOK    Ack = 0b001
	AckWait  Ack = 0b010
	AckFault Ack = 0b100
)

// Errors returned by Transfer and friends. Callers distinguish them with
// errors.Is; the PHY itself never retries.
var (
	ErrWait       = errors.New("swd: WAIT response")
	ErrFault      = errors.New("swd: FAULT response")
	ErrProtocol   = errors.New("swd: malformed ACK/protocol error")
	ErrParity     = errors.New("swd: parity mismatch on read")
)

// Link drives SWCLK/SWDIO bit-banged with an optional per-edge delay.
//
// Clk must support Out(); Dio must support both In() and Out() since
// SWDIO is turned around mid-transaction. Delay is the teacher's
// "implementation-configurable quarter-period delay" (spec.md §4.1); zero
// means clock as fast as the GPIO driver allows.
type Link struct {
	Clk   gpio.PinOut
	Dio   gpio.PinIO
	Delay time.Duration
}

func (l *Link) delay() {
	if l.Delay > 0 {
		time.Sleep(l.Delay)
	}
}

func (l *Link) clockCycle() {
	l.Clk.Out(gpio.Low)
	l.delay()
	l.Clk.Out(gpio.High)
	l.delay()
}

func (l *Link) writeBit(bit int) {
	l.Dio.Out(gpio.Level(bit != 0))
	l.clockCycle()
}

func (l *Link) readBit() int {
	l.Clk.Out(gpio.Low)
	l.delay()
	l.Clk.Out(gpio.High)
	b := 0
	if l.Dio.Read() == gpio.High {
		b = 1
	}
	l.delay()
	return b
}

func (l *Link) dioOut() { l.Dio.Out(gpio.High) }
func (l *Link) dioIn()  { l.Dio.In(gpio.Float, gpio.NoEdge) }

func (l *Link) lineReset() {
	l.dioOut()
	l.Dio.Out(gpio.High)
	for i := 0; i < 60; i++ {
		l.clockCycle()
	}
}

// JTAGToSWD issues the ADIv5 line-reset / 0xE79E / line-reset / idle
// sequence that switches a combined SWJ-DP from JTAG to SWD mode
// (spec.md §4.1 "Bring-up"). It must precede the first Transfer.
func (l *Link) JTAGToSWD() {
	l.lineReset()

	const seq = uint16(0xE79E)
	l.dioOut()
	for i := 0; i < 16; i++ {
		l.writeBit(int((seq >> uint(i)) & 1))
	}

	l.lineReset()

	// At least 2 idle cycles, host driving high.
	l.Dio.Out(gpio.High)
	l.clockCycle()
	l.clockCycle()
}

func parityU32(v uint32) uint8 {
	v ^= v >> 16
	v ^= v >> 8
	v ^= v >> 4
	v &= 0xF
	return uint8((0x6996 >> v) & 1)
}

// parity4 returns the even parity of the low 4 bits of v, matching the
// request-header parity field (over APnDP,RnW,A2,A3).
func parity4(v uint8) uint8 {
	v &= 0xF
	v ^= v >> 2
	v ^= v >> 1
	return v & 1
}

func (l *Link) readAck() Ack {
	a0 := l.readBit()
	a1 := l.readBit()
	a2 := l.readBit()
	return Ack((a2 << 2) | (a1 << 1) | a0)
}

func (l *Link) turnaroundToRead() {
	l.dioIn()
	l.clockCycle()
}

func (l *Link) turnaroundToWrite() {
	l.clockCycle()
	l.dioOut()
}

func (l *Link) idleCycle() {
	l.Dio.Out(gpio.High)
	l.clockCycle()
}

func (l *Link) readU32() (uint32, error) {
	var v uint32
	for i := 0; i < 32; i++ {
		v |= uint32(l.readBit()) << uint(i)
	}
	p := l.readBit()
	if parityU32(v)&1 != uint8(p) {
		// Still complete the idle cycle so the bus is safe for the next
		// header (spec.md §4.1 "Result mapping").
		l.turnaroundToWrite()
		l.idleCycle()
		return 0, ErrParity
	}
	l.turnaroundToWrite()
	l.idleCycle()
	return v, nil
}

func (l *Link) writeU32(v uint32) {
	for i := 0; i < 32; i++ {
		l.writeBit(int((v >> uint(i)) & 1))
	}
	l.writeBit(int(parityU32(v)))
	l.idleCycle()
}

// Transfer performs one SWD transaction: request header, turnaround,
// ACK, and the data phase. On a read, data receives the 32-bit payload.
// On a write, *data supplies the payload.
//
// AckOK is the only success case. AckWait and AckFault are returned as
// ErrWait/ErrFault after the PHY has completed the idle cycle needed to
// leave the bus safe for the next header; the PHY itself never retries
// WAIT (that is the ADIv5 layer's job, per spec.md §4.1).
func (l *Link) Transfer(ap, rnw bool, a32 uint8, data *uint32) error {
	var hdrAP, hdrRnW uint8
	if ap {
		hdrAP = 1
	}
	if rnw {
		hdrRnW = 1
	}
	a2 := a32 & 1
	a3 := (a32 >> 1) & 1
	p := parity4((hdrAP) | (hdrRnW << 1) | (a2 << 2) | (a3 << 3))

	req := [8]int{1, int(hdrAP), int(hdrRnW), int(a2), int(a3), int(p), 0, 1}

	l.dioOut()
	for _, b := range req {
		l.writeBit(b)
	}

	l.turnaroundToRead()
	ack := l.readAck()

	if ack == AckWait {
		l.turnaroundToWrite()
		l.idleCycle()
		return ErrWait
	}
	if ack == AckFault {
		l.turnaroundToWrite()
		l.idleCycle()
		return ErrFault
	}
	if ack != AckOK {
		// Any of the other five 3-bit combinations is not a value the
		// target protocol ever sends intentionally (spec.md §4.1 "else
		// protocol fault").
		l.turnaroundToWrite()
		l.idleCycle()
		return ErrProtocol
	}

	if rnw {
		v, err := l.readU32()
		if err != nil {
			return err
		}
		*data = v
		return nil
	}

	l.turnaroundToWrite()
	l.writeU32(*data)
	return nil
}
