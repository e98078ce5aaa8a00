// Package adiv5 implements the ADIv5 DP/AP transaction layer on top of
// the SWD wire PHY: DP register I/O, AP bank-select caching, posted AP
// reads and sticky-error recovery (spec.md §4.2).
package adiv5

import (
	"errors"
	"time"

	"swdprobe/swd"
)

// DP register addresses, A[3:2] encoded (spec.md §4.2).
const (
	DPIDCode   uint8 = 0x0
	DPAbort    uint8 = 0x0 // write-only, same address as IDCODE
	DPCtrlStat uint8 = 0x4
	DPSelect   uint8 = 0x8
	DPRDBuff   uint8 = 0xC
)

// ABORT bits that clear all sticky error conditions
// (STKERR/STKCMP/STKORUN/WDERR/ORUN).
const abortClearErrors = (1 << 0) | (1 << 1) | (1 << 2) | (1 << 3) | (1 << 4)

// CTRL/STAT bits used during power-up.
const (
	ctrlCDBGPwrUpReq = 1 << 28
	ctrlCDBGPwrUpAck = 1 << 29
	ctrlCSysPwrUpReq = 1 << 30
	ctrlCSysPwrUpAck = 1 << 31
)

// ErrPowerUpTimeout is returned by Init if the target never acknowledges
// the debug/system power-up request.
var ErrPowerUpTimeout = errors.New("adiv5: power-up ack timeout")

// unsetSelect is an impossible SELECT shadow value, forcing the first AP
// access to reprogram SELECT (spec.md Data Model: "AP selection cache").
const unsetSelect = 0xFFFFFFFF

// Bus is the ADIv5 DP/AP transaction layer over a swd.Link.
type Bus struct {
	Link *swd.Link

	// selectShadow shadows the DP SELECT register; an invalid sentinel value
	// forces the first AP access to reprogram it.
	selectShadow uint32
}

// maxWaitRetries bounds how many attempts a transfer gets while the
// target keeps answering WAIT (the first try plus maxWaitRetries-1
// retries) before giving up, matching spec.md §4.1 "Retry policy": the PHY never
// retries WAIT itself, this layer does, bounded.
const maxWaitRetries = 16

// transfer runs one PHY transfer, retrying on swd.ErrWait for at most
// maxWaitRetries attempts in total (spec.md §4.1/§4.2 "WAIT is not retried by the
// PHY; the ADIv5 layer above may ... retry (bounded)").
func (b *Bus) transfer(ap, rnw bool, a32 uint8, data *uint32) error {
	var err error
	for i := 0; i < maxWaitRetries; i++ {
		err = b.Link.Transfer(ap, rnw, a32, data)
		if !errors.Is(err, swd.ErrWait) {
			return err
		}
	}
	return err
}

// DPRead reads a DP register.
func (b *Bus) DPRead(addr uint8) (uint32, error) {
	var v uint32
	if err := b.transfer(false, true, addr>>2, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// DPWrite writes a DP register.
func (b *Bus) DPWrite(addr uint8, v uint32) error {
	return b.transfer(false, false, addr>>2, &v)
}

// apSelect programs DP SELECT if the shadow doesn't already match
// (apSel, bank). A failed write invalidates the shadow so the next
// access reprograms it, matching spec.md §4.2 "Error recovery".
func (b *Bus) apSelect(apSel, bank uint8) error {
	sel := uint32(apSel)<<24 | uint32(bank)<<4
	if sel == b.selectShadow {
		return nil
	}
	if err := b.DPWrite(DPSelect, sel); err != nil {
		b.selectShadow = unsetSelect
		return err
	}
	b.selectShadow = sel
	return nil
}

// APWrite writes an AP register, selecting its bank first.
func (b *Bus) APWrite(apSel, addr uint8, v uint32) error {
	bank := (addr >> 4) & 0xF
	if err := b.apSelect(apSel, bank); err != nil {
		return err
	}
	if err := b.transfer(true, false, addr>>2, &v); err != nil {
		b.selectShadow = unsetSelect
		return err
	}
	return nil
}

// APRead performs a posted AP read: the AP read is issued and discarded,
// then DP RDBUFF is read to obtain the actual data (spec.md §4.2 "AP
// read (posted)").
func (b *Bus) APRead(apSel, addr uint8) (uint32, error) {
	bank := (addr >> 4) & 0xF
	if err := b.apSelect(apSel, bank); err != nil {
		return 0, err
	}

	var dummy uint32
	if err := b.transfer(true, true, addr>>2, &dummy); err != nil {
		b.selectShadow = unsetSelect
		return 0, err
	}

	v, err := b.DPRead(DPRDBuff)
	if err != nil {
		b.selectShadow = unsetSelect
		return 0, err
	}
	return v, nil
}

// SelectShadow returns the current SELECT shadow value, for testing the
// invariant in spec.md §8 ("After any ap_read... the SELECT shadow
// equals...").
func (b *Bus) SelectShadow() uint32 { return b.selectShadow }

// ClearErrors writes the sticky-error-clearing pattern to DP ABORT.
func (b *Bus) ClearErrors() error {
	return b.DPWrite(DPAbort, abortClearErrors)
}

// Init brings up the SWD link: JTAG-to-SWD sequence, IDCODE read,
// sticky-error clear, and debug/system power-up handshake (spec.md
// §4.2 "Init").
func (b *Bus) Init() error {
	b.selectShadow = unsetSelect
	b.Link.JTAGToSWD()

	if _, err := b.DPRead(DPIDCode); err != nil {
		return err
	}

	_ = b.ClearErrors()

	req := uint32(ctrlCDBGPwrUpReq | ctrlCSysPwrUpReq)
	if err := b.DPWrite(DPCtrlStat, req); err != nil {
		return err
	}

	const pollInterval = 100 * time.Microsecond
	const maxPolls = 200 // ~20ms at 100us cadence, per spec.md §4.2
	for i := 0; i < maxPolls; i++ {
		cs, err := b.DPRead(DPCtrlStat)
		if err == nil && cs&ctrlCDBGPwrUpAck != 0 && cs&ctrlCSysPwrUpAck != 0 {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return ErrPowerUpTimeout
}
