package jtag

import (
	"errors"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"swdprobe/internal/wiretest"
)

func TestDTMReadIDCodeAndDTMCS(t *testing.T) {
	tdo := wiretest.NewPin("TDO")
	tap := &TAP{
		Tck: wiretest.NewPin("TCK"),
		Tms: wiretest.NewPin("TMS"),
		Tdi: wiretest.NewPin("TDI"),
		Tdo: tdo,
	}
	tap.Init()

	idcode := uint32(0x10002FFF)
	dtmcs := uint32(0x000000A1) // abits field (bits[9:4]) = 10
	// Each IR shift also samples TDO (irLen bits, discarded) before the
	// DR shift that reads the selected register.
	var bits []int
	bits = append(bits, make([]int, irLen)...)
	for i := 0; i < 32; i++ {
		bits = append(bits, int((idcode>>uint(i))&1))
	}
	bits = append(bits, make([]int, irLen)...)
	for i := 0; i < 32; i++ {
		bits = append(bits, int((dtmcs>>uint(i))&1))
	}
	i := 0
	tdo.Callback = func() gpio.Level {
		if i >= len(bits) {
			return gpio.High
		}
		b := bits[i]
		i++
		return gpio.Level(b != 0)
	}

	dtm := NewDTM(tap)
	if got := dtm.ReadIDCode(); got != idcode {
		t.Fatalf("ReadIDCode got %#x want %#x", got, idcode)
	}
	if got := dtm.ReadDTMCS(); got != dtmcs {
		t.Fatalf("ReadDTMCS got %#x want %#x", got, dtmcs)
	}
	if got := dtm.ABits(); got != 10 {
		t.Fatalf("ABits got %d want 10", got)
	}
}

func TestDTMBusyReported(t *testing.T) {
	tdo := wiretest.NewPin("TDO")
	tap := &TAP{
		Tck: wiretest.NewPin("TCK"),
		Tms: wiretest.NewPin("TMS"),
		Tdi: wiretest.NewPin("TDI"),
		Tdo: tdo,
	}
	tap.Init()

	// TDO script: the IR shift (irLen bits), the request shift (total
	// bits, don't-care), then the NOP shift whose op field (bits[1:0])
	// carries the response: busy(3).
	total := 2 + 32 + 7
	bits := make([]int, irLen+2*total)
	resp := irLen + total
	bits[resp] = 1
	bits[resp+1] = 1
	i := 0
	tdo.Callback = func() gpio.Level {
		if i >= len(bits) {
			return gpio.High
		}
		b := bits[i]
		i++
		return gpio.Level(b != 0)
	}

	dtm := NewDTM(tap)
	_, err := dtm.ReadDMI(0x10)
	if !errors.Is(err, ErrDMIBusy) {
		t.Fatalf("got %v, want ErrDMIBusy", err)
	}
}
