package probe

import (
	"fmt"
	"log"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/pin"
	"periph.io/x/conn/v3/pin/pinreg"
)

// Pins is the set of wire pins the probe drives, resolved from board
// names through gpioreg (spec.md §6 "Wire pins"). TCK/TMS/TDI/TDO are
// nil when the board has no JTAG header wired.
type Pins struct {
	SWCLK, SWDIO, NRESET    gpio.PinIO
	TCK, TMS, TDI, TDO gpio.PinIO
}

// pinNames is a board's GPIO line names, the Go analogue of the
// original firmware's per-board board_init() pin mux (spec.md
// Supplemented features #4, grounded on apullin/mspm0_debugger's
// board_mspm0c1104.c/board_mspm0g5187.c).
type pinNames struct {
	SWCLK, SWDIO, NRESET string
	TCK, TMS, TDI, TDO   string
}

// boards is a small, explicit table rather than autodetected wiring:
// the probe has no persisted configuration (spec.md §6), so the board
// name is supplied by the caller (Config.Board).
var boards = map[string]pinNames{
	"rpi-header": {
		SWCLK:  "GPIO25",
		SWDIO:  "GPIO24",
		NRESET: "GPIO23",
		TCK:    "GPIO18",
		TMS:    "GPIO27",
		TDI:    "GPIO22",
		TDO:    "GPIO17",
	},
}

// RegisterBoard adds or overrides a named board's pin-name table. Used
// by board-specific init() files the way the teacher's nanopi/orangepi
// packages register their own header layouts.
func RegisterBoard(name string, swclk, swdio, nreset, tck, tms, tdi, tdo string) {
	boards[name] = pinNames{swclk, swdio, nreset, tck, tms, tdi, tdo}
}

// ResolvePins looks up board by name and resolves each line through
// gpioreg.ByName, matching the teacher's gpioreg.ByName()-based pin
// discovery convention.
func ResolvePins(board string) (Pins, error) {
	names, ok := boards[board]
	if !ok {
		return Pins{}, fmt.Errorf("probe: unknown board %q", board)
	}

	required := func(name string) (gpio.PinIO, error) {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("probe: pin %q not found", name)
		}
		return p, nil
	}
	optional := func(name string) gpio.PinIO {
		if name == "" {
			return nil
		}
		p := gpioreg.ByName(name)
		if p == nil {
			log.Printf("probe: JTAG pin %q not found, JTAG backend unavailable", name)
		}
		return p
	}

	var pins Pins
	var err error
	if pins.SWCLK, err = required(names.SWCLK); err != nil {
		return Pins{}, err
	}
	if pins.SWDIO, err = required(names.SWDIO); err != nil {
		return Pins{}, err
	}
	if pins.NRESET, err = required(names.NRESET); err != nil {
		return Pins{}, err
	}
	pins.TCK = optional(names.TCK)
	pins.TMS = optional(names.TMS)
	pins.TDI = optional(names.TDI)
	pins.TDO = optional(names.TDO)

	registerHeader(board, pins)
	return pins, nil
}

// registerHeader publishes the resolved wiring through pinreg, the way
// nanopi.registerHeaders does for its expansion headers, so tools like
// periph-info can show what the probe has claimed.
func registerHeader(board string, p Pins) {
	rows := [][]pin.Pin{{p.SWCLK}, {p.SWDIO}, {p.NRESET}}
	if p.TCK != nil {
		rows = append(rows, []pin.Pin{p.TCK}, []pin.Pin{p.TMS}, []pin.Pin{p.TDI}, []pin.Pin{p.TDO})
	}
	if err := pinreg.Register(board, rows); err != nil {
		log.Printf("probe: pinreg.Register(%s): %v", board, err)
	}
}
