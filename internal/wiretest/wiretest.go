// Package wiretest provides small in-memory gpio.PinIO fakes used by the
// swd and jtag package tests, in the style of ftdi's invalidPin and
// d2xxtest.Fake: enough of the interface to be usable, state kept in a
// plain struct rather than behind a mock framework.
package wiretest

import (
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Pin is a bidirectional in-memory pin. Tests read and set Level directly,
// or install a Callback to compute Read() dynamically (used to script a
// simulated target driving TDO/SWDIO).
type Pin struct {
	name     string
	level    gpio.Level
	dir      string // "in" or "out"
	Callback func() gpio.Level
}

// NewPin returns a Pin ready for use, starting in input mode, matching
// the idle state a real SWDIO/TDO line is sampled in before first drive.
func NewPin(name string) *Pin {
	return &Pin{name: name, dir: "in"}
}

func (p *Pin) String() string   { return p.name }
func (p *Pin) Name() string     { return p.name }
func (p *Pin) Number() int      { return -1 }
func (p *Pin) Function() string { return p.dir }
func (p *Pin) Halt() error      { return nil }

func (p *Pin) In(gpio.Pull, gpio.Edge) error {
	p.dir = "in"
	return nil
}

func (p *Pin) Read() gpio.Level {
	if p.Callback != nil {
		return p.Callback()
	}
	return p.level
}

func (p *Pin) WaitForEdge(time.Duration) bool { return false }
func (p *Pin) Pull() gpio.Pull                { return gpio.PullNoChange }
func (p *Pin) DefaultPull() gpio.Pull         { return gpio.PullNoChange }

func (p *Pin) Out(l gpio.Level) error {
	p.dir = "out"
	p.level = l
	return nil
}

func (p *Pin) PWM(gpio.Duty, physic.Frequency) error { return nil }

// Set forces the current level, used by a test driving the "target" side
// of a simulated bus.
func (p *Pin) Set(l gpio.Level) { p.level = l }

// Dir reports "in" or "out", the last direction Pin was configured for.
func (p *Pin) Dir() string { return p.dir }

var _ gpio.PinIO = (*Pin)(nil)
