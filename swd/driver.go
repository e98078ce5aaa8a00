package swd

import "periph.io/x/conn/v3/driver/driverreg"

// driver registers the SWD physical backend with driverreg so
// probe.Init() can report it as linked in, the way gpioioctl and ftdi
// register themselves in the teacher (spec.md §4.9 "bring up ADIv5").
type driver struct{}

func (d *driver) String() string         { return "swd" }
func (d *driver) Prerequisites() []string { return nil }
func (d *driver) After() []string         { return nil }

// Init always succeeds: the SWD backend is pure bit-banging over
// whatever gpio.PinIO the caller supplies, so there is nothing on this
// host to probe for.
func (d *driver) Init() (bool, error) { return true, nil }

func init() {
	driverreg.MustRegister(&driver{})
}
