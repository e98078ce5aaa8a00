// Package probe is the orchestrator (spec.md §4.9): it owns boot
// (reset pulse, link bring-up, target discovery, breakpoint/watchpoint
// init) and the main loop that pumps host-link bytes into the RSP
// engine and polls it for asynchronous stops.
package probe

import (
	"errors"
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"

	"swdprobe/adiv5"
	"swdprobe/jtag"
	"swdprobe/rsp"
	"swdprobe/swd"
	"swdprobe/target"
)

// Init assembles whichever physical back ends are linked in, mirroring
// periph.io/x/host's host.Init() wrapping driverreg.Init().
func Init() (*driverreg.State, error) {
	return driverreg.Init()
}

// resetPulseMin is spec.md §4.9's "pulse nRESET low for >=1ms, release,
// delay >=1ms".
const resetPulseMin = 1100 * time.Microsecond

// Config configures one probe instance, following the teacher's plain
// struct-configuration convention (ftdi.Opts, sysfs.Pin) rather than a
// config-file/flag framework (spec.md §6 "Persisted state: none").
type Config struct {
	// Board selects a pin-name table resolved by ResolvePins. Leave
	// empty and set Pins directly to bypass board lookup.
	Board string
	Pins  Pins

	// Delay is the bit-bang quarter-period delay (spec.md §9 "Timing");
	// zero clocks as fast as the GPIO driver allows.
	Delay time.Duration

	// EnableRISCV allows target.Select to fall through to the RISC-V
	// JTAG backend when no Cortex-M core answers over SWD.
	EnableRISCV bool

	Link HostLink
}

// Probe is one booted session: a selected Target and the RSP server
// dispatching against it.
type Probe struct {
	Target target.Target
	Server *rsp.Server
	Link   HostLink
}

var ErrNoHostLink = errors.New("probe: Config.Link is required")

// Boot executes spec.md §4.9's boot sequence: reset pulse, ADIv5/JTAG
// bring-up, target selection, halt, and breakpoint/watchpoint resource
// init (the latter happens inside target.Select, which calls the
// chosen backend's Init()).
func Boot(cfg Config) (*Probe, error) {
	if cfg.Link == nil {
		return nil, ErrNoHostLink
	}
	pins := cfg.Pins
	if cfg.Board != "" {
		var err error
		if pins, err = ResolvePins(cfg.Board); err != nil {
			return nil, err
		}
	}

	pulseReset(pins.NRESET)

	swdLink := &swd.Link{Clk: pins.SWCLK, Dio: pins.SWDIO, Delay: cfg.Delay}
	bus := &adiv5.Bus{Link: swdLink}

	var tap *jtag.TAP
	if pins.TCK != nil {
		tap = &jtag.TAP{
			Tck:   pins.TCK,
			Tms:   pins.TMS,
			Tdi:   pins.TDI,
			Tdo:   pins.TDO,
			Delay: cfg.Delay,
		}
	}

	t, err := target.Select(bus, tap, target.Options{EnableRISCV: cfg.EnableRISCV && tap != nil})
	if err != nil {
		return nil, fmt.Errorf("probe: target selection: %w", err)
	}
	if err := t.Halt(); err != nil {
		return nil, fmt.Errorf("probe: initial halt: %w", err)
	}

	return &Probe{
		Target: t,
		Server: rsp.NewServer(t),
		Link:   cfg.Link,
	}, nil
}

// pulseReset drives nRESET low, holds it, then releases it, per spec.md
// §4.9. A nil pin (no reset line wired) is a no-op.
func pulseReset(nreset gpio.PinIO) {
	if nreset == nil {
		return
	}
	_ = nreset.Out(gpio.Low)
	time.Sleep(resetPulseMin)
	_ = nreset.Out(gpio.High)
	time.Sleep(resetPulseMin)
}

// Run is the main loop (spec.md §4.9, §5 "Scheduling model"):
// single-threaded and cooperative, pumping every currently-available
// host-link byte through the RSP framer before polling for an async
// stop, then repeating. It never returns except on a host-link read
// error signalled by the queue closing.
func (p *Probe) Run() error {
	for {
		for {
			b, ok, err := p.Link.ReadByte()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			p.writeAll(p.Server.ProcessByte(b))
		}
		p.writeAll(p.Server.Poll())
	}
}

func (p *Probe) writeAll(out []byte) {
	for _, b := range out {
		if err := p.Link.WriteByte(b); err != nil {
			log.Printf("probe: host link write: %v", err)
			return
		}
	}
}
