package cortexm

import (
	"testing"

	"periph.io/x/conn/v3/gpio"
	"swdprobe/adiv5"
	"swdprobe/internal/wiretest"
	"swdprobe/memap"
	"swdprobe/swd"
)

func bitScript(bits []int) func() gpio.Level {
	i := 0
	return func() gpio.Level {
		if i >= len(bits) {
			return gpio.High
		}
		b := bits[i]
		i++
		return gpio.Level(b != 0)
	}
}

func lsbBits(v uint32, n int) []int {
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int((v >> uint(i)) & 1)
	}
	return out
}

func parityOf(v uint32) uint8 {
	v ^= v >> 16
	v ^= v >> 8
	v ^= v >> 4
	v &= 0xF
	return uint8((0x6996 >> v) & 1)
}

func okRead(v uint32) []int {
	ack := []int{1, 0, 0}
	data := lsbBits(v, 32)
	data = append(data, int(parityOf(v)))
	return append(ack, data...)
}

func okWrite() []int { return []int{1, 0, 0} }

func newCore() (*Core, *wiretest.Pin) {
	clk := wiretest.NewPin("SWCLK")
	dio := wiretest.NewPin("SWDIO")
	bus := &adiv5.Bus{Link: &swd.Link{Clk: clk, Dio: dio}}
	mem := &memap.MemAP{Bus: bus, APSel: 0}
	return &Core{Mem: mem}, dio
}

func TestHaltPolls(t *testing.T) {
	c, dio := newCore()
	var script []int
	script = append(script, okWrite()...)                                         // SELECT for CSW
	script = append(script, okWrite()...)                                         // CSW
	script = append(script, okWrite()...)                                         // TAR (DHCSR write via WriteWord)
	script = append(script, okWrite()...)                                         // DRW write (DHCSR value)
	script = append(script, okWrite()...)                                         // CSW (poll read)
	script = append(script, okWrite()...)                                         // TAR (poll read)
	script = append(script, okRead(0)...)                                         // posted DRW read discarded
	script = append(script, okRead(dhcsrSHalt)...)                                // RDBUFF: halted
	dio.Callback = bitScript(script)

	if err := c.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
}

func TestReadRegisterWaitsForRegRdy(t *testing.T) {
	c, dio := newCore()
	var script []int
	script = append(script, okWrite()...) // SELECT
	script = append(script, okWrite()...) // CSW
	script = append(script, okWrite()...) // TAR (DCRSR write)
	script = append(script, okWrite()...) // DRW write (DCRSR)
	script = append(script, okWrite()...) // CSW (poll DHCSR)
	script = append(script, okWrite()...) // TAR (poll DHCSR)
	script = append(script, okRead(0)...)
	script = append(script, okRead(dhcsrSRegRdy)...)
	script = append(script, okWrite()...) // CSW (DCRDR read)
	script = append(script, okWrite()...) // TAR (DCRDR read)
	script = append(script, okRead(0)...)
	script = append(script, okRead(0xDEADBEEF)...)
	dio.Callback = bitScript(script)

	got, err := c.ReadRegister(0)
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}
	if got != 0xDEADBEEF {
		t.Fatalf("got %#x", got)
	}
}

func TestSetBreakpointV6MEncoding(t *testing.T) {
	c, dio := newCore()
	c.Profile = ProfileV6M
	var script []int
	script = append(script, okWrite()...) // SELECT
	script = append(script, okWrite()...) // CSW
	script = append(script, okWrite()...) // TAR
	script = append(script, okWrite()...) // DRW write (COMP value)
	dio.Callback = bitScript(script)

	if err := c.SetBreakpoint(0, 0x08000100); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
}

func TestSetBreakpointV8MEncoding(t *testing.T) {
	c, dio := newCore()
	c.Profile = ProfileV8M
	var script []int
	script = append(script, okWrite()...) // SELECT
	script = append(script, okWrite()...) // CSW
	script = append(script, okWrite()...) // TAR
	script = append(script, okWrite()...) // DRW write
	dio.Callback = bitScript(script)

	if err := c.SetBreakpoint(0, 0x08000200); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
}
