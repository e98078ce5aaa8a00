package memap

import (
	"testing"

	"periph.io/x/conn/v3/gpio"
	"swdprobe/adiv5"
	"swdprobe/internal/wiretest"
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

func okWrite() []int {
	return []int{1, 0, 0}
}

func newMemAP() (*MemAP, *wiretest.Pin) {
	clk := wiretest.NewPin("SWCLK")
	dio := wiretest.NewPin("SWDIO")
	bus := &adiv5.Bus{Link: &swd.Link{Clk: clk, Dio: dio}}
	return &MemAP{Bus: bus, APSel: 0}, dio
}

func TestReadWord(t *testing.T) {
	m, dio := newMemAP()
	var script []int
	script = append(script, okWrite()...) // SELECT for CSW bank
	script = append(script, okWrite()...) // CSW write
	script = append(script, okWrite()...) // TAR write
	script = append(script, okRead(0)...) // posted DRW read (discarded)
	script = append(script, okRead(0x600DF00D)...) // RDBUFF
	dio.Callback = bitScript(script)

	got, err := m.ReadWord(0x20000000)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}
	if got != 0x600DF00D {
		t.Fatalf("got %#x", got)
	}
}

func TestWriteBytesAlignedFastPath(t *testing.T) {
	m, dio := newMemAP()
	var script []int
	script = append(script, okWrite()...) // SELECT
	script = append(script, okWrite()...) // CSW
	script = append(script, okWrite()...) // TAR
	script = append(script, okWrite()...) // DRW write (single aligned word)
	dio.Callback = bitScript(script)

	if err := m.WriteBytes(0x20000000, []byte{0xEF, 0xBE, 0xAD, 0xDE}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
}

func TestWriteBytesUnalignedDoesRMW(t *testing.T) {
	m, dio := newMemAP()
	var script []int
	script = append(script, okWrite()...)          // SELECT
	script = append(script, okWrite()...)          // CSW
	script = append(script, okWrite()...)          // TAR (ReadWord)
	script = append(script, okRead(0)...)          // posted DRW read
	script = append(script, okRead(0xAABBCCDD)...) // RDBUFF: original word
	script = append(script, okWrite()...)          // CSW (WriteWord)
	script = append(script, okWrite()...)          // TAR (WriteWord)
	script = append(script, okWrite()...)          // DRW write (patched word)
	dio.Callback = bitScript(script)

	if err := m.WriteBytes(0x20000001, []byte{0x11}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
}

func TestReadBytesMultiWordUsesBlock(t *testing.T) {
	m, dio := newMemAP()
	var script []int
	script = append(script, okWrite()...) // SELECT
	script = append(script, okWrite()...) // CSW
	script = append(script, okWrite()...) // TAR programmed once
	script = append(script, okRead(0)...) // posted DRW read
	script = append(script, okRead(0x11111111)...)
	script = append(script, okRead(0)...)          // posted DRW read, auto-increment, no TAR reprogram
	script = append(script, okRead(0x22222222)...) // RDBUFF
	dio.Callback = bitScript(script)

	got, err := m.ReadBytes(0x20000000, 8)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	want := []byte{0x11, 0x11, 0x11, 0x11, 0x22, 0x22, 0x22, 0x22}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadBytes = % x, want % x", got, want)
		}
	}
}

func TestWriteBytesMultiWordUsesBlock(t *testing.T) {
	m, dio := newMemAP()
	var script []int
	script = append(script, okWrite()...) // SELECT
	script = append(script, okWrite()...) // CSW
	script = append(script, okWrite()...) // TAR programmed once
	script = append(script, okWrite()...) // DRW write 1
	script = append(script, okWrite()...) // DRW write 2, auto-increment
	dio.Callback = bitScript(script)

	data := []byte{0x11, 0x11, 0x11, 0x11, 0x22, 0x22, 0x22, 0x22}
	if err := m.WriteBytes(0x20000000, data); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
}

// TestCSWProgrammedOnEachAccess locks in that CSW is (re)written on
// every word operation rather than cached across calls (spec.md §3
// "CSW is (re)programmed defensively"): both ReadWords below script an
// explicit CSW write, and the script would fail to drain (or read stale
// bits as the CSW write) if either write were skipped.
func TestCSWProgrammedOnEachAccess(t *testing.T) {
	m, dio := newMemAP()
	var script []int
	script = append(script, okWrite()...) // SELECT (first ReadWord)
	script = append(script, okWrite()...) // CSW
	script = append(script, okWrite()...) // TAR
	script = append(script, okRead(0)...)
	script = append(script, okRead(1)...)
	// second ReadWord: same AP bank, so SELECT is still skipped, but CSW
	// is reprogrammed every time regardless.
	script = append(script, okWrite()...) // CSW
	script = append(script, okWrite()...) // TAR
	script = append(script, okRead(0)...)
	script = append(script, okRead(2)...)
	dio.Callback = bitScript(script)

	if _, err := m.ReadWord(0x1000); err != nil {
		t.Fatalf("first ReadWord: %v", err)
	}
	if _, err := m.ReadWord(0x1004); err != nil {
		t.Fatalf("second ReadWord: %v", err)
	}
}
