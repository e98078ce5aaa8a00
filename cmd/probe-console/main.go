// probe-console prints a live, colorized status line for a booted probe
// session: a colored marker (halted=green, running=yellow, fault=red)
// followed by the target's run state ("halted", "running" or the error
// text), in the spirit of periph-extra's
// screen.Dev console renderer.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"os"
	"time"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"

	"swdprobe/probe"
)

var (
	green  = color.NRGBA{G: 200, A: 255}
	yellow = color.NRGBA{R: 200, G: 200, A: 255}
	red    = color.NRGBA{R: 200, A: 255}
)

func statusMarker(halted bool, err error) string {
	switch {
	case err != nil:
		return ansi256.Default.Block(red)
	case halted:
		return ansi256.Default.Block(green)
	default:
		return ansi256.Default.Block(yellow)
	}
}

func mainImpl() error {
	board := flag.String("board", "rpi-header", "pin-name table to resolve")
	delay := flag.Duration("delay", 0, "bit-bang quarter-period delay")
	riscv := flag.Bool("riscv", false, "allow RISC-V/JTAG fallback")
	interval := flag.Duration("interval", 200*time.Millisecond, "polling interval")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()
	if !*verbose {
		log.SetOutput(io.Discard)
	}
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	if _, err := probe.Init(); err != nil {
		return fmt.Errorf("probe.Init: %w", err)
	}

	p, err := probe.Boot(probe.Config{
		Board:       *board,
		Delay:       *delay,
		EnableRISCV: *riscv,
		// probe-console never forwards RSP traffic; it only watches
		// target state, so the host link is never read from.
		Link: probe.NewStreamLink(discardReadWriter{}, 1),
	})
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	out := colorable.NewColorableStdout()
	for {
		halted, herr := p.Target.IsHalted()
		state := "running"
		if herr != nil {
			state = herr.Error()
		} else if halted {
			state = "halted"
		}
		fmt.Fprintf(out, "%s %s\n", statusMarker(halted, herr), state)
		time.Sleep(*interval)
	}
}

// discardReadWriter satisfies io.ReadWriter without ever producing
// bytes, for a HostLink that exists only to satisfy probe.Config.Link.
type discardReadWriter struct{}

func (discardReadWriter) Read(p []byte) (int, error) { select {} }

func (discardReadWriter) Write(p []byte) (int, error) { return len(p), nil }

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "probe-console: %s.\n", err)
		os.Exit(1)
	}
}
