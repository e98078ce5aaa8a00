// probe runs the GDB Remote Serial Protocol bridge against a target
// wired to this host's GPIO pins over bit-banged SWD or JTAG.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"swdprobe/probe"
)

func mainImpl() error {
	board := flag.String("board", "rpi-header", "pin-name table to resolve (see probe.RegisterBoard)")
	delay := flag.Duration("delay", 0, "bit-bang quarter-period delay, 0 for fastest")
	riscv := flag.Bool("riscv", false, "fall through to the RISC-V/JTAG backend if no Cortex-M core answers over SWD")
	listen := flag.String("listen", ":2331", "TCP address GDB's 'target remote' connects to")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()
	if !*verbose {
		log.SetOutput(io.Discard)
	}
	log.SetFlags(log.Lmicroseconds)
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	if _, err := probe.Init(); err != nil {
		return fmt.Errorf("probe.Init: %w", err)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	fmt.Printf("listening for GDB on %s\n", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		fmt.Printf("GDB connected from %s\n", conn.RemoteAddr())
		go serve(conn, *board, *delay, *riscv)
	}
}

func serve(conn net.Conn, board string, delay time.Duration, riscv bool) {
	defer conn.Close()
	p, err := probe.Boot(probe.Config{
		Board:       board,
		Delay:       delay,
		EnableRISCV: riscv,
		Link:        probe.NewStreamLink(conn, 256),
	})
	if err != nil {
		log.Printf("probe: boot failed: %v", err)
		return
	}
	if err := p.Run(); err != nil {
		log.Printf("probe: session ended: %v", err)
	}
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "probe: %s.\n", err)
		os.Exit(1)
	}
}
