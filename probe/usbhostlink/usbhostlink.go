// Package usbhostlink implements probe.HostLink over a USB bulk
// endpoint using gousb, for a deployment where the probe runs as a
// USB-attached adapter rather than owning a CDC/UART stack (SPEC_FULL.md
// DOMAIN STACK; grounded on periph-extra's usbbus.go device-open
// pattern: open by VID/PID, claim the default interface, read/write
// bulk endpoints).
package usbhostlink

import (
	"fmt"

	"github.com/google/gousb"

	"swdprobe/probe"
)

// Link is a bulk-endpoint-backed probe.HostLink.
type Link struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	done   func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	stream *probe.StreamLink
}

// endpointReadWriter adapts a gousb in/out endpoint pair to io.ReadWriter
// so it can be handed to probe.NewStreamLink.
type endpointReadWriter struct {
	in  *gousb.InEndpoint
	out *gousb.OutEndpoint
}

func (e endpointReadWriter) Read(p []byte) (int, error)  { return e.in.Read(p) }
func (e endpointReadWriter) Write(p []byte) (int, error) { return e.out.Write(p) }

// Open opens the first USB device matching vid/pid, claims its default
// interface, and returns a ready probe.HostLink backed by that
// interface's IN/OUT endpoint number 1.
func Open(vid, pid uint16) (*Link, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbhostlink: open %#04x:%#04x: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbhostlink: no device matching %#04x:%#04x", vid, pid)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbhostlink: default interface: %w", err)
	}
	in, err := intf.InEndpoint(1)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbhostlink: in endpoint: %w", err)
	}
	out, err := intf.OutEndpoint(1)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbhostlink: out endpoint: %w", err)
	}

	l := &Link{ctx: ctx, dev: dev, done: done, in: in, out: out}
	l.stream = probe.NewStreamLink(endpointReadWriter{in: in, out: out}, 256)
	return l, nil
}

func (l *Link) ReadByte() (byte, bool, error) { return l.stream.ReadByte() }
func (l *Link) WriteByte(b byte) error        { return l.stream.WriteByte(b) }

// Close releases the USB interface and device handle.
func (l *Link) Close() error {
	l.done()
	err := l.dev.Close()
	l.ctx.Close()
	return err
}

var _ probe.HostLink = (*Link)(nil)
