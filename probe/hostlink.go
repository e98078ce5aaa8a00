package probe

import (
	"errors"
	"io"
	"log"
)

// HostLink is the byte-oriented host-link transport the orchestrator
// pumps into rsp.Server, the Go shape of spec.md §6's consumed
// interface `host_read_byte() -> i32 (-1 if empty)` / `host_write_byte`.
// ReadByte's ok=false return is the non-blocking "nothing available"
// case; it must never block the main loop.
type HostLink interface {
	ReadByte() (b byte, ok bool, err error)
	WriteByte(b byte) error
}

// StreamLink adapts a blocking io.Reader/io.Writer (a UART device node,
// a TCP connection standing in for USB-CDC, stdio) into a HostLink by
// running the blocking read in its own goroutine and feeding a buffered
// channel. That goroutine plays the role of the original firmware's USB
// ISR; the channel is the single-producer/single-consumer queue spec.md
// §5 "Shared resources" requires between ISR and main-loop context.
type StreamLink struct {
	w     io.Writer
	queue chan byte
}

// NewStreamLink starts the background reader and returns a ready
// HostLink. bufSize bounds how many unconsumed bytes can queue up
// before the reader goroutine blocks on send.
func NewStreamLink(rw io.ReadWriter, bufSize int) *StreamLink {
	l := &StreamLink{
		w:     rw,
		queue: make(chan byte, bufSize),
	}
	go l.pump(rw)
	return l
}

func (l *StreamLink) pump(r io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			l.queue <- buf[i]
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("probe: host link read: %v", err)
			}
			close(l.queue)
			return
		}
	}
}

// ErrLinkClosed is returned by ReadByte once the underlying reader has
// hit EOF or an error and the pump goroutine has exited: there will
// never be another byte, distinct from the transient "nothing buffered
// right now" case.
var ErrLinkClosed = errors.New("probe: host link closed")

// ReadByte returns the next buffered byte without blocking.
func (l *StreamLink) ReadByte() (byte, bool, error) {
	select {
	case b, open := <-l.queue:
		if !open {
			return 0, false, ErrLinkClosed
		}
		return b, true, nil
	default:
		return 0, false, nil
	}
}

// WriteByte writes synchronously; the host link has no write buffering
// in this design, matching host_write_byte's single-byte contract.
func (l *StreamLink) WriteByte(b byte) error {
	_, err := l.w.Write([]byte{b})
	return err
}

var _ HostLink = (*StreamLink)(nil)
