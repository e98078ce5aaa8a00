// Package rsp implements the GDB Remote Serial Protocol engine: a
// byte-wise frame decoder with checksum, a command dispatcher, and the
// handlers producing GDB-compliant replies, including asynchronous stop
// reporting (spec.md §4.8, grounded on rsp.c).
package rsp

import (
	"bytes"
	"errors"
	"strconv"

	"swdprobe/target"
)

const sigTrap = 5

// Server dispatches framed RSP packets against a target.Target and
// tracks the "running" flag between a resume and the next observed
// halt (spec.md §3 "Running flag", §4.9 main loop).
//
// Server holds no transport of its own: ProcessByte returns the bytes
// the caller should write back to the host link, and Poll returns any
// bytes to write after an async halt. This mirrors rsp.c's
// rsp_process_byte()/rsp_poll() split, keeping host-link I/O entirely
// the orchestrator's concern (spec.md §6).
type Server struct {
	Target target.Target

	framer     Framer
	running    bool
	lastSignal uint8
}

// NewServer returns a Server ready to dispatch packets against t.
func NewServer(t target.Target) *Server {
	return &Server{Target: t, lastSignal: sigTrap}
}

// encodePacket frames payload as "$<payload>#<csum>", csum being the
// sum-mod-256 of payload bytes (spec.md §4.8 "Packet send").
func encodePacket(payload []byte) []byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	out := make([]byte, 0, len(payload)+4)
	out = append(out, '$')
	out = append(out, payload...)
	out = append(out, '#', nibbleHex(sum>>4), nibbleHex(sum&0xF))
	return out
}

// ProcessByte feeds one incoming host-link byte through the framer and
// returns any reply bytes that should be written back (an ACK byte, a
// formatted packet, or both). A nil return means nothing to send yet.
func (s *Server) ProcessByte(c byte) []byte {
	ev, payload := s.framer.ProcessByte(c)
	switch ev {
	case EventPacket:
		out := []byte{'+'}
		if reply, send := s.dispatch(payload); send {
			out = append(out, encodePacket(reply)...)
		}
		return out
	case EventBadChecksum:
		return []byte{'-'}
	case EventInterrupt:
		// Ctrl-C: halt now and report immediately, preempting "running"
		// (spec.md §5 "Cancellation").
		_ = s.Target.Halt()
		s.running = false
		return encodePacket(s.stopReply())
	default:
		return nil
	}
}

// Poll checks for an async stop after a 'c' resume, called by
// the orchestrator's main loop between ProcessByte calls (spec.md §4.9
// "Main loop"). It returns nil until the target is observed halted.
func (s *Server) Poll() []byte {
	if !s.running {
		return nil
	}
	halted, err := s.Target.IsHalted()
	if err != nil || !halted {
		return nil
	}
	s.running = false
	return encodePacket(s.stopReply())
}

// stopReply formats the async/step/`?` stop reply: a watchpoint tag if
// one fired, else a plain S<signal> (spec.md §4.8 "Async stop").
func (s *Server) stopReply() []byte {
	if info, err := s.Target.WatchpointHit(); err == nil && info.Hit {
		var tag string
		switch info.Watch {
		case target.WatchRead:
			tag = "rwatch"
		case target.WatchAccess:
			tag = "awatch"
		default:
			tag = "watch"
		}
		var buf bytes.Buffer
		buf.WriteByte('T')
		buf.WriteString(hex2(sigTrap))
		buf.WriteString(tag)
		buf.WriteByte(':')
		buf.Write(u32BEHex8(info.Addr))
		buf.WriteByte(';')
		s.lastSignal = sigTrap
		return buf.Bytes()
	}
	sig := sigTrap
	if sr, ok := s.Target.(target.StopReasoner); ok {
		sig = int(sr.StopReason())
	}
	s.lastSignal = uint8(sig)
	return []byte("S" + hex2(sig))
}

func hex2(v int) string {
	return string([]byte{nibbleHex(uint8(v >> 4)), nibbleHex(uint8(v))})
}

// u32BEHex8 formats a 32-bit address as 8 big-endian hex digits, the
// convention GDB uses for the address field in T-stop-reply tags
// (distinct from the little-endian register/memory encoding elsewhere).
func u32BEHex8(v uint32) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		shift := uint((7 - i) * 4)
		out[i] = nibbleHex(uint8((v >> shift) & 0xF))
	}
	return out
}

// resolveRegister maps a GDB regno to the backend's internal regno,
// preferring an explicit target.RegisterResolver and falling back to
// the historical "regno 25 means xPSR" alias otherwise (spec.md §9
// REDESIGN FLAGS).
func (s *Server) resolveRegister(gdbRegno uint32) (uint32, bool) {
	if rr, ok := s.Target.(target.RegisterResolver); ok {
		return rr.ResolveRegister(gdbRegno)
	}
	if int(gdbRegno) < s.Target.NumGDBRegs() {
		return gdbRegno, true
	}
	if gdbRegno == 25 {
		return 16, true
	}
	return 0, false
}

// dispatch handles one checksum-verified packet payload, returning the
// reply payload (unframed) and whether to send one at all (false for a
// successful 'c' resume, which defers to Poll; 's' replies at once).
func (s *Server) dispatch(payload []byte) ([]byte, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	switch payload[0] {
	case '?':
		return []byte("S" + hex2(int(s.lastSignal))), true

	case 'g':
		return s.handleReadRegs()

	case 'G':
		return s.handleWriteRegs(payload[1:])

	case 'p':
		return s.handleReadReg(payload[1:])

	case 'P':
		return s.handleWriteReg(payload[1:])

	case 'm':
		return s.handleReadMem(payload[1:])

	case 'M':
		return s.handleWriteMem(payload[1:])

	case 'c':
		return s.handleResume(payload[1:], false)

	case 's':
		return s.handleResume(payload[1:], true)

	case 'Z':
		return s.handleBreakWatch(payload[1:], true)

	case 'z':
		return s.handleBreakWatch(payload[1:], false)

	case 'q':
		return s.handleQuery(payload[1:])

	case 'D', 'k':
		_ = s.Target.Continue()
		s.running = false
		return []byte("OK"), true

	default:
		return nil, true // empty reply: unimplemented packet
	}
}

func (s *Server) handleReadRegs() ([]byte, bool) {
	regs, err := s.Target.ReadGDBRegs()
	if err != nil {
		return []byte("E01"), true
	}
	var out []byte
	for _, v := range regs {
		out = u32LEHex(out, v)
	}
	return out, true
}

func (s *Server) handleWriteRegs(hexBlob []byte) ([]byte, bool) {
	n := s.Target.NumGDBRegs()
	if len(hexBlob) < n*8 {
		return []byte("E01"), true
	}
	regs := make([]uint32, n)
	str := string(hexBlob)
	for i := range regs {
		v, ok := parseU32LEHex(str[i*8 : i*8+8])
		if !ok {
			return []byte("E01"), true
		}
		regs[i] = v
	}
	if err := s.Target.WriteGDBRegs(regs); err != nil {
		return []byte("E01"), true
	}
	return []byte("OK"), true
}

func (s *Server) handleReadReg(rest []byte) ([]byte, bool) {
	gdbRegno, ok := parseHexU32(string(rest))
	if !ok {
		return nil, true
	}
	regno, ok := s.resolveRegister(gdbRegno)
	if !ok {
		return nil, true
	}
	v, err := s.Target.ReadRegister(regno)
	if err != nil {
		return nil, true
	}
	return u32LEHex(nil, v), true
}

func (s *Server) handleWriteReg(rest []byte) ([]byte, bool) {
	gdbRegno, valStr, ok := parseHexU32Stop(string(rest), '=')
	if !ok {
		return nil, true
	}
	regno, ok := s.resolveRegister(gdbRegno)
	if !ok {
		return nil, true
	}
	v, ok := parseU32LEHex(valStr)
	if !ok {
		return nil, true
	}
	if err := s.Target.WriteRegister(regno, v); err != nil {
		return []byte("E01"), true
	}
	return []byte("OK"), true
}

// maxMemPayloadBytes is the largest memory block whose hex encoding
// fits the packet payload bound (spec.md §4.8 "Packet size").
const maxMemPayloadBytes = MaxPayload / 2

func (s *Server) handleReadMem(rest []byte) ([]byte, bool) {
	addr, lenStr, ok := parseHexU32Stop(string(rest), ',')
	if !ok {
		return []byte("E01"), true
	}
	n, ok := parseHexU32(lenStr)
	if !ok {
		return []byte("E01"), true
	}
	if n == 0 {
		return []byte{}, true
	}
	if n > maxMemPayloadBytes {
		return []byte("E01"), true
	}
	data, err := s.Target.ReadMemory(addr, int(n))
	if err != nil {
		return []byte("E01"), true
	}
	return bytesToHex(nil, data), true
}

func (s *Server) handleWriteMem(rest []byte) ([]byte, bool) {
	addr, afterAddr, ok := parseHexU32Stop(string(rest), ',')
	if !ok {
		return []byte("E01"), true
	}
	n, hexData, ok := parseHexU32Stop(afterAddr, ':')
	if !ok {
		return []byte("E01"), true
	}
	if n > maxMemPayloadBytes {
		return []byte("E01"), true
	}
	data := make([]byte, n)
	if !hexToBytes(hexData, data) {
		return []byte("E01"), true
	}
	if err := s.Target.WriteMemory(addr, data); err != nil {
		return []byte("E01"), true
	}
	return []byte("OK"), true
}

// handleResume implements 'c'/'s'. A step runs synchronously to
// completion (cortexm.Core.Step/riscv DM.Step already block until
// re-halted) so its reply is sent immediately; a continue starts the
// target running and defers the reply to Poll (spec.md §4.9, §5
// "Ordering guarantees").
func (s *Server) handleResume(rest []byte, step bool) ([]byte, bool) {
	if len(rest) > 0 {
		addr, ok := parseHexU32(string(rest))
		if ok {
			_ = s.Target.WriteRegister(s.Target.PCRegister(), addr)
		}
	}
	if step {
		if err := s.Target.Step(); err != nil {
			return []byte("E01"), true
		}
		return s.stopReply(), true
	}
	if err := s.Target.Continue(); err != nil {
		return []byte("E01"), true
	}
	s.running = true
	return nil, false
}

// breakpointKind maps GDB's Z/z type field (spec.md §4.8 table: T∈0,1
// for breakpoints, T∈2,3,4 for write/read/access watchpoints).
func breakpointKind(t byte) (isWatch bool, kind target.WatchKind) {
	switch t {
	case '2':
		return true, target.WatchWrite
	case '3':
		return true, target.WatchRead
	case '4':
		return true, target.WatchAccess
	default:
		return false, 0
	}
}

func (s *Server) handleBreakWatch(rest []byte, insert bool) ([]byte, bool) {
	if len(rest) < 2 || rest[1] != ',' {
		return nil, true
	}
	typ := rest[0]
	addr, lenStr, ok := parseHexU32Stop(string(rest[2:]), ',')
	if !ok {
		return nil, true
	}
	length, ok := parseHexU32(lenStr)
	if !ok {
		return nil, true
	}

	isWatch, kind := breakpointKind(typ)
	var err error
	switch {
	case !isWatch && (typ == '0' || typ == '1'):
		if insert {
			err = s.Target.InsertBreakpoint(addr)
		} else {
			err = s.Target.RemoveBreakpoint(addr)
		}
	case isWatch:
		if insert {
			err = s.Target.InsertWatchpoint(kind, addr, length)
		} else {
			err = s.Target.RemoveWatchpoint(kind, addr, length)
		}
	default:
		return nil, true // unknown type: unsupported
	}

	switch {
	case errors.Is(err, target.ErrUnsupported):
		return nil, true
	case err != nil:
		return []byte("E01"), true
	default:
		return []byte("OK"), true
	}
}

const packetSizeFeature = "PacketSize=" // followed by decimal MaxPayload

func (s *Server) handleQuery(rest []byte) ([]byte, bool) {
	str := string(rest)
	switch {
	case hasPrefix(str, "Supported"):
		reply := packetSizeFeature + strconv.Itoa(MaxPayload) + ";swbreak+;hwbreak+;qXfer:features:read+"
		return []byte(reply), true
	case str == "Attached":
		return []byte("1"), true
	case hasPrefix(str, "Xfer:features:read:target.xml:"):
		return s.handleXferFeatures(str[len("Xfer:features:read:target.xml:"):])
	default:
		return nil, true
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (s *Server) handleXferFeatures(offsetLen string) ([]byte, bool) {
	offset, lenStr, ok := parseHexU32Stop(offsetLen, ',')
	if !ok {
		return nil, true
	}
	length, ok := parseHexU32(lenStr)
	if !ok {
		return nil, true
	}
	doc := s.Target.Description()
	if int(offset) >= len(doc) {
		return []byte("l"), true
	}
	end := int(offset) + int(length)
	last := false
	if end >= len(doc) {
		end = len(doc)
		last = true
	}
	chunk := doc[offset:end]
	out := make([]byte, 0, len(chunk)+1)
	if last {
		out = append(out, 'l')
	} else {
		out = append(out, 'm')
	}
	out = append(out, chunk...)
	return out, true
}
