package rsp

import "testing"

// packetBytes frames payload the same way Server.ProcessByte's callers
// would receive from a real GDB client: "$<payload>#<csum>".
func packetBytes(payload string) []byte {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	out := []byte{'$'}
	out = append(out, payload...)
	out = append(out, '#', nibbleHex(sum>>4), nibbleHex(sum&0xF))
	return out
}

func TestFramerWellFormedPacket(t *testing.T) {
	var f Framer
	pkts := 0
	bad := 0
	var lastPayload []byte
	for _, b := range packetBytes("g") {
		ev, payload := f.ProcessByte(b)
		switch ev {
		case EventPacket:
			pkts++
			lastPayload = payload
		case EventBadChecksum:
			bad++
		}
	}
	if pkts != 1 || bad != 0 {
		t.Fatalf("pkts=%d bad=%d, want 1/0", pkts, bad)
	}
	if string(lastPayload) != "g" {
		t.Fatalf("payload=%q want %q", lastPayload, "g")
	}
}

func TestFramerBadChecksum(t *testing.T) {
	var f Framer
	raw := packetBytes("g")
	raw[len(raw)-1] ^= 0xF // corrupt the low checksum nibble

	pkts := 0
	bad := 0
	for _, b := range raw {
		ev, _ := f.ProcessByte(b)
		switch ev {
		case EventPacket:
			pkts++
		case EventBadChecksum:
			bad++
		}
	}
	if pkts != 0 || bad != 1 {
		t.Fatalf("pkts=%d bad=%d, want 0/1", pkts, bad)
	}
}

func TestFramerCtrlCMidPacket(t *testing.T) {
	var f Framer
	ev, _ := f.ProcessByte('$')
	if ev != EventNone {
		t.Fatalf("unexpected event starting packet: %v", ev)
	}
	f.ProcessByte('g')

	ev, _ = f.ProcessByte(0x03)
	if ev != EventInterrupt {
		t.Fatalf("got %v, want EventInterrupt", ev)
	}
	if f.state != stateIdle || f.len != 0 {
		t.Fatal("Ctrl-C mid-packet must reset framer state")
	}
}

func TestFramerLoopback(t *testing.T) {
	var f Framer
	payload := "qSupported"
	var got []byte
	for _, b := range packetBytes(payload) {
		if ev, p := f.ProcessByte(b); ev == EventPacket {
			got = p
		}
	}
	echoed := encodePacket(got)
	if string(echoed) != string(packetBytes(payload)) {
		t.Fatalf("loopback mismatch: got %q want %q", echoed, packetBytes(payload))
	}
}
