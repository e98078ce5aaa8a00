package riscv

import "testing"

// queueCSRRead arranges for the next readCSR call to succeed with v:
// clearCmdErr/COMMAND are writes (untracked by the read queue), then
// waitNotBusy + cmderr-check each consume one ABSTRACTCS read, then
// DATA0 supplies the value.
func queueCSRRead(f *fakeDTM, v uint32) {
	f.queueRead(dmAbstractCS, 0)
	f.queueRead(dmAbstractCS, 0)
	f.queueRead(dmData0, v)
}

// queueCSRWrite arranges for the next writeCSR call to succeed: only the
// two ABSTRACTCS reads are queued (wantData is false, so DATA0 isn't
// read back).
func queueCSRWrite(f *fakeDTM) {
	f.queueRead(dmAbstractCS, 0)
	f.queueRead(dmAbstractCS, 0)
}

func TestTriggersInsertAndRemoveBreakpoint(t *testing.T) {
	dm, f := newDM()
	tr := NewTriggers(dm)

	// init probe: 3 slots report a nonzero trigger type, the 4th reports
	// type==0 and stops the scan, matching riscv_triggers_init().
	for i := 0; i < 3; i++ {
		queueCSRWrite(f)               // TSELECT write
		queueCSRRead(f, uint32(i))     // TSELECT read-back == i
		queueCSRRead(f, uint32(1)<<28) // TDATA1 type != 0
	}
	queueCSRWrite(f)           // TSELECT write (4th probe)
	queueCSRRead(f, 3)         // TSELECT read-back == 3
	queueCSRRead(f, 0)         // TDATA1 type == 0 -> stop

	// InsertBreakpoint programs free slot 0: TSELECT, TDATA1=0, TDATA2=addr,
	// TDATA1=cfg — four writeCSR calls.
	queueCSRWrite(f)
	queueCSRWrite(f)
	queueCSRWrite(f)
	queueCSRWrite(f)

	if err := tr.InsertBreakpoint(0x08000100); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}
	if tr.n != 3 {
		t.Fatalf("probed n=%d want 3", tr.n)
	}
	if !tr.slots[0].used || tr.slots[0].addr != 0x08000100 {
		t.Fatalf("slot 0 not programmed: %+v", tr.slots[0])
	}

	// RemoveBreakpoint issues only TSELECT+TDATA1 writes.
	if err := tr.RemoveBreakpoint(0x08000100); err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}
	if tr.slots[0].used {
		t.Fatal("slot 0 still marked used after remove")
	}
}

func TestTriggersInsertWatchpointRejectsWhenFull(t *testing.T) {
	dm, f := newDM()
	tr := NewTriggers(dm)

	// init probe: zero triggers available (first probe reports type==0
	// immediately).
	queueCSRWrite(f)
	queueCSRRead(f, 0)
	queueCSRRead(f, 0)

	if tr.WatchpointsSupported() {
		t.Fatal("expected no trigger slots")
	}
	if err := tr.InsertWatchpoint(WatchWrite, 0x20000000, 4); err == nil {
		t.Fatal("expected error inserting watchpoint with no free slots")
	}
}
