package virtio

import "testing"

func newTestConsole(t *testing.T) (*Console, *fakeGuestMem) {
	t.Helper()

	guest := &fakeGuestMem{buf: make([]byte, 1<<16)}
	irq := &fakeIRQ{}

	c := NewConsole(0xf0001000, 0x1000, guest, irq)

	size := int(usedRingOffset()) + 4 + QueueSize*8
	rxMem := newFakeQueueMem(size)
	txMem := newFakeQueueMem(size)
	c.AttachQueues(NewQueue(rxMem, 0), NewQueue(txMem, 0))

	return c, guest
}

func TestConsoleReadConfigReportsSize(t *testing.T) {
	t.Parallel()

	c, _ := newTestConsole(t)

	buf := make([]byte, 4)
	c.MMIORead(0x100, buf)

	cols := uint16(buf[0]) | uint16(buf[1])<<8
	rows := uint16(buf[2]) | uint16(buf[3])<<8

	if cols != 80 || rows != 24 {
		t.Fatalf("cols=%d rows=%d, want 80x24", cols, rows)
	}
}

func TestConsoleHandleTxForwardsToPtyOutput(t *testing.T) {
	t.Parallel()

	c, guest := newTestConsole(t)

	const bufAddr = 0x500
	copy(guest.buf[bufAddr:], []byte("hello"))

	writeDesc(c.txq.mem.(*fakeQueueMem), 0, bufAddr, 5, 0, 0)

	availOff := int(c.txq.availOff)
	qmem := c.txq.mem.(*fakeQueueMem)
	qmem.buf[availOff+4] = 0
	qmem.buf[availOff+5] = 0
	qmem.buf[availOff+2] = 1

	if err := c.HandleTx(); err != nil {
		t.Fatalf("HandleTx: %v", err)
	}

	select {
	case got := <-c.PtyOutput:
		if string(got) != "hello" {
			t.Fatalf("PtyOutput = %q, want %q", got, "hello")
		}
	default:
		t.Fatalf("expected a message on PtyOutput")
	}
}

func TestConsoleDeliverRxWritesGuestBuffer(t *testing.T) {
	t.Parallel()

	c, guest := newTestConsole(t)

	const bufAddr = 0x600

	rxMem := c.rxq.mem.(*fakeQueueMem)
	writeDesc(rxMem, 0, bufAddr, 16, descFlagWrite, 0)

	availOff := int(c.rxq.availOff)
	rxMem.buf[availOff+4] = 0
	rxMem.buf[availOff+5] = 0
	rxMem.buf[availOff+2] = 1

	if err := c.deliverRx([]byte("hi")); err != nil {
		t.Fatalf("deliverRx: %v", err)
	}

	if string(guest.buf[bufAddr:bufAddr+2]) != "hi" {
		t.Fatalf("guest buffer not populated with rx data")
	}
}
