package cyw43

import (
	"bytes"
	"testing"
	"time"

	"github.com/soypat/cyw43/internal/chipsim"
	"github.com/soypat/cyw43/whd"
)

func newTestBus(t *testing.T) (*bus, *chipsim.Chip) {
	t.Helper()
	chip := chipsim.New(testMAC)
	b := &bus{t: chip, pwr: chip.Power, resetDelay: time.Millisecond, window: windowUnknown}
	if err := b.init(); err != nil {
		t.Fatal(err)
	}
	return b, chip
}

func TestBusInit(t *testing.T) {
	b, _ := newTestBus(t)
	v, err := b.read32(whd.FuncBus, whd.SPI_READ_TEST_REGISTER)
	if err != nil || v != whd.TEST_PATTERN {
		t.Fatalf("test register %#x %v", v, err)
	}
	if b.window != windowUnknown {
		t.Errorf("window %#x after init", b.window)
	}
	v, err = b.read32(whd.FuncBus, whd.SPI_RW_TEST_REGISTER)
	if err != nil || v != ^uint32(whd.RW_TEST_PATTERN) {
		t.Errorf("rw register %#x %v, want complemented pattern", v, err)
	}
}

func TestBusWindowCache(t *testing.T) {
	b, chip := newTestBus(t)
	const base = 0x1800_0000
	if err := b.bpWrite32(base+0x10, 0xdead_beef); err != nil {
		t.Fatal(err)
	}
	if chip.Window() != base {
		t.Fatalf("window %#x", chip.Window())
	}
	// Same window: a single transaction.
	n := chip.Transactions
	v, err := b.bpRead32(base + 0x10)
	if err != nil || v != 0xdead_beef {
		t.Fatalf("read %#x %v", v, err)
	}
	if d := chip.Transactions - n; d != 1 {
		t.Errorf("cached window access took %d transactions", d)
	}
	// Only the low window byte changes.
	n = chip.Transactions
	if _, err = b.bpRead32(base + whd.BACKPLANE_WINDOW + 4); err != nil {
		t.Fatal(err)
	}
	if d := chip.Transactions - n; d != 2 {
		t.Errorf("adjacent window access took %d transactions, want 2", d)
	}
	if chip.Window() != base+whd.BACKPLANE_WINDOW {
		t.Errorf("window %#x", chip.Window())
	}
}

func TestBackplaneCrossWindow(t *testing.T) {
	b, chip := newTestBus(t)
	addr := uint32(whd.BACKPLANE_WINDOW - 100)
	data := make([]byte, 333)
	for i := range data {
		data[i] = byte(i * 3)
	}
	if err := b.bpWrite(addr, data); err != nil {
		t.Fatal(err)
	}
	if got := chip.ReadMem(addr, len(data)); !bytes.Equal(got, data) {
		t.Fatal("chip memory differs from written data")
	}
	got := make([]byte, len(data))
	if err := b.bpRead(addr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read back differs")
	}
	if err := b.bpWrite(addr+1, data[:4]); err != errUnalignedAddr {
		t.Errorf("unaligned write: %v", err)
	}
	if err := b.bpRead(0xffff_fff0, got[:32]); err != errBackplaneAddress {
		t.Errorf("wrapping read: %v", err)
	}
}

func TestCoreReset(t *testing.T) {
	b, _ := newTestBus(t)
	if err := b.resetCore(whd.CoreSOCSRAM); err != nil {
		t.Fatal(err)
	}
	up, err := b.coreIsUp(whd.CoreSOCSRAM)
	if err != nil || !up {
		t.Fatalf("core up %v %v", up, err)
	}
	if err = b.disableCore(whd.CoreSOCSRAM); err != nil {
		t.Fatal(err)
	}
	if up, _ = b.coreIsUp(whd.CoreSOCSRAM); up {
		t.Error("core up after disable")
	}
}
