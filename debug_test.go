package cyw43

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"strings"
	"testing"

	"github.com/soypat/cyw43/whd"
)

func TestFirmwareLog(t *testing.T) {
	b, chip := newTestBus(t)
	var out bytes.Buffer
	b.log = slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: levelTrace}))

	const (
		shared  = 0x1000
		console = 0x2000
		ring    = 0x3000
	)
	m := &whd.CYW43439
	put32 := func(addr, v uint32) {
		chip.WriteMem(addr, binary.LittleEndian.AppendUint32(nil, v))
	}
	put32(m.RAMBase+m.RAMSize-4-m.SRAMRetainedSize, shared)
	put32(shared+sharedConsoleOff, console)
	put32(console+consoleLogOff, ring)
	put32(console+consoleLogOff+4, consoleRingSize)
	setOutput := func(text string, at uint32) uint32 {
		chip.WriteMem(ring+at, []byte(text))
		end := at + uint32(len(text))
		put32(console+consoleLogOff+8, end)
		return end
	}

	var fl fwlog
	if err := fl.init(b); err != nil {
		t.Fatal(err)
	}
	if fl.addr != console+consoleLogOff {
		t.Fatalf("log struct at %#x", fl.addr)
	}
	end := setOutput("hello\r\nwor", 0)
	if err := fl.read(b); err != nil {
		t.Fatal(err)
	}
	setOutput("ld\n", end)
	if err := fl.read(b); err != nil {
		t.Fatal(err)
	}
	logs := out.String()
	if !strings.Contains(logs, "msg=hello") || !strings.Contains(logs, "msg=world") {
		t.Errorf("console lines not logged:\n%s", logs)
	}
	if strings.Count(logs, "level="+deviceLevel.String()) != 2 {
		t.Errorf("expected two device level lines:\n%s", logs)
	}
	// No new output leaves the log untouched.
	n := out.Len()
	if err := fl.read(b); err != nil || out.Len() != n {
		t.Errorf("idle read logged or failed: %v", err)
	}
}
