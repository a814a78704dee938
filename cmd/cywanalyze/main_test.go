package main

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"strings"
	"testing"

	"github.com/soypat/cyw43/whd"
)

func TestInterpretBytes(t *testing.T) {
	tests := []struct {
		order, words binary.ByteOrder
		want         []byte
	}{
		{binary.LittleEndian, binary.BigEndian, []byte{4, 3, 2, 1}},
		{binary.BigEndian, binary.LittleEndian, []byte{4, 3, 2, 1}},
		{binary.LittleEndian, binary.LittleEndian, []byte{1, 2, 3, 4}},
		{binary.BigEndian, binary.BigEndian, []byte{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		bus := BusCtl{Order: tt.order, WordInterpreter: tt.words}
		data := []byte{1, 2, 3, 4, 5}
		bus.interpretBytes(data)
		if !bytes.Equal(data[:4], tt.want) || data[4] != 5 {
			t.Errorf("%s->%s: got %x", tt.order, tt.words, data)
		}
	}
}

func rawCmd(cmd whd.CmdWord, data ...byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, cmd.Encode())
	return append(b, data...)
}

func TestCommandFromBytes(t *testing.T) {
	bus := BusCtl{Order: binary.LittleEndian, WordInterpreter: binary.LittleEndian}
	want := whd.CmdWord{Fn: whd.FuncBackplane, AutoInc: true, Addr: 0x1000e, Size: 4}
	cmd, data, err := bus.CommandFromBytes(rawCmd(want, 0, 0, 0, 0, 1, 2, 3, 4))
	if err != nil || cmd != want {
		t.Fatalf("cmd %+v %v", cmd, err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Errorf("backplane padding not dropped: %x", data)
	}

	bus.TrimStatus = true
	cmd.Fn = whd.FuncBus
	_, data, _ = bus.CommandFromBytes(rawCmd(cmd, 1, 2, 3, 4, 0xaa, 0xbb, 0xcc, 0xdd))
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Errorf("status not trimmed: %x", data)
	}
	if _, _, err = bus.CommandFromBytes([]byte{1, 2}); err != errShortCommand {
		t.Errorf("short transfer: %v", err)
	}
}

func TestProcessCollapsesRepeats(t *testing.T) {
	bus := BusCtl{Order: binary.LittleEndian, WordInterpreter: binary.LittleEndian, log: slog.Default()}
	poll := rawCmd(whd.CmdWord{Fn: whd.FuncBus, AutoInc: true, Addr: whd.SPI_INTERRUPT_REGISTER, Size: 2}, 0, 0)
	other := rawCmd(whd.CmdWord{Fn: whd.FuncBus, AutoInc: true, Addr: whd.SPI_STATUS_REGISTER, Size: 4}, 1, 0, 0, 0)
	txs := []rawTx{{SDO: poll}, {SDO: poll}, {SDO: poll}, {SDO: []byte{1}}, {SDO: other}}
	got := bus.process(txs)
	if len(got) != 2 || got[0].Num != 3 || got[1].Num != 1 {
		t.Fatalf("got %+v", got)
	}
	if got[1].Cmd.Addr != whd.SPI_STATUS_REGISTER {
		t.Errorf("second command %+v", got[1].Cmd)
	}
}

func TestAnnotateFrame(t *testing.T) {
	frame := make([]byte, whd.SDPCM_HEADER_LEN+whd.CDC_HEADER_LEN+16)
	n := uint16(len(frame))
	hdr := whd.SDPCMHeader{Size: n, SizeCom: ^n, Seq: 5, BusDataCredit: 9, HeaderLength: whd.SDPCM_HEADER_LEN}
	hdr.Put(frame)
	cdc := whd.CDCHeader{Cmd: whd.WLC_GET_VAR, Length: 16, ID: 3}
	cdc.Put(frame[whd.SDPCM_HEADER_LEN:])
	copy(frame[whd.SDPCM_HEADER_LEN+whd.CDC_HEADER_LEN:], "cur_etheraddr\x00")

	note := annotateFrame(frame)
	for _, want := range []string{"control", "seq=5", "credit=9", "id=3", `iovar="cur_etheraddr"`} {
		if !strings.Contains(note, want) {
			t.Errorf("annotation %q missing %q", note, want)
		}
	}
	if note := annotateFrame(frame[:20]); !strings.HasSuffix(note, "truncated") {
		t.Errorf("truncated frame: %q", note)
	}
	if note := annotateFrame(make([]byte, 16)); note != "" {
		t.Errorf("zero frame annotated: %q", note)
	}
}

func TestWriteOmitAndPad(t *testing.T) {
	bus := BusCtl{Order: binary.LittleEndian, WordInterpreter: binary.LittleEndian, OmitRead: true, PadDataToWord: true}
	cmds := []cywtx{
		{Num: 1, Cmd: whd.CmdWord{Write: true, Fn: whd.FuncBus, Size: 3}, Data: []byte{1, 2, 3}},
		{Num: 1, Cmd: whd.CmdWord{Fn: whd.FuncBus, Size: 4}, Data: []byte{9, 9, 9, 9}},
	}
	var buf bytes.Buffer
	if err := bus.write(&buf, cmds); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected one line:\n%s", out)
	}
	if !strings.Contains(out, "data=0x010203 00") {
		t.Errorf("padding not applied: %q", out)
	}
}
