package chipsim

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/soypat/cyw43/whd"
)

var testMAC = [6]byte{2, 0xc0, 0xff, 0xee, 0, 1}

func busCmd(write bool, fn whd.Function, addr, size uint32) uint32 {
	return whd.CmdWord{Write: write, AutoInc: true, Fn: fn, Addr: addr, Size: size}.Encode()
}

func TestSwappedMode(t *testing.T) {
	c := New(testMAC)
	var buf [1]uint32
	if _, err := c.CmdRead(0, buf[:]); err != ErrPoweredOff {
		t.Fatalf("powered off: %v", err)
	}
	c.Power(true)
	cmd := busCmd(false, whd.FuncBus, whd.SPI_READ_TEST_REGISTER, 4)
	if _, err := c.CmdRead(whd.Swap16(cmd), buf[:]); err != nil {
		t.Fatal(err)
	}
	if got := whd.Swap16(buf[0]); got != whd.TEST_PATTERN {
		t.Fatalf("swapped test register %#x", got)
	}
	buf[0] = whd.Swap16(whd.WORD_LENGTH_32)
	if _, err := c.CmdWrite(whd.Swap16(busCmd(true, whd.FuncBus, whd.SPI_BUS_CONTROL, 4)), buf[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CmdRead(cmd, buf[:]); err != nil || buf[0] != whd.TEST_PATTERN {
		t.Fatalf("32 bit test register %#x %v", buf[0], err)
	}
	// Power cycling returns to swapped mode.
	c.Power(false)
	c.Power(true)
	c.mu.Lock()
	swapped := c.swapped
	c.mu.Unlock()
	if !swapped {
		t.Error("still in 32 bit mode after power cycle")
	}
}

func TestBackplanePadding(t *testing.T) {
	c := New(testMAC)
	c.Power(true)
	c.mu.Lock()
	c.swapped = false
	c.mu.Unlock()
	c.WriteMem(0x100, []byte{1, 2, 3, 4, 5})
	var buf [3]uint32
	if _, err := c.CmdRead(busCmd(false, whd.FuncBackplane, 0x100, 5), buf[:]); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0 || buf[1] != 0x04030201 || buf[2] != 5 {
		t.Errorf("read words %#x", buf)
	}
}

// ioctlFrame builds a host control frame.
func ioctlFrame(seq uint8, kind uint8, cmd whd.SDPCMCommand, id uint16, data []byte) []byte {
	n := whd.SDPCM_HEADER_LEN + whd.CDC_HEADER_LEN + len(data)
	b := make([]byte, n)
	hdr := whd.SDPCMHeader{Size: uint16(n), SizeCom: ^uint16(n), Seq: seq, HeaderLength: whd.SDPCM_HEADER_LEN}
	hdr.Put(b)
	cdc := whd.CDCHeader{Cmd: cmd, Length: uint32(len(data)), Flags: uint16(kind), ID: id}
	cdc.Put(b[whd.SDPCM_HEADER_LEN:])
	copy(b[whd.SDPCM_HEADER_LEN+whd.CDC_HEADER_LEN:], data)
	return b
}

func popControl(t *testing.T, f *firmware) (whd.SDPCMHeader, whd.CDCHeader, []byte) {
	t.Helper()
	if len(f.out) == 0 {
		t.Fatal("no frame queued")
	}
	buf := make([]byte, len(f.out[0]))
	f.popFrame(buf)
	hdr, err := whd.DecodeSDPCMHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := hdr.Payload(buf)
	if err != nil {
		t.Fatal(err)
	}
	cdc, err := whd.DecodeCDCHeader(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := cdc.Payload(payload)
	return hdr, cdc, data
}

func TestFirmwareIoctl(t *testing.T) {
	var f firmware
	f.init(testMAC)
	f.reset()
	f.hostFrame(nil, ioctlFrame(0, whd.SDPCM_GET, whd.WLC_GET_VAR, 7, []byte("cur_etheraddr\x00\x00\x00")))
	hdr, cdc, data := popControl(t, &f)
	if cdc.ID != 7 || cdc.Status != 0 || !bytes.Equal(data[:6], testMAC[:]) {
		t.Errorf("cur_etheraddr: id %d status %d data %x", cdc.ID, cdc.Status, data)
	}
	if hdr.BusDataCredit != 1+defaultCreditWindow {
		t.Errorf("credit %d", hdr.BusDataCredit)
	}

	val := make([]byte, 4)
	binary.LittleEndian.PutUint32(val, 3)
	f.hostFrame(nil, ioctlFrame(1, whd.SDPCM_SET, whd.WLC_SET_PM, 8, val))
	popControl(t, &f)
	f.hostFrame(nil, ioctlFrame(2, whd.SDPCM_GET, whd.WLC_GET_PM, 9, make([]byte, 4)))
	_, cdc, data = popControl(t, &f)
	if binary.LittleEndian.Uint32(data) != 3 {
		t.Errorf("PM readback %x", data)
	}

	f.hostFrame(nil, ioctlFrame(3, whd.SDPCM_GET, whd.WLC_GET_VAR, 10, []byte("bogus\x00\x00\x00")))
	_, cdc, _ = popControl(t, &f)
	if cdc.Status != bcmeUnsupported {
		t.Errorf("unknown iovar status %#x", cdc.Status)
	}
	f.hostFrame(nil, []byte{1, 2, 3})
	if f.malformed != 1 {
		t.Errorf("malformed %d", f.malformed)
	}
}

func TestFirmwareJoinEvents(t *testing.T) {
	var f firmware
	f.init(testMAC)
	f.reset()
	f.networks = []Network{{SSID: "net", Passphrase: "secret12"}}
	f.ioctls[whd.WLC_SET_WSEC] = whd.WSEC_AES
	f.passphrase = "secret12"
	si, _ := whd.NewSsidInfo("net")
	var sbuf [whd.SSID_INFO_LEN]byte
	si.Put(sbuf[:])
	f.hostFrame(nil, ioctlFrame(0, whd.SDPCM_SET, whd.WLC_SET_SSID, 1, sbuf[:]))
	popControl(t, &f)
	var got []whd.AsyncEventType
	for len(f.out) > 0 {
		buf := make([]byte, len(f.out[0]))
		f.popFrame(buf)
		hdr, _ := whd.DecodeSDPCMHeader(buf)
		if hdr.Type() != whd.ASYNCEVENT_HEADER {
			t.Fatalf("channel %s", hdr.Type())
		}
		payload, _ := hdr.Payload(buf)
		bdc, _ := whd.DecodeBDCHeader(payload)
		payload, _ = bdc.Payload(payload)
		ev, err := whd.DecodeEventPacket(payload)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, ev.Message.EventType)
	}
	want := []whd.AsyncEventType{whd.EvAUTH, whd.EvASSOC, whd.EvLINK, whd.EvJOIN, whd.EvSET_SSID, whd.EvPSK_SUP}
	if len(got) != len(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBTRings(t *testing.T) {
	c := New(testMAC)
	c.Power(true)
	ring := uint32(RingBase + whd.BTSDIO_OFFSET_HOST_WRITE_BUF)
	// Host writes a 3 byte HCI command near the end of the ring so it wraps.
	c.mu.Lock()
	c.bt.h2bRead = whd.BTSDIO_FWBUF_SIZE - 4
	c.memWrite(ring+whd.BTSDIO_FWBUF_SIZE-4, []byte{3, 0, 0, hciCommand})
	c.memWrite(ring, []byte{0x03, 0x0c, 0x00, 0x00})
	c.setMem32(RingBase+whd.BTSDIO_OFFSET_HOST2BT_IN, 4)
	c.bt.serviceHost(c)
	c.mu.Unlock()

	rx := c.HCIReceived()
	if len(rx) != 1 || !bytes.Equal(rx[0], []byte{hciCommand, 0x03, 0x0c, 0x00}) {
		t.Fatalf("received %x", rx)
	}
	if got := binary.LittleEndian.Uint32(c.ReadMem(RingBase+whd.BTSDIO_OFFSET_HOST2BT_OUT, 4)); got != 4 {
		t.Errorf("host2bt out %d", got)
	}
	out := c.ReadMem(RingBase+whd.BTSDIO_OFFSET_HOST_READ_BUF, 12)
	want := []byte{6, 0, 0, hciEvent, 0x0e, 4, 1, 0x03, 0x0c, 0, 0, 0}
	if !bytes.Equal(out, want) {
		t.Errorf("reply %x, want %x", out, want)
	}
	if c.bt.intStatus&whd.I_HMB_FC_CHANGE == 0 {
		t.Error("flow control change not flagged")
	}
}
