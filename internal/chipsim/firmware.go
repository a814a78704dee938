package chipsim

import (
	"bytes"
	"encoding/binary"

	"github.com/soypat/cyw43/whd"
)

const defaultCreditWindow = 8

// bcmeUnsupported is the ioctl status the firmware answers unknown
// variables with (BCME_UNSUPPORTED, -23).
const bcmeUnsupported = 0xffff_ffe9

// Network is an access point the simulated radio can see.
type Network struct {
	SSID  string
	BSSID [6]byte
	// Passphrase of a WPA2 network. Empty means open.
	Passphrase string
	Channel    uint8
	RSSI       int16
}

// IoctlRecord is an ioctl as received by the firmware.
type IoctlRecord struct {
	Kind  uint8 // whd.SDPCM_GET or whd.SDPCM_SET.
	Cmd   whd.SDPCMCommand
	Iface whd.IoctlInterface
	// Var is the iovar name for WLC_GET_VAR and WLC_SET_VAR.
	Var     string
	Payload []byte
}

type firmware struct {
	mac     [6]byte
	out     [][]byte // Frames waiting for the host.
	later   [][]byte // Events raised by the ioctl being handled.
	txSeq   uint8
	hostSeq uint8 // Next sequence number expected from the host.
	window  uint8

	iovars     map[string][]byte
	ioctls     map[whd.SDPCMCommand]uint32
	fail       map[whd.SDPCMCommand]uint32
	mute       map[whd.SDPCMCommand]int // Responses left to swallow.
	log        []IoctlRecord
	clm        []byte
	clmDone    bool
	mask       whd.EventMask
	maskSet    bool
	passphrase string
	networks   []Network
	joined     *Network
	sent       [][]byte // Ethernet frames sent by the host.
	malformed  int
}

func (f *firmware) init(mac [6]byte) {
	f.mac = mac
	f.window = defaultCreditWindow
	f.fail = make(map[whd.SDPCMCommand]uint32)
	f.mute = make(map[whd.SDPCMCommand]int)
}

// reset forgets runtime state. Networks and injected failures survive
// power cycles like the radio environment would.
func (f *firmware) reset() {
	f.out = nil
	f.later = nil
	f.txSeq = 0
	f.hostSeq = 0
	f.iovars = make(map[string][]byte)
	f.ioctls = make(map[whd.SDPCMCommand]uint32)
	f.log = nil
	f.clm = nil
	f.clmDone = false
	f.mask = whd.EventMask{}
	f.maskSet = false
	f.passphrase = ""
	f.joined = nil
	f.sent = nil
	f.malformed = 0
}

// popFrame copies the oldest queued frame into dst with the credit
// current at the time of the read.
func (f *firmware) popFrame(dst []byte) {
	clear(dst)
	if len(f.out) == 0 {
		return
	}
	frame := f.out[0]
	f.out = f.out[1:]
	frame[9] = f.hostSeq + f.window
	copy(dst, frame)
}

func (f *firmware) queue(channel uint8, headerLen int, payload []byte) {
	n := headerLen + len(payload)
	b := make([]byte, n)
	hdr := whd.SDPCMHeader{
		Size:         uint16(n),
		SizeCom:      ^uint16(n),
		Seq:          f.txSeq,
		ChanAndFlags: channel,
		HeaderLength: uint8(headerLen),
	}
	hdr.Put(b)
	copy(b[headerLen:], payload)
	f.txSeq++
	f.out = append(f.out, b)
}

func (f *firmware) hostFrame(c *Chip, b []byte) {
	hdr, err := whd.DecodeSDPCMHeader(b)
	if err != nil || hdr.Size != ^hdr.SizeCom || int(hdr.Size) > len(b) {
		f.malformed++
		return
	}
	payload, err := hdr.Payload(b[:hdr.Size])
	if err != nil {
		f.malformed++
		return
	}
	f.hostSeq = hdr.Seq + 1
	switch hdr.Type() {
	case whd.CONTROL_HEADER:
		f.control(c, payload)
	case whd.DATA_HEADER:
		bdc, err := whd.DecodeBDCHeader(payload)
		if err == nil {
			payload, err = bdc.Payload(payload)
		}
		if err != nil {
			f.malformed++
			return
		}
		f.sent = append(f.sent, bytes.Clone(payload))
	default:
		f.malformed++
	}
}

func (f *firmware) control(c *Chip, packet []byte) {
	cdc, err := whd.DecodeCDCHeader(packet)
	if err != nil {
		f.malformed++
		return
	}
	data, _ := cdc.Payload(packet)
	rec := IoctlRecord{Kind: cdc.Kind(), Cmd: cdc.Cmd, Iface: cdc.Interface(), Payload: bytes.Clone(data)}
	if cdc.Cmd == whd.WLC_GET_VAR || cdc.Cmd == whd.WLC_SET_VAR {
		rec.Var, _ = splitIovar(data)
	}
	f.log = append(f.log, rec)
	if f.mute[cdc.Cmd] > 0 {
		f.mute[cdc.Cmd]--
		return
	}

	resp := bytes.Clone(data)
	status := f.fail[cdc.Cmd]
	if status == 0 {
		status = f.ioctl(rec, resp)
	}
	out := make([]byte, whd.CDC_HEADER_LEN+len(resp))
	cdc.Length = uint32(len(resp))
	cdc.Status = status
	cdc.Put(out)
	copy(out[whd.CDC_HEADER_LEN:], resp)
	f.queue(whd.CONTROL_HEADER, whd.SDPCM_HEADER_LEN, out)
	f.out = append(f.out, f.later...)
	f.later = f.later[:0]
}

func splitIovar(data []byte) (name string, val []byte) {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return string(data), nil
	}
	return string(data[:i]), data[i+1:]
}

// ioctl applies rec and writes GET results into resp.
func (f *firmware) ioctl(rec IoctlRecord, resp []byte) (status uint32) {
	switch rec.Cmd {
	case whd.WLC_SET_VAR:
		name, val := splitIovar(rec.Payload)
		f.setVar(name, val)
	case whd.WLC_GET_VAR:
		v, ok := f.getVar(rec.Var)
		if !ok {
			return bcmeUnsupported
		}
		clear(resp)
		copy(resp, v)
	case whd.WLC_SET_SSID:
		si, err := whd.DecodeSsidInfo(rec.Payload)
		if err != nil {
			return 1
		}
		f.join(si.String())
	case whd.WLC_SET_WSEC_PMK:
		pi, err := whd.DecodePassphraseInfo(rec.Payload)
		if err != nil {
			return 1
		}
		f.passphrase = string(pi.Passphrase[:pi.Len])
	case whd.WLC_DISASSOC:
		if f.joined != nil {
			f.joined = nil
			f.event(whd.EventMessage{EventType: whd.EvDEAUTH_IND, Status: whd.EStatusSuccess})
			f.event(whd.EventMessage{EventType: whd.EvLINK, Status: whd.EStatusSuccess})
		}
	default:
		if rec.Kind == whd.SDPCM_SET && len(rec.Payload) >= 4 {
			f.ioctls[rec.Cmd] = binary.LittleEndian.Uint32(rec.Payload)
		} else if rec.Kind == whd.SDPCM_GET && len(resp) >= 4 {
			binary.LittleEndian.PutUint32(resp, f.ioctls[setterOf(rec.Cmd)])
		}
	}
	return 0
}

// setterOf returns the SET command that stores the value a GET command
// reads. Most commands come in GET/SET pairs one apart.
func setterOf(cmd whd.SDPCMCommand) whd.SDPCMCommand {
	switch cmd {
	case whd.WLC_GET_PM, whd.WLC_GET_ANTDIV:
		return cmd + 1
	}
	return cmd
}

func (f *firmware) setVar(name string, val []byte) {
	switch name {
	case "clmload":
		h, err := whd.DecodeDownloadHeader(val)
		if err != nil {
			return
		}
		if h.Flag&whd.DOWNLOAD_FLAG_BEGIN != 0 {
			f.clm = f.clm[:0]
			f.clmDone = false
		}
		chunk := val[whd.DOWNLOAD_HEADER_LEN:]
		f.clm = append(f.clm, chunk[:min(int(h.Len), len(chunk))]...)
		if h.Flag&whd.DOWNLOAD_FLAG_END != 0 {
			f.clmDone = true
		}
	case "bsscfg:event_msgs":
		m, err := whd.DecodeEventMask(val)
		if err == nil {
			f.mask, f.maskSet = m, true
		}
	case "escan":
		sp, err := whd.DecodeScanParams(val)
		if err == nil {
			f.scan(sp)
		}
	default:
		f.iovars[name] = bytes.Clone(val)
	}
}

func (f *firmware) getVar(name string) ([]byte, bool) {
	switch name {
	case "cur_etheraddr":
		return f.mac[:], true
	case "clmload_status":
		var v [4]byte
		if !f.clmDone {
			v[0] = 1
		}
		return v[:], true
	}
	v, ok := f.iovars[name]
	return v, ok
}

func (f *firmware) scan(sp whd.ScanParams) {
	want := string(sp.SSID[:min(int(sp.SSIDLen), whd.MaxSSIDLen)])
	buf := make([]byte, whd.ESCAN_RESULT_HEADER_LEN+whd.BSS_INFO_LEN+4)
	for i := range f.networks {
		nw := &f.networks[i]
		if want != "" && nw.SSID != want {
			continue
		}
		bss := whd.BssInfo{
			BSSID:        nw.BSSID,
			BeaconPeriod: 100,
			SSIDLen:      uint8(min(len(nw.SSID), whd.MaxSSIDLen)),
			Chanspec:     whd.EncodeChanspec(nw.Channel, whd.Band2G, whd.BW20, whd.SidebandNone),
			RSSI:         nw.RSSI,
		}
		copy(bss.SSIDBuf[:], nw.SSID)
		var ies []byte
		if nw.Passphrase != "" {
			bss.Capability = whd.DOT11_CAP_PRIVACY
			ies = []byte{whd.DOT11_IE_ID_RSN, 2, 1, 0}
		}
		n := whd.PutEscanResult(buf, sp.SyncID, &bss, ies)
		f.event(whd.EventMessage{EventType: whd.EvESCAN_RESULT, Status: whd.EStatusPartial}, buf[:n]...)
	}
	f.event(whd.EventMessage{EventType: whd.EvESCAN_RESULT, Status: whd.EStatusSuccess})
}

func (f *firmware) join(ssid string) {
	var nw *Network
	for i := range f.networks {
		if f.networks[i].SSID == ssid {
			nw = &f.networks[i]
		}
	}
	if nw == nil {
		f.event(whd.EventMessage{EventType: whd.EvSET_SSID, Status: whd.EStatusNoNetworks})
		return
	}
	secure := nw.Passphrase != ""
	if secure && f.ioctls[whd.WLC_SET_WSEC] == 0 {
		f.event(whd.EventMessage{EventType: whd.EvAUTH, Status: whd.EStatusFail, Addr: nw.BSSID})
		f.event(whd.EventMessage{EventType: whd.EvSET_SSID, Status: whd.EStatusFail, Addr: nw.BSSID})
		return
	}
	f.joined = nw
	f.event(whd.EventMessage{EventType: whd.EvAUTH, Status: whd.EStatusSuccess, Addr: nw.BSSID})
	f.event(whd.EventMessage{EventType: whd.EvASSOC, Status: whd.EStatusSuccess, Addr: nw.BSSID})
	f.event(whd.EventMessage{EventType: whd.EvLINK, Status: whd.EStatusSuccess, Flags: 1, Addr: nw.BSSID})
	f.event(whd.EventMessage{EventType: whd.EvJOIN, Status: whd.EStatusSuccess, Addr: nw.BSSID})
	f.event(whd.EventMessage{EventType: whd.EvSET_SSID, Status: whd.EStatusSuccess, Addr: nw.BSSID})
	if !secure {
		return
	}
	if f.passphrase == nw.Passphrase {
		f.event(whd.EventMessage{EventType: whd.EvPSK_SUP, Status: whd.EStatusUnsolicited, Addr: nw.BSSID})
	} else {
		// Four way handshake timeout.
		f.event(whd.EventMessage{EventType: whd.EvPSK_SUP, Status: whd.EStatusFail, Reason: 15, Addr: nw.BSSID})
	}
}

// event raises msg after the current ioctl response if its type is
// enabled in the host's event mask.
func (f *firmware) event(msg whd.EventMessage, data ...byte) {
	if f.maskSet && !f.mask.IsEnabled(msg.EventType) {
		return
	}
	f.later = append(f.later, f.eventFrame(msg, data))
}

func (f *firmware) eventFrame(msg whd.EventMessage, data []byte) []byte {
	msg.Version = 2
	copy(msg.IfName[:], "wl0")
	pkt := make([]byte, whd.BDC_HEADER_LEN+whd.EVENT_PACKET_LEN+len(data))
	bdc := whd.BDCHeader{Flags: whd.BDC_VERSION << whd.BDC_VERSION_SHIFT}
	bdc.Put(pkt)
	whd.PutEventPacket(pkt[whd.BDC_HEADER_LEN:], f.mac, msg, data)
	n := whd.SDPCM_HEADER_LEN + len(pkt)
	frame := make([]byte, n)
	hdr := whd.SDPCMHeader{Size: uint16(n), SizeCom: ^uint16(n), Seq: f.txSeq, ChanAndFlags: whd.ASYNCEVENT_HEADER, HeaderLength: whd.SDPCM_HEADER_LEN}
	hdr.Put(frame)
	copy(frame[whd.SDPCM_HEADER_LEN:], pkt)
	f.txSeq++
	return frame
}

// data queues eth behind the BDC header. The two pad bytes after the SDPCM
// header are counted in its header length.
func (f *firmware) data(eth []byte) {
	pkt := make([]byte, whd.BDC_HEADER_LEN+len(eth))
	bdc := whd.BDCHeader{Flags: whd.BDC_VERSION << whd.BDC_VERSION_SHIFT}
	bdc.Put(pkt)
	copy(pkt[whd.BDC_HEADER_LEN:], eth)
	f.queue(whd.DATA_HEADER, whd.SDPCM_HEADER_LEN+whd.SDPCM_DATA_PAD, pkt)
}

// inject runs fn under the lock and raises the interrupt if it queued
// frames for the host.
func (c *Chip) inject(fn func()) {
	c.mu.Lock()
	n := len(c.fw.out)
	fn()
	irq := len(c.fw.out) > n
	c.mu.Unlock()
	if irq && c.OnIRQ != nil {
		c.OnIRQ()
	}
}

// AddNetwork makes nw visible to scans and joins.
func (c *Chip) AddNetwork(nw Network) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fw.networks = append(c.fw.networks, nw)
}

// FailIoctl makes every following cmd ioctl complete with status.
// A zero status clears the failure.
func (c *Chip) FailIoctl(cmd whd.SDPCMCommand, status uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status == 0 {
		delete(c.fw.fail, cmd)
	} else {
		c.fw.fail[cmd] = status
	}
}

// MuteIoctl makes the firmware swallow the next n cmd ioctls without
// answering them.
func (c *Chip) MuteIoctl(cmd whd.SDPCMCommand, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fw.mute[cmd] = n
}

// SetCreditWindow sets how many frames past the last one received the
// firmware grants. Zero stalls the host's transmit path.
func (c *Chip) SetCreditWindow(n uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fw.window = n
}

// SendCreditUpdate queues an empty control frame carrying the current credit.
func (c *Chip) SendCreditUpdate() {
	c.inject(func() { c.fw.queue(whd.CONTROL_HEADER, whd.SDPCM_HEADER_LEN, nil) })
}

// InjectData delivers an Ethernet frame to the host.
func (c *Chip) InjectData(eth []byte) {
	c.inject(func() { c.fw.data(eth) })
}

// InjectEvent delivers an event to the host regardless of its event mask.
func (c *Chip) InjectEvent(msg whd.EventMessage, data []byte) {
	c.inject(func() { c.fw.out = append(c.fw.out, c.fw.eventFrame(msg, data)) })
}

// InjectFrame delivers a raw function 2 frame to the host.
func (c *Chip) InjectFrame(frame []byte) {
	c.inject(func() { c.fw.out = append(c.fw.out, bytes.Clone(frame)) })
}

// DropLink simulates the access point going away.
func (c *Chip) DropLink() {
	c.inject(func() {
		if c.fw.joined == nil {
			return
		}
		c.fw.joined = nil
		c.fw.out = append(c.fw.out, c.fw.eventFrame(whd.EventMessage{EventType: whd.EvLINK, Status: whd.EStatusSuccess}, nil))
	})
}

// SentFrames returns the Ethernet frames the host transmitted.
func (c *Chip) SentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.fw.sent...)
}

// Ioctls returns the ioctls received since power on.
func (c *Chip) Ioctls() []IoctlRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]IoctlRecord(nil), c.fw.log...)
}

// Iovar returns the last value the host set for name.
func (c *Chip) Iovar(name string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.fw.iovars[name]
	return bytes.Clone(v), ok
}

// IoctlValue returns the last 32 bit value set with cmd.
func (c *Chip) IoctlValue(cmd whd.SDPCMCommand) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.ioctls[cmd]
}

// CLM returns the country locale matrix loaded by the host.
func (c *Chip) CLM() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.fw.clm)
}

// EventEnabled reports whether the host enabled ev in the firmware's mask.
func (c *Chip) EventEnabled(ev whd.AsyncEventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.maskSet && c.fw.mask.IsEnabled(ev)
}

// Malformed counts host frames the firmware could not parse.
func (c *Chip) Malformed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.malformed
}
