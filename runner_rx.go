package cyw43

import (
	"log/slog"

	"github.com/soypat/cyw43/netchan"
	"github.com/soypat/cyw43/whd"
)

const dataHeaderLen = whd.SDPCM_HEADER_LEN + whd.SDPCM_DATA_PAD + whd.BDC_HEADER_LEN

// handleIRQ reads and acknowledges the gSPI interrupt register.
func (r *Runner) handleIRQ() error {
	irq, err := r.bus.read16(whd.FuncBus, whd.SPI_INTERRUPT_REGISTER)
	if err != nil {
		return err
	}
	if irq != 0 {
		r.trace("irq", slog.Uint64("irq", uint64(irq)))
	}
	if irq&whd.F2_PACKET_AVAILABLE != 0 {
		if err = r.checkStatus(); err != nil {
			return err
		}
	}
	if irq&whd.DATA_UNAVAILABLE != 0 {
		r.trace("irq:data-unavailable")
		if err = r.bus.write16(whd.FuncBus, whd.SPI_INTERRUPT_REGISTER, whd.DATA_UNAVAILABLE); err != nil {
			return err
		}
	}
	if r.bt != nil {
		return r.btHandleIRQ()
	}
	return nil
}

// checkStatus reads F2 frames while the status register reports one available.
func (r *Runner) checkStatus() error {
	for {
		st, err := r.bus.readStatus()
		if err != nil {
			return err
		} else if !st.F2PacketAvailable() {
			return nil
		}
		n := int(st.F2PacketLength())
		if n == 0 || n > len(r.rxbuf) {
			r.stats.malformed.Add(1)
			r.warn("rx:bad-length", slog.Int("len", n))
			return nil
		}
		err = r.bus.wlanRead(r.rxbuf[:], n)
		if err != nil {
			return err
		}
		r.stats.rxFrames.Add(1)
		r.rx(r.rxbuf[:n])
	}
}

// rx dispatches a frame by SDPCM channel. Protocol errors are logged and
// counted, never returned.
func (r *Runner) rx(frame []byte) {
	hdr, err := whd.DecodeSDPCMHeader(frame)
	if err == nil {
		frame, err = hdr.Payload(frame)
	}
	if err != nil {
		r.stats.malformed.Add(1)
		r.warn("rx:sdpcm", slog.String("err", err.Error()))
		return
	}
	r.updateCredit(hdr)
	if len(frame) == 0 {
		// Header only frame, credit update.
		return
	}
	switch hdr.Type() {
	case whd.CONTROL_HEADER:
		r.rxControl(frame)
	case whd.ASYNCEVENT_HEADER:
		r.rxEvent(frame)
	case whd.DATA_HEADER:
		r.rxData(frame)
	default:
		r.stats.unknown.Add(1)
		r.warn("rx:unknown-channel", slog.Int("chan", int(hdr.ChanAndFlags&0xf)))
	}
}

func (r *Runner) updateCredit(hdr whd.SDPCMHeader) {
	if hdr.ChanAndFlags&0xf < 3 {
		max := hdr.BusDataCredit
		if max-r.sdpcmSeq > 0x40 {
			max = r.sdpcmSeq + 2
		}
		r.sdpcmSeqMax = max
	}
}

func (r *Runner) hasCredit() bool {
	return r.sdpcmSeq != r.sdpcmSeqMax && (r.sdpcmSeqMax-r.sdpcmSeq)&0x80 == 0
}

func (r *Runner) rxControl(packet []byte) {
	cdc, err := whd.DecodeCDCHeader(packet)
	var payload []byte
	if err == nil {
		payload, err = cdc.Payload(packet)
	}
	if err != nil {
		r.stats.malformed.Add(1)
		r.warn("rx:cdc", slog.String("err", err.Error()))
		return
	}
	if r.active == nil || cdc.ID != r.ioctlID {
		r.debug("rx:stale-ioctl", slog.Int("id", int(cdc.ID)), slog.Int("want", int(r.ioctlID)))
		return
	}
	call := r.active
	r.active = nil
	if cdc.Status != 0 {
		r.st.ioctl.complete(call, nil, &IoctlError{Cmd: call.cmd, Status: cdc.Status})
		return
	}
	r.trace("rx:ioctl", slog.String("cmd", call.cmd.String()), slog.Int("len", len(payload)))
	r.st.ioctl.complete(call, payload, nil)
}

func (r *Runner) rxEvent(packet []byte) {
	bdc, err := whd.DecodeBDCHeader(packet)
	if err == nil {
		packet, err = bdc.Payload(packet)
	}
	var ev whd.EventPacket
	if err == nil {
		ev, err = whd.DecodeEventPacket(packet)
	}
	if err != nil {
		r.stats.malformed.Add(1)
		r.warn("rx:event", slog.String("err", err.Error()))
		return
	}
	msg := &ev.Message
	if r.logenabled(slog.LevelDebug) {
		r.debug("rx:event",
			slog.String("event", msg.EventType.String()),
			slog.String("status", msg.Status.String()),
			slog.Uint64("reason", uint64(msg.Reason)),
			slog.Uint64("flags", uint64(msg.Flags)),
		)
	}
	r.trackLink(msg)
	if !r.st.events.enabled(msg.EventType) {
		return
	}
	out := eventFromPacket(&ev)
	if msg.EventType == whd.EvESCAN_RESULT && msg.Status == whd.EStatusPartial {
		_, bss, err := whd.DecodeEscanResult(ev.Data)
		if err != nil {
			r.stats.malformed.Add(1)
			r.warn("rx:escan", slog.String("err", err.Error()))
			return
		}
		out.Payload = PayloadBssInfo
		out.Bss = bss
	}
	r.st.events.publish(out)
	r.stats.events.Add(1)
}

// trackLink derives the link state from association and key exchange events.
func (r *Runner) trackLink(msg *whd.EventMessage) {
	update := false
	switch msg.EventType {
	case whd.EvLINK:
		if msg.Status == whd.EStatusSuccess && msg.Flags == 0 {
			r.linkLost()
			update = true
		}
	case whd.EvDEAUTH:
		if msg.Status == whd.EStatusSuccess {
			r.linkLost()
			update = true
		}
	case whd.EvAUTH:
		if msg.Status == whd.EStatusFail && msg.Reason == whd.ReasonNoNetworks && msg.AuthType == whd.AuthTypeSAE {
			r.linkLost()
			update = true
		} else if msg.Status != whd.EStatusUnsolicited {
			r.authOK = msg.Status == whd.EStatusSuccess
		}
	case whd.EvJOIN:
		if msg.Status == whd.EStatusSuccess {
			r.joinOK = true
			update = true
		}
	case whd.EvPSK_SUP:
		switch {
		case msg.Status == whd.EStatusUnsolicited && msg.Flags == 0 && msg.Reason == 0:
			if r.authOK {
				r.keyOK = true
				update = true
			}
		case msg.Reason == whd.ReasonMICFailure:
			// Sent while roaming between access points.
		default:
			r.keyOK = false
			update = true
		}
	}
	if !update {
		return
	}
	secure := r.st.secure.Load()
	ls := netchan.LinkDown
	if r.joinOK && (!secure || r.keyOK) {
		ls = netchan.LinkUp
	}
	r.st.ch.SetLinkState(ls)
	r.debug("link",
		slog.Bool("join", r.joinOK),
		slog.Bool("secure", secure),
		slog.Bool("auth", r.authOK),
		slog.Bool("key", r.keyOK),
		slog.String("state", ls.String()),
	)
}

func (r *Runner) linkLost() {
	r.authOK = false
	r.joinOK = false
	r.keyOK = false
}

func (r *Runner) rxData(packet []byte) {
	bdc, err := whd.DecodeBDCHeader(packet)
	if err == nil {
		packet, err = bdc.Payload(packet)
	}
	if err != nil {
		r.stats.malformed.Add(1)
		r.warn("rx:data", slog.String("err", err.Error()))
		return
	}
	if !r.st.ch.Deliver(packet) {
		r.stats.rxDrops.Add(1)
		r.debug("rx:drop", slog.Int("len", len(packet)))
	}
}

// sendIoctl frames the n payload bytes already at txbuf[ioctlHeaderLen:].
func (r *Runner) sendIoctl(call *ioctlCall, n int) error {
	total := ioctlHeaderLen + n
	seq := r.sdpcmSeq
	r.sdpcmSeq++
	r.ioctlID++
	sdpcm := whd.SDPCMHeader{
		Size:         uint16(total),
		SizeCom:      ^uint16(total),
		Seq:          seq,
		ChanAndFlags: whd.CONTROL_HEADER,
		HeaderLength: whd.SDPCM_HEADER_LEN,
	}
	sdpcm.Put(r.txbuf[:])
	cdc := whd.CDCHeader{
		Cmd:    call.cmd,
		Length: uint32(n),
		Flags:  uint16(call.kind) | uint16(call.iface)<<whd.CDCF_IOC_IF_SHIFT,
		ID:     r.ioctlID,
	}
	cdc.Put(r.txbuf[whd.SDPCM_HEADER_LEN:])
	if r.logenabled(slog.LevelDebug) {
		r.debug("tx:ioctl", slog.String("cmd", call.cmd.String()), slog.Int("kind", int(call.kind)), slog.Int("len", n))
	}
	return r.bus.wlanWrite(r.txbuf[:total])
}

// sendData frames a queued Ethernet frame in place. buf holds
// netchan.Headroom scratch bytes followed by the frame.
func (r *Runner) sendData(buf []byte) error {
	frame := buf[netchan.Headroom-dataHeaderLen:]
	total := len(frame)
	seq := r.sdpcmSeq
	r.sdpcmSeq++
	sdpcm := whd.SDPCMHeader{
		Size:         uint16(total),
		SizeCom:      ^uint16(total),
		Seq:          seq,
		ChanAndFlags: whd.DATA_HEADER,
		HeaderLength: whd.SDPCM_HEADER_LEN + whd.SDPCM_DATA_PAD,
	}
	sdpcm.Put(frame)
	frame[whd.SDPCM_HEADER_LEN] = 0
	frame[whd.SDPCM_HEADER_LEN+1] = 0
	bdc := whd.BDCHeader{Flags: whd.BDC_VERSION << whd.BDC_VERSION_SHIFT}
	bdc.Put(frame[whd.SDPCM_HEADER_LEN+whd.SDPCM_DATA_PAD:])
	r.stats.txPackets.Add(1)
	r.trace("tx:data", slog.Int("len", total-dataHeaderLen))
	return r.bus.wlanWrite(frame)
}
