package cyw43

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/cyw43/whd"
)

const (
	alpTimeout     = 100 * time.Millisecond
	htTimeout      = 500 * time.Millisecond
	f2ReadyTimeout = time.Second
	pollInterval   = 100 * time.Microsecond
	// Attempts at obtaining credit or a response on the polled ioctl path.
	polledIoctlRetries = 1000
)

var (
	errBTWatermark     = errors.New("bt watermark set failed")
	errALPTimeout      = errors.New("timeout waiting for ALP clock")
	errHTTimeout       = errors.New("timeout waiting for HT clock")
	errF2Timeout       = errors.New("timeout waiting for F2 ready")
	errChipID          = errors.New("unexpected chip id")
	errCoreNotUp       = errors.New("WLAN core failed to start")
	errNVRAMReadback   = errors.New("nvram trailer readback mismatch")
	errNoFirmware      = errors.New("no firmware")
	errFirmwareTooBig  = errors.New("firmware and nvram exceed chip RAM")
	errCLMStatus       = errors.New("clmload_status non-zero")
	errIoctlPollCredit = errors.New("no credit for polled ioctl")
	errIoctlPollResp   = errors.New("no response to polled ioctl")
)

// setState records the progress of bring-up.
func (r *Runner) setState(s State) {
	r.state.Store(uint32(s))
	r.debug("runner:state", slog.String("state", s.String()))
}

// init brings the chip from power-off to running firmware with its CLM
// loaded. Failures are reported as *InitError carrying the last state reached.
func (r *Runner) init(cfg *Config) (err error) {
	defer func() {
		if err != nil {
			stage := r.State()
			r.state.Store(uint32(StateFailed))
			r.logerr("runner:init", slog.String("stage", stage.String()), slog.String("err", err.Error()))
			err = &InitError{Stage: stage, Err: err}
		}
	}()
	nvram := cfg.NVRAM
	if len(nvram) == 0 {
		nvram = []byte(DefaultNVRAM)
	}
	if len(cfg.Firmware) == 0 {
		return errNoFirmware
	} else if err = ValidateNVRAM(nvram); err != nil {
		return err
	}
	m := &whd.CYW43439
	if uint64(len(cfg.Firmware))+uint64(alignup(uint32(len(nvram)), 4))+4 > uint64(m.RAMSize) {
		return errFirmwareTooBig
	}
	enableBT := cfg.EnableBluetooth

	r.setState(StateBringUp)
	if err = r.bus.init(); err != nil {
		return err
	}
	if err = r.clockInit(enableBT); err != nil {
		return err
	}
	if err = r.prepareCores(); err != nil {
		return err
	}

	r.info("runner:firmware", slog.Int("len", len(cfg.Firmware)))
	if err = r.bus.bpWrite(m.RAMBase, cfg.Firmware); err != nil {
		return err
	}
	r.setState(StateFirmwareLoaded)

	if err = r.downloadNVRAM(nvram); err != nil {
		return err
	}
	r.setState(StateNvramLoaded)

	if err = r.startCore(enableBT); err != nil {
		return err
	}
	if cfg.EnableFirmwareLog {
		if err = r.fwlog.init(&r.bus); err != nil {
			return err
		}
		r.fwlogOn = true
	}
	if enableBT {
		r.bt = &btRunner{}
		if err = r.btInit(cfg.BluetoothFirmware); err != nil {
			return err
		}
		r.st.hci.enable()
	}

	if len(cfg.CLM) == 0 {
		r.warn("runner:clm", slog.String("msg", "no CLM given, skipping download"))
	} else if err = r.downloadCLM(cfg.CLM); err != nil {
		return err
	}
	r.setState(StateClmLoaded)
	r.setState(StateRunning)
	return nil
}

// clockInit requests the ALP clock and reads the chip ID.
func (r *Runner) clockInit(enableBT bool) error {
	b := &r.bus
	err := b.write8(whd.FuncBackplane, whd.SDIO_CHIP_CLOCK_CSR, whd.SBSDIO_ALP_AVAIL_REQ)
	if err != nil {
		return err
	}
	if enableBT {
		err = b.write8(whd.FuncBackplane, whd.SDIO_FUNCTION2_WATERMARK, whd.BT_F2_WATERMARK)
		if err != nil {
			return err
		}
		wm, err := b.read8(whd.FuncBackplane, whd.SDIO_FUNCTION2_WATERMARK)
		if err != nil {
			return err
		} else if wm != whd.BT_F2_WATERMARK {
			return errBTWatermark
		}
	}
	err = pollUntil(alpTimeout, pollInterval, func() (bool, error) {
		csr, err := b.read8(whd.FuncBackplane, whd.SDIO_CHIP_CLOCK_CSR)
		return csr&whd.SBSDIO_ALP_AVAIL != 0, err
	})
	if err == errPollTimeout {
		return errALPTimeout
	} else if err != nil {
		return err
	}
	// Clear request for ALP.
	err = b.write8(whd.FuncBackplane, whd.SDIO_CHIP_CLOCK_CSR, 0)
	if err != nil {
		return err
	}
	id, err := b.bpRead16(whd.CYW43439.ChipcommonBase)
	if err != nil {
		return err
	}
	r.debug("runner:chipid", slog.Uint64("id", uint64(id)))
	if id != whd.CYW43439.ChipID {
		return errChipID
	}
	return nil
}

// prepareCores halts WLAN and resets SOCSRAM ready for the firmware download.
func (r *Runner) prepareCores() error {
	b := &r.bus
	err := b.disableCore(whd.CoreWLAN)
	if err == nil {
		err = b.disableCore(whd.CoreSOCSRAM)
	}
	if err == nil {
		err = b.resetCore(whd.CoreSOCSRAM)
	}
	if err != nil {
		return err
	}
	// 4343x specific: disable remap for SRAM_3.
	base := whd.CYW43439.SocsramBase
	err = b.bpWrite32(base+whd.SOCSRAM_BANKX_INDEX, 3)
	if err != nil {
		return err
	}
	return b.bpWrite32(base+whd.SOCSRAM_BANKX_PDA, 0)
}

// downloadNVRAM writes the board configuration at the end of RAM followed
// by the length trailer, then verifies the trailer.
func (r *Runner) downloadNVRAM(nvram []byte) error {
	m := &whd.CYW43439
	n := alignup(uint32(len(nvram)), 4)
	r.info("runner:nvram", slog.Int("len", len(nvram)))
	err := r.bus.bpWrite(m.NVRAMAddr(n), nvram)
	if err != nil {
		return err
	}
	trailerAddr := m.RAMBase + m.RAMSize - 4
	trailer := whd.NVRAMTrailer(n)
	err = r.bus.bpWrite32(trailerAddr, trailer)
	if err != nil {
		return err
	}
	got, err := r.bus.bpRead32(trailerAddr)
	if err != nil {
		return err
	} else if got != trailer {
		return errNVRAMReadback
	}
	return nil
}

// startCore releases the WLAN core and configures function 2.
func (r *Runner) startCore(enableBT bool) error {
	b := &r.bus
	err := b.resetCore(whd.CoreWLAN)
	if err != nil {
		return err
	}
	up, err := b.coreIsUp(whd.CoreWLAN)
	if err != nil {
		return err
	} else if !up {
		return errCoreNotUp
	}
	if err = r.waitHT(); err != nil {
		return err
	}

	sdio := whd.CYW43439.SdiodBase
	err = b.bpWrite32(sdio+whd.SDIO_INT_HOST_MASK, whd.I_HMB_SW_MASK)
	if err != nil {
		return err
	}
	if enableBT {
		err = b.bpWrite32(sdio+whd.SDIO_INT_HOST_MASK, whd.I_HMB_FC_CHANGE)
		if err != nil {
			return err
		}
	}
	err = b.write16(whd.FuncBus, whd.SPI_INTERRUPT_ENABLE_REGISTER, whd.F2_PACKET_AVAILABLE)
	if err != nil {
		return err
	}
	// Lower F2 watermark to avoid a DMA hang in F2 when the clock is stopped.
	err = b.write8(whd.FuncBackplane, whd.SDIO_FUNCTION2_WATERMARK, whd.SPI_F2_WATERMARK)
	if err != nil {
		return err
	}
	err = pollUntil(f2ReadyTimeout, pollInterval, func() (bool, error) {
		st, err := b.readStatus()
		return st.F2RxReady(), err
	})
	if err == errPollTimeout {
		return errF2Timeout
	} else if err != nil {
		return err
	}

	// Clear pad pulls.
	err = b.write8(whd.FuncBackplane, whd.SDIO_PULL_UP, 0)
	if err != nil {
		return err
	}
	_, err = b.read8(whd.FuncBackplane, whd.SDIO_PULL_UP)
	if err != nil {
		return err
	}
	err = b.write8(whd.FuncBackplane, whd.SDIO_CHIP_CLOCK_CSR, whd.SBSDIO_HT_AVAIL_REQ)
	if err != nil {
		return err
	}
	return r.waitHT()
}

func (r *Runner) waitHT() error {
	err := pollUntil(htTimeout, pollInterval, func() (bool, error) {
		csr, err := r.bus.read8(whd.FuncBackplane, whd.SDIO_CHIP_CLOCK_CSR)
		return csr&whd.SBSDIO_HT_AVAIL != 0, err
	})
	if err == errPollTimeout {
		return errHTTimeout
	}
	return err
}

// downloadCLM sends the country locale matrix through the clmload iovar in
// CLM_CHUNK_SIZE chunks and checks clmload_status.
func (r *Runner) downloadCLM(clm []byte) error {
	const prefix = len("clmload\x00") + whd.DOWNLOAD_HEADER_LEN
	var buf [prefix + whd.CLM_CHUNK_SIZE]byte
	copy(buf[:], "clmload\x00")
	r.info("runner:clm", slog.Int("len", len(clm)))
	for off := 0; off < len(clm); {
		chunk := clm[off:min(off+whd.CLM_CHUNK_SIZE, len(clm))]
		flag := uint16(whd.DOWNLOAD_FLAG_HANDLER_VER)
		if off == 0 {
			flag |= whd.DOWNLOAD_FLAG_BEGIN
		}
		off += len(chunk)
		if off == len(clm) {
			flag |= whd.DOWNLOAD_FLAG_END
		}
		hdr := whd.DownloadHeader{
			Flag: flag,
			Type: whd.DOWNLOAD_TYPE_CLM,
			Len:  uint32(len(chunk)),
		}
		hdr.Put(buf[8:])
		n := copy(buf[prefix:], chunk)
		_, err := r.ioctlPolled(IoctlSet, whd.WLC_SET_VAR, whd.IF_STA, buf[:prefix+n])
		if err != nil {
			return err
		}
	}
	var status [len("clmload_status\x00")]byte
	copy(status[:], "clmload_status\x00")
	n, err := r.ioctlPolled(IoctlGet, whd.WLC_GET_VAR, whd.IF_STA, status[:])
	if err != nil {
		return err
	} else if n < 4 || binary.LittleEndian.Uint32(status[:4]) != 0 {
		return errCLMStatus
	}
	return nil
}

// ioctlPolled performs an ioctl synchronously by polling the bus. It is
// only used before the Runner starts, when nothing else touches the bus.
func (r *Runner) ioctlPolled(kind IoctlKind, cmd whd.SDPCMCommand, iface whd.IoctlInterface, buf []byte) (int, error) {
	if len(buf) > maxIoctlPayload {
		return 0, errIoctlTooLarge
	}
	for retries := 0; !r.hasCredit(); retries++ {
		if retries >= polledIoctlRetries {
			return 0, errIoctlPollCredit
		}
		if err := r.checkStatus(); err != nil {
			return 0, err
		}
		time.Sleep(pollInterval)
	}
	call := &ioctlCall{
		kind:   kind,
		cmd:    cmd,
		iface:  iface,
		buf:    buf,
		result: make(chan ioctlResult, 1),
	}
	n := copy(r.txbuf[ioctlHeaderLen:], buf)
	r.active = call
	err := r.sendIoctl(call, n)
	if err != nil {
		r.active = nil
		return 0, err
	}
	for retries := 0; retries < polledIoctlRetries; retries++ {
		if err := r.checkStatus(); err != nil {
			r.active = nil
			return 0, err
		}
		select {
		case res := <-call.result:
			return res.n, res.err
		default:
		}
		time.Sleep(pollInterval)
	}
	r.active = nil
	return 0, errIoctlPollResp
}
