package cyw43

import (
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/cyw43/whd"
)

const (
	// windowUnknown forces the next backplane access to rewrite every window byte.
	windowUnknown = 0xaaaa_aaaa
	// Largest F2 frame in bytes.
	maxFrameSize   = 2048
	testRegRetries = 128
	powerOffTime   = 20 * time.Millisecond
)

var (
	errSPITest          = errors.New("gSPI test register mismatch")
	errSPIRWTest        = errors.New("gSPI read/write test register mismatch")
	errUnalignedAddr    = errors.New("backplane write address not 4 byte aligned")
	errCoreDisable      = errors.New("core disable failed")
	errFrameTooLarge    = errors.New("frame exceeds bus transfer size")
	errBackplaneAddress = errors.New("backplane address outside 32 bit range")
)

// bus serializes all gSPI transactions. Only one goroutine may use it at a
// time: New during bring-up, the Runner afterwards.
type bus struct {
	logger
	t          Transport
	pwr        OutputPin
	resetDelay time.Duration
	window     uint32
	status     whd.Status
	rw         [2]uint32
	bpbuf      [whd.BUS_SPI_MAX_BACKPLANE_TRANSFER_SIZE/4 + 1]uint32
	wbuf       [maxFrameSize / 4]uint32
}

func cmdWord(write, autoInc bool, fn whd.Function, addr, size uint32) uint32 {
	return whd.CmdWord{Write: write, AutoInc: autoInc, Fn: fn, Addr: addr, Size: size}.Encode()
}

func (b *bus) cmdRead(cmd uint32, buf []uint32) error {
	st, err := b.t.CmdRead(cmd, buf)
	b.status = whd.Status(st)
	if err != nil {
		return &TransportError{Cmd: cmd, Err: err}
	}
	return nil
}

func (b *bus) cmdWrite(cmd uint32, buf []uint32) error {
	st, err := b.t.CmdWrite(cmd, buf)
	b.status = whd.Status(st)
	if err != nil {
		return &TransportError{Cmd: cmd, Err: err}
	}
	return nil
}

// powerCycle toggles WL_REG_ON and waits for the chip to come out of reset.
func (b *bus) powerCycle() {
	b.pwr(false)
	time.Sleep(powerOffTime)
	b.pwr(true)
	time.Sleep(b.resetDelay)
	b.window = windowUnknown
}

// init power cycles the chip and configures the bus for 32 bit little
// endian words with status reporting.
func (b *bus) init() error {
	b.powerCycle()
	var got uint32
	var err error
	for retries := 0; ; retries++ {
		got, err = b.read32Swapped(whd.SPI_READ_TEST_REGISTER)
		if err != nil {
			return err
		} else if got == whd.TEST_PATTERN {
			break
		} else if retries >= testRegRetries {
			b.logerr("bus:init", slog.Uint64("got", uint64(got)))
			return errSPITest
		}
	}
	err = b.write32Swapped(whd.SPI_RW_TEST_REGISTER, whd.RW_TEST_PATTERN)
	if err != nil {
		return err
	}
	got, err = b.read32Swapped(whd.SPI_RW_TEST_REGISTER)
	if err != nil {
		return err
	} else if got != whd.RW_TEST_PATTERN {
		return errSPIRWTest
	}

	err = b.write32Swapped(whd.SPI_BUS_CONTROL, whd.BUS_CONTROL_SETUP)
	if err != nil {
		return err
	}
	ctl, err := b.read8(whd.FuncBus, whd.SPI_BUS_CONTROL)
	if err != nil {
		return err
	}
	b.debug("bus:ctl", slog.Uint64("got", uint64(ctl)))

	// Now in 32 bit word mode.
	got, err = b.read32(whd.FuncBus, whd.SPI_READ_TEST_REGISTER)
	if err != nil {
		return err
	} else if got != whd.TEST_PATTERN {
		return errSPITest
	}
	got, err = b.read32(whd.FuncBus, whd.SPI_RW_TEST_REGISTER)
	if err != nil {
		return err
	} else if got != whd.RW_TEST_PATTERN {
		return errSPIRWTest
	}
	// Word mode writes land unswapped.
	err = b.write32(whd.FuncBus, whd.SPI_RW_TEST_REGISTER, ^uint32(whd.RW_TEST_PATTERN))
	if err != nil {
		return err
	}
	got, err = b.read32(whd.FuncBus, whd.SPI_RW_TEST_REGISTER)
	if err != nil {
		return err
	} else if got != ^uint32(whd.RW_TEST_PATTERN) {
		return errSPIRWTest
	}
	return nil
}

func (b *bus) read32Swapped(addr uint32) (uint32, error) {
	cmd := cmdWord(false, true, whd.FuncBus, addr, 4)
	buf := b.rw[:1]
	err := b.cmdRead(whd.Swap16(cmd), buf)
	return whd.Swap16(buf[0]), err
}

func (b *bus) write32Swapped(addr, val uint32) error {
	cmd := cmdWord(true, true, whd.FuncBus, addr, 4)
	b.rw = [2]uint32{whd.Swap16(val), 0}
	return b.cmdWrite(whd.Swap16(cmd), b.rw[:1])
}

// readn reads a register of up to 4 bytes. Backplane reads are preceded by
// one response padding word.
func (b *bus) readn(fn whd.Function, addr, size uint32) (uint32, error) {
	cmd := cmdWord(false, true, fn, addr, size)
	var padding uint32
	if fn == whd.FuncBackplane {
		padding = 1
	}
	b.rw = [2]uint32{}
	err := b.cmdRead(cmd, b.rw[:1+padding])
	return b.rw[padding], err
}

func (b *bus) writen(fn whd.Function, addr, val, size uint32) error {
	cmd := cmdWord(true, true, fn, addr, size)
	b.rw = [2]uint32{val, 0}
	return b.cmdWrite(cmd, b.rw[:1])
}

func (b *bus) read8(fn whd.Function, addr uint32) (uint8, error) {
	v, err := b.readn(fn, addr, 1)
	return uint8(v), err
}

func (b *bus) read16(fn whd.Function, addr uint32) (uint16, error) {
	v, err := b.readn(fn, addr, 2)
	return uint16(v), err
}

func (b *bus) read32(fn whd.Function, addr uint32) (uint32, error) {
	return b.readn(fn, addr, 4)
}

func (b *bus) write8(fn whd.Function, addr uint32, val uint8) error {
	return b.writen(fn, addr, uint32(val), 1)
}

func (b *bus) write16(fn whd.Function, addr uint32, val uint16) error {
	return b.writen(fn, addr, uint32(val), 2)
}

func (b *bus) write32(fn whd.Function, addr, val uint32) error {
	return b.writen(fn, addr, val, 4)
}

// readStatus fetches the status register, refreshing the cached status.
func (b *bus) readStatus() (whd.Status, error) {
	v, err := b.read32(whd.FuncBus, whd.SPI_STATUS_REGISTER)
	if err != nil {
		return 0, err
	}
	b.status = whd.Status(v)
	return b.status, nil
}

// setWindow selects the backplane window containing addr, writing only the
// address bytes that changed since the last selection.
func (b *bus) setWindow(addr uint32) (err error) {
	cur := b.window
	addr &^= whd.BACKPLANE_ADDR_MASK
	if addr == cur {
		return nil
	}
	if addr&0xff000000 != cur&0xff000000 {
		err = b.write8(whd.FuncBackplane, whd.SDIO_BACKPLANE_ADDRESS_HIGH, uint8(addr>>24))
	}
	if err == nil && addr&0x00ff0000 != cur&0x00ff0000 {
		err = b.write8(whd.FuncBackplane, whd.SDIO_BACKPLANE_ADDRESS_MID, uint8(addr>>16))
	}
	if err == nil && addr&0x0000ff00 != cur&0x0000ff00 {
		err = b.write8(whd.FuncBackplane, whd.SDIO_BACKPLANE_ADDRESS_LOW, uint8(addr>>8))
	}
	if err != nil {
		b.window = windowUnknown
		return err
	}
	b.window = addr
	return nil
}

func (b *bus) bpReadN(addr, size uint32) (uint32, error) {
	err := b.setWindow(addr)
	if err != nil {
		return 0, err
	}
	addr &= whd.BACKPLANE_ADDR_MASK
	if size == 4 {
		addr |= whd.SBSDIO_SB_ACCESS_2_4B_FLAG
	}
	return b.readn(whd.FuncBackplane, addr, size)
}

func (b *bus) bpWriteN(addr, val, size uint32) error {
	err := b.setWindow(addr)
	if err != nil {
		return err
	}
	addr &= whd.BACKPLANE_ADDR_MASK
	if size == 4 {
		addr |= whd.SBSDIO_SB_ACCESS_2_4B_FLAG
	}
	return b.writen(whd.FuncBackplane, addr, val, size)
}

func (b *bus) bpRead8(addr uint32) (uint8, error) {
	v, err := b.bpReadN(addr, 1)
	return uint8(v), err
}

func (b *bus) bpRead16(addr uint32) (uint16, error) {
	v, err := b.bpReadN(addr, 2)
	return uint16(v), err
}

func (b *bus) bpRead32(addr uint32) (uint32, error) {
	return b.bpReadN(addr, 4)
}

func (b *bus) bpWrite8(addr uint32, val uint8) error {
	return b.bpWriteN(addr, uint32(val), 1)
}

func (b *bus) bpWrite32(addr, val uint32) error {
	return b.bpWriteN(addr, val, 4)
}

// bpRead reads len(data) bytes of backplane memory starting at addr.
// Transfers are split so none exceeds 64 bytes or crosses a window.
func (b *bus) bpRead(addr uint32, data []byte) error {
	const maxTx = whd.BUS_SPI_MAX_BACKPLANE_TRANSFER_SIZE
	if uint64(addr)+uint64(len(data)) > 1<<32 {
		return errBackplaneAddress
	}
	for len(data) > 0 {
		off := addr & whd.BACKPLANE_ADDR_MASK
		n := min(uint32(len(data)), maxTx, whd.BACKPLANE_WINDOW-off)
		err := b.setWindow(addr)
		if err != nil {
			return err
		}
		cmd := cmdWord(false, true, whd.FuncBackplane, off, n)
		words := b.bpbuf[:alignup(n, 4)/4+1]
		err = b.cmdRead(cmd, words)
		if err != nil {
			return err
		}
		// Skip the response padding word.
		wordsToBytes(data[:n], words[1:])
		addr += n
		data = data[n:]
	}
	return nil
}

// bpWrite writes data to backplane memory starting at the 4 byte aligned
// addr. A trailing partial word is zero padded.
func (b *bus) bpWrite(addr uint32, data []byte) error {
	const maxTx = whd.BUS_SPI_MAX_BACKPLANE_TRANSFER_SIZE
	if !isaligned(addr, 4) {
		return errUnalignedAddr
	} else if uint64(addr)+uint64(len(data)) > 1<<32 {
		return errBackplaneAddress
	}
	for len(data) > 0 {
		off := addr & whd.BACKPLANE_ADDR_MASK
		n := min(uint32(len(data)), maxTx, whd.BACKPLANE_WINDOW-off)
		err := b.setWindow(addr)
		if err != nil {
			return err
		}
		words := b.bpbuf[:alignup(n, 4)/4]
		bytesToWords(words, data[:n])
		cmd := cmdWord(true, true, whd.FuncBackplane, off, n)
		err = b.cmdWrite(cmd, words)
		if err != nil {
			return err
		}
		addr += n
		data = data[n:]
	}
	return nil
}

// wlanRead reads an n byte F2 frame into dst.
func (b *bus) wlanRead(dst []byte, n int) error {
	if n > len(b.wbuf)*4 || n > len(dst) {
		return errFrameTooLarge
	}
	cmd := cmdWord(false, true, whd.FuncWLAN, 0, uint32(n))
	words := b.wbuf[:alignup(uint32(n), 4)/4]
	err := b.cmdRead(cmd, words)
	if err != nil {
		return err
	}
	wordsToBytes(dst[:n], words)
	return nil
}

// wlanWrite writes an F2 frame.
func (b *bus) wlanWrite(frame []byte) error {
	if len(frame) > len(b.wbuf)*4 {
		return errFrameTooLarge
	}
	words := b.wbuf[:alignup(uint32(len(frame)), 4)/4]
	bytesToWords(words, frame)
	cmd := cmdWord(true, true, whd.FuncWLAN, 0, uint32(len(frame)))
	return b.cmdWrite(cmd, words)
}

// disableCore puts a core in reset.
func (b *bus) disableCore(core whd.Core) error {
	base := core.BaseAddress()
	// Dummy read, then check whether the core is already in reset.
	_, err := b.bpRead8(base + whd.AI_RESETCTRL_OFFSET)
	if err != nil {
		return err
	}
	r, err := b.bpRead8(base + whd.AI_RESETCTRL_OFFSET)
	if err != nil {
		return err
	} else if r&whd.AIRC_RESET != 0 {
		return nil
	}
	err = b.bpWrite8(base+whd.AI_IOCTRL_OFFSET, 0)
	if err != nil {
		return err
	}
	_, err = b.bpRead8(base + whd.AI_IOCTRL_OFFSET)
	if err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	err = b.bpWrite8(base+whd.AI_RESETCTRL_OFFSET, whd.AIRC_RESET)
	if err != nil {
		return err
	}
	r, err = b.bpRead8(base + whd.AI_RESETCTRL_OFFSET)
	if err != nil {
		return err
	} else if r&whd.AIRC_RESET == 0 {
		return errCoreDisable
	}
	return nil
}

// resetCore disables core then brings it out of reset with its clock enabled.
func (b *bus) resetCore(core whd.Core) error {
	err := b.disableCore(core)
	if err != nil {
		return err
	}
	base := core.BaseAddress()
	err = b.bpWrite8(base+whd.AI_IOCTRL_OFFSET, whd.SICF_FGC|whd.SICF_CLOCK_EN)
	if err != nil {
		return err
	}
	_, err = b.bpRead8(base + whd.AI_IOCTRL_OFFSET)
	if err != nil {
		return err
	}
	err = b.bpWrite8(base+whd.AI_RESETCTRL_OFFSET, 0)
	if err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	err = b.bpWrite8(base+whd.AI_IOCTRL_OFFSET, whd.SICF_CLOCK_EN)
	if err != nil {
		return err
	}
	_, err = b.bpRead8(base + whd.AI_IOCTRL_OFFSET)
	if err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	return nil
}

// coreIsUp reports whether core is clocked and out of reset.
func (b *bus) coreIsUp(core whd.Core) (bool, error) {
	base := core.BaseAddress()
	io, err := b.bpRead8(base + whd.AI_IOCTRL_OFFSET)
	if err != nil {
		return false, err
	} else if io&(whd.SICF_FGC|whd.SICF_CLOCK_EN) != whd.SICF_CLOCK_EN {
		b.debug("core:not-clocked", slog.String("core", core.String()), slog.Uint64("ioctrl", uint64(io)))
		return false, nil
	}
	r, err := b.bpRead8(base + whd.AI_RESETCTRL_OFFSET)
	if err != nil {
		return false, err
	}
	return r&whd.AIRC_RESET == 0, nil
}
