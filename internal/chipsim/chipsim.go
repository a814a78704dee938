// Package chipsim simulates a CYW43439 behind its gSPI bus closely enough
// to bring the driver up and exercise its control, event, data and
// bluetooth paths without hardware.
//
// The simulation covers the 16 bit swapped start-up mode and the bus
// registers, the backplane window and clock registers, core wrappers as
// plain memory, sparse RAM, and a firmware model answering ioctls on
// function 2.
package chipsim

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/soypat/cyw43/whd"
)

const pageSize = 4096

// RingBase is where the simulated bluetooth core places its shared rings.
const RingBase uint32 = 0x0006_0000

var (
	ErrPoweredOff = errors.New("chipsim: chip powered off")
	errBadSize    = errors.New("chipsim: transfer size exceeds buffer")
)

// Chip is a simulated CYW43439. The zero value is not usable; use New.
type Chip struct {
	mu sync.Mutex

	powered bool
	swapped bool // 16 bit word swapped mode, before the bus is configured.
	busCtl  uint32
	rwTest  uint32
	intReg  uint16 // Latched interrupt bits other than F2 packet available.
	intEn   uint16
	window  uint32
	csr     uint8
	f1regs  map[uint32]uint8
	mem     map[uint32]*[pageSize]byte
	wlanUp  bool
	btUp    bool

	fw firmware
	bt btCore

	// OnIRQ is called without the lock held when the chip queues a frame
	// for the host.
	OnIRQ func()
	// Transactions counts gSPI transactions.
	Transactions int
	// FailAfter, when positive, makes transaction number FailAfter and all
	// later ones fail with FailErr.
	FailAfter int
	FailErr   error

	// flip holds bits toggled in 32 bit backplane writes, by address.
	flip map[uint32]uint32
}

// New returns a powered off chip whose firmware answers with mac.
func New(mac [6]byte) *Chip {
	c := &Chip{}
	c.fw.init(mac)
	c.reset()
	return c
}

func (c *Chip) reset() {
	c.swapped = true
	c.busCtl = 0
	c.rwTest = 0
	c.intReg = 0
	c.intEn = 0
	c.window = 0
	c.csr = 0
	c.f1regs = make(map[uint32]uint8)
	c.mem = make(map[uint32]*[pageSize]byte)
	c.wlanUp = false
	c.btUp = false
	c.fw.reset()
	c.bt = btCore{}
	var id [2]byte
	binary.LittleEndian.PutUint16(id[:], whd.CYW43439.ChipID)
	c.memWrite(whd.CYW43439.ChipcommonBase, id[:])
}

// Power is the WL_REG_ON pin. A rising edge resets the chip.
func (c *Chip) Power(level bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if level && !c.powered {
		c.reset()
	}
	c.powered = level
}

// Running reports whether the WLAN core was released from reset.
func (c *Chip) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wlanUp
}

// ReadMem returns a copy of n bytes of backplane memory at addr.
func (c *Chip) ReadMem(addr uint32, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := make([]byte, n)
	c.memRead(addr, b)
	return b
}

// WriteMem writes backplane memory directly.
func (c *Chip) WriteMem(addr uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memWrite(addr, data)
}

func (c *Chip) memRead(addr uint32, dst []byte) {
	for i := range dst {
		a := addr + uint32(i)
		if p := c.mem[a/pageSize]; p != nil {
			dst[i] = p[a%pageSize]
		} else {
			dst[i] = 0
		}
	}
}

func (c *Chip) memWrite(addr uint32, src []byte) {
	for i, v := range src {
		a := addr + uint32(i)
		p := c.mem[a/pageSize]
		if p == nil {
			p = new([pageSize]byte)
			c.mem[a/pageSize] = p
		}
		p[a%pageSize] = v
	}
}

func (c *Chip) mem32(addr uint32) uint32 {
	var b [4]byte
	c.memRead(addr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (c *Chip) setMem32(addr, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	c.memWrite(addr, b[:])
}

func decodeCmd(cmd uint32) (write bool, fn whd.Function, addr, size uint32) {
	cw := whd.DecodeCmdWord(cmd)
	size = cw.Size
	if size == 0 {
		size = 2048
	}
	return cw.Write, cw.Fn, cw.Addr, size
}

// CmdRead implements the driver Transport.
func (c *Chip) CmdRead(cmd uint32, buf []uint32) (uint32, error) {
	c.mu.Lock()
	irq, st, err := c.transact(cmd, buf, false)
	c.mu.Unlock()
	if irq && c.OnIRQ != nil {
		c.OnIRQ()
	}
	return st, err
}

// CmdWrite implements the driver Transport.
func (c *Chip) CmdWrite(cmd uint32, buf []uint32) (uint32, error) {
	c.mu.Lock()
	irq, st, err := c.transact(cmd, buf, true)
	c.mu.Unlock()
	if irq && c.OnIRQ != nil {
		c.OnIRQ()
	}
	return st, err
}

func (c *Chip) transact(cmd uint32, buf []uint32, isWrite bool) (irq bool, status uint32, err error) {
	c.Transactions++
	if c.FailAfter > 0 && c.Transactions >= c.FailAfter {
		return false, 0, c.FailErr
	} else if !c.powered {
		return false, 0, ErrPoweredOff
	}
	swapped := c.swapped
	if swapped {
		cmd = whd.Swap16(cmd)
	}
	write, fn, addr, size := decodeCmd(cmd)
	if write != isWrite {
		return false, 0, errors.New("chipsim: command direction mismatch")
	}
	queued := len(c.fw.out)
	switch fn {
	case whd.FuncBus:
		if write {
			v := buf[0]
			if swapped {
				v = whd.Swap16(v)
			}
			c.busWrite(addr, v, size)
		} else {
			v := c.busRead(addr, size)
			if swapped {
				v = whd.Swap16(v)
			}
			buf[0] = v
		}
	case whd.FuncBackplane:
		err = c.backplane(write, addr, size, buf)
	case whd.FuncWLAN:
		if uint32(len(buf))*4 < size {
			return false, 0, errBadSize
		}
		b := make([]byte, size)
		if write {
			wordsToBytes(b, buf)
			c.fw.hostFrame(c, b)
		} else {
			c.fw.popFrame(b)
			bytesToWords(buf, b)
		}
	default:
		err = errors.New("chipsim: function 3 unsupported")
	}
	return len(c.fw.out) > queued, uint32(c.status()), err
}

func (c *Chip) status() whd.Status {
	var n uint16
	if len(c.fw.out) > 0 {
		n = uint16(len(c.fw.out[0]))
	}
	return whd.MakeStatus(c.wlanUp, n)
}

func (c *Chip) interrupts() uint16 {
	v := c.intReg
	if len(c.fw.out) > 0 {
		v |= whd.F2_PACKET_AVAILABLE
	}
	return v
}

func (c *Chip) busRead(addr, size uint32) uint32 {
	var v uint32
	switch addr {
	case whd.SPI_BUS_CONTROL:
		v = c.busCtl
	case whd.SPI_INTERRUPT_REGISTER:
		v = uint32(c.interrupts()) | uint32(c.intEn)<<16
	case whd.SPI_INTERRUPT_ENABLE_REGISTER:
		v = uint32(c.intEn)
	case whd.SPI_STATUS_REGISTER:
		v = uint32(c.status())
	case whd.SPI_READ_TEST_REGISTER:
		v = whd.TEST_PATTERN
	case whd.SPI_RW_TEST_REGISTER:
		v = c.rwTest
	}
	return v & sizeMask(size)
}

func (c *Chip) busWrite(addr, v, size uint32) {
	v &= sizeMask(size)
	switch addr {
	case whd.SPI_BUS_CONTROL:
		c.busCtl = v
		if v&whd.WORD_LENGTH_32 != 0 {
			c.swapped = false
		}
	case whd.SPI_INTERRUPT_REGISTER:
		// Write one to clear.
		c.intReg &^= uint16(v)
	case whd.SPI_INTERRUPT_ENABLE_REGISTER:
		c.intEn = uint16(v)
	case whd.SPI_RW_TEST_REGISTER:
		c.rwTest = v
	}
}

func sizeMask(size uint32) uint32 {
	if size >= 4 {
		return 0xffff_ffff
	}
	return 1<<(8*size) - 1
}

// backplane serves function 1. Reads are preceded by one padding word.
func (c *Chip) backplane(write bool, addr, size uint32, buf []uint32) error {
	if addr >= 0x10000 {
		if write {
			c.f1Write(addr, uint8(buf[0]))
		} else {
			buf[1] = uint32(c.f1Read(addr))
		}
		return nil
	}
	full := c.window | addr&whd.BACKPLANE_ADDR_MASK
	b := make([]byte, size)
	if write {
		if uint32(len(buf))*4 < size {
			return errBadSize
		}
		wordsToBytes(b, buf)
		c.bpWrite(full, b)
		return nil
	}
	if uint32(len(buf)-1)*4 < size {
		return errBadSize
	}
	c.bpRead(full, b)
	clear(buf)
	bytesToWords(buf[1:], b)
	return nil
}

func (c *Chip) f1Read(addr uint32) uint8 {
	switch addr {
	case whd.SDIO_CHIP_CLOCK_CSR:
		v := c.csr
		if v&whd.SBSDIO_ALP_AVAIL_REQ != 0 || c.wlanUp {
			v |= whd.SBSDIO_ALP_AVAIL
		}
		if c.wlanUp {
			v |= whd.SBSDIO_HT_AVAIL
		}
		return v
	case whd.SDIO_BACKPLANE_ADDRESS_LOW:
		return uint8(c.window >> 8)
	case whd.SDIO_BACKPLANE_ADDRESS_MID:
		return uint8(c.window >> 16)
	case whd.SDIO_BACKPLANE_ADDRESS_HIGH:
		return uint8(c.window >> 24)
	}
	return c.f1regs[addr]
}

func (c *Chip) f1Write(addr uint32, v uint8) {
	switch addr {
	case whd.SDIO_CHIP_CLOCK_CSR:
		c.csr = v
	case whd.SDIO_BACKPLANE_ADDRESS_LOW:
		c.window = c.window&^0x0000ff00 | uint32(v&0x80)<<8
	case whd.SDIO_BACKPLANE_ADDRESS_MID:
		c.window = c.window&^0x00ff0000 | uint32(v)<<16
	case whd.SDIO_BACKPLANE_ADDRESS_HIGH:
		c.window = c.window&^0xff000000 | uint32(v)<<24
	default:
		c.f1regs[addr] = v
	}
}

// Window returns the selected backplane window.
func (c *Chip) Window() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// F1Reg returns the value last written to a function 1 register.
func (c *Chip) F1Reg(addr uint32) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f1Read(addr)
}

var sdioIntStatus = whd.CYW43439.SdiodBase + whd.SDIO_INT_STATUS

func (c *Chip) bpRead(addr uint32, b []byte) {
	switch {
	case addr == whd.BT_CTRL_REG_ADDR && len(b) == 4:
		var v uint32
		if c.btUp {
			v = whd.BTSDIO_REG_FW_RDY_BITMASK | whd.BTSDIO_REG_BT_AWAKE_BITMASK
		}
		binary.LittleEndian.PutUint32(b, v)
	case addr == whd.WLAN_RAM_BASE_REG_ADDR && len(b) == 4:
		var v uint32
		if c.btUp {
			v = RingBase
		}
		binary.LittleEndian.PutUint32(b, v)
	case addr == sdioIntStatus && len(b) == 4:
		binary.LittleEndian.PutUint32(b, c.bt.intStatus)
	default:
		c.memRead(addr, b)
	}
}

func (c *Chip) bpWrite(addr uint32, b []byte) {
	wlanReset := whd.CoreWLAN.BaseAddress() + whd.AI_RESETCTRL_OFFSET
	switch {
	case addr == sdioIntStatus && len(b) == 4:
		c.bt.intStatus &^= binary.LittleEndian.Uint32(b)
		return
	case addr == whd.CYW43439.BluetoothBase+whd.BT2WLAN_PWRUP_ADDR && len(b) == 4:
		c.btUp = binary.LittleEndian.Uint32(b)&whd.BT2WLAN_PWRUP_WAKE != 0
		return
	case addr == whd.HOST_CTRL_REG_ADDR && len(b) == 4:
		old := c.mem32(addr)
		c.memWrite(addr, b)
		if (old^binary.LittleEndian.Uint32(b))&whd.BTSDIO_REG_DATA_VALID_BITMASK != 0 {
			c.bt.serviceHost(c)
		}
		return
	}
	if x := c.flip[addr]; x != 0 && len(b) == 4 {
		b = binary.LittleEndian.AppendUint32(nil, binary.LittleEndian.Uint32(b)^x)
	}
	c.memWrite(addr, b)
	if addr == wlanReset && len(b) == 1 && b[0]&whd.AIRC_RESET == 0 && c.mem32(0) != 0 {
		// Firmware starts once the WLAN core leaves reset with an image loaded.
		c.wlanUp = true
	}
}

func wordsToBytes(dst []byte, src []uint32) {
	for i := range dst {
		dst[i] = byte(src[i/4] >> (8 * (i % 4)))
	}
}

func bytesToWords(dst []uint32, src []byte) {
	clear(dst[:(len(src)+3)/4])
	for i, v := range src {
		dst[i/4] |= uint32(v) << (8 * (i % 4))
	}
}

// CorruptWrites toggles mask in every later 32 bit backplane write to
// addr, as a faulty RAM cell would. It survives power cycles.
func (c *Chip) CorruptWrites(addr, mask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flip == nil {
		c.flip = make(map[uint32]uint32)
	}
	c.flip[addr] = mask
}

// FailNext makes every transaction from the next one on fail with err.
func (c *Chip) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FailAfter = c.Transactions + 1
	c.FailErr = err
}
