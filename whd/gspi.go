package whd

// gSPI register addresses.
const (
	SPI_BUS_CONTROL               = 0x0000
	SPI_RESPONSE_DELAY            = 0x0001
	SPI_STATUS_ENABLE             = 0x0002
	SPI_INTERRUPT_REGISTER        = 0x0004 // 16 bits
	SPI_INTERRUPT_ENABLE_REGISTER = 0x0006 // 16 bits
	SPI_STATUS_REGISTER           = 0x0008 // 32 bits
	SPI_READ_TEST_REGISTER        = 0x0014 // 32 bits
	SPI_RW_TEST_REGISTER          = 0x0018 // 32 bits
	// TEST_PATTERN is the read-only value of SPI_READ_TEST_REGISTER.
	TEST_PATTERN    = 0xFEEDBEAD
	RW_TEST_PATTERN = 0x12345678
)

// SPI_BUS_CONTROL bits. The value is written as a 32 bit word spanning
// the bus control, response delay and status enable registers.
const (
	WORD_LENGTH_32                = 1 << 0
	ENDIAN_BIG                    = 1 << 1
	HIGH_SPEED_MODE               = 1 << 4
	INTERRUPT_POLARITY_HIGH       = 1 << 5
	WAKE_UP                       = 1 << 7
	STATUS_ENABLE                 = 1 << 16
	INTERRUPT_WITH_STATUS         = 1 << 17
	BUS_CONTROL_SETUP             = WORD_LENGTH_32 | HIGH_SPEED_MODE | INTERRUPT_POLARITY_HIGH | WAKE_UP | STATUS_ENABLE | INTERRUPT_WITH_STATUS
	BUS_CONTROL_SETUP_LOWEST_BYTE = BUS_CONTROL_SETUP & 0xff
)

// Interrupt register bits.
const (
	DATA_UNAVAILABLE        = 0x0001 // Cleared by writing 1.
	F2_F3_FIFO_RD_UNDERFLOW = 0x0002
	F2_F3_FIFO_WR_OVERFLOW  = 0x0004
	COMMAND_ERROR           = 0x0008 // Cleared by writing 1.
	DATA_ERROR              = 0x0010 // Cleared by writing 1.
	F2_PACKET_AVAILABLE     = 0x0020
	F3_PACKET_AVAILABLE     = 0x0040
	F1_OVERFLOW             = 0x0080
	F1_INTR                 = 0x2000
	F2_INTR                 = 0x4000
	F3_INTR                 = 0x8000
)

// Function is the gSPI function number of a transaction.
type Function uint32

const (
	// All SPI-specific registers.
	FuncBus Function = 0b00
	// Registers and memories belonging to other blocks in the chip (64 bytes max).
	FuncBackplane Function = 0b01
	// DMA channel 1. WLAN packets up to 2048 bytes.
	FuncWLAN Function = 0b10
	// DMA channel 2, used by the bluetooth subsystem.
	FuncBT Function = 0b11
)

func (f Function) String() (s string) {
	switch f {
	case FuncBus:
		s = "bus"
	case FuncBackplane:
		s = "backplane"
	case FuncWLAN:
		s = "wlan"
	case FuncBT:
		s = "bt"
	default:
		s = "unknown"
	}
	return s
}

// CmdWord is a decoded 32 bit gSPI command.
type CmdWord struct {
	Write   bool
	AutoInc bool
	Fn      Function
	Addr    uint32 // 17 bits.
	Size    uint32 // 11 bits, in bytes.
}

// Encode packs the command into its wire representation.
func (c CmdWord) Encode() uint32 {
	return b2u32(c.Write)<<31 | b2u32(c.AutoInc)<<30 | uint32(c.Fn&0b11)<<28 | (c.Addr&0x1ffff)<<11 | c.Size&0x7ff
}

// DecodeCmdWord unpacks a 32 bit gSPI command.
func DecodeCmdWord(cmd uint32) CmdWord {
	return CmdWord{
		Write:   cmd&(1<<31) != 0,
		AutoInc: cmd&(1<<30) != 0,
		Fn:      Function(cmd>>28) & 0b11,
		Addr:    (cmd >> 11) & 0x1ffff,
		Size:    cmd & 0x7ff,
	}
}

// Status is the gSPI status word returned after every transaction when
// status reporting is enabled.
type Status uint32

func (s Status) String() (str string) {
	if s == 0 {
		return "no status"
	}
	if s.HostCommandDataError() {
		str += "hostcmderr "
	}
	if s.DataUnavailable() {
		str += "dataunavailable "
	}
	if s.IsOverflow() {
		str += "overflow "
	}
	if s.IsUnderflow() {
		str += "underflow "
	}
	if s.F2PacketAvailable() {
		str += "packetavail "
	}
	if s.F2RxReady() {
		str += "rxready "
	}
	return str
}

// DataUnavailable returns true if requested read data is unavailable.
func (s Status) DataUnavailable() bool { return s&1 != 0 }

// IsUnderflow returns true if FIFO underflow occurred due to current (F2, F3) read command.
func (s Status) IsUnderflow() bool { return s&(1<<1) != 0 }

// IsOverflow returns true if FIFO overflow occurred due to current (F1, F2, F3) write command.
func (s Status) IsOverflow() bool { return s&(1<<2) != 0 }

// F2RxReady returns true if F2 FIFO is ready to receive data.
func (s Status) F2RxReady() bool { return s&(1<<5) != 0 }

func (s Status) HostCommandDataError() bool { return s&0x80 != 0 }

// F2PacketAvailable returns true if a packet is ready in the F2 TX FIFO.
func (s Status) F2PacketAvailable() bool { return s&(1<<8) != 0 }

// F2PacketLength returns the length of the packet ready in the F2 FIFO.
func (s Status) F2PacketLength() uint16 {
	const mask = 1<<11 - 1
	return uint16(s>>9) & mask
}

// MakeStatus builds a status word. Used by bus models.
func MakeStatus(f2RxReady bool, f2PacketLen uint16) Status {
	s := Status(b2u32(f2RxReady) << 5)
	if f2PacketLen > 0 {
		s |= 1<<8 | Status(f2PacketLen&0x7ff)<<9
	}
	return s
}

func b2u32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Swap16 swaps the lowest 16 bits with the highest 16 bits of a uint32.
// Words on the bus are swapped this way before the bus is put in 32 bit mode.
func Swap16(b uint32) uint32 {
	return (b >> 16) | (b << 16)
}
