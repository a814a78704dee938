package whd

// Core is a chip core the host resets or queries through its wrapper.
type Core uint8

const (
	CoreWLAN Core = iota
	CoreSOCSRAM
	CoreSDIOD
)

func (c Core) String() (s string) {
	switch c {
	case CoreWLAN:
		s = "wlan"
	case CoreSOCSRAM:
		s = "socsram"
	case CoreSDIOD:
		s = "sdiod"
	default:
		s = "unknown core"
	}
	return s
}

// BaseAddress returns the backplane base address of the core on the CYW43439.
// Wrapped cores (WLAN, SOCSRAM) return their wrapper base.
func (c Core) BaseAddress() uint32 {
	return CYW43439.CoreBase(c)
}

// ChipMemoryMap describes a chip variant's backplane layout.
type ChipMemoryMap struct {
	ArmCoreBase      uint32
	SocsramBase      uint32
	SdiodBase        uint32
	ChipcommonBase   uint32
	BluetoothBase    uint32
	WrapperOffset    uint32
	RAMBase          uint32
	RAMSize          uint32
	SRAMRetainedSize uint32

	BandMask        uint16
	BandShift       uint16
	Band2G          uint16
	Band5G          uint16
	BandwidthMask   uint16
	BandwidthShift  uint16
	Bandwidth10     uint16
	Bandwidth20     uint16
	Bandwidth40     uint16
	SidebandMask    uint16
	SidebandShift   uint16
	SidebandLower   uint16
	SidebandUpper   uint16
	SidebandNone    uint16
	ChannelNumMask  uint16
	// ChipID is the expected value of the chipcommon id register.
	ChipID uint16
}

// CYW43439 is the memory map of the CYW43439 variant.
var CYW43439 = ChipMemoryMap{
	ArmCoreBase:      0x18003000,
	SocsramBase:      0x18004000,
	SdiodBase:        0x18002000,
	ChipcommonBase:   0x18000000,
	BluetoothBase:    0x19000000,
	WrapperOffset:    0x100000,
	RAMBase:          0,
	RAMSize:          512 * 1024,
	SRAMRetainedSize: 64 * 1024,

	BandMask:       0xc000,
	BandShift:      14,
	Band2G:         0x0000,
	Band5G:         0xc000,
	BandwidthMask:  0x3800,
	BandwidthShift: 11,
	Bandwidth10:    0x0800,
	Bandwidth20:    0x1000,
	Bandwidth40:    0x1800,
	SidebandMask:   0x0700,
	SidebandShift:  8,
	SidebandLower:  0x0000,
	SidebandUpper:  0x0100,
	SidebandNone:   0x0000,
	ChannelNumMask: 0x00ff,
	ChipID:         43439,
}

// CoreBase returns the backplane address used to control core c.
func (m *ChipMemoryMap) CoreBase(c Core) uint32 {
	switch c {
	case CoreWLAN:
		return m.ArmCoreBase + m.WrapperOffset
	case CoreSOCSRAM:
		return m.SocsramBase + m.WrapperOffset
	case CoreSDIOD:
		return m.SdiodBase
	}
	panic("whd: invalid core")
}

// NVRAMAddr returns where an NVRAM blob of length n (already padded to 4) is placed.
func (m *ChipMemoryMap) NVRAMAddr(n uint32) uint32 {
	return m.RAMBase + m.RAMSize - 4 - n
}

// NVRAMTrailer returns the length word stored at the end of RAM after an
// NVRAM blob of n bytes (padded to 4): the word count in the low half and
// its complement in the high half.
func NVRAMTrailer(n uint32) uint32 {
	words := n / 4
	return (^words << 16) | (words & 0xffff)
}

// Band is a chanspec frequency band.
type Band uint8

const (
	Band2G Band = iota
	Band5G
)

// Bandwidth is a chanspec channel width in MHz.
type Bandwidth uint8

const (
	BW20 Bandwidth = 20
	BW10 Bandwidth = 10
	BW40 Bandwidth = 40
)

// Sideband is the control sideband of a 40MHz channel.
type Sideband uint8

const (
	SidebandNone Sideband = iota
	SidebandLower
	SidebandUpper
)

// Chanspec is the firmware's packed channel description.
type Chanspec uint16

// EncodeChanspec packs a channel description using the CYW43439 layout.
// Lower and none sidebands share the same encoding.
func EncodeChanspec(channel uint8, band Band, bw Bandwidth, sb Sideband) Chanspec {
	m := &CYW43439
	cs := uint16(channel) & m.ChannelNumMask
	if band == Band5G {
		cs |= m.Band5G
	} else {
		cs |= m.Band2G
	}
	switch bw {
	case BW10:
		cs |= m.Bandwidth10
	case BW40:
		cs |= m.Bandwidth40
	default:
		cs |= m.Bandwidth20
	}
	if sb == SidebandUpper {
		cs |= m.SidebandUpper
	}
	return Chanspec(cs)
}

// Decode unpacks the chanspec. A lower sideband decodes as SidebandNone.
func (cs Chanspec) Decode() (channel uint8, band Band, bw Bandwidth, sb Sideband) {
	m := &CYW43439
	v := uint16(cs)
	channel = uint8(v & m.ChannelNumMask)
	if v&m.BandMask == m.Band5G {
		band = Band5G
	}
	switch v & m.BandwidthMask {
	case m.Bandwidth10:
		bw = BW10
	case m.Bandwidth40:
		bw = BW40
	default:
		bw = BW20
	}
	if v&m.SidebandMask == m.SidebandUpper {
		sb = SidebandUpper
	}
	return channel, band, bw, sb
}

// Channel returns the channel number.
func (cs Chanspec) Channel() uint8 { return uint8(uint16(cs) & CYW43439.ChannelNumMask) }
