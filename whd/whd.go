// Package whd holds the register map, wire formats and firmware constants of
// the Cypress/Infineon Wifi Host Driver protocol spoken by the CYW43439.
//
// Decode functions validate buffer length before interpreting any field
// and return an error instead of reinterpreting memory.
package whd

import "errors"

const (
	SDPCM_HEADER_LEN = 12
	CDC_HEADER_LEN   = 16
	BDC_HEADER_LEN   = 4
	// Data frames carry 2 padding bytes between the SDPCM and BDC headers.
	SDPCM_DATA_PAD = 2
)

// Backplane function (F1) registers.
const (
	SDIO_FUNCTION2_WATERMARK    = 0x10008
	SDIO_BACKPLANE_ADDRESS_LOW  = 0x1000a
	SDIO_BACKPLANE_ADDRESS_MID  = 0x1000b
	SDIO_BACKPLANE_ADDRESS_HIGH = 0x1000c
	SDIO_CHIP_CLOCK_CSR         = 0x1000e
	SDIO_PULL_UP                = 0x1000f
	SDIO_WAKEUP_CTRL            = 0x1001e
	SDIO_SLEEP_CSR              = 0x1001f
)

// SDIO_CHIP_CLOCK_CSR bits.
const (
	SBSDIO_FORCE_ALP     = 0x01
	SBSDIO_FORCE_HT      = 0x02
	SBSDIO_ALP_AVAIL_REQ = 0x08
	SBSDIO_HT_AVAIL_REQ  = 0x10
	SBSDIO_ALP_AVAIL     = 0x40
	SBSDIO_HT_AVAIL      = 0x80
)

const (
	// BACKPLANE_ADDR_MASK selects the in-window part of a backplane address.
	BACKPLANE_ADDR_MASK = 0x7fff
	BACKPLANE_WINDOW    = 0x8000
	// Set on the in-window address of 4 byte backplane accesses.
	SBSDIO_SB_ACCESS_2_4B_FLAG = 0x08000
	// Largest single backplane transfer.
	BUS_SPI_MAX_BACKPLANE_TRANSFER_SIZE = 64
)

// SDIO core registers, offsets from the SDIOD core base.
const (
	SDIO_INT_STATUS        = 0x20
	SDIO_INT_HOST_MASK     = 0x24
	SDIO_FUNCTION_INT_MASK = 0x34
	SDIO_TO_SB_MAILBOX     = 0x40
)

const (
	I_HMB_SW_MASK   = 0x000000f0
	I_HMB_FC_CHANGE = 1 << 5
)

// Core wrapper registers and bits.
const (
	AI_IOCTRL_OFFSET    = 0x408
	SICF_CPUHALT        = 0x0020
	SICF_FGC            = 0x0002
	SICF_CLOCK_EN       = 0x0001
	AI_RESETCTRL_OFFSET = 0x800
	AIRC_RESET          = 1
)

// SOCSRAM registers, offsets from the SOCSRAM core base.
const (
	SOCSRAM_BANKX_INDEX = 0x10
	SOCSRAM_BANKX_PDA   = 0x44
)

const (
	SPI_F2_WATERMARK = 32
	// Function 2 watermark set during ALP when bluetooth is enabled.
	BT_F2_WATERMARK = 0x10
)

// Bluetooth shared bus registers and buffers.
const (
	BT2WLAN_PWRUP_WAKE     = 3
	BT2WLAN_PWRUP_ADDR     = 0x640894
	BT_CTRL_REG_ADDR       = 0x18000c7c
	HOST_CTRL_REG_ADDR     = 0x18000d6c
	WLAN_RAM_BASE_REG_ADDR = 0x18000d68

	BTSDIO_REG_DATA_VALID_BITMASK = 1 << 1
	BTSDIO_REG_BT_AWAKE_BITMASK   = 1 << 8
	BTSDIO_REG_WAKE_BT_BITMASK    = 1 << 17
	BTSDIO_REG_SW_RDY_BITMASK     = 1 << 24
	BTSDIO_REG_FW_RDY_BITMASK     = 1 << 24

	BTSDIO_FWBUF_SIZE            = 0x1000
	BTSDIO_OFFSET_HOST_WRITE_BUF = 0
	BTSDIO_OFFSET_HOST_READ_BUF  = BTSDIO_FWBUF_SIZE
	BTSDIO_OFFSET_HOST2BT_IN     = 0x00002000
	BTSDIO_OFFSET_HOST2BT_OUT    = 0x00002004
	BTSDIO_OFFSET_BT2HOST_IN     = 0x00002008
	BTSDIO_OFFSET_BT2HOST_OUT    = 0x0000200C
)

// Bluetooth firmware patch record types and address modes.
const (
	BTFW_ADDR_MODE_UNKNOWN  = 0
	BTFW_ADDR_MODE_EXTENDED = 1
	BTFW_ADDR_MODE_SEGMENT  = 2
	BTFW_ADDR_MODE_LINEAR32 = 3

	BTFW_HEX_LINE_TYPE_DATA                     = 0
	BTFW_HEX_LINE_TYPE_END_OF_DATA              = 1
	BTFW_HEX_LINE_TYPE_EXTENDED_SEGMENT_ADDRESS = 2
	BTFW_HEX_LINE_TYPE_EXTENDED_ADDRESS         = 4
	BTFW_HEX_LINE_TYPE_ABSOLUTE_32BIT_ADDRESS   = 5
)

// IoctlInterface selects the firmware interface an ioctl targets.
type IoctlInterface uint8

const (
	IF_STA IoctlInterface = 0
	IF_AP  IoctlInterface = 1
	IF_P2P IoctlInterface = 2
)

// IsValid reports whether the interface fits the 4 bit CDC field.
func (i IoctlInterface) IsValid() bool { return i < 16 }

// SDPCM channel types, low nibble of ChanAndFlags.
const (
	CONTROL_HEADER    = 0
	ASYNCEVENT_HEADER = 1
	DATA_HEADER       = 2
)

// Ioctl kinds carried in CDC flags.
const (
	SDPCM_GET = 0
	SDPCM_SET = 2
)

const (
	CDCF_IOC_IF_SHIFT = 12
	BDC_VERSION       = 2
	BDC_VERSION_SHIFT = 4
)

// CLM download header flags.
const (
	DOWNLOAD_FLAG_NO_CRC      = 0x0001
	DOWNLOAD_FLAG_BEGIN       = 0x0002
	DOWNLOAD_FLAG_END         = 0x0004
	DOWNLOAD_FLAG_HANDLER_VER = 0x1000
	DOWNLOAD_TYPE_CLM         = 2
)

// For determining security type from a scan.
const (
	DOT11_CAP_PRIVACY           = 0x0010
	DOT11_IE_ID_RSN             = 48
	DOT11_IE_ID_VENDOR_SPECIFIC = 221
	WPA_OUI_TYPE1               = "\x00\x50\xF2\x01"
)

var (
	errShortBuffer    = errors.New("whd: buffer too short")
	errSizeComplement = errors.New("whd: sdpcm size complement mismatch")
	errBadHeaderLen   = errors.New("whd: sdpcm header length out of range")
	errBadBDCOffset   = errors.New("whd: bdc data offset exceeds frame")
	errEtherType      = errors.New("whd: event ether type is not 0x886c")
	errOUI            = errors.New("whd: event OUI is not broadcom")
	errSubtype        = errors.New("whd: unexpected event subtype")
	errUserSubtype    = errors.New("whd: unexpected event user subtype")
	errBSSLength      = errors.New("whd: bss info length exceeds buffer")
	errSSIDLength     = errors.New("whd: ssid longer than 32 bytes")
)
