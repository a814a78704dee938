package whd

import "encoding/binary"

const (
	ETH_HEADER_LEN       = 14
	EVENT_VENDOR_LEN     = 10
	EVENT_MESSAGE_LEN    = 48
	EVENT_PACKET_LEN     = ETH_HEADER_LEN + EVENT_VENDOR_LEN + EVENT_MESSAGE_LEN
	eventIfnameLen       = 16
	brcmOUI0, brcmOUI1   = 0x00, 0x10
	brcmOUI2             = 0x18
	eventMessageIfidxOff = 46
)

// EthHeader is the Ethernet header wrapping an event packet.
type EthHeader struct {
	Destination [6]byte
	Source      [6]byte
	EtherType   uint16
}

// EventVendorHeader follows the Ethernet header of an event. Big endian.
type EventVendorHeader struct {
	Subtype     uint16
	Length      uint16
	Version     uint8
	OUI         [3]uint8
	UserSubtype uint16
}

// EventMessage is the firmware event record. Big endian.
type EventMessage struct {
	Version   uint16
	Flags     uint16
	EventType AsyncEventType
	Status    EStatus
	Reason    uint32
	AuthType  uint32
	DataLen   uint32
	Addr      [6]byte
	IfName    [16]byte
	IfIdx     uint8
	BSSCfgIdx uint8
}

// EventPacket is a decoded event with a view into its trailing data.
type EventPacket struct {
	Eth     EthHeader
	Vendor  EventVendorHeader
	Message EventMessage
	// Data holds the event's trailing payload clamped to Message.DataLen.
	// It aliases the decoded buffer.
	Data []byte
}

// DecodeEventPacket decodes an event from a BDC payload. The Ethernet type,
// OUI, subtype and user subtype are validated.
func DecodeEventPacket(b []byte) (ev EventPacket, err error) {
	if len(b) < EVENT_PACKET_LEN {
		return ev, errShortBuffer
	}
	copy(ev.Eth.Destination[:], b[0:6])
	copy(ev.Eth.Source[:], b[6:12])
	ev.Eth.EtherType = binary.BigEndian.Uint16(b[12:14])
	if ev.Eth.EtherType != ETHER_TYPE_BRCM {
		return ev, errEtherType
	}
	v := b[ETH_HEADER_LEN:]
	ev.Vendor = EventVendorHeader{
		Subtype:     binary.BigEndian.Uint16(v[0:]),
		Length:      binary.BigEndian.Uint16(v[2:]),
		Version:     v[4],
		OUI:         [3]uint8{v[5], v[6], v[7]},
		UserSubtype: binary.BigEndian.Uint16(v[8:]),
	}
	if ev.Vendor.Subtype != SubtypeBroadcomEvent {
		return ev, errSubtype
	}
	if ev.Vendor.OUI != [3]uint8{brcmOUI0, brcmOUI1, brcmOUI2} {
		return ev, errOUI
	}
	if ev.Vendor.UserSubtype != UserSubtypeEvent {
		return ev, errUserSubtype
	}
	m := b[ETH_HEADER_LEN+EVENT_VENDOR_LEN:]
	ev.Message = EventMessage{
		Version:   binary.BigEndian.Uint16(m[0:]),
		Flags:     binary.BigEndian.Uint16(m[2:]),
		EventType: AsyncEventType(binary.BigEndian.Uint32(m[4:])),
		Status:    EStatus(binary.BigEndian.Uint32(m[8:])),
		Reason:    binary.BigEndian.Uint32(m[12:]),
		AuthType:  binary.BigEndian.Uint32(m[16:]),
		DataLen:   binary.BigEndian.Uint32(m[20:]),
		IfIdx:     m[eventMessageIfidxOff],
		BSSCfgIdx: m[eventMessageIfidxOff+1],
	}
	copy(ev.Message.Addr[:], m[24:30])
	copy(ev.Message.IfName[:], m[30:30+eventIfnameLen])
	data := b[EVENT_PACKET_LEN:]
	if uint32(len(data)) > ev.Message.DataLen {
		data = data[:ev.Message.DataLen]
	}
	ev.Data = data
	return ev, nil
}

// PutEventPacket encodes an event into dst with data appended and returns
// the number of bytes written. Event type, status and the vendor header are
// filled in with the values a firmware would send. Panics if dst is too short.
func PutEventPacket(dst []byte, src [6]byte, msg EventMessage, data []byte) int {
	n := EVENT_PACKET_LEN + len(data)
	_ = dst[n-1]
	for i := range dst[:ETH_HEADER_LEN] {
		dst[i] = 0xff
	}
	copy(dst[6:12], src[:])
	binary.BigEndian.PutUint16(dst[12:], ETHER_TYPE_BRCM)
	v := dst[ETH_HEADER_LEN:]
	binary.BigEndian.PutUint16(v[0:], SubtypeBroadcomEvent)
	binary.BigEndian.PutUint16(v[2:], uint16(EVENT_MESSAGE_LEN+len(data)))
	v[4] = 1
	v[5], v[6], v[7] = brcmOUI0, brcmOUI1, brcmOUI2
	binary.BigEndian.PutUint16(v[8:], UserSubtypeEvent)
	m := dst[ETH_HEADER_LEN+EVENT_VENDOR_LEN:]
	binary.BigEndian.PutUint16(m[0:], msg.Version)
	binary.BigEndian.PutUint16(m[2:], msg.Flags)
	binary.BigEndian.PutUint32(m[4:], uint32(msg.EventType))
	binary.BigEndian.PutUint32(m[8:], uint32(msg.Status))
	binary.BigEndian.PutUint32(m[12:], msg.Reason)
	binary.BigEndian.PutUint32(m[16:], msg.AuthType)
	binary.BigEndian.PutUint32(m[20:], uint32(len(data)))
	copy(m[24:30], msg.Addr[:])
	copy(m[30:46], msg.IfName[:])
	m[eventMessageIfidxOff] = msg.IfIdx
	m[eventMessageIfidxOff+1] = msg.BSSCfgIdx
	copy(dst[EVENT_PACKET_LEN:], data)
	return n
}
