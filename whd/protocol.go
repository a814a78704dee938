package whd

import "encoding/binary"

// SDPCMHeaderType is the channel of an SDPCM frame.
type SDPCMHeaderType uint8

const UNKNOWN_HEADER SDPCMHeaderType = 0xff

func (t SDPCMHeaderType) String() (s string) {
	switch t {
	case CONTROL_HEADER:
		s = "control"
	case ASYNCEVENT_HEADER:
		s = "event"
	case DATA_HEADER:
		s = "data"
	default:
		s = "unknown"
	}
	return s
}

// SDPCMHeader prefixes every frame exchanged over function 2. Little endian.
type SDPCMHeader struct {
	Size            uint16
	SizeCom         uint16 // ^Size.
	Seq             uint8
	ChanAndFlags    uint8 // Low nibble is the channel: control=0, event=1, data=2.
	NextLength      uint8
	HeaderLength    uint8 // Offset of the payload from the frame start.
	WirelessFlowCtl uint8
	BusDataCredit   uint8 // Highest sequence number the firmware accepts.
	Reserved        [2]uint8
}

// Type returns the frame's channel.
func (s SDPCMHeader) Type() SDPCMHeaderType { return SDPCMHeaderType(s.ChanAndFlags & 0xf) }

// DecodeSDPCMHeader decodes the first 12 bytes of b.
func DecodeSDPCMHeader(b []byte) (hdr SDPCMHeader, err error) {
	if len(b) < SDPCM_HEADER_LEN {
		return hdr, errShortBuffer
	}
	hdr.Size = binary.LittleEndian.Uint16(b)
	hdr.SizeCom = binary.LittleEndian.Uint16(b[2:])
	hdr.Seq = b[4]
	hdr.ChanAndFlags = b[5]
	hdr.NextLength = b[6]
	hdr.HeaderLength = b[7]
	hdr.WirelessFlowCtl = b[8]
	hdr.BusDataCredit = b[9]
	copy(hdr.Reserved[:], b[10:12])
	return hdr, nil
}

// Put writes the 12 byte header to dst. Panics if dst is too short.
func (s *SDPCMHeader) Put(dst []byte) {
	_ = dst[SDPCM_HEADER_LEN-1]
	binary.LittleEndian.PutUint16(dst, s.Size)
	binary.LittleEndian.PutUint16(dst[2:], s.SizeCom)
	dst[4] = s.Seq
	dst[5] = s.ChanAndFlags
	dst[6] = s.NextLength
	dst[7] = s.HeaderLength
	dst[8] = s.WirelessFlowCtl
	dst[9] = s.BusDataCredit
	copy(dst[10:12], s.Reserved[:])
}

// Payload validates the header against frame, the whole frame as read off
// the bus, and returns the bytes past HeaderLength up to Size.
// A header-only frame returns an empty payload and no error.
func (s SDPCMHeader) Payload(frame []byte) ([]byte, error) {
	if s.Size != ^s.SizeCom {
		return nil, errSizeComplement
	}
	if int(s.Size) > len(frame) || s.Size < SDPCM_HEADER_LEN {
		return nil, errShortBuffer
	}
	if s.HeaderLength < SDPCM_HEADER_LEN || uint16(s.HeaderLength) > s.Size {
		return nil, errBadHeaderLen
	}
	return frame[s.HeaderLength:s.Size], nil
}

// CDCHeader prefixes control channel payloads. Little endian.
type CDCHeader struct {
	Cmd    SDPCMCommand
	Length uint32
	Flags  uint16 // kind | iface<<12
	ID     uint16
	Status uint32
}

// Kind returns SDPCM_GET or SDPCM_SET.
func (cdc CDCHeader) Kind() uint8 { return uint8(cdc.Flags & 0xf) }

// Interface returns the interface field of the flags.
func (cdc CDCHeader) Interface() IoctlInterface {
	return IoctlInterface(cdc.Flags >> CDCF_IOC_IF_SHIFT)
}

// DecodeCDCHeader decodes the first 16 bytes of b.
func DecodeCDCHeader(b []byte) (hdr CDCHeader, err error) {
	if len(b) < CDC_HEADER_LEN {
		return hdr, errShortBuffer
	}
	hdr.Cmd = SDPCMCommand(binary.LittleEndian.Uint32(b))
	hdr.Length = binary.LittleEndian.Uint32(b[4:])
	hdr.Flags = binary.LittleEndian.Uint16(b[8:])
	hdr.ID = binary.LittleEndian.Uint16(b[10:])
	hdr.Status = binary.LittleEndian.Uint32(b[12:])
	return hdr, nil
}

// Put writes the 16 byte header to b. Panics if b is too short.
func (cdc *CDCHeader) Put(b []byte) {
	_ = b[CDC_HEADER_LEN-1]
	binary.LittleEndian.PutUint32(b, uint32(cdc.Cmd))
	binary.LittleEndian.PutUint32(b[4:], cdc.Length)
	binary.LittleEndian.PutUint16(b[8:], cdc.Flags)
	binary.LittleEndian.PutUint16(b[10:], cdc.ID)
	binary.LittleEndian.PutUint32(b[12:], cdc.Status)
}

// Payload returns the bytes following the CDC header in packet, clamped
// to the header's Length field.
func (cdc CDCHeader) Payload(packet []byte) ([]byte, error) {
	if len(packet) < CDC_HEADER_LEN {
		return nil, errShortBuffer
	}
	p := packet[CDC_HEADER_LEN:]
	if uint32(len(p)) > cdc.Length {
		p = p[:cdc.Length]
	}
	return p, nil
}

// BDCHeader prefixes event and data channel payloads.
type BDCHeader struct {
	Flags      uint8
	Priority   uint8
	Flags2     uint8
	DataOffset uint8 // In 4 byte words past the header.
}

// DecodeBDCHeader decodes the first 4 bytes of b.
func DecodeBDCHeader(b []byte) (hdr BDCHeader, err error) {
	if len(b) < BDC_HEADER_LEN {
		return hdr, errShortBuffer
	}
	return BDCHeader{Flags: b[0], Priority: b[1], Flags2: b[2], DataOffset: b[3]}, nil
}

// Put writes the 4 byte header to b. Panics if b is too short.
func (bdc *BDCHeader) Put(b []byte) {
	_ = b[BDC_HEADER_LEN-1]
	b[0] = bdc.Flags
	b[1] = bdc.Priority
	b[2] = bdc.Flags2
	b[3] = bdc.DataOffset
}

// Payload returns the bytes starting at 4+4*DataOffset.
func (bdc BDCHeader) Payload(packet []byte) ([]byte, error) {
	start := BDC_HEADER_LEN + 4*int(bdc.DataOffset)
	if start > len(packet) {
		return nil, errBadBDCOffset
	}
	return packet[start:], nil
}
