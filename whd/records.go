package whd

import (
	"encoding/binary"
	"errors"
)

// Fixed-layout records passed to the firmware as ioctl/iovar payloads.
// All little endian.

const (
	DOWNLOAD_HEADER_LEN  = 12
	COUNTRY_INFO_LEN     = 12
	SSID_INFO_LEN        = 36
	SSID_INFO_INDEX_LEN  = 40
	PASSPHRASE_INFO_LEN  = 68
	SCAN_PARAMS_LEN      = 76
	EVENT_MASK_LEN       = 4 + 24
	MaxPassphraseLen     = 64
	MinPassphraseLen     = 8
	CLM_CHUNK_SIZE       = 1024
	countryAbbrevLen     = 4
	scanParamsSSIDOffset = 12
)

var errPassphraseLength = errors.New("whd: passphrase length out of range")

// DownloadHeader prefixes each CLM chunk sent through the clmload iovar.
type DownloadHeader struct {
	Flag uint16
	Type uint16
	Len  uint32
	CRC  uint32
}

// Put writes the 12 byte header to b.
func (h *DownloadHeader) Put(b []byte) {
	_ = b[DOWNLOAD_HEADER_LEN-1]
	binary.LittleEndian.PutUint16(b[0:], h.Flag)
	binary.LittleEndian.PutUint16(b[2:], h.Type)
	binary.LittleEndian.PutUint32(b[4:], h.Len)
	binary.LittleEndian.PutUint32(b[8:], h.CRC)
}

// DecodeDownloadHeader decodes a download header.
func DecodeDownloadHeader(b []byte) (h DownloadHeader, err error) {
	if len(b) < DOWNLOAD_HEADER_LEN {
		return h, errShortBuffer
	}
	h.Flag = binary.LittleEndian.Uint16(b[0:])
	h.Type = binary.LittleEndian.Uint16(b[2:])
	h.Len = binary.LittleEndian.Uint32(b[4:])
	h.CRC = binary.LittleEndian.Uint32(b[8:])
	return h, nil
}

// CountryInfo is the payload of the "country" iovar.
type CountryInfo struct {
	Abbrev [countryAbbrevLen]byte
	Code   [countryAbbrevLen]byte
	Rev    int32
}

// NewCountryInfo builds a CountryInfo from a two letter code.
// A revision of zero is sent as -1, the firmware's default revision.
func NewCountryInfo(code string, rev int32) CountryInfo {
	var ci CountryInfo
	copy(ci.Abbrev[:2], code)
	copy(ci.Code[:2], code)
	ci.Rev = rev
	if rev == 0 {
		ci.Rev = -1
	}
	return ci
}

func (ci *CountryInfo) Put(b []byte) {
	_ = b[COUNTRY_INFO_LEN-1]
	copy(b[0:4], ci.Abbrev[:])
	copy(b[4:8], ci.Code[:])
	binary.LittleEndian.PutUint32(b[8:], uint32(ci.Rev))
}

// SsidInfo is the payload of WLC_SET_SSID.
type SsidInfo struct {
	Len  uint32
	SSID [MaxSSIDLen]byte
}

// NewSsidInfo returns the record for ssid or an error if it is too long.
func NewSsidInfo(ssid string) (si SsidInfo, err error) {
	if len(ssid) > MaxSSIDLen {
		return si, errSSIDLength
	}
	si.Len = uint32(copy(si.SSID[:], ssid))
	return si, nil
}

func (si *SsidInfo) Put(b []byte) {
	_ = b[SSID_INFO_LEN-1]
	binary.LittleEndian.PutUint32(b, si.Len)
	copy(b[4:], si.SSID[:])
}

// DecodeSsidInfo decodes a SET_SSID payload.
func DecodeSsidInfo(b []byte) (si SsidInfo, err error) {
	if len(b) < SSID_INFO_LEN {
		return si, errShortBuffer
	}
	si.Len = binary.LittleEndian.Uint32(b)
	if si.Len > MaxSSIDLen {
		return si, errSSIDLength
	}
	copy(si.SSID[:], b[4:SSID_INFO_LEN])
	return si, nil
}

func (si *SsidInfo) String() string { return string(si.SSID[:si.Len]) }

// SsidInfoWithIndex is the payload of the "bsscfg:ssid" iovar.
type SsidInfoWithIndex struct {
	Index uint32
	Info  SsidInfo
}

func (s *SsidInfoWithIndex) Put(b []byte) {
	_ = b[SSID_INFO_INDEX_LEN-1]
	binary.LittleEndian.PutUint32(b, s.Index)
	s.Info.Put(b[4:])
}

// PassphraseInfo is the payload of WLC_SET_WSEC_PMK.
type PassphraseInfo struct {
	Len        uint16
	Flags      uint16
	Passphrase [MaxPassphraseLen]byte
}

// NewPassphraseInfo validates pass and returns its record.
func NewPassphraseInfo(pass string) (pi PassphraseInfo, err error) {
	if len(pass) < MinPassphraseLen || len(pass) > MaxPassphraseLen {
		return pi, errPassphraseLength
	}
	pi.Len = uint16(copy(pi.Passphrase[:], pass))
	pi.Flags = 1
	return pi, nil
}

func (pi *PassphraseInfo) Put(b []byte) {
	_ = b[PASSPHRASE_INFO_LEN-1]
	binary.LittleEndian.PutUint16(b, pi.Len)
	binary.LittleEndian.PutUint16(b[2:], pi.Flags)
	copy(b[4:], pi.Passphrase[:])
}

// DecodePassphraseInfo decodes a SET_WSEC_PMK payload.
func DecodePassphraseInfo(b []byte) (pi PassphraseInfo, err error) {
	if len(b) < PASSPHRASE_INFO_LEN {
		return pi, errShortBuffer
	}
	pi.Len = binary.LittleEndian.Uint16(b)
	pi.Flags = binary.LittleEndian.Uint16(b[2:])
	if pi.Len > MaxPassphraseLen {
		return pi, errPassphraseLength
	}
	copy(pi.Passphrase[:], b[4:PASSPHRASE_INFO_LEN])
	return pi, nil
}

// Scan types.
const (
	ScanTypeActive  = 0
	ScanTypePassive = 1
)

// ScanParams is the payload of the "escan" iovar.
type ScanParams struct {
	Version     uint32
	Action      uint16
	SyncID      uint16
	SSIDLen     uint32
	SSID        [MaxSSIDLen]byte
	BSSID       [6]byte
	BSSType     int8
	ScanType    uint8
	NProbes     int32
	ActiveTime  int32
	PassiveTime int32
	HomeTime    int32
	ChannelNum  int32
	ChannelList [1]uint16
}

// DefaultScanParams returns the parameters of a broadcast scan on all
// channels with firmware default timings.
func DefaultScanParams() ScanParams {
	return ScanParams{
		Version:     1,
		Action:      1, // Start.
		SyncID:      1,
		BSSID:       [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		BSSType:     2, // Any.
		ScanType:    ScanTypePassive,
		NProbes:     -1,
		ActiveTime:  -1,
		PassiveTime: -1,
		HomeTime:    -1,
	}
}

func (sp *ScanParams) Put(b []byte) {
	_ = b[SCAN_PARAMS_LEN-1]
	clear(b[:SCAN_PARAMS_LEN])
	binary.LittleEndian.PutUint32(b[0:], sp.Version)
	binary.LittleEndian.PutUint16(b[4:], sp.Action)
	binary.LittleEndian.PutUint16(b[6:], sp.SyncID)
	binary.LittleEndian.PutUint32(b[8:], sp.SSIDLen)
	copy(b[scanParamsSSIDOffset:], sp.SSID[:])
	copy(b[44:50], sp.BSSID[:])
	b[50] = byte(sp.BSSType)
	b[51] = sp.ScanType
	binary.LittleEndian.PutUint32(b[52:], uint32(sp.NProbes))
	binary.LittleEndian.PutUint32(b[56:], uint32(sp.ActiveTime))
	binary.LittleEndian.PutUint32(b[60:], uint32(sp.PassiveTime))
	binary.LittleEndian.PutUint32(b[64:], uint32(sp.HomeTime))
	binary.LittleEndian.PutUint32(b[68:], uint32(sp.ChannelNum))
	binary.LittleEndian.PutUint16(b[72:], sp.ChannelList[0])
}

// DecodeScanParams decodes an escan payload.
func DecodeScanParams(b []byte) (sp ScanParams, err error) {
	if len(b) < SCAN_PARAMS_LEN {
		return sp, errShortBuffer
	}
	sp.Version = binary.LittleEndian.Uint32(b[0:])
	sp.Action = binary.LittleEndian.Uint16(b[4:])
	sp.SyncID = binary.LittleEndian.Uint16(b[6:])
	sp.SSIDLen = binary.LittleEndian.Uint32(b[8:])
	copy(sp.SSID[:], b[scanParamsSSIDOffset:])
	copy(sp.BSSID[:], b[44:50])
	sp.BSSType = int8(b[50])
	sp.ScanType = b[51]
	sp.NProbes = int32(binary.LittleEndian.Uint32(b[52:]))
	sp.ActiveTime = int32(binary.LittleEndian.Uint32(b[56:]))
	sp.PassiveTime = int32(binary.LittleEndian.Uint32(b[60:]))
	sp.HomeTime = int32(binary.LittleEndian.Uint32(b[64:]))
	sp.ChannelNum = int32(binary.LittleEndian.Uint32(b[68:]))
	sp.ChannelList[0] = binary.LittleEndian.Uint16(b[72:])
	return sp, nil
}

// EventMask is the payload of the "bsscfg:event_msgs" iovar: one bit per
// AsyncEventType, set when the firmware should report it.
type EventMask struct {
	Iface  uint32
	Events [24]uint8
}

// EnableAll sets every event bit.
func (e *EventMask) EnableAll() {
	for i := range e.Events {
		e.Events[i] = 0xff
	}
}

func (e *EventMask) Enable(ev AsyncEventType) {
	if ev.IsValid() {
		e.Events[ev/8] |= 1 << (ev % 8)
	}
}

func (e *EventMask) Disable(ev AsyncEventType) {
	if ev.IsValid() {
		e.Events[ev/8] &^= 1 << (ev % 8)
	}
}

func (e *EventMask) IsEnabled(ev AsyncEventType) bool {
	return ev.IsValid() && e.Events[ev/8]&(1<<(ev%8)) != 0
}

func (e *EventMask) Put(b []byte) {
	_ = b[EVENT_MASK_LEN-1]
	binary.LittleEndian.PutUint32(b, e.Iface)
	copy(b[4:], e.Events[:])
}

// DecodeEventMask decodes a bsscfg:event_msgs payload.
func DecodeEventMask(b []byte) (e EventMask, err error) {
	if len(b) < EVENT_MASK_LEN {
		return e, errShortBuffer
	}
	e.Iface = binary.LittleEndian.Uint32(b)
	copy(e.Events[:], b[4:EVENT_MASK_LEN])
	return e, nil
}
