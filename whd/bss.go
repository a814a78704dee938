package whd

import (
	"bytes"
	"encoding/binary"
	"net"
)

const (
	ESCAN_RESULT_HEADER_LEN = 12
	BSS_INFO_LEN            = 128
	MaxSSIDLen              = 32
)

// BssInfo describes a network found by a scan.
type BssInfo struct {
	BSSID        [6]byte
	SSIDLen      uint8
	SSIDBuf      [MaxSSIDLen]byte
	BeaconPeriod uint16
	Capability   uint16
	Chanspec     Chanspec
	RSSI         int16
	SNR          int16
	Security     Security
}

// SSID returns the network name.
func (b *BssInfo) SSID() string { return string(b.SSIDBuf[:b.SSIDLen]) }

// HardwareAddr returns the BSSID as a net.HardwareAddr.
func (b *BssInfo) HardwareAddr() net.HardwareAddr { return net.HardwareAddr(b.BSSID[:]) }

// EscanResultHeader precedes the BssInfo records of an escan result event.
type EscanResultHeader struct {
	BufLen   uint32
	Version  uint32
	SyncID   uint16
	BSSCount uint16
}

// DecodeEscanResult decodes the first BssInfo of an escan result event
// payload. Little endian. The information elements that follow the fixed
// record are scanned to classify the network's security.
func DecodeEscanResult(b []byte) (hdr EscanResultHeader, bss BssInfo, err error) {
	if len(b) < ESCAN_RESULT_HEADER_LEN+BSS_INFO_LEN {
		return hdr, bss, errShortBuffer
	}
	hdr = EscanResultHeader{
		BufLen:   binary.LittleEndian.Uint32(b[0:]),
		Version:  binary.LittleEndian.Uint32(b[4:]),
		SyncID:   binary.LittleEndian.Uint16(b[8:]),
		BSSCount: binary.LittleEndian.Uint16(b[10:]),
	}
	bss, err = DecodeBssInfo(b[ESCAN_RESULT_HEADER_LEN:])
	return hdr, bss, err
}

// DecodeBssInfo decodes a single BssInfo record including its trailing
// information elements.
func DecodeBssInfo(b []byte) (bss BssInfo, err error) {
	if len(b) < BSS_INFO_LEN {
		return bss, errShortBuffer
	}
	length := binary.LittleEndian.Uint32(b[4:])
	if length < BSS_INFO_LEN || uint64(length) > uint64(len(b)) {
		return bss, errBSSLength
	}
	copy(bss.BSSID[:], b[8:14])
	bss.BeaconPeriod = binary.LittleEndian.Uint16(b[14:])
	bss.Capability = binary.LittleEndian.Uint16(b[16:])
	bss.SSIDLen = b[18]
	if bss.SSIDLen > MaxSSIDLen {
		return bss, errSSIDLength
	}
	copy(bss.SSIDBuf[:], b[19:19+MaxSSIDLen])
	bss.Chanspec = Chanspec(binary.LittleEndian.Uint16(b[72:]))
	bss.RSSI = int16(binary.LittleEndian.Uint16(b[78:]))
	bss.SNR = int16(binary.LittleEndian.Uint16(b[124:]))

	ieOff := uint64(binary.LittleEndian.Uint16(b[116:]))
	ieLen := uint64(binary.LittleEndian.Uint32(b[120:]))
	if ieOff+ieLen > uint64(length) {
		return bss, errBSSLength
	}
	bss.Security = classifySecurity(bss.Capability, b[ieOff:ieOff+ieLen])
	return bss, nil
}

func classifySecurity(capability uint16, ies []byte) Security {
	var rsn, wpa bool
	for len(ies) >= 2 {
		id, n := ies[0], int(ies[1])
		if 2+n > len(ies) {
			break
		}
		body := ies[2 : 2+n]
		switch id {
		case DOT11_IE_ID_RSN:
			rsn = true
		case DOT11_IE_ID_VENDOR_SPECIFIC:
			if bytes.HasPrefix(body, []byte(WPA_OUI_TYPE1)) {
				wpa = true
			}
		}
		ies = ies[2+n:]
	}
	switch {
	case rsn:
		return SecurityWPA2
	case wpa:
		return SecurityWPA
	case capability&DOT11_CAP_PRIVACY != 0:
		return SecurityWEP
	}
	return SecurityOpen
}

// PutEscanResult encodes an escan result holding bss followed by ies into dst
// and returns the bytes written. Panics if dst is too short.
func PutEscanResult(dst []byte, syncID uint16, bss *BssInfo, ies []byte) int {
	bssLen := BSS_INFO_LEN + len(ies)
	n := ESCAN_RESULT_HEADER_LEN + bssLen
	_ = dst[n-1]
	clear(dst[:n])
	binary.LittleEndian.PutUint32(dst[0:], uint32(n))
	binary.LittleEndian.PutUint32(dst[4:], 109)
	binary.LittleEndian.PutUint16(dst[8:], syncID)
	binary.LittleEndian.PutUint16(dst[10:], 1)
	b := dst[ESCAN_RESULT_HEADER_LEN:]
	binary.LittleEndian.PutUint32(b[0:], 109)
	binary.LittleEndian.PutUint32(b[4:], uint32(bssLen))
	copy(b[8:14], bss.BSSID[:])
	binary.LittleEndian.PutUint16(b[14:], bss.BeaconPeriod)
	binary.LittleEndian.PutUint16(b[16:], bss.Capability)
	b[18] = bss.SSIDLen
	copy(b[19:19+MaxSSIDLen], bss.SSIDBuf[:])
	binary.LittleEndian.PutUint16(b[72:], uint16(bss.Chanspec))
	binary.LittleEndian.PutUint16(b[78:], uint16(bss.RSSI))
	binary.LittleEndian.PutUint16(b[116:], BSS_INFO_LEN)
	binary.LittleEndian.PutUint32(b[120:], uint32(len(ies)))
	binary.LittleEndian.PutUint16(b[124:], uint16(bss.SNR))
	copy(b[BSS_INFO_LEN:], ies)
	return n
}
