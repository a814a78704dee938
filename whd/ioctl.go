package whd

import "strconv"

// SDPCMCommand is a firmware ioctl command code carried in the CDC header.
type SDPCMCommand uint32

const (
	WLC_UP            SDPCMCommand = 2
	WLC_DOWN          SDPCMCommand = 3
	WLC_SET_INFRA     SDPCMCommand = 20
	WLC_SET_AUTH      SDPCMCommand = 22
	WLC_GET_BSSID     SDPCMCommand = 23
	WLC_GET_SSID      SDPCMCommand = 25
	WLC_SET_SSID      SDPCMCommand = 26
	WLC_SET_CHANNEL   SDPCMCommand = 30
	WLC_DISASSOC      SDPCMCommand = 52
	WLC_GET_ANTDIV    SDPCMCommand = 63
	WLC_SET_ANTDIV    SDPCMCommand = 64
	WLC_SET_DTIMPRD   SDPCMCommand = 78
	WLC_GET_PM        SDPCMCommand = 85
	WLC_SET_PM        SDPCMCommand = 86
	WLC_SET_GMODE     SDPCMCommand = 110
	WLC_SET_AP        SDPCMCommand = 118
	WLC_SET_WSEC      SDPCMCommand = 134
	WLC_SET_BAND      SDPCMCommand = 142
	WLC_GET_ASSOCLIST SDPCMCommand = 159
	WLC_SET_WPA_AUTH  SDPCMCommand = 165
	WLC_GET_VAR       SDPCMCommand = 262
	WLC_SET_VAR       SDPCMCommand = 263
	WLC_SET_WSEC_PMK  SDPCMCommand = 268
)

func (cmd SDPCMCommand) String() (s string) {
	switch cmd {
	case WLC_UP:
		s = "UP"
	case WLC_DOWN:
		s = "DOWN"
	case WLC_SET_INFRA:
		s = "SET_INFRA"
	case WLC_SET_AUTH:
		s = "SET_AUTH"
	case WLC_GET_BSSID:
		s = "GET_BSSID"
	case WLC_GET_SSID:
		s = "GET_SSID"
	case WLC_SET_SSID:
		s = "SET_SSID"
	case WLC_SET_CHANNEL:
		s = "SET_CHANNEL"
	case WLC_DISASSOC:
		s = "DISASSOC"
	case WLC_GET_ANTDIV:
		s = "GET_ANTDIV"
	case WLC_SET_ANTDIV:
		s = "SET_ANTDIV"
	case WLC_SET_DTIMPRD:
		s = "SET_DTIMPRD"
	case WLC_GET_PM:
		s = "GET_PM"
	case WLC_SET_PM:
		s = "SET_PM"
	case WLC_SET_GMODE:
		s = "SET_GMODE"
	case WLC_SET_AP:
		s = "SET_AP"
	case WLC_SET_WSEC:
		s = "SET_WSEC"
	case WLC_SET_BAND:
		s = "SET_BAND"
	case WLC_GET_ASSOCLIST:
		s = "GET_ASSOCLIST"
	case WLC_SET_WPA_AUTH:
		s = "SET_WPA_AUTH"
	case WLC_GET_VAR:
		s = "GET_VAR"
	case WLC_SET_VAR:
		s = "SET_VAR"
	case WLC_SET_WSEC_PMK:
		s = "SET_WSEC_PMK"
	default:
		s = "WLC(" + strconv.FormatUint(uint64(cmd), 10) + ")"
	}
	return s
}

// Security (wsec) values.
const (
	WSEC_NONE = 0
	WSEC_WEP  = 1
	WSEC_TKIP = 2
	WSEC_AES  = 4
)

// WPA auth values.
const (
	WPA_AUTH_DISABLED = 0x0000
	WPA2_AUTH_PSK     = 0x0080
	// AP mode advertises WPA2-PSK with both ciphers.
	WPA2_AUTH_PSK_AP = 0x0084
)

// Security is the encryption scheme of a network.
type Security uint8

const (
	SecurityOpen Security = iota
	SecurityWEP
	SecurityWPA
	SecurityWPA2
)

func (s Security) String() string {
	switch s {
	case SecurityOpen:
		return "open"
	case SecurityWEP:
		return "wep"
	case SecurityWPA:
		return "wpa"
	case SecurityWPA2:
		return "wpa2"
	}
	return "unknown"
}

// Wsec returns the firmware wsec value for s.
func (s Security) Wsec() uint32 {
	switch s {
	case SecurityWEP:
		return WSEC_WEP
	case SecurityWPA:
		return WSEC_TKIP
	case SecurityWPA2:
		return WSEC_AES
	}
	return WSEC_NONE
}
