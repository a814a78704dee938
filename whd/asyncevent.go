package whd

import "strconv"

// AsyncEventType identifies a firmware asynchronous event.
type AsyncEventType uint32

const (
	EvSET_SSID       AsyncEventType = 0 // Result of a SET_SSID (join) request.
	EvJOIN           AsyncEventType = 1
	EvSTART          AsyncEventType = 2
	EvAUTH           AsyncEventType = 3
	EvAUTH_IND       AsyncEventType = 4
	EvDEAUTH         AsyncEventType = 5
	EvDEAUTH_IND     AsyncEventType = 6
	EvASSOC          AsyncEventType = 7
	EvASSOC_IND      AsyncEventType = 8
	EvREASSOC        AsyncEventType = 9
	EvREASSOC_IND    AsyncEventType = 10
	EvDISASSOC       AsyncEventType = 11
	EvDISASSOC_IND   AsyncEventType = 12
	EvLINK           AsyncEventType = 16 // Link up/down, flags bit 0 set when up.
	EvMIC_ERROR      AsyncEventType = 17
	EvROAM           AsyncEventType = 19
	EvPMKID_CACHE    AsyncEventType = 21
	EvPRUNE          AsyncEventType = 23
	EvEAPOL_MSG      AsyncEventType = 25
	EvSCAN_COMPLETE  AsyncEventType = 26
	EvJOIN_START     AsyncEventType = 36
	EvROAM_START     AsyncEventType = 37
	EvASSOC_START    AsyncEventType = 38
	EvRADIO          AsyncEventType = 40
	EvPROBREQ_MSG    AsyncEventType = 44
	EvPSK_SUP        AsyncEventType = 46 // WPA handshake progress.
	EvCOUNTRY_CHANGE AsyncEventType = 47
	EvIF             AsyncEventType = 54
	EvRSSI           AsyncEventType = 56
	EvAP_STARTED     AsyncEventType = 64
	EvESCAN_RESULT   AsyncEventType = 69
	EvPROBRESP_MSG   AsyncEventType = 71
	EvCSA_COMPLETE   AsyncEventType = 80
	EvGTK_PLUMBED    AsyncEventType = 84
	EvASSOC_REQ_IE   AsyncEventType = 87
	EvASSOC_RESP_IE  AsyncEventType = 88
	EvBSSID          AsyncEventType = 125
	EvAUTHORIZED     AsyncEventType = 136
	EvPROBREQ_MSG_RX AsyncEventType = 137
	// EvLAST is one past the highest event type the firmware reports.
	EvLAST AsyncEventType = 190
)

var eventNames = map[AsyncEventType]string{
	EvSET_SSID:       "SET_SSID",
	EvJOIN:           "JOIN",
	EvSTART:          "START",
	EvAUTH:           "AUTH",
	EvAUTH_IND:       "AUTH_IND",
	EvDEAUTH:         "DEAUTH",
	EvDEAUTH_IND:     "DEAUTH_IND",
	EvASSOC:          "ASSOC",
	EvASSOC_IND:      "ASSOC_IND",
	EvREASSOC:        "REASSOC",
	EvREASSOC_IND:    "REASSOC_IND",
	EvDISASSOC:       "DISASSOC",
	EvDISASSOC_IND:   "DISASSOC_IND",
	EvLINK:           "LINK",
	EvMIC_ERROR:      "MIC_ERROR",
	EvROAM:           "ROAM",
	EvPMKID_CACHE:    "PMKID_CACHE",
	EvPRUNE:          "PRUNE",
	EvEAPOL_MSG:      "EAPOL_MSG",
	EvSCAN_COMPLETE:  "SCAN_COMPLETE",
	EvJOIN_START:     "JOIN_START",
	EvROAM_START:     "ROAM_START",
	EvASSOC_START:    "ASSOC_START",
	EvRADIO:          "RADIO",
	EvPROBREQ_MSG:    "PROBREQ_MSG",
	EvPSK_SUP:        "PSK_SUP",
	EvCOUNTRY_CHANGE: "COUNTRY_CODE_CHANGED",
	EvIF:             "IF",
	EvRSSI:           "RSSI",
	EvAP_STARTED:     "AP_STARTED",
	EvESCAN_RESULT:   "ESCAN_RESULT",
	EvPROBRESP_MSG:   "PROBRESP_MSG",
	EvCSA_COMPLETE:   "CSA_COMPLETE_IND",
	EvGTK_PLUMBED:    "GTK_PLUMBED",
	EvASSOC_REQ_IE:   "ASSOC_REQ_IE",
	EvASSOC_RESP_IE:  "ASSOC_RESP_IE",
	EvBSSID:          "BSSID",
	EvAUTHORIZED:     "AUTHORIZED",
	EvPROBREQ_MSG_RX: "PROBREQ_MSG_RX",
}

func (e AsyncEventType) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return "Ev(" + strconv.FormatUint(uint64(e), 10) + ")"
}

// IsValid reports whether e fits in the firmware event bitmask.
func (e AsyncEventType) IsValid() bool { return e < EvLAST }

// EStatus is the status field of an event message.
type EStatus uint32

const (
	EStatusSuccess    EStatus = 0
	EStatusFail       EStatus = 1
	EStatusTimeout    EStatus = 2
	EStatusNoNetworks EStatus = 3
	EStatusAbort      EStatus = 4
	EStatusNoAck      EStatus = 5
	// For PSK_SUP, unsolicited means the key exchange completed.
	EStatusUnsolicited EStatus = 6
	EStatusAttempt     EStatus = 7
	// More escan results follow.
	EStatusPartial     EStatus = 8
	EStatusNewscan     EStatus = 9
	EStatusNewassoc    EStatus = 10
	EStatus11hQuiet    EStatus = 11
	EStatusSuppress    EStatus = 12
	EStatusNochans     EStatus = 13
	EStatusCcxFastRoam EStatus = 14
	EStatusCsAbort     EStatus = 15
)

var estatusNames = [...]string{
	"success", "fail", "timeout", "no networks", "abort", "no ack",
	"unsolicited", "attempt", "partial", "newscan", "newassoc",
	"11h quiet", "suppress", "no channels", "ccx fast roam", "cs abort",
}

func (s EStatus) String() string {
	if int(s) < len(estatusNames) {
		return estatusNames[s]
	}
	return "EStatus(" + strconv.FormatUint(uint64(s), 10) + ")"
}

// Event reason codes the link tracker inspects.
const (
	ReasonInitialAssoc   = 0
	ReasonMICFailure     = 14 // PSK_SUP reason reported during roaming, not a key failure.
	ReasonNoNetworks     = 16
	AuthTypeSAE          = 3
	EventFlagLinkUp      = 1
	SubtypeBroadcomEvent = 32769
	UserSubtypeEvent     = 1
	ETHER_TYPE_BRCM      = 0x886c
)
