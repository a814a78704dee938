package cyw43

// PowerManagementMode trades latency and throughput for power.
// The zero value is PowerSave.
type PowerManagementMode uint8

const (
	PowerSave PowerManagementMode = iota
	SuperSave
	Aggressive
	Performance
	// ThroughputThrottling switches power saving on and off with traffic.
	ThroughputThrottling
	// PowerNone keeps the radio always on.
	PowerNone
)

func (m PowerManagementMode) String() (s string) {
	switch m {
	case PowerSave:
		s = "power-save"
	case SuperSave:
		s = "super-save"
	case Aggressive:
		s = "aggressive"
	case Performance:
		s = "performance"
	case ThroughputThrottling:
		s = "throughput-throttling"
	case PowerNone:
		s = "none"
	default:
		s = "unknown"
	}
	return s
}

// PMTunables are the firmware parameters of a PowerManagementMode.
type PMTunables struct {
	SleepRetMs   uint32 // pm2_sleep_ret
	BeaconPeriod uint32 // bcn_li_bcn
	DTIMPeriod   uint32 // bcn_li_dtim
	AssocListen  uint32 // assoc_listen
	Mode         uint32 // WLC_SET_PM argument.
}

// Tunables returns the firmware parameters of m. Unknown modes return the
// PowerSave parameters.
func (m PowerManagementMode) Tunables() PMTunables {
	switch m {
	case SuperSave:
		return PMTunables{SleepRetMs: 2000, BeaconPeriod: 255, DTIMPeriod: 255, AssocListen: 255, Mode: 2}
	case Aggressive:
		return PMTunables{SleepRetMs: 2000, BeaconPeriod: 1, DTIMPeriod: 1, AssocListen: 10, Mode: 2}
	case Performance:
		return PMTunables{SleepRetMs: 20, BeaconPeriod: 1, DTIMPeriod: 1, AssocListen: 1, Mode: 2}
	case ThroughputThrottling:
		return PMTunables{Mode: 1}
	case PowerNone:
		return PMTunables{}
	}
	return PMTunables{SleepRetMs: 200, BeaconPeriod: 1, DTIMPeriod: 1, AssocListen: 10, Mode: 2}
}
