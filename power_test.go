package cyw43

import "testing"

func TestPowerManagementTunables(t *testing.T) {
	tests := []struct {
		mode PowerManagementMode
		want PMTunables
	}{
		{PowerSave, PMTunables{SleepRetMs: 200, BeaconPeriod: 1, DTIMPeriod: 1, AssocListen: 10, Mode: 2}},
		{SuperSave, PMTunables{SleepRetMs: 2000, BeaconPeriod: 255, DTIMPeriod: 255, AssocListen: 255, Mode: 2}},
		{Aggressive, PMTunables{SleepRetMs: 2000, BeaconPeriod: 1, DTIMPeriod: 1, AssocListen: 10, Mode: 2}},
		{Performance, PMTunables{SleepRetMs: 20, BeaconPeriod: 1, DTIMPeriod: 1, AssocListen: 1, Mode: 2}},
		{ThroughputThrottling, PMTunables{Mode: 1}},
		{PowerNone, PMTunables{}},
		{PowerManagementMode(200), PMTunables{SleepRetMs: 200, BeaconPeriod: 1, DTIMPeriod: 1, AssocListen: 10, Mode: 2}},
	}
	for _, tt := range tests {
		if got := tt.mode.Tunables(); got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.mode, got, tt.want)
		}
	}
	if PowerManagementMode(200).String() != "unknown" {
		t.Error("unknown mode string")
	}
}
