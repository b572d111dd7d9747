package store

import (
	"time"

	"kasa-go-home/internal/kasa"
)

// Device is the persisted record of a discovered device.
type Device struct {
	Address    string           `json:"address"`
	Model      string           `json:"model"`
	Kind       kasa.Kind        `json:"kind"`
	Alias      string           `json:"alias,omitempty"`
	MAC        string           `json:"mac,omitempty"`
	DeviceID   string           `json:"device_id,omitempty"`
	HwType     string           `json:"hw_type,omitempty"`
	HwVer      string           `json:"hw_ver,omitempty"`
	SwVer      string           `json:"sw_ver,omitempty"`
	RSSI       int              `json:"rssi,omitempty"`
	IsOn       bool             `json:"is_on"`
	Brightness int              `json:"brightness"`
	LightState *kasa.LightState `json:"light_state,omitempty"`
	FirstSeen  time.Time        `json:"first_seen"`
	LastSeen   time.Time        `json:"last_seen"`
}

// ApplySysInfo copies the fields a sysinfo reply reports onto the record.
func (d *Device) ApplySysInfo(info *kasa.SysInfo) {
	d.Alias = info.Alias
	if info.Model != "" {
		d.Model = info.Model
	}
	d.MAC = info.MAC
	d.DeviceID = info.DeviceID
	d.HwType = info.HwType
	d.HwVer = info.HwVer
	d.SwVer = info.SwVer
	d.RSSI = info.RSSI
	d.IsOn = info.IsOn()
	d.Brightness = info.EffectiveBrightness()
	d.LightState = info.LightState
}

// DiscoveryState records the outcome of the most recent discovery cycle.
type DiscoveryState struct {
	Session    string    `json:"session"`
	Source     string    `json:"source"`
	LastCycle  time.Time `json:"last_cycle"`
	LastFound  int       `json:"last_found"`
	TotalKnown int       `json:"total_known"`
}
