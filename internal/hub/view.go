package hub

import (
	"time"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/store"
)

// DeviceView is the device shape exposed over REST, MQTT and to scripts.
type DeviceView struct {
	Addr       string           `json:"addr"`
	Brightness int              `json:"brightness"`
	HwType     string           `json:"hw_type,omitempty"`
	ID         string           `json:"id,omitempty"`
	IsOn       bool             `json:"is_on"`
	LightState *kasa.LightState `json:"light_state,omitempty"`
	Model      string           `json:"model"`
	Name       string           `json:"name"`
	Kind       kasa.Kind        `json:"kind"`
	MAC        string           `json:"mac,omitempty"`
	RSSI       int              `json:"rssi,omitempty"`
	SwVer      string           `json:"sw_ver,omitempty"`
	LastSeen   time.Time        `json:"last_seen"`
}

func viewFromRecord(rec *store.Device) DeviceView {
	return DeviceView{
		Addr:       rec.Address,
		Brightness: rec.Brightness,
		HwType:     rec.HwType,
		ID:         rec.DeviceID,
		IsOn:       rec.IsOn,
		LightState: rec.LightState,
		Model:      rec.Model,
		Name:       rec.Alias,
		Kind:       rec.Kind,
		MAC:        rec.MAC,
		RSSI:       rec.RSSI,
		SwVer:      rec.SwVer,
		LastSeen:   rec.LastSeen,
	}
}

// eventData flattens the view into the map event consumers read.
func (v DeviceView) eventData() map[string]interface{} {
	data := map[string]interface{}{
		"addr":       v.Addr,
		"alias":      v.Name,
		"model":      v.Model,
		"kind":       string(v.Kind),
		"is_on":      v.IsOn,
		"brightness": v.Brightness,
		"rssi":       v.RSSI,
	}
	if ls := v.LightState; ls != nil {
		data["hue"] = ls.Hue
		data["saturation"] = ls.Saturation
		data["color_temp"] = ls.ColorTemp
	}
	return data
}
