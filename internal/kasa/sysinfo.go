package kasa

import (
	"encoding/json"
	"fmt"

	"kasa-go-home/internal/protocol"
)

// SysInfo is the normalized get_sysinfo block. Optional fields stay nil when
// the device does not report them.
type SysInfo struct {
	Alias      string      `json:"alias"`
	Model      string      `json:"model"`
	HwID       string      `json:"hwId"`
	DeviceID   string      `json:"deviceId"`
	MAC        string      `json:"mac"`
	HwType     string      `json:"hw_type"`
	SwVer      string      `json:"sw_ver"`
	HwVer      string      `json:"hw_ver"`
	RSSI       int         `json:"rssi"`
	ErrCode    int         `json:"err_code"`
	RelayState *int        `json:"relay_state,omitempty"`
	Brightness *int        `json:"brightness,omitempty"`
	OnTime     *int64      `json:"on_time,omitempty"`
	Updating   *int        `json:"updating,omitempty"`
	LatitudeI  *int        `json:"latitude_i,omitempty"`
	LongitudeI *int        `json:"longitude_i,omitempty"`
	LightState *LightState `json:"light_state,omitempty"`
}

// UnmarshalJSON accepts the alternative key names older firmware uses for
// the MAC address and hardware type.
func (s *SysInfo) UnmarshalJSON(data []byte) error {
	type plain SysInfo
	var aux struct {
		plain
		MicMAC  string `json:"mic_mac"`
		Type    string `json:"type"`
		MicType string `json:"mic_type"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = SysInfo(aux.plain)
	if s.MAC == "" {
		s.MAC = aux.MicMAC
	}
	if s.HwType == "" {
		s.HwType = aux.Type
	}
	if s.HwType == "" {
		s.HwType = aux.MicType
	}
	return nil
}

// LightState is the lighting block reported by color-capable bulbs.
type LightState struct {
	OnOff      int          `json:"on_off"`
	Hue        int          `json:"hue"`
	Saturation int          `json:"saturation"`
	ColorTemp  int          `json:"color_temp"`
	Brightness *int         `json:"brightness,omitempty"`
	Mode       string       `json:"mode,omitempty"`
	DftOnState *LightPreset `json:"dft_on_state,omitempty"`
	ErrCode    int          `json:"err_code,omitempty"`
}

// LightPreset is the state a bulb returns to when switched back on.
type LightPreset struct {
	Hue        int    `json:"hue"`
	Saturation int    `json:"saturation"`
	ColorTemp  int    `json:"color_temp"`
	Brightness int    `json:"brightness"`
	Mode       string `json:"mode,omitempty"`
}

// IsOn derives the on state: light_state first, then relay_state.
func (s *SysInfo) IsOn() bool {
	if s.LightState != nil {
		return s.LightState.OnOff != 0
	}
	if s.RelayState != nil {
		return *s.RelayState > 0
	}
	return false
}

// EffectiveBrightness gives every device a brightness for display. Devices
// without a dimmer report 100 when on and 0 when off.
func (s *SysInfo) EffectiveBrightness() int {
	if s.Brightness != nil {
		return *s.Brightness
	}
	if s.LightState != nil && s.LightState.Brightness != nil {
		return *s.LightState.Brightness
	}
	if s.IsOn() {
		return 100
	}
	return 0
}

// Dimmable reports whether the device exposes a brightness level.
func (s *SysInfo) Dimmable() bool {
	return s.Brightness != nil || s.LightState != nil
}

// ControlParams is the cached brightness and on state of a device handle.
// It mirrors the last confirmed command, not a fresh readback.
type ControlParams struct {
	Brightness int  `json:"brightness"`
	IsOn       bool `json:"is_on"`
}

// ParamsFromSysInfo seeds a cache from a sysinfo reply.
func ParamsFromSysInfo(s *SysInfo) ControlParams {
	return ControlParams{Brightness: s.EffectiveBrightness(), IsOn: s.IsOn()}
}

type sysinfoReply struct {
	System *struct {
		GetSysinfo *SysInfo `json:"get_sysinfo"`
	} `json:"system"`
	Lighting *struct {
		GetLightState *LightState `json:"get_light_state"`
	} `json:"smartlife.iot.smartbulb.lightingservice"`
}

// ParseSysInfo extracts system.get_sysinfo from reply text. A reply that also
// answered get_light_state fills in the light state when sysinfo lacks one.
func ParseSysInfo(text string) (*SysInfo, error) {
	var reply sysinfoReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return nil, fmt.Errorf("%w: sysinfo: %v", protocol.ErrDecode, err)
	}
	if reply.System == nil || reply.System.GetSysinfo == nil {
		return nil, fmt.Errorf("%w: reply has no system.get_sysinfo", protocol.ErrDecode)
	}
	info := reply.System.GetSysinfo
	if info.LightState == nil && reply.Lighting != nil {
		if ls := reply.Lighting.GetLightState; ls != nil && ls.ErrCode == 0 {
			info.LightState = ls
		}
	}
	return info, nil
}

// DimmerParameters is the smartlife.iot.dimmer get_dimmer_parameters block.
type DimmerParameters struct {
	MinThreshold  int `json:"minThreshold"`
	FadeOnTime    int `json:"fadeOnTime"`
	FadeOffTime   int `json:"fadeOffTime"`
	GentleOnTime  int `json:"gentleOnTime"`
	GentleOffTime int `json:"gentleOffTime"`
	RampRate      int `json:"rampRate"`
	BulbType      int `json:"bulb_type"`
}

// ParseDimmerParameters validates and decodes a get_dimmer_parameters reply.
func ParseDimmerParameters(text string) (*DimmerParameters, error) {
	if err := ValidateResponseCode(text, pathDimmerParams...); err != nil {
		return nil, err
	}
	var reply struct {
		Dimmer struct {
			Params DimmerParameters `json:"get_dimmer_parameters"`
		} `json:"smartlife.iot.dimmer"`
	}
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return nil, fmt.Errorf("%w: dimmer parameters: %v", protocol.ErrDecode, err)
	}
	return &reply.Dimmer.Params, nil
}
