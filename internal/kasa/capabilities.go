package kasa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"kasa-go-home/internal/protocol"
)

// Kind names a capability set.
type Kind string

const (
	KindPlug   Kind = "plug"
	KindDimmer Kind = "dimmer"
	KindBulb   Kind = "bulb"
)

// Sender transmits one raw request to a device and returns the reply text.
type Sender interface {
	Send(ctx context.Context, msg string) (string, error)
}

// ParamsCache holds the optimistic ControlParams of a device handle.
type ParamsCache interface {
	CachedParams() ControlParams
	SetCachedParams(ControlParams)
	UpdateCachedParams(func(*ControlParams))
}

// Device is any resolved device handle. Every device can switch.
type Device interface {
	Sender
	ParamsCache
	Addr() netip.AddrPort
	Model() string
	Kind() Kind
	AsDimmable() (Dimmable, bool)
	AsColorable() (Colorable, bool)
}

// Dimmable devices accept brightness and transition commands.
type Dimmable interface {
	Device
	dimmable()
}

// Colorable devices accept hue, saturation and color temperature.
type Colorable interface {
	Dimmable
	colorable()
}

// GetSysinfo queries system information and refreshes the cache from it.
func GetSysinfo(ctx context.Context, d Device) (*SysInfo, error) {
	text, err := d.Send(ctx, querySysinfo)
	if err != nil {
		return nil, err
	}
	info, err := ParseSysInfo(text)
	if err != nil {
		return nil, err
	}
	d.SetCachedParams(ParamsFromSysInfo(info))
	return info, nil
}

func GetAlias(ctx context.Context, d Device) (string, error) {
	info, err := GetSysinfo(ctx, d)
	if err != nil {
		return "", err
	}
	return info.Alias, nil
}

func SetAlias(ctx context.Context, d Device, alias string) error {
	return sendValidated(ctx, d, aliasRequest(alias), pathSetAlias)
}

// Reboot restarts the device after one second.
func Reboot(ctx context.Context, d Device) error {
	return RebootWithDelay(ctx, d, time.Second)
}

// RebootWithDelay restarts the device after delay, truncated to whole seconds.
func RebootWithDelay(ctx context.Context, d Device, delay time.Duration) error {
	return sendValidated(ctx, d, rebootRequest(int64(delay/time.Second)), pathReboot)
}

func GetIsOn(ctx context.Context, d Device) (bool, error) {
	info, err := GetSysinfo(ctx, d)
	if err != nil {
		return false, err
	}
	return info.IsOn(), nil
}

func GetIsOff(ctx context.Context, d Device) (bool, error) {
	on, err := GetIsOn(ctx, d)
	if err != nil {
		return false, err
	}
	return !on, nil
}

func SwitchOn(ctx context.Context, d Device) error  { return setPower(ctx, d, true) }
func SwitchOff(ctx context.Context, d Device) error { return setPower(ctx, d, false) }

// Toggle reads the current state and issues the opposite switch command,
// returning the new state. The read and the write are separate exchanges, so
// a change made elsewhere in between is overwritten.
func Toggle(ctx context.Context, d Device) (bool, error) {
	on, err := GetIsOn(ctx, d)
	if err != nil {
		return false, err
	}
	if err := setPower(ctx, d, !on); err != nil {
		return on, err
	}
	return !on, nil
}

func setPower(ctx context.Context, d Device, on bool) error {
	msg, path := relayRequest(on), pathRelay
	if _, ok := d.AsColorable(); ok {
		msg = lightStateRequest(map[string]interface{}{"on_off": boolInt(on), "transition_period": 0})
		path = pathLightState
	}
	if err := sendValidated(ctx, d, msg, path); err != nil {
		return err
	}
	d.UpdateCachedParams(func(p *ControlParams) { p.IsOn = on })
	return nil
}

// SetBrightness sets the level, clamped to [1,100]: firmware rejects zero.
func SetBrightness(ctx context.Context, d Dimmable, level int) error {
	level = clamp(level, 1, 100)
	msg, path := brightnessRequest(level), pathBrightness
	if _, ok := d.AsColorable(); ok {
		msg = lightStateRequest(map[string]interface{}{"brightness": level})
		path = pathLightState
	}
	if err := sendValidated(ctx, d, msg, path); err != nil {
		return err
	}
	d.UpdateCachedParams(func(p *ControlParams) { p.Brightness = level })
	return nil
}

// SetTransition fades to level with the gentle_on_off easing over one second.
func SetTransition(ctx context.Context, d Dimmable, level int) error {
	level = clamp(level, 1, 100)
	msg, path := transitionRequest(level), pathTransition
	if _, ok := d.AsColorable(); ok {
		msg = lightStateRequest(map[string]interface{}{"brightness": level, "transition_period": 1000})
		path = pathLightState
	}
	if err := sendValidated(ctx, d, msg, path); err != nil {
		return err
	}
	d.UpdateCachedParams(func(p *ControlParams) { p.Brightness = level })
	return nil
}

// GetDimmerParameters reads the calibration of a wall dimmer. Bulbs dim through
// the lighting service and have no dimmer module.
func GetDimmerParameters(ctx context.Context, d Dimmable) (*DimmerParameters, error) {
	if _, ok := d.AsColorable(); ok {
		return nil, &UnsupportedError{Capability: "dimmer parameters"}
	}
	text, err := d.Send(ctx, queryDimmerParams)
	if err != nil {
		return nil, err
	}
	return ParseDimmerParameters(text)
}

func GetDefaultBehavior(ctx context.Context, d Dimmable) (map[string]interface{}, error) {
	if _, ok := d.AsColorable(); ok {
		return nil, &UnsupportedError{Capability: "default behavior"}
	}
	text, err := d.Send(ctx, queryDefaultBehavior)
	if err != nil {
		return nil, err
	}
	if err := ValidateResponseCode(text, pathDefaultBehavior...); err != nil {
		return nil, err
	}
	var reply map[string]map[string]map[string]interface{}
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return nil, fmt.Errorf("%w: default behavior: %v", protocol.ErrDecode, err)
	}
	behavior := reply[moduleDimmer]["get_default_behavior"]
	delete(behavior, "err_code")
	return behavior, nil
}

// SetHSV switches a bulb on at the given hue (0-360), saturation (0-100) and
// brightness (1-100).
func SetHSV(ctx context.Context, d Colorable, hue, saturation, brightness int) error {
	brightness = clamp(brightness, 1, 100)
	msg := lightStateRequest(map[string]interface{}{
		"on_off":         1,
		"hue":            clamp(hue, 0, 360),
		"saturation":     clamp(saturation, 0, 100),
		"color_temp":     0,
		"brightness":     brightness,
		"ignore_default": 1,
	})
	if err := sendValidated(ctx, d, msg, pathLightState); err != nil {
		return err
	}
	d.SetCachedParams(ControlParams{Brightness: brightness, IsOn: true})
	return nil
}

// ApplyHSV records a SetHSV request on a cached light state, clamped the way
// the request is.
func (ls *LightState) ApplyHSV(hue, saturation, brightness int) {
	b := clamp(brightness, 1, 100)
	ls.OnOff = 1
	ls.Hue = clamp(hue, 0, 360)
	ls.Saturation = clamp(saturation, 0, 100)
	ls.ColorTemp = 0
	ls.Brightness = &b
}

// ApplyColorTemp records a SetColorTemp request on a cached light state.
func (ls *LightState) ApplyColorTemp(kelvin int) {
	ls.OnOff = 1
	ls.ColorTemp = clamp(kelvin, 2500, 9000)
}

// SetColorTemp switches a bulb to white at kelvin, clamped to 2500-9000.
func SetColorTemp(ctx context.Context, d Colorable, kelvin int) error {
	msg := lightStateRequest(map[string]interface{}{
		"on_off":         1,
		"color_temp":     clamp(kelvin, 2500, 9000),
		"ignore_default": 1,
	})
	if err := sendValidated(ctx, d, msg, pathLightState); err != nil {
		return err
	}
	d.UpdateCachedParams(func(p *ControlParams) { p.IsOn = true })
	return nil
}

func sendValidated(ctx context.Context, d Device, msg string, path []string) error {
	text, err := d.Send(ctx, msg)
	if err != nil {
		return err
	}
	return ValidateResponseCode(text, path...)
}
