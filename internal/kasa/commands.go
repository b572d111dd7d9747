package kasa

import (
	"encoding/json"
	"fmt"

	"kasa-go-home/internal/protocol"
)

const (
	moduleSystem   = "system"
	moduleDimmer   = "smartlife.iot.dimmer"
	moduleLighting = "smartlife.iot.smartbulb.lightingservice"

	querySysinfo         = `{"system":{"get_sysinfo":null}}`
	queryDimmerParams    = `{"smartlife.iot.dimmer":{"get_dimmer_parameters":{}}}`
	queryDefaultBehavior = `{"smartlife.iot.dimmer":{"get_default_behavior":{}}}`
)

// Paths to the err_code each command is validated against.
var (
	pathSetAlias        = []string{moduleSystem, "set_dev_alias", "err_code"}
	pathReboot          = []string{moduleSystem, "reboot", "err_code"}
	pathRelay           = []string{moduleSystem, "set_relay_state", "err_code"}
	pathBrightness      = []string{moduleDimmer, "set_brightness", "err_code"}
	pathTransition      = []string{moduleDimmer, "set_dimmer_transition", "err_code"}
	pathDimmerParams    = []string{moduleDimmer, "get_dimmer_parameters", "err_code"}
	pathDefaultBehavior = []string{moduleDimmer, "get_default_behavior", "err_code"}
	pathLightState      = []string{moduleLighting, "transition_light_state", "err_code"}
)

// ValidateResponseCode walks path through the reply JSON and requires the
// final field to be a zero error code. A sibling err_msg is carried into the
// returned SectionError.
func ValidateResponseCode(text string, path ...string) error {
	var root interface{}
	if err := json.Unmarshal([]byte(text), &root); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrDecode, err)
	}

	var parent map[string]interface{}
	node := root
	for _, key := range path {
		m, ok := node.(map[string]interface{})
		if !ok {
			return &SectionError{Path: joinPath(path), Missing: true}
		}
		parent = m
		if node, ok = m[key]; !ok {
			return &SectionError{Path: joinPath(path), Missing: true}
		}
	}

	code, ok := node.(float64)
	if !ok {
		return &SectionError{Path: joinPath(path), Missing: true}
	}
	if code == 0 {
		return nil
	}
	msg, _ := parent["err_msg"].(string)
	return &SectionError{Path: joinPath(path), Code: int(code), Msg: msg}
}

func command(module, method string, args interface{}) string {
	data, _ := json.Marshal(map[string]map[string]interface{}{
		module: {method: args},
	})
	return string(data)
}

func aliasRequest(alias string) string {
	return command(moduleSystem, "set_dev_alias", map[string]string{"alias": alias})
}

func rebootRequest(delaySeconds int64) string {
	return command(moduleSystem, "reboot", map[string]int64{"delay": delaySeconds})
}

func relayRequest(on bool) string {
	return command(moduleSystem, "set_relay_state", map[string]int{"state": boolInt(on)})
}

func brightnessRequest(level int) string {
	return command(moduleDimmer, "set_brightness", map[string]int{"brightness": level})
}

func transitionRequest(level int) string {
	return command(moduleDimmer, "set_dimmer_transition", map[string]interface{}{
		"brightness": level,
		"mode":       "gentle_on_off",
		"duration":   1,
	})
}

func lightStateRequest(state map[string]interface{}) string {
	return command(moduleLighting, "transition_light_state", state)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
