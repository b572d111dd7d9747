//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"
	"time"

	"kasa-go-home/internal/hub"
	"kasa-go-home/internal/kasa"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/kasa_50c7bf001122/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	Name         string      `json:"name"`
	SwVersion    string      `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	EntityCategory      string   `json:"entity_category,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	StateOn             string   `json:"state_on,omitempty"`
	StateOff            string   `json:"state_off,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	MinMireds           int      `json:"min_mireds,omitempty"`
	MaxMireds           int      `json:"max_mireds,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

// Color temperature range bulbs accept, in mireds (9000 K to 2500 K).
const (
	minMireds = 111
	maxMireds = 400
)

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev hub.DeviceView) string {
	if dev.Name != "" {
		return dev.Name
	}
	if dev.Model != "" {
		return dev.Model + " " + dev.Addr
	}
	return dev.Addr
}

// deviceIdentifier returns the unique identifier for the HA device registry.
// The MAC survives DHCP changes; the address is the fallback.
func deviceIdentifier(dev hub.DeviceView) string {
	if dev.MAC != "" {
		return "kasa_" + strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(dev.MAC))
	}
	return "kasa_" + sanitize(dev.Addr)
}

// deviceTopicName returns the topic name for a device (alias or address).
func deviceTopicName(dev hub.DeviceView) string {
	if dev.Name != "" {
		return sanitize(dev.Name)
	}
	return sanitize(dev.Addr)
}

// sanitize lowercases s and keeps only characters safe in MQTT topics.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

// buildDiscovery generates HA discovery messages for a device based on its kind.
func buildDiscovery(dev hub.DeviceView, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(dev)
	cmdTopic := stateTopic + "/set"
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "TP-Link",
		Model:        dev.Model,
		Name:         displayName,
		SwVersion:    dev.SwVer,
	}
	if dev.MAC != "" {
		haDev.Connections = [][2]string{{"mac", strings.ToLower(dev.MAC)}}
	}

	var msgs []discoveryMsg
	switch dev.Kind {
	case kasa.KindPlug:
		msgs = append(msgs, buildSwitch(nodeID, displayName, stateTopic, cmdTopic, avail, haDev))
	case kasa.KindDimmer:
		msgs = append(msgs, buildLight(nodeID, displayName, stateTopic, cmdTopic, avail, haDev, []string{"brightness"}))
	case kasa.KindBulb:
		msgs = append(msgs, buildLight(nodeID, displayName, stateTopic, cmdTopic, avail, haDev, []string{"hs", "color_temp"}))
	default:
		return nil
	}

	msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"rssi", "Signal", "signal_strength", "dBm", "measurement",
		"{{ value_json.rssi }}"))

	return msgs
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildLight(nodeID, displayName, stateTopic, cmdTopic, avail string, haDev haDevice, colorModes []string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/light/%s/light/config", nodeID)
	payload := haDiscovery{
		Name:                displayName,
		UniqueID:            nodeID + "_light",
		StateTopic:          stateTopic,
		CommandTopic:        cmdTopic,
		AvailabilityTopic:   avail,
		Brightness:          true,
		BrightnessScale:     100,
		SupportedColorModes: colorModes,
		Schema:              "json",
		Device:              haDev,
	}
	for _, m := range colorModes {
		if m == "color_temp" {
			payload.MinMireds = minMireds
			payload.MaxMireds = maxMireds
		}
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(nodeID, displayName, stateTopic, cmdTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/switch/config", nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_switch",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.state }}",
		PayloadOn:         `{"state":"ON"}`,
		PayloadOff:        `{"state":"OFF"}`,
		StateOn:           "ON",
		StateOff:          "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(nodeID string) []discoveryMsg {
	components := []struct{ comp, obj string }{
		{"light", "light"},
		{"switch", "switch"},
		{"sensor", "rssi"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

// statePayload is the retained JSON published on the device state topic.
func statePayload(dev hub.DeviceView) map[string]any {
	state := map[string]any{
		"state":     onOff(dev.IsOn),
		"rssi":      dev.RSSI,
		"last_seen": dev.LastSeen.Format(time.RFC3339),
		"alias":     dev.Name,
		"model":     dev.Model,
		"addr":      dev.Addr,
	}
	if dev.Kind == kasa.KindPlug {
		return state
	}
	state["brightness"] = dev.Brightness
	if ls := dev.LightState; ls != nil && dev.Kind == kasa.KindBulb {
		if ls.ColorTemp > 0 {
			state["color_mode"] = "color_temp"
			state["color_temp"] = kelvinToMired(ls.ColorTemp)
		} else {
			state["color_mode"] = "hs"
			state["color"] = map[string]int{"h": ls.Hue, "s": ls.Saturation}
		}
	}
	return state
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func kelvinToMired(k int) int {
	if k <= 0 {
		return 0
	}
	return 1000000 / k
}

func miredToKelvin(m int) int {
	if m <= 0 {
		return 0
	}
	return 1000000 / m
}
