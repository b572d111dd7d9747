//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"kasa-go-home/internal/hub"
	"kasa-go-home/internal/kasa"
)

func plugView() hub.DeviceView {
	return hub.DeviceView{
		Addr:     "192.168.1.10:9999",
		Model:    "HS103(US)",
		Name:     "Coffee Maker",
		Kind:     kasa.KindPlug,
		MAC:      "50:C7:BF:00:11:22",
		RSSI:     -52,
		SwVer:    "1.0.3 Build 200804 Rel.094009",
		LastSeen: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}

func TestBuildDiscoveryByKind(t *testing.T) {
	tests := []struct {
		name      string
		kind      kasa.Kind
		wantTopic string
		modes     []string
	}{
		{"plug", kasa.KindPlug, "homeassistant/switch/kasa_50c7bf001122/switch/config", nil},
		{"dimmer", kasa.KindDimmer, "homeassistant/light/kasa_50c7bf001122/light/config", []string{"brightness"}},
		{"bulb", kasa.KindBulb, "homeassistant/light/kasa_50c7bf001122/light/config", []string{"hs", "color_temp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := plugView()
			dev.Kind = tt.kind
			msgs := buildDiscovery(dev, "kasa")
			topics := extractTopics(msgs)

			if !topics[tt.wantTopic] {
				t.Fatalf("missing %s in %v", tt.wantTopic, topics)
			}
			if !topics["homeassistant/sensor/kasa_50c7bf001122/rssi/config"] {
				t.Error("missing rssi sensor")
			}

			for _, m := range msgs {
				if m.Topic != tt.wantTopic {
					continue
				}
				var p haDiscovery
				if err := json.Unmarshal(m.Payload, &p); err != nil {
					t.Fatal(err)
				}
				if p.StateTopic != "kasa/coffee_maker" || p.CommandTopic != "kasa/coffee_maker/set" {
					t.Errorf("topics = %q, %q", p.StateTopic, p.CommandTopic)
				}
				if p.AvailabilityTopic != "kasa/bridge/state" {
					t.Errorf("availability = %q", p.AvailabilityTopic)
				}
				if p.Device.Manufacturer != "TP-Link" || p.Device.Model != "HS103(US)" {
					t.Errorf("device block = %+v", p.Device)
				}
				if len(p.SupportedColorModes) != len(tt.modes) {
					t.Errorf("color modes = %v, want %v", p.SupportedColorModes, tt.modes)
				}
				if tt.kind == kasa.KindBulb && (p.MinMireds != minMireds || p.MaxMireds != maxMireds) {
					t.Errorf("mireds = %d..%d", p.MinMireds, p.MaxMireds)
				}
			}
		})
	}
}

func TestBuildDiscoveryUnknownKind(t *testing.T) {
	dev := plugView()
	dev.Kind = ""
	if msgs := buildDiscovery(dev, "kasa"); msgs != nil {
		t.Errorf("expected no discovery, got %d messages", len(msgs))
	}
}

func TestDeviceTopicAndIdentifier(t *testing.T) {
	tests := []struct {
		name      string
		dev       hub.DeviceView
		wantTopic string
		wantID    string
	}{
		{
			"alias and mac",
			hub.DeviceView{Addr: "10.0.0.5:9999", Name: "Living Room", MAC: "AA-BB-CC-DD-EE-FF"},
			"living_room", "kasa_aabbccddeeff",
		},
		{
			"address only",
			hub.DeviceView{Addr: "10.0.0.5:9999"},
			"10_0_0_5_9999", "kasa_10_0_0_5_9999",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceTopicName(tt.dev); got != tt.wantTopic {
				t.Errorf("topic = %q, want %q", got, tt.wantTopic)
			}
			if got := deviceIdentifier(tt.dev); got != tt.wantID {
				t.Errorf("identifier = %q, want %q", got, tt.wantID)
			}
		})
	}
}

func TestDisplayNameFallback(t *testing.T) {
	dev := hub.DeviceView{Addr: "10.0.0.5:9999", Model: "HS220(US)"}
	if got := deviceDisplayName(dev); got != "HS220(US) 10.0.0.5:9999" {
		t.Errorf("display name = %q", got)
	}
}

func TestStatePayload(t *testing.T) {
	plug := plugView()
	plug.IsOn = true
	state := statePayload(plug)
	if state["state"] != "ON" || state["rssi"] != -52 {
		t.Errorf("plug state = %v", state)
	}
	if _, ok := state["brightness"]; ok {
		t.Error("plug state should not carry brightness")
	}
	if state["last_seen"] != "2026-03-01T12:00:00Z" {
		t.Errorf("last_seen = %v", state["last_seen"])
	}

	bulb := plugView()
	bulb.Kind = kasa.KindBulb
	bulb.Brightness = 40
	bulb.LightState = &kasa.LightState{ColorTemp: 2700}
	state = statePayload(bulb)
	if state["state"] != "OFF" || state["brightness"] != 40 {
		t.Errorf("bulb state = %v", state)
	}
	if state["color_mode"] != "color_temp" || state["color_temp"] != 370 {
		t.Errorf("bulb color temp = %v (%v)", state["color_temp"], state["color_mode"])
	}

	bulb.LightState = &kasa.LightState{Hue: 120, Saturation: 75}
	state = statePayload(bulb)
	color, _ := state["color"].(map[string]int)
	if state["color_mode"] != "hs" || color["h"] != 120 || color["s"] != 75 {
		t.Errorf("bulb hs = %v", state)
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery("kasa_50c7bf001122")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 removal messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if len(m.Payload) != 0 {
			t.Errorf("removal payload for %s should be empty", m.Topic)
		}
	}
	if !extractTopics(msgs)["homeassistant/switch/kasa_50c7bf001122/switch/config"] {
		t.Error("missing switch removal")
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand([]byte(`{"state":"on","brightness":55,"transition":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.State != "ON" || cmd.Brightness == nil || *cmd.Brightness != 55 || cmd.Transition != 2 {
		t.Errorf("cmd = %+v", cmd)
	}

	cmd, err = parseCommand([]byte(`{"color":{"h":200.5,"s":80}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Color == nil || cmd.Color.H != 200.5 || cmd.State != "" || cmd.Brightness != nil {
		t.Errorf("color cmd = %+v", cmd)
	}

	if _, err := parseCommand([]byte(`ON`)); err == nil {
		t.Error("expected error for non-JSON payload")
	}
}

func TestMiredConversion(t *testing.T) {
	tests := []struct{ kelvin, mired int }{
		{2500, 400},
		{4000, 250},
		{9000, 111},
		{0, 0},
	}
	for _, tt := range tests {
		if got := kelvinToMired(tt.kelvin); got != tt.mired {
			t.Errorf("kelvinToMired(%d) = %d, want %d", tt.kelvin, got, tt.mired)
		}
	}
	if got := miredToKelvin(250); got != 4000 {
		t.Errorf("miredToKelvin(250) = %d", got)
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
	if got := string(mustJSON(func() {})); got != "{}" {
		t.Errorf("unmarshalable value = %q, want {}", got)
	}
}
