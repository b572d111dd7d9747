package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kasa-go-home/internal/kasa"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	brightness := 80
	dev := &Device{
		Address:    "192.168.1.40:9999",
		Model:      "KL130(US)",
		Kind:       kasa.KindBulb,
		Alias:      "Reading Lamp",
		MAC:        "50:C7:BF:00:11:22",
		RSSI:       -61,
		IsOn:       true,
		Brightness: 80,
		LightState: &kasa.LightState{OnOff: 1, Hue: 30, Saturation: 40, Brightness: &brightness},
		FirstSeen:  time.Now().Truncate(time.Millisecond),
		LastSeen:   time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.Address)
	if err != nil {
		t.Fatal(err)
	}

	if got.Model != dev.Model {
		t.Errorf("model = %q, want %q", got.Model, dev.Model)
	}
	if got.Kind != kasa.KindBulb {
		t.Errorf("kind = %q, want bulb", got.Kind)
	}
	if got.Alias != dev.Alias {
		t.Errorf("alias = %q, want %q", got.Alias, dev.Alias)
	}
	if got.RSSI != -61 {
		t.Errorf("rssi = %d, want -61", got.RSSI)
	}
	if got.LightState == nil || got.LightState.Hue != 30 {
		t.Fatalf("light_state = %+v, want hue 30", got.LightState)
	}
	if !got.LastSeen.Equal(dev.LastSeen) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, dev.LastSeen)
	}
}

func TestSaveDeviceRequiresAddress(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{Model: "HS103"}); err == nil {
		t.Fatal("expected error for a device without an address")
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{Address: "192.168.1.41:9999", Model: "HS103(US)"}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.Address); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.Address)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteDevice(dev.Address); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*Device{
		{Address: "192.168.1.10:9999", Model: "HS103(US)"},
		{Address: "192.168.1.11:9999", Model: "HS220(US)"},
		{Address: "192.168.1.12:9999", Model: "KL130(US)"},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	found := make(map[string]bool)
	for _, d := range list {
		found[d.Address] = true
	}
	for _, d := range devs {
		if !found[d.Address] {
			t.Errorf("device %s not in list", d.Address)
		}
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{Address: "192.168.1.20:9999", Model: "HS220(US)", Brightness: 10}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDevice("192.168.1.20:9999", func(dev *Device) error {
		dev.Brightness = 75
		dev.IsOn = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("192.168.1.20:9999")
	if err != nil {
		t.Fatal(err)
	}
	if got.Brightness != 75 || !got.IsOn {
		t.Errorf("device = %+v, want brightness 75 and on", got)
	}

	err = s.UpdateDevice("10.0.0.1:9999", func(*Device) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing device err = %v, want ErrNotFound", err)
	}

	boom := errors.New("boom")
	err = s.UpdateDevice("192.168.1.20:9999", func(dev *Device) error {
		dev.Brightness = 1
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want callback error", err)
	}
	got, _ = s.GetDevice("192.168.1.20:9999")
	if got.Brightness != 75 {
		t.Errorf("brightness = %d after failed update, want 75", got.Brightness)
	}
}

func TestApplySysInfo(t *testing.T) {
	one, fifty := 1, 50
	dev := &Device{Address: "192.168.1.20:9999", Model: "HS220(US)"}
	dev.ApplySysInfo(&kasa.SysInfo{Alias: "Hall", MAC: "AA", RelayState: &one, Brightness: &fifty, RSSI: -40})

	if dev.Alias != "Hall" || dev.MAC != "AA" || dev.RSSI != -40 {
		t.Errorf("device = %+v", dev)
	}
	if !dev.IsOn || dev.Brightness != 50 {
		t.Errorf("state = on %v brightness %d", dev.IsOn, dev.Brightness)
	}
	if dev.Model != "HS220(US)" {
		t.Errorf("empty sysinfo model overwrote %q", dev.Model)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("192.168.1.250:9999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveAndGetDiscoveryState(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetDiscoveryState(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store err = %v, want ErrNotFound", err)
	}

	state := &DiscoveryState{
		Session:    "3f1c9a4e-8d2b-4e55-9b61-0c2d7a8e1f10",
		Source:     "192.168.1.5",
		LastCycle:  time.Now().Truncate(time.Millisecond),
		LastFound:  2,
		TotalKnown: 5,
	}
	if err := s.SaveDiscoveryState(state); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDiscoveryState()
	if err != nil {
		t.Fatal(err)
	}
	if got.Session != state.Session || got.Source != state.Source {
		t.Errorf("state = %+v", got)
	}
	if got.LastFound != 2 || got.TotalKnown != 5 {
		t.Errorf("counts = %d/%d, want 2/5", got.LastFound, got.TotalKnown)
	}
	if !got.LastCycle.Equal(state.LastCycle) {
		t.Errorf("last_cycle = %v, want %v", got.LastCycle, state.LastCycle)
	}
}
