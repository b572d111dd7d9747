package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kasa-go-home/internal/discovery"
	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport plays a set of devices keyed by address. Each device answers
// sysinfo from its current state and accepts relay and brightness commands.
type fakeTransport struct {
	mu      sync.Mutex
	devices map[netip.AddrPort]*fakeDevice
	calls   atomic.Int32
}

type fakeDevice struct {
	sysinfo string
	reply   map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{devices: make(map[netip.AddrPort]*fakeDevice)}
}

func (f *fakeTransport) add(addr netip.AddrPort, sysinfo string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[addr] = &fakeDevice{sysinfo: sysinfo, reply: map[string]string{
		"set_relay_state": `{"system":{"set_relay_state":{"err_code":0}}}`,
		"set_brightness":  `{"smartlife.iot.dimmer":{"set_brightness":{"err_code":0}}}`,
		"set_dev_alias":   `{"system":{"set_dev_alias":{"err_code":0}}}`,
	}}
}

func (f *fakeTransport) setSysinfo(addr netip.AddrPort, sysinfo string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[addr].sysinfo = sysinfo
}

func (f *fakeTransport) Exchange(_ context.Context, addr netip.AddrPort, msg string) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[addr]
	if !ok {
		return "", errors.New("connection refused")
	}
	if strings.Contains(msg, "get_sysinfo") {
		return dev.sysinfo, nil
	}
	for match, reply := range dev.reply {
		if strings.Contains(msg, match) {
			return reply, nil
		}
	}
	return `{}`, nil
}

var (
	plugAddr   = netip.MustParseAddrPort("192.168.1.10:9999")
	dimmerAddr = netip.MustParseAddrPort("192.168.1.11:9999")
)

const (
	plugOff  = `{"system":{"get_sysinfo":{"alias":"Fan","model":"HS103(US)","relay_state":0,"rssi":-50}}}`
	plugOn   = `{"system":{"get_sysinfo":{"alias":"Fan","model":"HS103(US)","relay_state":1,"rssi":-50}}}`
	dimmerOn = `{"system":{"get_sysinfo":{"alias":"Hall","model":"HS220(US)","relay_state":1,"brightness":40}}}`
)

func sysinfo(t *testing.T, text string) *kasa.SysInfo {
	t.Helper()
	info, err := kasa.ParseSysInfo(text)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

type testHub struct {
	*Hub
	ft     *fakeTransport
	st     *store.BoltStore
	mu     sync.Mutex
	events []Event
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	th := &testHub{ft: newFakeTransport(), st: st}
	events := NewEventBus(newTestLogger())
	events.OnAll(func(e Event) {
		th.mu.Lock()
		th.events = append(th.events, e)
		th.mu.Unlock()
	})
	th.Hub = New(st, th.ft, events, Config{}, newTestLogger())
	return th
}

func (th *testHub) eventTypes() []string {
	th.mu.Lock()
	defer th.mu.Unlock()
	types := make([]string, len(th.events))
	for i, e := range th.events {
		types[i] = e.Type
	}
	return types
}

func (th *testHub) seed(t *testing.T) {
	t.Helper()
	th.ft.add(plugAddr, plugOff)
	th.ft.add(dimmerAddr, dimmerOn)
	th.ingest([]discovery.Result{
		{Addr: plugAddr, SysInfo: sysinfo(t, plugOff)},
		{Addr: dimmerAddr, SysInfo: sysinfo(t, dimmerOn)},
	})
}

func TestIngestNewAndKnownDevices(t *testing.T) {
	th := newTestHub(t)
	th.ft.add(plugAddr, plugOff)

	results := []discovery.Result{{Addr: plugAddr, SysInfo: sysinfo(t, plugOff)}}
	if added := th.ingest(results); added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	if added := th.ingest(results); added != 0 {
		t.Fatalf("second ingest added = %d, want 0", added)
	}

	types := th.eventTypes()
	if len(types) != 2 || types[0] != EventDeviceDiscovered || types[1] != EventDeviceUpdated {
		t.Errorf("events = %v", types)
	}

	rec, err := th.st.GetDevice(plugAddr.String())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != kasa.KindPlug || rec.Alias != "Fan" || rec.RSSI != -50 {
		t.Errorf("record = %+v", rec)
	}
	if rec.FirstSeen.IsZero() || rec.LastSeen.Before(rec.FirstSeen) {
		t.Errorf("first/last seen = %v/%v", rec.FirstSeen, rec.LastSeen)
	}
}

func TestIngestSkipsUnknownModel(t *testing.T) {
	th := newTestHub(t)
	addr := netip.MustParseAddrPort("192.168.1.99:9999")
	info := sysinfo(t, `{"system":{"get_sysinfo":{"alias":"Mystery","model":"XYZ999"}}}`)

	if added := th.ingest([]discovery.Result{{Addr: addr, SysInfo: info}}); added != 0 {
		t.Errorf("added = %d, want 0", added)
	}
	if _, err := th.GetDevice(addr); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCommandUnknownAddress(t *testing.T) {
	th := newTestHub(t)
	err := th.SwitchOn(context.Background(), netip.MustParseAddrPort("10.0.0.1:9999"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSwitchOnPersistsAndEmits(t *testing.T) {
	th := newTestHub(t)
	th.seed(t)

	if err := th.SwitchOn(context.Background(), plugAddr); err != nil {
		t.Fatal(err)
	}
	view, err := th.GetDevice(plugAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !view.IsOn {
		t.Error("stored is_on = false after SwitchOn")
	}

	types := th.eventTypes()
	if last := types[len(types)-1]; last != EventStateChanged {
		t.Errorf("last event = %s, want %s", last, EventStateChanged)
	}
}

func TestToggle(t *testing.T) {
	th := newTestHub(t)
	th.seed(t)

	on, err := th.Toggle(context.Background(), plugAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !on {
		t.Error("Toggle from off returned false")
	}
}

func TestSetBrightnessNarrowing(t *testing.T) {
	th := newTestHub(t)
	th.seed(t)
	ctx := context.Background()

	if err := th.SetBrightness(ctx, plugAddr, 50, false); !errors.Is(err, kasa.ErrUnsupported) {
		t.Errorf("plug brightness err = %v, want ErrUnsupported", err)
	}
	if err := th.SetBrightness(ctx, dimmerAddr, 150, false); err != nil {
		t.Fatal(err)
	}
	view, _ := th.GetDevice(dimmerAddr)
	if view.Brightness != 100 {
		t.Errorf("brightness = %d, want 100", view.Brightness)
	}
	if err := th.SetColor(ctx, dimmerAddr, 120, 50, 50); !errors.Is(err, kasa.ErrUnsupported) {
		t.Errorf("dimmer color err = %v, want ErrUnsupported", err)
	}
}

func TestColorCommandsUpdateStoredLightState(t *testing.T) {
	th := newTestHub(t)
	bulbAddr := netip.MustParseAddrPort("192.168.1.12:9999")
	const bulbWhite = `{"system":{"get_sysinfo":{"alias":"Desk","model":"KL130(US)","light_state":{"on_off":1,"hue":0,"saturation":0,"color_temp":2700,"brightness":80}}}}`
	th.ft.add(bulbAddr, bulbWhite)
	th.ft.devices[bulbAddr].reply["transition_light_state"] = `{"smartlife.iot.smartbulb.lightingservice":{"transition_light_state":{"err_code":0}}}`
	th.ingest([]discovery.Result{{Addr: bulbAddr, SysInfo: sysinfo(t, bulbWhite)}})
	ctx := context.Background()

	if err := th.SetColor(ctx, bulbAddr, 120, 150, 60); err != nil {
		t.Fatal(err)
	}
	view, err := th.GetDevice(bulbAddr)
	if err != nil {
		t.Fatal(err)
	}
	ls := view.LightState
	if ls == nil || ls.Hue != 120 || ls.Saturation != 100 || ls.ColorTemp != 0 {
		t.Fatalf("light state after SetColor = %+v", ls)
	}
	if ls.Brightness == nil || *ls.Brightness != 60 || view.Brightness != 60 {
		t.Errorf("brightness = %v / %d, want 60", ls.Brightness, view.Brightness)
	}

	if err := th.SetColorTemp(ctx, bulbAddr, 12000); err != nil {
		t.Fatal(err)
	}
	view, _ = th.GetDevice(bulbAddr)
	if view.LightState.ColorTemp != 9000 {
		t.Errorf("color_temp = %d, want 9000", view.LightState.ColorTemp)
	}
}

func TestSetAlias(t *testing.T) {
	th := newTestHub(t)
	th.seed(t)

	if err := th.SetAlias(context.Background(), plugAddr, "Porch"); err != nil {
		t.Fatal(err)
	}
	addr, err := th.FindByAlias("Porch")
	if err != nil {
		t.Fatal(err)
	}
	if addr != plugAddr {
		t.Errorf("alias resolves to %s, want %s", addr, plugAddr)
	}
}

func TestRefreshEmitsOnlyOnChange(t *testing.T) {
	th := newTestHub(t)
	th.seed(t)
	ctx := context.Background()
	before := len(th.eventTypes())

	if _, err := th.Refresh(ctx, plugAddr); err != nil {
		t.Fatal(err)
	}
	if n := len(th.eventTypes()); n != before {
		t.Errorf("unchanged refresh emitted %d events", n-before)
	}

	th.ft.setSysinfo(plugAddr, plugOn)
	view, err := th.Refresh(ctx, plugAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !view.IsOn {
		t.Error("refresh did not pick up the new state")
	}
	types := th.eventTypes()
	if len(types) != before+1 || types[len(types)-1] != EventStateChanged {
		t.Errorf("events after change = %v", types[before:])
	}
}

func TestRefreshAll(t *testing.T) {
	th := newTestHub(t)
	th.seed(t)
	th.ft.calls.Store(0)

	th.RefreshAll(context.Background())
	if got := th.ft.calls.Load(); got != 2 {
		t.Errorf("transport calls = %d, want 2", got)
	}
}

func TestForget(t *testing.T) {
	th := newTestHub(t)
	th.seed(t)

	if err := th.Forget(plugAddr); err != nil {
		t.Fatal(err)
	}
	if _, err := th.GetDevice(plugAddr); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := th.st.GetDevice(plugAddr.String()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("store err = %v, want store.ErrNotFound", err)
	}
	if err := th.Forget(plugAddr); !errors.Is(err, ErrNotFound) {
		t.Errorf("second forget err = %v, want ErrNotFound", err)
	}
	if n := len(th.ListDevices()); n != 1 {
		t.Errorf("ListDevices = %d, want 1", n)
	}
}

func TestDirectoryRebuiltFromStore(t *testing.T) {
	th := newTestHub(t)
	th.seed(t)

	reopened := New(th.st, th.ft, NewEventBus(newTestLogger()), Config{}, newTestLogger())
	if reopened.Directory().Len() != 2 {
		t.Fatalf("directory = %d entries, want 2", reopened.Directory().Len())
	}
	if err := reopened.SwitchOn(context.Background(), dimmerAddr); err != nil {
		t.Errorf("command after restart: %v", err)
	}
}

func TestAdd(t *testing.T) {
	th := newTestHub(t)
	addr := netip.MustParseAddrPort("10.1.2.3:9999")
	th.ft.add(addr, dimmerOn)

	view, err := th.Add(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if view.Kind != kasa.KindDimmer || view.Brightness != 40 {
		t.Errorf("view = %+v", view)
	}
	if _, err := th.Add(context.Background(), netip.MustParseAddrPort("10.1.2.4:9999")); err == nil {
		t.Error("expected error for unreachable device")
	}
}

func TestResolve(t *testing.T) {
	th := newTestHub(t)
	th.seed(t)

	for _, target := range []string{"192.168.1.11", "192.168.1.11:9999", "Hall"} {
		addr, err := th.Resolve(target)
		if err != nil {
			t.Errorf("Resolve(%q): %v", target, err)
			continue
		}
		if addr != dimmerAddr {
			t.Errorf("Resolve(%q) = %s", target, addr)
		}
	}
	if _, err := th.Resolve("Nowhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStartStop(t *testing.T) {
	th := newTestHub(t)
	th.cfg.Discovery = discovery.Config{
		Source:        netip.MustParseAddr("127.0.0.1"),
		Target:        netip.MustParseAddrPort("127.0.0.1:9"),
		ListenTimeout: 20 * time.Millisecond,
	}
	th.cfg.DiscoveryInterval = 10 * time.Millisecond
	th.cfg.PollInterval = 10 * time.Millisecond

	th.Start()
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		th.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	state, err := th.DiscoveryState()
	if err != nil {
		t.Fatal(err)
	}
	if state.Session == "" || state.Source != "127.0.0.1" {
		t.Errorf("discovery state = %+v", state)
	}
}
