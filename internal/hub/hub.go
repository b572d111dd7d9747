package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kasa-go-home/internal/discovery"
	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/protocol"
	"kasa-go-home/internal/store"
)

// ErrNotFound is returned for addresses absent from the directory.
var ErrNotFound = errors.New("device not found")

const defaultPollConcurrency = 4

// Config holds hub configuration.
type Config struct {
	Discovery         discovery.Config
	DiscoveryInterval time.Duration
	// PollInterval enables the state poller when positive.
	PollInterval    time.Duration
	PollConcurrency int
}

// Hub owns the device directory, the resolved device handles, periodic
// discovery and persistence. Web, MQTT and automations drive devices
// through it.
type Hub struct {
	store     store.Store
	transport kasa.Transport
	events    *EventBus
	dir       *Directory
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	handles map[netip.AddrPort]kasa.Device

	periodic *discovery.Periodic
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a hub and rebuilds its directory from persisted records.
func New(st store.Store, transport kasa.Transport, events *EventBus, cfg Config, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:     st,
		transport: transport,
		events:    events,
		dir:       NewDirectory(),
		cfg:       cfg,
		logger:    logger.With("component", "hub"),
		handles:   make(map[netip.AddrPort]kasa.Device),
		ctx:       ctx,
		cancel:    cancel,
	}
	h.rebuildDirectory()
	return h
}

func (h *Hub) rebuildDirectory() {
	devices, err := h.store.ListDevices()
	if err != nil {
		h.logger.Error("rebuild directory", "err", err)
		return
	}
	for _, d := range devices {
		addr, err := netip.ParseAddrPort(d.Address)
		if err != nil {
			h.logger.Warn("skipping stored device", "addr", d.Address, "err", err)
			continue
		}
		h.dir.Set(addr, d.Model)
	}
	h.logger.Info("directory loaded", "devices", h.dir.Len())
}

// Start launches periodic discovery, its consumer and the state poller.
func (h *Hub) Start() {
	h.periodic = discovery.Start(h.cfg.Discovery, h.cfg.DiscoveryInterval, h.logger)
	h.logger.Info("discovery started", "session", h.periodic.Session(), "source", h.cfg.Discovery.Source)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for results := range h.periodic.Results() {
			h.recordCycle(results, h.ingest(results))
		}
	}()

	if h.cfg.PollInterval > 0 {
		h.wg.Add(1)
		go h.pollLoop()
	}
}

// Stop ends discovery and polling and waits for both to exit.
func (h *Hub) Stop() {
	h.cancel()
	if h.periodic != nil {
		h.periodic.Stop()
		h.periodic.Wait()
	}
	h.wg.Wait()
}

// Context is cancelled on Stop.
func (h *Hub) Context() context.Context { return h.ctx }

func (h *Hub) Events() *EventBus     { return h.events }
func (h *Hub) Store() store.Store    { return h.store }
func (h *Hub) Directory() *Directory { return h.dir }
func (h *Hub) Config() Config        { return h.cfg }

// Discover runs one discovery cycle now and returns every device that replied.
func (h *Hub) Discover(ctx context.Context) []DeviceView {
	results := discovery.RunOnce(ctx, h.cfg.Discovery, h.logger)
	h.recordCycle(results, h.ingest(results))

	views := make([]DeviceView, 0, len(results))
	for _, r := range results {
		if v, err := h.GetDevice(r.Addr); err == nil {
			views = append(views, *v)
		}
	}
	return views
}

// Add queries a device directly over TCP, for devices the broadcast cannot
// reach.
func (h *Hub) Add(ctx context.Context, addr netip.AddrPort) (*DeviceView, error) {
	text, err := h.transport.Exchange(ctx, addr, `{"system":{"get_sysinfo":null}}`)
	if err != nil {
		return nil, err
	}
	info, err := kasa.ParseSysInfo(text)
	if err != nil {
		return nil, err
	}
	if _, err := kasa.Classify(info.Model); err != nil {
		return nil, err
	}
	h.ingest([]discovery.Result{{Addr: addr, SysInfo: info}})
	return h.GetDevice(addr)
}

// ingest records discovery results in the directory and the store. Models the
// resolver does not know are skipped. Returns the number of new devices.
func (h *Hub) ingest(results []discovery.Result) int {
	now := time.Now()
	added := 0
	for _, r := range results {
		kind, err := kasa.Classify(r.SysInfo.Model)
		if err != nil {
			h.logger.Warn("ignoring device", "addr", r.Addr, "err", err)
			continue
		}
		if h.dir.Set(r.Addr, r.SysInfo.Model) {
			h.dropHandle(r.Addr)
		}
		if dev, err := h.device(r.Addr); err == nil {
			dev.SetCachedParams(kasa.ParamsFromSysInfo(r.SysInfo))
		}

		rec, err := h.store.GetDevice(r.Addr.String())
		isNew := errors.Is(err, store.ErrNotFound)
		if err != nil && !isNew {
			h.logger.Error("load device", "addr", r.Addr, "err", err)
			continue
		}
		if isNew {
			rec = &store.Device{Address: r.Addr.String(), FirstSeen: now}
			added++
		}
		rec.Kind = kind
		rec.Model = r.SysInfo.Model
		rec.ApplySysInfo(r.SysInfo)
		rec.LastSeen = now
		if err := h.store.SaveDevice(rec); err != nil {
			h.logger.Error("save device", "addr", r.Addr, "err", err)
			continue
		}

		evt := EventDeviceUpdated
		if isNew {
			evt = EventDeviceDiscovered
			h.logger.Info("device discovered", "addr", r.Addr, "model", rec.Model, "alias", rec.Alias)
		}
		h.events.Emit(Event{Type: evt, Data: viewFromRecord(rec).eventData()})
	}
	return added
}

func (h *Hub) recordCycle(results []discovery.Result, added int) {
	state := &store.DiscoveryState{
		LastCycle:  time.Now(),
		LastFound:  len(results),
		TotalKnown: h.dir.Len(),
	}
	if src := h.cfg.Discovery.Source; src.IsValid() {
		state.Source = src.String()
	}
	if h.periodic != nil {
		state.Session = h.periodic.Session()
	}
	if err := h.store.SaveDiscoveryState(state); err != nil {
		h.logger.Error("save discovery state", "err", err)
	}
	h.events.Emit(Event{Type: EventDiscoveryCycle, Data: map[string]interface{}{
		"found":       len(results),
		"new":         added,
		"total_known": state.TotalKnown,
	}})
}

// device returns the cached handle for addr, resolving it from the directory
// on first use.
func (h *Hub) device(addr netip.AddrPort) (kasa.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.handles[addr]; ok {
		return d, nil
	}
	model, err := h.dir.Lookup(addr)
	if err != nil {
		return nil, err
	}
	d, err := kasa.TryResolve(addr, model, h.transport)
	if err != nil {
		return nil, err
	}
	h.handles[addr] = d
	return d, nil
}

func (h *Hub) dropHandle(addr netip.AddrPort) {
	h.mu.Lock()
	delete(h.handles, addr)
	h.mu.Unlock()
}

// Device returns the resolved handle for addr.
func (h *Hub) Device(addr netip.AddrPort) (kasa.Device, error) {
	return h.device(addr)
}

func (h *Hub) SwitchOn(ctx context.Context, addr netip.AddrPort) error {
	return h.command(ctx, addr, kasa.SwitchOn)
}

func (h *Hub) SwitchOff(ctx context.Context, addr netip.AddrPort) error {
	return h.command(ctx, addr, kasa.SwitchOff)
}

// Toggle inverts the device state and returns the new one.
func (h *Hub) Toggle(ctx context.Context, addr netip.AddrPort) (bool, error) {
	var on bool
	err := h.command(ctx, addr, func(ctx context.Context, d kasa.Device) error {
		var err error
		on, err = kasa.Toggle(ctx, d)
		return err
	})
	return on, err
}

// SetBrightness sets the level, fading with the gentle transition when
// transition is set.
func (h *Hub) SetBrightness(ctx context.Context, addr netip.AddrPort, level int, transition bool) error {
	return h.command(ctx, addr, func(ctx context.Context, d kasa.Device) error {
		dd, err := kasa.TryAsDimmable(d)
		if err != nil {
			return err
		}
		if transition {
			return kasa.SetTransition(ctx, dd, level)
		}
		return kasa.SetBrightness(ctx, dd, level)
	})
}

func (h *Hub) SetColor(ctx context.Context, addr netip.AddrPort, hue, saturation, brightness int) error {
	return h.colorCommand(ctx, addr, func(ctx context.Context, d kasa.Device) error {
		c, err := kasa.TryAsColorable(d)
		if err != nil {
			return err
		}
		return kasa.SetHSV(ctx, c, hue, saturation, brightness)
	}, func(ls *kasa.LightState) { ls.ApplyHSV(hue, saturation, brightness) })
}

func (h *Hub) SetColorTemp(ctx context.Context, addr netip.AddrPort, kelvin int) error {
	return h.colorCommand(ctx, addr, func(ctx context.Context, d kasa.Device) error {
		c, err := kasa.TryAsColorable(d)
		if err != nil {
			return err
		}
		return kasa.SetColorTemp(ctx, c, kelvin)
	}, func(ls *kasa.LightState) { ls.ApplyColorTemp(kelvin) })
}

// command runs fn against the device at addr and, on success, persists the
// optimistic cache and emits a state change.
func (h *Hub) command(ctx context.Context, addr netip.AddrPort, fn func(context.Context, kasa.Device) error) error {
	return h.colorCommand(ctx, addr, fn, nil)
}

// colorCommand is command with light, when set, also applied to the stored
// light state so color changes are visible before the next poll.
func (h *Hub) colorCommand(ctx context.Context, addr netip.AddrPort, fn func(context.Context, kasa.Device) error, light func(*kasa.LightState)) error {
	d, err := h.device(addr)
	if err != nil {
		return err
	}
	if err := fn(ctx, d); err != nil {
		h.logger.Debug("device command failed", "addr", addr, "err", err)
		return err
	}
	params := d.CachedParams()
	rec, err := h.update(addr, func(rec *store.Device) {
		rec.IsOn = params.IsOn
		rec.Brightness = params.Brightness
		if light != nil {
			ls := kasa.LightState{}
			if rec.LightState != nil {
				ls = *rec.LightState
			}
			light(&ls)
			rec.LightState = &ls
		}
	})
	if err != nil {
		h.logger.Warn("persist device state", "addr", addr, "err", err)
		rec = &store.Device{Address: addr.String(), Model: d.Model(), Kind: d.Kind(), IsOn: params.IsOn, Brightness: params.Brightness}
	}
	h.events.Emit(Event{Type: EventStateChanged, Data: viewFromRecord(rec).eventData()})
	return nil
}

func (h *Hub) update(addr netip.AddrPort, fn func(*store.Device)) (*store.Device, error) {
	var out *store.Device
	err := h.store.UpdateDevice(addr.String(), func(rec *store.Device) error {
		fn(rec)
		out = rec
		return nil
	})
	return out, err
}

func (h *Hub) SetAlias(ctx context.Context, addr netip.AddrPort, alias string) error {
	d, err := h.device(addr)
	if err != nil {
		return err
	}
	if err := kasa.SetAlias(ctx, d, alias); err != nil {
		return err
	}
	rec, err := h.update(addr, func(rec *store.Device) { rec.Alias = alias })
	if err != nil {
		return fmt.Errorf("persist alias: %w", err)
	}
	h.events.Emit(Event{Type: EventDeviceUpdated, Data: viewFromRecord(rec).eventData()})
	return nil
}

// Reboot restarts the device after delay; zero uses the one second default.
func (h *Hub) Reboot(ctx context.Context, addr netip.AddrPort, delay time.Duration) error {
	d, err := h.device(addr)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return kasa.Reboot(ctx, d)
	}
	return kasa.RebootWithDelay(ctx, d, delay)
}

func (h *Hub) DimmerParameters(ctx context.Context, addr netip.AddrPort) (*kasa.DimmerParameters, error) {
	d, err := h.device(addr)
	if err != nil {
		return nil, err
	}
	dd, err := kasa.TryAsDimmable(d)
	if err != nil {
		return nil, err
	}
	return kasa.GetDimmerParameters(ctx, dd)
}

func (h *Hub) DefaultBehavior(ctx context.Context, addr netip.AddrPort) (map[string]interface{}, error) {
	d, err := h.device(addr)
	if err != nil {
		return nil, err
	}
	dd, err := kasa.TryAsDimmable(d)
	if err != nil {
		return nil, err
	}
	return kasa.GetDefaultBehavior(ctx, dd)
}

// Refresh reads sysinfo from the device, stores it and emits state_changed
// when the on state or brightness moved.
func (h *Hub) Refresh(ctx context.Context, addr netip.AddrPort) (*DeviceView, error) {
	d, err := h.device(addr)
	if err != nil {
		return nil, err
	}
	info, err := kasa.GetSysinfo(ctx, d)
	if err != nil {
		return nil, err
	}

	changed := false
	rec, err := h.update(addr, func(rec *store.Device) {
		changed = rec.IsOn != info.IsOn() || rec.Brightness != info.EffectiveBrightness()
		rec.ApplySysInfo(info)
		rec.LastSeen = time.Now()
	})
	if err != nil {
		return nil, fmt.Errorf("persist refresh: %w", err)
	}
	view := viewFromRecord(rec)
	if changed {
		h.events.Emit(Event{Type: EventStateChanged, Data: view.eventData()})
	}
	return &view, nil
}

// RefreshAll refreshes every known device with bounded concurrency. Failures
// are logged; unreachable devices keep their last stored state.
func (h *Hub) RefreshAll(ctx context.Context) {
	limit := h.cfg.PollConcurrency
	if limit <= 0 {
		limit = defaultPollConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, addr := range h.dir.Addrs() {
		g.Go(func() error {
			if _, err := h.Refresh(gctx, addr); err != nil {
				h.logger.Debug("poll device", "addr", addr, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Hub) pollLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.RefreshAll(h.ctx)
		}
	}
}

// Forget removes a device from the directory and the store.
func (h *Hub) Forget(addr netip.AddrPort) error {
	if !h.dir.Delete(addr) {
		return fmt.Errorf("device %s: %w", addr, ErrNotFound)
	}
	h.dropHandle(addr)
	if err := h.store.DeleteDevice(addr.String()); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete device: %w", err)
	}
	h.logger.Info("device forgotten", "addr", addr)
	h.events.Emit(Event{Type: EventDeviceRemoved, Data: map[string]interface{}{"addr": addr.String()}})
	return nil
}

// GetDevice returns the stored view of a device in the directory.
func (h *Hub) GetDevice(addr netip.AddrPort) (*DeviceView, error) {
	if _, err := h.dir.Lookup(addr); err != nil {
		return nil, err
	}
	rec, err := h.store.GetDevice(addr.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("device %s: %w", addr, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	v := viewFromRecord(rec)
	return &v, nil
}

// ListDevices returns every device in the directory.
func (h *Hub) ListDevices() []DeviceView {
	records, err := h.store.ListDevices()
	if err != nil {
		h.logger.Error("list devices", "err", err)
		return nil
	}
	views := make([]DeviceView, 0, len(records))
	for _, rec := range records {
		addr, err := netip.ParseAddrPort(rec.Address)
		if err != nil {
			continue
		}
		if _, err := h.dir.Lookup(addr); err != nil {
			continue
		}
		views = append(views, viewFromRecord(rec))
	}
	return views
}

// FindByAlias returns the address of the first device with this alias.
func (h *Hub) FindByAlias(alias string) (netip.AddrPort, error) {
	for _, v := range h.ListDevices() {
		if v.Name == alias {
			return netip.ParseAddrPort(v.Addr)
		}
	}
	return netip.AddrPort{}, fmt.Errorf("alias %q: %w", alias, ErrNotFound)
}

// Resolve accepts an address ("ip" or "ip:port") or an alias.
func (h *Hub) Resolve(target string) (netip.AddrPort, error) {
	if addr, err := protocol.ParseAddress(target); err == nil {
		if _, err := h.dir.Lookup(addr); err != nil {
			return netip.AddrPort{}, err
		}
		return addr, nil
	}
	return h.FindByAlias(target)
}

func (h *Hub) DiscoveryState() (*store.DiscoveryState, error) {
	return h.store.GetDiscoveryState()
}
