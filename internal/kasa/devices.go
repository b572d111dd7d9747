package kasa

import (
	"context"
	"net/netip"
	"sync"
)

// Transport exchanges one request with the device at addr.
type Transport interface {
	Exchange(ctx context.Context, addr netip.AddrPort, msg string) (string, error)
}

// handle is the state every variant shares. Handles are used from several
// goroutines, so the cache is guarded.
type handle struct {
	addr      netip.AddrPort
	model     string
	transport Transport

	mu     sync.Mutex
	params ControlParams
}

func (h *handle) Addr() netip.AddrPort { return h.addr }
func (h *handle) Model() string        { return h.model }

func (h *handle) Send(ctx context.Context, msg string) (string, error) {
	return h.transport.Exchange(ctx, h.addr, msg)
}

func (h *handle) CachedParams() ControlParams {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.params
}

func (h *handle) SetCachedParams(p ControlParams) {
	h.mu.Lock()
	h.params = p
	h.mu.Unlock()
}

func (h *handle) UpdateCachedParams(fn func(*ControlParams)) {
	h.mu.Lock()
	fn(&h.params)
	h.mu.Unlock()
}

// Plug is a switch-only device: smart plugs and wall switches.
type Plug struct{ handle }

func NewPlug(addr netip.AddrPort, model string, t Transport) *Plug {
	return &Plug{handle{addr: addr, model: model, transport: t}}
}

func (p *Plug) Kind() Kind                     { return KindPlug }
func (p *Plug) AsDimmable() (Dimmable, bool)   { return nil, false }
func (p *Plug) AsColorable() (Colorable, bool) { return nil, false }

// Dimmer is a switch with a brightness level.
type Dimmer struct{ handle }

func NewDimmer(addr netip.AddrPort, model string, t Transport) *Dimmer {
	return &Dimmer{handle{addr: addr, model: model, transport: t}}
}

func (d *Dimmer) Kind() Kind                     { return KindDimmer }
func (d *Dimmer) AsDimmable() (Dimmable, bool)   { return d, true }
func (d *Dimmer) AsColorable() (Colorable, bool) { return nil, false }
func (d *Dimmer) dimmable()                      {}

// Bulb is a dimmable light that also takes color commands.
type Bulb struct{ handle }

func NewBulb(addr netip.AddrPort, model string, t Transport) *Bulb {
	return &Bulb{handle{addr: addr, model: model, transport: t}}
}

func (b *Bulb) Kind() Kind                     { return KindBulb }
func (b *Bulb) AsDimmable() (Dimmable, bool)   { return b, true }
func (b *Bulb) AsColorable() (Colorable, bool) { return b, true }
func (b *Bulb) dimmable()                      {}
func (b *Bulb) colorable()                     {}
