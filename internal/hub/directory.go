package hub

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
)

// Directory maps device addresses to the model string they reported. It is
// owned by the hub; every lookup and mutation takes the lock explicitly.
type Directory struct {
	mu     sync.RWMutex
	models map[netip.AddrPort]string
}

func NewDirectory() *Directory {
	return &Directory{models: make(map[netip.AddrPort]string)}
}

// Set records model for addr and reports whether the entry changed.
func (d *Directory) Set(addr netip.AddrPort, model string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.models[addr]
	d.models[addr] = model
	return !ok || old != model
}

// Lookup returns the model for addr or ErrNotFound.
func (d *Directory) Lookup(addr netip.AddrPort) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	model, ok := d.models[addr]
	if !ok {
		return "", fmt.Errorf("device %s: %w", addr, ErrNotFound)
	}
	return model, nil
}

func (d *Directory) Delete(addr netip.AddrPort) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.models[addr]
	delete(d.models, addr)
	return ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.models)
}

// Addrs returns every known address in a stable order.
func (d *Directory) Addrs() []netip.AddrPort {
	d.mu.RLock()
	addrs := make([]netip.AddrPort, 0, len(d.models))
	for a := range d.models {
		addrs = append(addrs, a)
	}
	d.mu.RUnlock()
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })
	return addrs
}
