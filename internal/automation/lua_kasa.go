//go:build !no_automation

package automation

import (
	"context"
	"net/netip"
	"time"

	lua "github.com/yuin/gopher-lua"

	"kasa-go-home/internal/hub"
)

const maxHandlersPerScript = 100

// registerKasaModule installs the `kasa` global. Device arguments accept an
// address ("ip" or "ip:port") or an alias.
func registerKasaModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":             func(L *lua.LState) int { return kasaOn(L, vm) },
		"turn_on":        func(L *lua.LState) int { return kasaPower(L, vm, e, e.hub.SwitchOn) },
		"turn_off":       func(L *lua.LState) int { return kasaPower(L, vm, e, e.hub.SwitchOff) },
		"toggle":         func(L *lua.LState) int { return kasaToggle(L, vm, e) },
		"set_brightness": func(L *lua.LState) int { return kasaSetBrightness(L, vm, e, false) },
		"set_transition": func(L *lua.LState) int { return kasaSetBrightness(L, vm, e, true) },
		"set_color":      func(L *lua.LState) int { return kasaSetColor(L, vm, e) },
		"set_color_temp": func(L *lua.LState) int { return kasaSetColorTemp(L, vm, e) },
		"get_state":      func(L *lua.LState) int { return kasaGetState(L, e) },
		"refresh":        func(L *lua.LState) int { return kasaRefresh(L, vm, e) },
		"after":          func(L *lua.LState) int { return kasaAfter(L, vm, e) },
		"log":            func(L *lua.LState) int { return kasaLog(L, vm, e) },
		"devices":        func(L *lua.LState) int { return kasaDevices(L, e) },
	}
	L.SetGlobal("kasa", L.SetFuncs(L.NewTable(), fns))
}

// kasa.on(type, [filter], fn). Type "*" matches every event; the filter table
// may carry addr and alias.
func kasaOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if filter, ok := L.Get(2).(*lua.LTable); ok {
		if v := filter.RawGetString("addr"); v != lua.LNil {
			h.addr = normalizeAddr(v.String())
		}
		if v := filter.RawGetString("alias"); v != lua.LNil {
			h.alias = v.String()
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// normalizeAddr lets filters name a device by bare IP.
func normalizeAddr(s string) string {
	if ip, err := netip.ParseAddr(s); err == nil {
		return netip.AddrPortFrom(ip, 9999).String()
	}
	return s
}

// resolve looks up argument 1. On failure it pushes nil and the error message
// and returns false.
func resolve(L *lua.LState, e *Engine) (netip.AddrPort, bool) {
	target := L.CheckString(1)
	addr, err := e.hub.Resolve(target)
	if err != nil {
		e.logger.Warn("script target not found", "target", target)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return addr, false
	}
	return addr, true
}

func (vm *scriptVM) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, commandTimeout)
}

// pushResult returns true, or nil and the error message, to Lua.
func pushResult(L *lua.LState, e *Engine, op string, err error) int {
	if err != nil {
		e.logger.Warn("script command failed", "op", op, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func kasaPower(L *lua.LState, vm *scriptVM, e *Engine, fn func(context.Context, netip.AddrPort) error) int {
	addr, ok := resolve(L, e)
	if !ok {
		return 2
	}
	ctx, cancel := vm.commandContext()
	defer cancel()
	return pushResult(L, e, "power", fn(ctx, addr))
}

// kasa.toggle(target) returns the new on state.
func kasaToggle(L *lua.LState, vm *scriptVM, e *Engine) int {
	addr, ok := resolve(L, e)
	if !ok {
		return 2
	}
	ctx, cancel := vm.commandContext()
	defer cancel()
	on, err := e.hub.Toggle(ctx, addr)
	if err != nil {
		return pushResult(L, e, "toggle", err)
	}
	L.Push(lua.LBool(on))
	return 1
}

func kasaSetBrightness(L *lua.LState, vm *scriptVM, e *Engine, transition bool) int {
	addr, ok := resolve(L, e)
	if !ok {
		return 2
	}
	level := L.CheckInt(2)
	ctx, cancel := vm.commandContext()
	defer cancel()
	return pushResult(L, e, "brightness", e.hub.SetBrightness(ctx, addr, level, transition))
}

// kasa.set_color(target, hue, saturation, [brightness])
func kasaSetColor(L *lua.LState, vm *scriptVM, e *Engine) int {
	addr, ok := resolve(L, e)
	if !ok {
		return 2
	}
	hue := L.CheckInt(2)
	sat := L.CheckInt(3)
	level := L.OptInt(4, 100)
	ctx, cancel := vm.commandContext()
	defer cancel()
	return pushResult(L, e, "color", e.hub.SetColor(ctx, addr, hue, sat, level))
}

func kasaSetColorTemp(L *lua.LState, vm *scriptVM, e *Engine) int {
	addr, ok := resolve(L, e)
	if !ok {
		return 2
	}
	kelvin := L.CheckInt(2)
	ctx, cancel := vm.commandContext()
	defer cancel()
	return pushResult(L, e, "color_temp", e.hub.SetColorTemp(ctx, addr, kelvin))
}

// kasa.get_state(target) returns the stored view without touching the network.
func kasaGetState(L *lua.LState, e *Engine) int {
	addr, ok := resolve(L, e)
	if !ok {
		return 2
	}
	v, err := e.hub.GetDevice(addr)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(viewToLua(L, *v))
	return 1
}

// kasa.refresh(target) queries the device and returns the fresh view.
func kasaRefresh(L *lua.LState, vm *scriptVM, e *Engine) int {
	addr, ok := resolve(L, e)
	if !ok {
		return 2
	}
	ctx, cancel := vm.commandContext()
	defer cancel()
	v, err := e.hub.Refresh(ctx, addr)
	if err != nil {
		return pushResult(L, e, "refresh", err)
	}
	L.Push(viewToLua(L, *v))
	return 1
}

// kasa.after(seconds, fn) runs fn on the script's VM after a delay.
func kasaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		ok := vm.enqueue(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		})
		if !ok {
			e.logger.Warn("after: script queue unavailable")
		}
	}()
	return 0
}

func kasaLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

// kasa.devices() lists every known device.
func kasaDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for _, v := range e.hub.ListDevices() {
		tbl.Append(viewToLua(L, v))
	}
	L.Push(tbl)
	return 1
}

func viewToLua(L *lua.LState, v hub.DeviceView) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("addr", lua.LString(v.Addr))
	t.RawSetString("alias", lua.LString(v.Name))
	t.RawSetString("model", lua.LString(v.Model))
	t.RawSetString("kind", lua.LString(v.Kind))
	t.RawSetString("is_on", lua.LBool(v.IsOn))
	t.RawSetString("brightness", lua.LNumber(v.Brightness))
	t.RawSetString("rssi", lua.LNumber(v.RSSI))
	if ls := v.LightState; ls != nil {
		t.RawSetString("hue", lua.LNumber(ls.Hue))
		t.RawSetString("saturation", lua.LNumber(ls.Saturation))
		t.RawSetString("color_temp", lua.LNumber(ls.ColorTemp))
	}
	return t
}
