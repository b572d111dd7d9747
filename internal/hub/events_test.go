package hub

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
)

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventDeviceDiscovered, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventDeviceDiscovered, Data: "test"})

	if received.Type != EventDeviceDiscovered {
		t.Errorf("type = %q, want %q", received.Type, EventDeviceDiscovered)
	}
	if received.Data != "test" {
		t.Errorf("data = %v, want %q", received.Data, "test")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventDeviceDiscovered, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventDeviceRemoved})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On(EventStateChanged, func(e Event) {
		count.Add(1)
	})
	unsubAll := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventStateChanged})
	if count.Load() != 2 {
		t.Fatalf("expected 2 calls before unsub, got %d", count.Load())
	}

	unsub()
	unsubAll()
	eb.Emit(Event{Type: EventStateChanged})
	if count.Load() != 2 {
		t.Errorf("expected 2 calls after unsub, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On(EventStateChanged, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventStateChanged, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventStateChanged})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventDiscoveryCycle})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestDirectory(t *testing.T) {
	d := NewDirectory()
	a := netip.MustParseAddrPort("192.168.1.20:9999")
	b := netip.MustParseAddrPort("192.168.1.3:9999")

	if !d.Set(a, "HS220(US)") {
		t.Error("first Set should report a change")
	}
	if d.Set(a, "HS220(US)") {
		t.Error("same model should not report a change")
	}
	if !d.Set(a, "KL130(US)") {
		t.Error("new model should report a change")
	}
	d.Set(b, "HS103(US)")

	if model, err := d.Lookup(a); err != nil || model != "KL130(US)" {
		t.Errorf("Lookup = %q, %v", model, err)
	}
	if addrs := d.Addrs(); len(addrs) != 2 || addrs[0] != b {
		t.Errorf("Addrs = %v, want sorted with %s first", addrs, b)
	}

	if !d.Delete(a) || d.Delete(a) {
		t.Error("Delete should report presence once")
	}
	if _, err := d.Lookup(a); err == nil {
		t.Error("expected ErrNotFound after Delete")
	}
}
