package kasa

import (
	"net/netip"
	"strings"
)

// Model families in match priority order. The first family with a token
// contained in the model string wins.
var families = []struct {
	kind   Kind
	tokens []string
}{
	{KindPlug, []string{"EP10", "EP25", "HS100", "HS103", "HS105", "HS110", "HS200", "HS210", "KP100", "KP105", "KP115", "KP125", "KS200"}},
	{KindDimmer, []string{"HS220", "KP405", "ES20M", "KS220"}},
	{KindBulb, []string{"KL1", "KL4", "KL5", "LB1"}},
}

// Classify maps a model string such as "HS220(US)" to its capability set.
func Classify(model string) (Kind, error) {
	for _, f := range families {
		for _, tok := range f.tokens {
			if strings.Contains(model, tok) {
				return f.kind, nil
			}
		}
	}
	return "", &UnknownModelError{Model: model}
}

// TryResolve builds the handle for a device. An unrecognised model is an
// error, never a default variant.
func TryResolve(addr netip.AddrPort, model string, t Transport) (Device, error) {
	kind, err := Classify(model)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindDimmer:
		return NewDimmer(addr, model, t), nil
	case KindBulb:
		return NewBulb(addr, model, t), nil
	default:
		return NewPlug(addr, model, t), nil
	}
}

// TryAsDimmable narrows d for brightness commands.
func TryAsDimmable(d Device) (Dimmable, error) {
	if dd, ok := d.AsDimmable(); ok {
		return dd, nil
	}
	return nil, &UnsupportedError{Capability: "dimmable"}
}

// TryAsColorable narrows d for color commands.
func TryAsColorable(d Device) (Colorable, error) {
	if c, ok := d.AsColorable(); ok {
		return c, nil
	}
	return nil, &UnsupportedError{Capability: "color"}
}
