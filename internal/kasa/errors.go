package kasa

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSection matches any device-reported command failure.
	ErrSection = errors.New("device reported error")
	// ErrUnknownModel matches a model string the resolver cannot classify.
	ErrUnknownModel = errors.New("unknown model")
	// ErrUnsupported matches an operation the device variant cannot perform.
	ErrUnsupported = errors.New("unsupported capability")
)

// SectionError is a nonzero or missing err_code in a reply section.
type SectionError struct {
	Path    string
	Code    int
	Msg     string
	Missing bool
}

func (e *SectionError) Error() string {
	if e.Missing {
		return fmt.Sprintf("response has no %s", e.Path)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s = %d: %s", e.Path, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s = %d", e.Path, e.Code)
}

func (e *SectionError) Is(target error) bool { return target == ErrSection }

// UnknownModelError carries the unrecognised model string.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q", e.Model)
}

func (e *UnknownModelError) Is(target error) bool { return target == ErrUnknownModel }

// UnsupportedError names the capability a device lacks.
type UnsupportedError struct {
	Capability string
}

func (e *UnsupportedError) Error() string {
	return "unsupported: " + e.Capability
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupported }

func joinPath(path []string) string {
	return "/" + strings.Join(path, "/")
}
