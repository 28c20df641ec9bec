package guard

import "errors"

// ErrPaused is returned when a mutating entry point is hit while its module
// switch is off.
var ErrPaused = errors.New("module paused")

// PauseView reports whether a named module is currently paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Check rejects the call when the module is paused. A nil view means pausing
// is not configured and every call passes.
func Check(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrPaused
	}
	return nil
}

// Static is a fixed pause map, used for configuration-driven switches and in
// tests.
type Static map[string]bool

// IsPaused implements the PauseView interface.
func (s Static) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	return s[module]
}
