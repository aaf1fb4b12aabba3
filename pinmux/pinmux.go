// Package pinmux tracks which logical function each physical pin is claimed
// for, so that no two functions ever drive the same pin. The chip-select
// layer claims soft-line pins here at attach time.
package pinmux

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrPinConflict is returned when a pin is already claimed for a different
// function.
var ErrPinConflict = errors.New("pin already claimed for another function")

// Mux is an in-memory pin-function registry for one SoC. The zero value is
// not usable; call NewMux.
type Mux struct {
	mu     sync.Mutex
	claims map[uint]string
}

// NewMux returns an empty registry.
func NewMux() *Mux {
	return &Mux{claims: map[uint]string{}}
}

// ClaimPinForFunction records that the pin is in use for the given function.
// Reclaiming a pin for the same function is idempotent; claiming it for a
// different one fails with ErrPinConflict and changes nothing.
func (m *Mux) ClaimPinForFunction(pin uint, function string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.claims[pin]; ok && existing != function {
		return errors.Wrapf(ErrPinConflict, "pin %d held for %q, wanted %q", pin, existing, function)
	}
	m.claims[pin] = function
	return nil
}

// Release drops the claim on a pin. Releasing an unclaimed pin is a no-op.
func (m *Mux) Release(pin uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, pin)
}

// FunctionOf reports the function a pin is claimed for, if any.
func (m *Mux) FunctionOf(pin uint) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	function, ok := m.claims[pin]
	return function, ok
}
