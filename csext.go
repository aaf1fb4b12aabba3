// Package csext extends an SPI master's fixed set of hardware chip-select
// lines with additional chip selects driven through ordinary GPIO output
// lines. Transfer submitters address peripherals by chip-select index and
// never learn whether the index is backed by a native controller line or a
// soft GPIO line; the bus controller drives the correct assert/deassert
// sequence around every transfer either way.
//
// The canonical deployment is BCM283x SPI0: native CE0/CE1 plus GPIO19 as
// chip-select index 2, running a generic spidev-class peripheral at 500 kHz.
// See the overlay package for that profile.
package csext

import "context"

// GPIO drives soft chip-select lines. Implementations live in the gpioout
// package; the controller is the only caller on the transfer path.
type GPIO interface {
	// SetLevel drives the given line to logic high or low.
	SetLevel(ctx context.Context, line uint, high bool) error

	// Level reports the line's current level. It is meant for verification
	// and diagnostics, never for the transfer path.
	Level(ctx context.Context, line uint) (bool, error)
}

// Engine performs the duplex byte exchange once a chip select is asserted.
// The number of bytes received always equals the number of bytes sent.
// nativeLine names the hardware CS line the controller should drive during
// the exchange; an empty string means no hardware CS participates because
// the caller is driving a soft line itself.
type Engine interface {
	Exchange(ctx context.Context, clockHz uint, nativeLine string, tx []byte) ([]byte, error)
}

// PinClaimer is the pin-multiplexing collaborator consumed at attach time.
// Claiming a pin already held for a different function fails, which is what
// keeps two logical lines from driving the same physical pin.
type PinClaimer interface {
	ClaimPinForFunction(pin uint, function string) error
	Release(pin uint)
}
