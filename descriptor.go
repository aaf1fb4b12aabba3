package csext

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Polarity is the electrical level that means "not selected".
type Polarity uint8

const (
	// ActiveLow lines idle high and are asserted by driving them low. This
	// is the common case for SPI chip selects.
	ActiveLow Polarity = iota
	// ActiveHigh lines idle low and are asserted by driving them high.
	ActiveHigh
)

func (p Polarity) String() string {
	if p == ActiveHigh {
		return "active_high"
	}
	return "active_low"
}

// activeHigh reports the level that asserts a line of this polarity.
func (p Polarity) activeHigh() bool { return p == ActiveHigh }

// idleHigh reports the level that deasserts a line of this polarity.
func (p Polarity) idleHigh() bool { return p == ActiveLow }

// LineKind distinguishes hardware-driven chip selects from GPIO-driven ones.
type LineKind uint8

const (
	// KindNative lines are driven by the bus controller's own CS logic.
	KindNative LineKind = iota
	// KindSoft lines are ordinary GPIO outputs toggled by the controller
	// in lock-step with transfers.
	KindSoft
)

func (k LineKind) String() string {
	if k == KindSoft {
		return "gpio"
	}
	return "native"
}

// LineDescriptor describes one chip-select index on a bus instance.
type LineDescriptor struct {
	// Index is the ordinal chip-select position, unique per bus.
	Index uint

	Kind LineKind

	// NativeLine identifies the hardware CS line (e.g. "0" for CE0) when
	// Kind is KindNative.
	NativeLine string

	// SoftPin is the GPIO line offset when Kind is KindSoft.
	SoftPin uint

	IdlePolarity Polarity

	// MaxFrequencyHz caps the clock rate of transfers to this peripheral.
	// It is immutable once attached; changing it requires detach/reattach.
	MaxFrequencyHz uint

	// SettleDelay is the minimum time between asserting the line and
	// starting the exchange. GPIO toggling has very different timing
	// characteristics from a hardware CS register flip, and some
	// peripherals need the setup time.
	SettleDelay time.Duration

	// Peripheral optionally names the logical peer bound at this index.
	Peripheral string
}

func (d *LineDescriptor) validate(ceilingHz uint) error {
	switch d.Kind {
	case KindNative:
		if d.NativeLine == "" {
			return errors.Errorf("chip select %d: native line id required", d.Index)
		}
	case KindSoft:
	default:
		return errors.Errorf("chip select %d: unknown line kind %d", d.Index, d.Kind)
	}
	if d.MaxFrequencyHz == 0 || d.MaxFrequencyHz > ceilingHz {
		return errors.Wrapf(ErrFrequencyOutOfRange,
			"chip select %d: %d Hz (bus ceiling %d Hz)", d.Index, d.MaxFrequencyHz, ceilingHz)
	}
	return nil
}

// chipSelectFunction is the pin-mux function name a soft line claims its
// pin under.
func chipSelectFunction(index uint) string {
	return fmt.Sprintf("spi-cs%d", index)
}
