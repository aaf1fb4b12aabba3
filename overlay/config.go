// Package overlay is the declarative configuration surface of the
// chip-select extension layer: a list of line entries applied atomically to
// a bus instance, the software analogue of a device-tree overlay. A failed
// apply leaves the pin mux and the bus exactly as they were.
package overlay

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/hwlayers/csext"
)

const (
	// KindNative marks a line driven by the controller's hardware CS logic.
	KindNative = "native"
	// KindGPIO marks a soft line driven through a GPIO output.
	KindGPIO = "gpio"

	polarityActiveLow  = "active_low"
	polarityActiveHigh = "active_high"
)

// LineConfig declares one chip-select line.
type LineConfig struct {
	Index uint   `json:"index"`
	Kind  string `json:"kind"` // "native" or "gpio"

	// Line is the hardware CS line id (e.g. "0" for CE0) for native lines.
	Line string `json:"line,omitempty"`
	// Pin is the GPIO line offset for gpio lines.
	Pin *uint `json:"pin,omitempty"`

	// IdlePolarity defaults to "active_low".
	IdlePolarity    string `json:"idle_polarity,omitempty"`
	MaxFrequencyHz  uint   `json:"max_frequency_hz"`
	SettleDelayUsec uint   `json:"settle_delay_usec,omitempty"`
	Peripheral      string `json:"peripheral,omitempty"`
}

// Config declares one bus instance and its chip-select lines.
type Config struct {
	// Bus selects the SPI bus, e.g. "0" for SPI0.
	Bus string `json:"bus"`
	// Mode is the SPI mode used for all transfers on the bus.
	Mode uint `json:"mode,omitempty"`
	// MaxFrequencyHz is the hardware clock ceiling; zero uses the default.
	MaxFrequencyHz uint `json:"max_frequency_hz,omitempty"`
	// ArbitrationTimeoutMsec bounds the wait for the bus; zero waits
	// indefinitely.
	ArbitrationTimeoutMsec uint         `json:"arbitration_timeout_msec,omitempty"`
	Lines                  []LineConfig `json:"lines"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.Bus == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "bus")
	}
	if len(conf.Lines) == 0 {
		return goutils.NewConfigValidationError(path,
			errors.New("at least one chip select line is required"))
	}

	ceiling := conf.MaxFrequencyHz
	if ceiling == 0 {
		ceiling = csext.DefaultMaxFrequencyHz
	}

	seenIndexes := map[uint]bool{}
	seenPins := map[uint]bool{}
	for idx, line := range conf.Lines {
		linePath := fmt.Sprintf("%s.%s.%d", path, "lines", idx)
		if err := line.Validate(linePath, ceiling); err != nil {
			return err
		}
		if seenIndexes[line.Index] {
			return goutils.NewConfigValidationError(linePath,
				errors.Errorf("duplicate chip select index %d", line.Index))
		}
		seenIndexes[line.Index] = true
		if line.Pin != nil {
			if seenPins[*line.Pin] {
				return goutils.NewConfigValidationError(linePath,
					errors.Errorf("gpio %d used by more than one line", *line.Pin))
			}
			seenPins[*line.Pin] = true
		}
	}

	// Indices must be contiguous from 0 so that native and extended lines
	// form one uninterrupted address space.
	for i := uint(0); i < uint(len(conf.Lines)); i++ {
		if !seenIndexes[i] {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("chip select indices must be contiguous from 0, missing %d", i))
		}
	}
	return nil
}

// Validate ensures one line entry is valid.
func (line *LineConfig) Validate(path string, ceilingHz uint) error {
	switch line.Kind {
	case KindNative:
		if line.Line == "" {
			return goutils.NewConfigValidationFieldRequiredError(path, "line")
		}
	case KindGPIO:
		if line.Pin == nil {
			return goutils.NewConfigValidationFieldRequiredError(path, "pin")
		}
	case "":
		return goutils.NewConfigValidationFieldRequiredError(path, "kind")
	default:
		return goutils.NewConfigValidationError(path,
			errors.Errorf("kind must be %q or %q, got %q", KindNative, KindGPIO, line.Kind))
	}

	switch line.IdlePolarity {
	case "", polarityActiveLow, polarityActiveHigh:
	default:
		return goutils.NewConfigValidationError(path,
			errors.Errorf("idle_polarity must be %q or %q", polarityActiveLow, polarityActiveHigh))
	}

	if line.MaxFrequencyHz == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "max_frequency_hz")
	}
	if line.MaxFrequencyHz > ceilingHz {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("max_frequency_hz %d exceeds bus ceiling %d", line.MaxFrequencyHz, ceilingHz))
	}
	return nil
}

func (line *LineConfig) descriptor() csext.LineDescriptor {
	desc := csext.LineDescriptor{
		Index:          line.Index,
		IdlePolarity:   csext.ActiveLow,
		MaxFrequencyHz: line.MaxFrequencyHz,
		SettleDelay:    time.Duration(line.SettleDelayUsec) * time.Microsecond,
		Peripheral:     line.Peripheral,
	}
	if line.IdlePolarity == polarityActiveHigh {
		desc.IdlePolarity = csext.ActiveHigh
	}
	if line.Kind == KindGPIO {
		desc.Kind = csext.KindSoft
		desc.SoftPin = *line.Pin
	} else {
		desc.Kind = csext.KindNative
		desc.NativeLine = line.Line
	}
	return desc
}

// SoftPins returns the GPIO offsets of every gpio line in the config, for
// wiring up an output driver.
func (conf *Config) SoftPins() []uint {
	var pins []uint
	for _, line := range conf.Lines {
		if line.Kind == KindGPIO && line.Pin != nil {
			pins = append(pins, *line.Pin)
		}
	}
	return pins
}

// SPI0GPIO19 is the canonical profile this layer exists for: SPI0 with its
// two native CE lines, plus GPIO19 as chip-select index 2 bound to a generic
// spidev-class peripheral at 500 kHz, all active-low.
func SPI0GPIO19() *Config {
	pin := uint(19)
	return &Config{
		Bus: "0",
		Lines: []LineConfig{
			{Index: 0, Kind: KindNative, Line: "0", MaxFrequencyHz: csext.DefaultMaxFrequencyHz},
			{Index: 1, Kind: KindNative, Line: "1", MaxFrequencyHz: csext.DefaultMaxFrequencyHz},
			{Index: 2, Kind: KindGPIO, Pin: &pin, MaxFrequencyHz: 500000, Peripheral: "spidev"},
		},
	}
}
