//go:build linux

package main

import (
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/hwlayers/csext/gpioout"
)

func TestGPIODriverSelection(t *testing.T) {
	logger := golog.NewTestLogger(t)

	// The character device driver opens lines lazily, so constructing it
	// never touches the device node.
	chip, err := newGPIODriver("/dev/gpiochip0", []uint{19}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, chip, test.ShouldHaveSameTypeAs, &gpioout.Chip{})
	test.That(t, chip.Close(), test.ShouldBeNil)

	pins, err := newGPIODriver("", nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pins, test.ShouldHaveSameTypeAs, &gpioout.Pins{})
	test.That(t, pins.Close(), test.ShouldBeNil)
}
