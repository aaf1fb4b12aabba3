//go:build linux

package main

import (
	"github.com/edaniels/golog"

	"github.com/hwlayers/csext/gpioout"
)

// newGPIODriver picks the soft chip-select driver: the ioctl character
// device driver when --gpiochip names one, the periph.io pin registry
// otherwise.
func newGPIODriver(chipDev string, pins []uint, logger golog.Logger) (gpioDriver, error) {
	if chipDev != "" {
		return gpioout.NewChip(chipDev, pins, logger), nil
	}
	return gpioout.NewPins(pins)
}
