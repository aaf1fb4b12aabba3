//go:build !linux

package main

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/hwlayers/csext/gpioout"
)

// newGPIODriver falls back to the periph.io pin registry; the ioctl
// character device driver only exists on linux.
func newGPIODriver(chipDev string, pins []uint, logger golog.Logger) (gpioDriver, error) {
	if chipDev != "" {
		return nil, errors.New("the ioctl gpio driver requires linux; omit --gpiochip to use periph.io pins")
	}
	return gpioout.NewPins(pins)
}
