// Package gpioout provides the GPIO output drivers that back soft chip-select
// lines: an ioctl driver for the Linux GPIO character device, a periph.io
// driver, and a recording fake for tests. All of them satisfy csext.GPIO.
package gpioout

import "github.com/pkg/errors"

// ErrLineUnavailable is returned when a line was never claimed for output on
// the driver.
var ErrLineUnavailable = errors.New("gpio line not claimed for output")
