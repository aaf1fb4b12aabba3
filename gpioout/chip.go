//go:build linux

package gpioout

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/mkch/gpio"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// Chip drives output lines on one Linux GPIO character device (e.g.
// /dev/gpiochip0) through the ioctl interface. Lines are opened lazily on
// first use and stay open so they hold their level; Close releases the file
// descriptors.
type Chip struct {
	devicePath string
	logger     golog.Logger

	mu      sync.Mutex
	claimed map[uint]bool
	lines   map[uint]*gpio.Line
}

// NewChip returns a driver for the device at devicePath that may drive
// exactly the given line offsets.
func NewChip(devicePath string, lines []uint, logger golog.Logger) *Chip {
	claimed := make(map[uint]bool, len(lines))
	for _, offset := range lines {
		claimed[offset] = true
	}
	return &Chip{
		devicePath: devicePath,
		logger:     logger,
		claimed:    claimed,
		lines:      map[uint]*gpio.Line{},
	}
}

// openLine opens the line for output if it isn't already. Call with the
// mutex held.
func (c *Chip) openLine(offset uint) (*gpio.Line, error) {
	if line, ok := c.lines[offset]; ok {
		return line, nil
	}

	chip, err := gpio.OpenChip(c.devicePath)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(chip.Close)

	// Default value 0; callers drive the line to its intended level
	// immediately after opening it.
	line, err := chip.OpenLine(uint32(offset), 0, gpio.Output, "csext")
	if err != nil {
		return nil, err
	}
	c.lines[offset] = line
	return line, nil
}

// SetLevel implements csext.GPIO.
func (c *Chip) SetLevel(ctx context.Context, line uint, high bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.claimed[line] {
		return errors.Wrapf(ErrLineUnavailable, "gpio %d on %s", line, c.devicePath)
	}
	fd, err := c.openLine(line)
	if err != nil {
		return err
	}

	var value byte
	if high {
		value = 1
	}
	return fd.SetValue(value)
}

// Level implements csext.GPIO. Any non-zero value reads as high.
func (c *Chip) Level(ctx context.Context, line uint) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.claimed[line] {
		return false, errors.Wrapf(ErrLineUnavailable, "gpio %d on %s", line, c.devicePath)
	}
	fd, err := c.openLine(line)
	if err != nil {
		return false, err
	}
	value, err := fd.Value()
	if err != nil {
		return false, err
	}
	return value != 0, nil
}

// Close releases every open line so we don't leak file descriptors.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for offset, line := range c.lines {
		err = multierr.Combine(err, line.Close())
		delete(c.lines, offset)
	}
	return err
}
