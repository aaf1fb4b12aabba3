package gpioout

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// Pins drives output lines through periph.io's global pin registry. The host
// drivers must be initialized first (periph.io/x/host/v3 host.Init).
type Pins struct {
	mu     sync.Mutex
	byLine map[uint]gpio.PinIO
}

// NewPins resolves the given line offsets against the periph registry and
// returns a driver for them.
func NewPins(lines []uint) (*Pins, error) {
	byLine := make(map[uint]gpio.PinIO, len(lines))
	for _, offset := range lines {
		name := fmt.Sprintf("%d", offset)
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, errors.Errorf("no global pin found for %q", name)
		}
		byLine[offset] = pin
	}
	return &Pins{byLine: byLine}, nil
}

func (p *Pins) pin(line uint) (gpio.PinIO, error) {
	pin, ok := p.byLine[line]
	if !ok {
		return nil, errors.Wrapf(ErrLineUnavailable, "gpio %d", line)
	}
	return pin, nil
}

// SetLevel implements csext.GPIO.
func (p *Pins) SetLevel(ctx context.Context, line uint, high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pin, err := p.pin(line)
	if err != nil {
		return err
	}
	level := gpio.Low
	if high {
		level = gpio.High
	}
	return pin.Out(level)
}

// Level implements csext.GPIO.
func (p *Pins) Level(ctx context.Context, line uint) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pin, err := p.pin(line)
	if err != nil {
		return false, err
	}
	return pin.Read() == gpio.High, nil
}

// Close is a no-op; periph owns the underlying pins.
func (p *Pins) Close() error { return nil }
