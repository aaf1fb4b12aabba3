// Package engine provides transfer engines: the collaborators that perform
// the duplex byte exchange once the controller has a chip select asserted.
// The SPI engine talks to Linux spidev through periph.io; the fake engine
// scripts responses for tests.
package engine

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// SPI exchanges bytes over one spidev bus. When asked for a native line it
// opens the matching port and lets the controller hardware run that CS line;
// when asked for no native line (a soft chip select) it opens the bus with
// spi.NoCS so every native line stays idle while the caller drives its GPIO.
type SPI struct {
	bus  string
	mode spi.Mode
}

// NewSPI returns an engine for the given bus (e.g. "0" for /dev/spidev0.x)
// using the given SPI mode for all transfers.
func NewSPI(bus string, mode uint) *SPI {
	return &SPI{bus: bus, mode: spi.Mode(mode)}
}

// portName resolves the spireg port and mode for a transfer. Soft-line
// transfers still need a port to clock bytes through, so they borrow the
// bus's first port with hardware CS disabled.
func (s *SPI) portName(nativeLine string) (string, spi.Mode) {
	if nativeLine == "" {
		return fmt.Sprintf("SPI%s.0", s.bus), s.mode | spi.NoCS
	}
	return fmt.Sprintf("SPI%s.%s", s.bus, nativeLine), s.mode
}

// Exchange implements csext.Engine.
func (s *SPI) Exchange(ctx context.Context, clockHz uint, nativeLine string, tx []byte) (rx []byte, err error) {
	name, mode := s.portName(nativeLine)
	port, err := spireg.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", name)
	}
	defer func() {
		err = multierr.Combine(err, port.Close())
	}()

	conn, err := port.Connect(physic.Hertz*physic.Frequency(clockHz), mode, 8)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s at %d Hz", name, clockHz)
	}
	rx = make([]byte, len(tx))
	return rx, conn.Tx(tx, rx)
}
