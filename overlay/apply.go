package overlay

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/hwlayers/csext"
)

// Apply validates the config and stands up a bus instance with every
// declared line attached. Application is atomic: on any failure every pin
// claim made so far is released and no bus is returned.
func Apply(
	ctx context.Context,
	conf *Config,
	engine csext.Engine,
	gpio csext.GPIO,
	pins csext.PinClaimer,
	logger golog.Logger,
) (*csext.Bus, error) {
	if err := conf.Validate("overlay"); err != nil {
		return nil, err
	}

	bus := csext.NewBus(csext.BusConfig{
		Name:               conf.Bus,
		MaxFrequencyHz:     conf.MaxFrequencyHz,
		ArbitrationTimeout: time.Duration(conf.ArbitrationTimeoutMsec) * time.Millisecond,
	}, engine, gpio, pins, logger)

	for _, line := range conf.Lines {
		if err := bus.Attach(line.descriptor()); err != nil {
			// Roll back: closing the bus detaches everything attached so
			// far and releases its pin claims.
			err = errors.Wrapf(err, "applying line %d", line.Index)
			return nil, multierr.Combine(err, bus.Close(ctx))
		}
	}

	logger.Infow("chip select overlay applied",
		"bus", conf.Bus, "lines", len(conf.Lines), "soft_pins", conf.SoftPins())
	return bus, nil
}
