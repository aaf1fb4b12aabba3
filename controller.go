package csext

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxFrequencyHz is the hardware clock ceiling assumed when a bus
// config doesn't provide one. 125 MHz is the fastest SCLK the BCM283x SPI0
// block can produce from its 250 MHz core clock.
const DefaultMaxFrequencyHz = 125000000

// BusConfig configures one bus instance.
type BusConfig struct {
	// Name identifies the bus in logs, e.g. "0" for SPI0.
	Name string

	// MaxFrequencyHz is the hardware clock ceiling; descriptors may not
	// exceed it. Defaults to DefaultMaxFrequencyHz.
	MaxFrequencyHz uint

	// ArbitrationTimeout bounds how long a Submit call may wait for the
	// bus before failing with ErrArbitrationTimeout. Zero means wait until
	// the context is done.
	ArbitrationTimeout time.Duration

	// Clock is injectable for timing-sensitive callers. Defaults to the
	// wall clock.
	Clock clock.Clock
}

// Bus is one bus instance: it owns the line descriptor table and the
// mutual-exclusion token that serializes every electrical assertion on the
// shared bus. All transfer submitters go through Submit; the GPIO driver and
// the transfer engine are never invoked by anyone else.
type Bus struct {
	name       string
	maxHz      uint
	arbTimeout time.Duration
	clk        clock.Clock

	engine Engine
	gpio   GPIO
	pins   PinClaimer
	logger golog.Logger

	// sem is the arbitration token. Weighted semaphores hand the token to
	// waiters in FIFO order, so no submitter starves.
	sem *semaphore.Weighted
	tbl table
}

// NewBus returns an empty bus instance. pins may be nil when no pin-mux
// bookkeeping is wanted (tests mostly).
func NewBus(cfg BusConfig, engine Engine, gpio GPIO, pins PinClaimer, logger golog.Logger) *Bus {
	maxHz := cfg.MaxFrequencyHz
	if maxHz == 0 {
		maxHz = DefaultMaxFrequencyHz
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{
		name:       cfg.Name,
		maxHz:      maxHz,
		arbTimeout: cfg.ArbitrationTimeout,
		clk:        clk,
		engine:     engine,
		gpio:       gpio,
		pins:       pins,
		logger:     logger,
		sem:        semaphore.NewWeighted(1),
		tbl:        table{lines: map[uint]LineDescriptor{}, asserted: noneAsserted},
	}
}

// Submit performs one duplex transfer against the peripheral at the given
// chip-select index and returns the bytes received. The clock rate actually
// used is min(clockHz, the descriptor's MaxFrequencyHz).
//
// Submit blocks at two points: waiting for the arbitration token and waiting
// for the byte exchange. Cancelling ctx while still waiting for the token is
// clean and has no electrical side effect. Once the line is asserted the
// request runs through deassertion no matter what, so no error path can
// leave a line driven to its active level.
func (b *Bus) Submit(ctx context.Context, index uint, tx []byte, clockHz uint) ([]byte, error) {
	if len(tx) == 0 {
		return nil, ErrEmptyBuffer
	}
	if clockHz == 0 {
		return nil, ErrInvalidClockRate
	}
	desc, err := b.lookupForSubmit(index)
	if err != nil {
		return nil, err
	}

	b.logger.Debugw("arbitrating", "bus", b.name, "index", index)
	acquireCtx := ctx
	if b.arbTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, b.arbTimeout)
		defer cancel()
	}
	if err := b.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() == nil && b.arbTimeout > 0 {
			return nil, errors.Wrapf(ErrArbitrationTimeout,
				"chip select %d waited %v", index, b.arbTimeout)
		}
		return nil, err
	}
	defer b.sem.Release(1)

	// The wait for the token may have spanned a Detach or Close of this
	// index. The descriptor must still be attached when the assertion
	// starts, or a request could drive a pin whose claim was already
	// released to another function.
	desc, err = b.lookupForSubmit(index)
	if err != nil {
		return nil, err
	}

	return b.exchange(ctx, desc, tx, clockHz)
}

// exchange runs assert -> settle -> transfer -> deassert while holding the
// arbitration token.
func (b *Bus) exchange(ctx context.Context, desc LineDescriptor, tx []byte, clockHz uint) ([]byte, error) {
	b.tbl.markAsserted(desc.Index)
	defer b.tbl.clearAsserted()

	hz := clockHz
	if hz > desc.MaxFrequencyHz {
		hz = desc.MaxFrequencyHz
	}

	nativeLine := ""
	if desc.Kind == KindNative {
		// The controller hardware asserts and deasserts native lines as
		// part of the exchange itself; the engine just needs to know
		// which line to program.
		nativeLine = desc.NativeLine
	} else {
		if err := b.gpio.SetLevel(ctx, desc.SoftPin, desc.IdlePolarity.activeHigh()); err != nil {
			return nil, errors.Wrapf(err, "asserting chip select %d on gpio %d", desc.Index, desc.SoftPin)
		}
	}
	b.logger.Debugw("asserted", "bus", b.name, "index", desc.Index, "kind", desc.Kind.String())

	if desc.SettleDelay > 0 {
		b.clk.Sleep(desc.SettleDelay)
	}

	rx, xferErr := b.engine.Exchange(ctx, hz, nativeLine, tx)

	// Deassertion is unconditional. A failed exchange is not fatal to the
	// controller, but a line left at its active level would be. The
	// request ctx may already be cancelled by now, so the deassert gets a
	// context that cannot be.
	var deassertErr error
	if desc.Kind == KindSoft {
		deassertErr = b.gpio.SetLevel(context.WithoutCancel(ctx), desc.SoftPin, desc.IdlePolarity.idleHigh())
		if deassertErr != nil {
			b.logger.Errorw("failed to deassert soft chip select",
				"bus", b.name, "index", desc.Index, "gpio", desc.SoftPin, "error", deassertErr)
		}
	}
	b.logger.Debugw("deasserted", "bus", b.name, "index", desc.Index)

	if xferErr != nil {
		fail := multierr.Combine(xferErr, deassertErr)
		return nil, multierr.Append(
			errors.Wrapf(ErrTransferFailed, "chip select %d", desc.Index), fail)
	}
	if deassertErr != nil {
		return nil, multierr.Append(
			errors.Wrapf(ErrDeassertFailed, "chip select %d gpio %d", desc.Index, desc.SoftPin), deassertErr)
	}
	return rx, nil
}

// Close tears the bus instance down: it waits for any in-flight transfer,
// releases every pin claim, and destroys all descriptors. Submit and Attach
// fail with ErrBusClosed afterward.
func (b *Bus) Close(ctx context.Context) error {
	// Refuse new submissions right away; requests already queued on the
	// token observe this when they re-check their descriptor.
	b.tbl.mu.Lock()
	b.tbl.closed = true
	b.tbl.mu.Unlock()

	// Wait out any in-flight transfer before tearing down pin claims.
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.sem.Release(1)

	b.tbl.mu.Lock()
	defer b.tbl.mu.Unlock()
	for _, desc := range b.tbl.lines {
		if desc.Kind == KindSoft && b.pins != nil {
			b.pins.Release(desc.SoftPin)
		}
	}
	b.tbl.lines = map[uint]LineDescriptor{}
	b.logger.Debugw("bus closed", "bus", b.name)
	return nil
}
