package csext

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/hwlayers/csext/engine"
	"github.com/hwlayers/csext/gpioout"
	"github.com/hwlayers/csext/pinmux"
)

const gpio19 = uint(19)

// threeLineBus builds the canonical table: CE0, CE1 and a soft line on
// GPIO19, all active-low at 500 kHz.
func threeLineBus(t *testing.T, eng Engine, gpio GPIO, cfg BusConfig) *Bus {
	t.Helper()
	b := NewBus(cfg, eng, gpio, nil, golog.NewTestLogger(t))
	test.That(t, b.Attach(LineDescriptor{
		Index: 0, Kind: KindNative, NativeLine: "0", MaxFrequencyHz: 500000,
	}), test.ShouldBeNil)
	test.That(t, b.Attach(LineDescriptor{
		Index: 1, Kind: KindNative, NativeLine: "1", MaxFrequencyHz: 500000,
	}), test.ShouldBeNil)
	test.That(t, b.Attach(LineDescriptor{
		Index: 2, Kind: KindSoft, SoftPin: gpio19, MaxFrequencyHz: 500000,
	}), test.ShouldBeNil)
	return b
}

func waitForInFlight(t *testing.T, eng *engine.Fake) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for eng.InFlight() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	test.That(t, eng.InFlight(), test.ShouldEqual, 1)
}

func TestSubmitSoftLine(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{Response: []byte{0x12, 0x34}}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	rx, err := b.Submit(ctx, 2, []byte{0xAA, 0x55}, 500000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rx, test.ShouldResemble, []byte{0x12, 0x34})

	// The engine must have been told to keep every native line idle.
	calls := eng.Calls()
	test.That(t, len(calls), test.ShouldEqual, 1)
	test.That(t, calls[0].NativeLine, test.ShouldEqual, "")
	test.That(t, calls[0].ClockHz, test.ShouldEqual, uint(500000))
	test.That(t, calls[0].TX, test.ShouldResemble, []byte{0xAA, 0x55})

	// GPIO19 was driven low for the transfer and back high afterward.
	test.That(t, gpio.Writes(), test.ShouldResemble, []gpioout.Write{
		{Line: gpio19, High: false},
		{Line: gpio19, High: true},
	})
	level, err := gpio.Level(ctx, gpio19)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldBeTrue)
}

func TestSubmitNativeLine(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	rx, err := b.Submit(ctx, 0, []byte{0x01}, 500000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rx, test.ShouldResemble, []byte{0x01})

	calls := eng.Calls()
	test.That(t, len(calls), test.ShouldEqual, 1)
	test.That(t, calls[0].NativeLine, test.ShouldEqual, "0")
	test.That(t, gpio.Writes(), test.ShouldBeEmpty)
}

func TestSubmitClampsClockRate(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	_, err := b.Submit(ctx, 2, []byte{0x00}, 2000000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eng.Calls()[0].ClockHz, test.ShouldEqual, uint(500000))
}

func TestSubmitInputValidation(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	_, err := b.Submit(ctx, 2, nil, 500000)
	test.That(t, errors.Is(err, ErrEmptyBuffer), test.ShouldBeTrue)

	_, err = b.Submit(ctx, 2, []byte{0x00}, 0)
	test.That(t, errors.Is(err, ErrInvalidClockRate), test.ShouldBeTrue)

	_, err = b.Submit(ctx, 5, []byte{0x00}, 500000)
	test.That(t, errors.Is(err, ErrUnknownIndex), test.ShouldBeTrue)

	// Rejected inputs never reach the engine or the pins.
	test.That(t, eng.Calls(), test.ShouldBeEmpty)
	test.That(t, gpio.Writes(), test.ShouldBeEmpty)
}

func TestTransferFailureStillDeasserts(t *testing.T) {
	ctx := context.Background()
	engErr := errors.New("short read")
	eng := &engine.Fake{Err: engErr}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	_, err := b.Submit(ctx, 2, []byte{0xAA}, 500000)
	test.That(t, errors.Is(err, ErrTransferFailed), test.ShouldBeTrue)
	test.That(t, errors.Is(err, engErr), test.ShouldBeTrue)

	// The line must be back at its idle level despite the failure.
	level, err := gpio.Level(ctx, gpio19)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldBeTrue)
	writes := gpio.Writes()
	test.That(t, writes[len(writes)-1].High, test.ShouldBeTrue)
}

func TestAssertFailurePerformsNoTransfer(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	gpio.FailSetLevel = errors.New("line stuck")
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	_, err := b.Submit(ctx, 2, []byte{0xAA}, 500000)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, eng.Calls(), test.ShouldBeEmpty)
}

func TestSettleDelayIsHonored(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := NewBus(BusConfig{Name: "0"}, eng, gpio, nil, golog.NewTestLogger(t))
	test.That(t, b.Attach(LineDescriptor{
		Index: 0, Kind: KindSoft, SoftPin: gpio19,
		MaxFrequencyHz: 500000, SettleDelay: 30 * time.Millisecond,
	}), test.ShouldBeNil)

	start := time.Now()
	_, err := b.Submit(ctx, 0, []byte{0x00}, 500000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, time.Since(start).Milliseconds(), test.ShouldBeGreaterThanOrEqualTo, int64(30))
}

func TestConcurrentSubmitsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{Delay: time.Millisecond}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	const perWorker = 20
	var wg sync.WaitGroup
	errCh := make(chan error, 2*perWorker)
	for _, index := range []uint{0, 2} {
		wg.Add(1)
		go func(index uint) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := b.Submit(ctx, index, []byte{byte(i)}, 500000)
				errCh <- err
			}
		}(index)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		test.That(t, err, test.ShouldBeNil)
	}

	test.That(t, len(eng.Calls()), test.ShouldEqual, 2*perWorker)
	test.That(t, eng.MaxInFlight(), test.ShouldEqual, 1)

	// Every soft assertion pairs with its deassertion before the next
	// assertion starts: the write stream on GPIO19 strictly alternates.
	writes := gpio.Writes()
	test.That(t, len(writes), test.ShouldEqual, 2*perWorker)
	for i, w := range writes {
		test.That(t, w.Line, test.ShouldEqual, gpio19)
		test.That(t, w.High, test.ShouldEqual, i%2 == 1)
	}
}

func TestArbitrationTimeout(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{Block: make(chan struct{})}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0", ArbitrationTimeout: 25 * time.Millisecond})

	errCh := make(chan error)
	go func() {
		_, err := b.Submit(ctx, 0, []byte{0x00}, 500000)
		errCh <- err
	}()
	waitForInFlight(t, eng)

	_, err := b.Submit(ctx, 2, []byte{0x00}, 500000)
	test.That(t, errors.Is(err, ErrArbitrationTimeout), test.ShouldBeTrue)
	// A timed-out request never touched the line.
	test.That(t, gpio.Writes(), test.ShouldBeEmpty)

	close(eng.Block)
	test.That(t, <-errCh, test.ShouldBeNil)
}

func TestPendingRequestCancelsCleanly(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{Block: make(chan struct{})}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	errCh := make(chan error)
	go func() {
		_, err := b.Submit(ctx, 0, []byte{0x00}, 500000)
		errCh <- err
	}()
	waitForInFlight(t, eng)

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := b.Submit(cancelCtx, 2, []byte{0x00}, 500000)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, gpio.Writes(), test.ShouldBeEmpty)

	close(eng.Block)
	test.That(t, <-errCh, test.ShouldBeNil)
}

func TestDetachWhileAsserted(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{Block: make(chan struct{})}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	errCh := make(chan error)
	go func() {
		_, err := b.Submit(ctx, 2, []byte{0x00}, 500000)
		errCh <- err
	}()
	waitForInFlight(t, eng)

	err := b.Detach(2)
	test.That(t, errors.Is(err, ErrLineBusy), test.ShouldBeTrue)

	close(eng.Block)
	test.That(t, <-errCh, test.ShouldBeNil)

	test.That(t, b.Detach(2), test.ShouldBeNil)
	_, ok := b.Lookup(2)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDeassertFailureIsDistinct(t *testing.T) {
	ctx := context.Background()
	stuck := errors.New("line stuck low")
	eng := &engine.Fake{Response: []byte{0x12}}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	gpio.FailSetLevel = stuck
	gpio.FailSetLevelAfter = 1 // the assert succeeds, the deassert doesn't
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	_, err := b.Submit(ctx, 2, []byte{0xAA}, 500000)
	test.That(t, errors.Is(err, ErrDeassertFailed), test.ShouldBeTrue)
	test.That(t, errors.Is(err, stuck), test.ShouldBeTrue)
	// The exchange itself worked, so this is a chip-select-line fault,
	// not a bus-transfer fault.
	test.That(t, errors.Is(err, ErrTransferFailed), test.ShouldBeFalse)
	test.That(t, len(eng.Calls()), test.ShouldEqual, 1)
}

func TestCancelledTransferStillDeasserts(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{Block: make(chan struct{})}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error)
	go func() {
		_, err := b.Submit(cancelCtx, 2, []byte{0xAA}, 500000)
		errCh <- err
	}()
	waitForInFlight(t, eng)

	cancel()
	err := <-errCh
	test.That(t, errors.Is(err, ErrTransferFailed), test.ShouldBeTrue)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	// The dead ctx must not stop the line from returning to idle.
	test.That(t, gpio.Writes(), test.ShouldResemble, []gpioout.Write{
		{Line: gpio19, High: false},
		{Line: gpio19, High: true},
	})
	level, err := gpio.Level(ctx, gpio19)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldBeTrue)
}

func TestDetachWhileQueued(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{Block: make(chan struct{})}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	mux := pinmux.NewMux()
	b := NewBus(BusConfig{Name: "0"}, eng, gpio, mux, golog.NewTestLogger(t))
	test.That(t, b.Attach(LineDescriptor{
		Index: 0, Kind: KindNative, NativeLine: "0", MaxFrequencyHz: 500000,
	}), test.ShouldBeNil)
	test.That(t, b.Attach(LineDescriptor{
		Index: 2, Kind: KindSoft, SoftPin: gpio19, MaxFrequencyHz: 500000,
	}), test.ShouldBeNil)

	firstCh := make(chan error)
	go func() {
		_, err := b.Submit(ctx, 0, []byte{0x00}, 500000)
		firstCh <- err
	}()
	waitForInFlight(t, eng)

	queuedCh := make(chan error)
	go func() {
		_, err := b.Submit(ctx, 2, []byte{0xAA}, 500000)
		queuedCh <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the request queue on the token

	// The queued request must not keep its descriptor alive: the detach
	// succeeds, and the pin can move to another function.
	test.That(t, b.Detach(2), test.ShouldBeNil)
	test.That(t, mux.ClaimPinForFunction(gpio19, "pwm0"), test.ShouldBeNil)

	close(eng.Block)
	test.That(t, <-firstCh, test.ShouldBeNil)
	err := <-queuedCh
	test.That(t, errors.Is(err, ErrUnknownIndex), test.ShouldBeTrue)

	// The detached line was never driven.
	test.That(t, gpio.Writes(), test.ShouldBeEmpty)
}

func TestCloseWhileQueued(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{Block: make(chan struct{})}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	b := threeLineBus(t, eng, gpio, BusConfig{Name: "0"})

	firstCh := make(chan error)
	go func() {
		_, err := b.Submit(ctx, 0, []byte{0x00}, 500000)
		firstCh <- err
	}()
	waitForInFlight(t, eng)

	queuedCh := make(chan error)
	go func() {
		_, err := b.Submit(ctx, 2, []byte{0xAA}, 500000)
		queuedCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	closeCh := make(chan error)
	go func() {
		closeCh <- b.Close(ctx)
	}()
	time.Sleep(20 * time.Millisecond)

	close(eng.Block)
	test.That(t, <-firstCh, test.ShouldBeNil)
	err := <-queuedCh
	test.That(t, errors.Is(err, ErrBusClosed), test.ShouldBeTrue)
	test.That(t, <-closeCh, test.ShouldBeNil)
	test.That(t, gpio.Writes(), test.ShouldBeEmpty)
}

func TestCloseTearsDownDescriptors(t *testing.T) {
	ctx := context.Background()
	eng := &engine.Fake{}
	gpio := gpioout.NewFake(map[uint]bool{gpio19: true})
	mux := pinmux.NewMux()
	b := NewBus(BusConfig{Name: "0"}, eng, gpio, mux, golog.NewTestLogger(t))
	test.That(t, b.Attach(LineDescriptor{
		Index: 0, Kind: KindSoft, SoftPin: gpio19, MaxFrequencyHz: 500000,
	}), test.ShouldBeNil)

	_, claimed := mux.FunctionOf(gpio19)
	test.That(t, claimed, test.ShouldBeTrue)

	test.That(t, b.Close(ctx), test.ShouldBeNil)
	_, claimed = mux.FunctionOf(gpio19)
	test.That(t, claimed, test.ShouldBeFalse)

	_, err := b.Submit(ctx, 0, []byte{0x00}, 500000)
	test.That(t, errors.Is(err, ErrBusClosed), test.ShouldBeTrue)
	err = b.Attach(LineDescriptor{Index: 1, Kind: KindNative, NativeLine: "1", MaxFrequencyHz: 500000})
	test.That(t, errors.Is(err, ErrBusClosed), test.ShouldBeTrue)

	// Closing twice is fine.
	test.That(t, b.Close(ctx), test.ShouldBeNil)
}
