package engine

import (
	"context"
	"sync"
	"time"
)

// Call is one recorded Exchange invocation on a Fake. NativeLine is the
// hardware CS selection the engine was asked for; "" means the caller drove
// a soft line itself.
type Call struct {
	ClockHz    uint
	NativeLine string
	TX         []byte
}

// Fake is a scripted transfer engine. It records every call and tracks how
// many exchanges were ever in flight at once, which is how tests verify that
// the controller never overlaps two assertions.
type Fake struct {
	// Response is returned from every exchange; when nil the transmitted
	// bytes are echoed back.
	Response []byte
	// Err, when set, fails every exchange.
	Err error
	// Delay stretches each exchange to widen race windows in concurrency
	// tests.
	Delay time.Duration
	// Block, when non-nil, stalls each exchange until the channel yields.
	Block chan struct{}

	mu          sync.Mutex
	calls       []Call
	inFlight    int
	maxInFlight int
}

// Exchange implements csext.Engine.
func (f *Fake) Exchange(ctx context.Context, clockHz uint, nativeLine string, tx []byte) ([]byte, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	txCopy := make([]byte, len(tx))
	copy(txCopy, tx)
	f.calls = append(f.calls, Call{ClockHz: clockHz, NativeLine: nativeLine, TX: txCopy})
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.Err != nil {
		return nil, f.Err
	}
	if f.Response != nil {
		rx := make([]byte, len(f.Response))
		copy(rx, f.Response)
		return rx, nil
	}
	return txCopy, nil
}

// Calls returns a copy of every recorded exchange, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// InFlight reports how many exchanges are currently running.
func (f *Fake) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// MaxInFlight reports the high-water mark of concurrent exchanges.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}
